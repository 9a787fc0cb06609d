package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roastops/roastd/pkg/database"
	"github.com/roastops/roastd/pkg/models"
)

// MachineConfigRepo persists per-machine heuristics configuration.
type MachineConfigRepo struct {
	client *database.Client
}

// NewMachineConfigRepo creates a MachineConfigRepo.
func NewMachineConfigRepo(client *database.Client) *MachineConfigRepo {
	return &MachineConfigRepo{client: client}
}

// Get returns the stored partial config for a machine, or ErrNotFound.
func (r *MachineConfigRepo) Get(ctx context.Context, key models.MachineKey) (models.HeuristicsConfig, error) {
	var cfg models.HeuristicsConfig
	var raw string
	err := r.client.DB().QueryRowContext(ctx,
		r.client.Rebind(`SELECT config_json FROM machine_configs WHERE key = ?`),
		key.String(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, ErrNotFound
	}
	if err != nil {
		return cfg, fmt.Errorf("querying machine config: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("decoding machine config: %w", err)
	}
	return cfg, nil
}

// Upsert stores the partial config for a machine, replacing any prior value.
func (r *MachineConfigRepo) Upsert(ctx context.Context, key models.MachineKey, cfg models.HeuristicsConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding machine config: %w", err)
	}
	now := formatTime(time.Now())
	// ON CONFLICT upsert is in the shared dialect subset.
	_, err = r.client.DB().ExecContext(ctx, r.client.Rebind(`
		INSERT INTO machine_configs (key, org_id, site_id, machine_id, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET config_json = excluded.config_json, updated_at = excluded.updated_at`),
		key.String(), key.OrgID, key.SiteID, key.MachineID, string(raw), now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting machine config: %w", err)
	}
	return nil
}

// Delete removes the stored config for a machine. Returns ErrNotFound if no
// config was stored.
func (r *MachineConfigRepo) Delete(ctx context.Context, key models.MachineKey) error {
	res, err := r.client.DB().ExecContext(ctx,
		r.client.Rebind(`DELETE FROM machine_configs WHERE key = ?`), key.String())
	if err != nil {
		return fmt.Errorf("deleting machine config: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting machine config: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
