package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roastops/roastd/pkg/database"
	"github.com/roastops/roastd/pkg/models"
)

// MissionRepo persists missions and implements the atomic claim.
type MissionRepo struct {
	client *database.Client
}

// NewMissionRepo creates a MissionRepo.
func NewMissionRepo(client *database.Client) *MissionRepo {
	return &MissionRepo{client: client}
}

const missionColumns = `mission_id, idempotency_key, goal_title, goal_params, priority, status,
	attempts, next_run_after, lease_id, lease_expires_at, holder_id, last_error, created_at, updated_at`

// Create inserts a new mission row.
func (r *MissionRepo) Create(ctx context.Context, m *models.Mission) error {
	params, err := json.Marshal(m.Goal.Params)
	if err != nil {
		return fmt.Errorf("encoding goal params: %w", err)
	}
	_, err = r.client.DB().ExecContext(ctx, r.client.Rebind(`
		INSERT INTO missions (`+missionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.MissionID, nullString(m.IdempotencyKey), m.Goal.Title, string(params),
		string(m.Priority), string(m.Status), m.Attempts, formatTime(m.NextRunAfter),
		sql.NullString{}, sql.NullString{}, sql.NullString{}, nullString(m.LastError),
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting mission: %w", err)
	}
	return nil
}

// Get returns a mission by id, or ErrNotFound.
func (r *MissionRepo) Get(ctx context.Context, missionID string) (*models.Mission, error) {
	row := r.client.DB().QueryRowContext(ctx,
		r.client.Rebind(`SELECT `+missionColumns+` FROM missions WHERE mission_id = ?`), missionID)
	return scanMission(row)
}

// GetByIdempotencyKey returns the mission created with the given key, or
// ErrNotFound.
func (r *MissionRepo) GetByIdempotencyKey(ctx context.Context, key string) (*models.Mission, error) {
	row := r.client.DB().QueryRowContext(ctx,
		r.client.Rebind(`SELECT `+missionColumns+` FROM missions WHERE idempotency_key = ?`), key)
	return scanMission(row)
}

// ClaimNext atomically selects and leases the next eligible mission: status
// PENDING or RETRY, due to run, goal title in goals. Ordering is priority
// desc, created_at asc, mission_id asc. Returns ErrNotFound when nothing is
// claimable.
//
// On postgres the select takes FOR UPDATE SKIP LOCKED; on both dialects the
// update re-checks the status so two claimers can never both win.
func (r *MissionRepo) ClaimNext(ctx context.Context, goals []string, holderID, leaseID string, leaseSeconds float64, now time.Time) (*models.Mission, error) {
	if len(goals) == 0 {
		return nil, ErrNotFound
	}

	tx, err := r.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(goals)), ",")
	args := make([]any, 0, len(goals)+1)
	args = append(args, formatTime(now))
	for _, g := range goals {
		args = append(args, g)
	}

	query := r.client.Rebind(`
		SELECT mission_id FROM missions
		WHERE status IN ('PENDING', 'RETRY')
		  AND next_run_after <= ?
		  AND goal_title IN (` + placeholders + `)
		ORDER BY
		  CASE priority WHEN 'HIGH' THEN 3 WHEN 'MEDIUM' THEN 2 WHEN 'LOW' THEN 1 ELSE 0 END DESC,
		  created_at ASC,
		  mission_id ASC
		LIMIT 1` + r.client.LockingClause())

	var missionID string
	err = tx.QueryRowContext(ctx, query, args...).Scan(&missionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting claimable mission: %w", err)
	}

	expiresAt := now.Add(time.Duration(leaseSeconds * float64(time.Second)))
	res, err := tx.ExecContext(ctx, r.client.Rebind(`
		UPDATE missions
		SET status = 'LEASED', lease_id = ?, holder_id = ?, lease_expires_at = ?,
		    attempts = attempts + 1, updated_at = ?
		WHERE mission_id = ? AND status IN ('PENDING', 'RETRY')`),
		leaseID, holderID, formatTime(expiresAt), formatTime(now), missionID,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming mission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claiming mission: %w", err)
	}
	if n == 0 {
		// Lost the race to a concurrent claimer.
		return nil, ErrNotFound
	}

	row := tx.QueryRowContext(ctx,
		r.client.Rebind(`SELECT `+missionColumns+` FROM missions WHERE mission_id = ?`), missionID)
	mission, err := scanMission(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return mission, nil
}

// ExtendLease pushes the lease expiry forward. Returns false when the lease
// tuple does not match or has already expired.
func (r *MissionRepo) ExtendLease(ctx context.Context, missionID, leaseID, holderID string, expiresAt, now time.Time) (bool, error) {
	res, err := r.client.DB().ExecContext(ctx, r.client.Rebind(`
		UPDATE missions
		SET lease_expires_at = ?, updated_at = ?
		WHERE mission_id = ? AND lease_id = ? AND holder_id = ?
		  AND status = 'LEASED' AND lease_expires_at > ?`),
		formatTime(expiresAt), formatTime(now), missionID, leaseID, holderID, formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("extending lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extending lease: %w", err)
	}
	return n > 0, nil
}

// FinishWithLease transitions a LEASED mission holding the given lease to a
// new status, clearing the lease. nextRunAfter applies to RETRY transitions;
// lastError is recorded when non-empty. Returns false when the lease tuple
// does not match.
func (r *MissionRepo) FinishWithLease(ctx context.Context, missionID, leaseID string, status models.MissionStatus, nextRunAfter *time.Time, lastError string, now time.Time) (bool, error) {
	next := formatTime(now)
	if nextRunAfter != nil {
		next = formatTime(*nextRunAfter)
	}
	res, err := r.client.DB().ExecContext(ctx, r.client.Rebind(`
		UPDATE missions
		SET status = ?, next_run_after = ?, last_error = ?,
		    lease_id = NULL, lease_expires_at = NULL, holder_id = NULL, updated_at = ?
		WHERE mission_id = ? AND lease_id = ? AND status = 'LEASED'`),
		string(status), next, nullString(lastError), formatTime(now), missionID, leaseID,
	)
	if err != nil {
		return false, fmt.Errorf("finishing mission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finishing mission: %w", err)
	}
	return n > 0, nil
}

// ReapExpired moves every LEASED mission whose lease has lapsed back to RETRY
// with next_run_after = now, clearing the lease. Attempts are not touched: a
// claim increments, a reap does not. Returns the number of reaped missions.
func (r *MissionRepo) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.client.DB().ExecContext(ctx, r.client.Rebind(`
		UPDATE missions
		SET status = 'RETRY', next_run_after = ?,
		    lease_id = NULL, lease_expires_at = NULL, holder_id = NULL, updated_at = ?
		WHERE status = 'LEASED' AND lease_expires_at <= ?`),
		formatTime(now), formatTime(now), formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("reaping expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reaping expired leases: %w", err)
	}
	return n, nil
}

// List returns missions ordered by creation time descending.
func (r *MissionRepo) List(ctx context.Context, limit int) ([]*models.Mission, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.client.DB().QueryContext(ctx, r.client.Rebind(`
		SELECT `+missionColumns+` FROM missions ORDER BY created_at DESC, mission_id DESC LIMIT ?`),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing missions: %w", err)
	}
	defer rows.Close()

	var missions []*models.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		missions = append(missions, m)
	}
	return missions, rows.Err()
}

// CountByStatus returns mission counts grouped by status.
func (r *MissionRepo) CountByStatus(ctx context.Context) (map[models.MissionStatus]int, error) {
	rows, err := r.client.DB().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM missions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting missions: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.MissionStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("counting missions: %w", err)
		}
		counts[models.MissionStatus(status)] = n
	}
	return counts, rows.Err()
}

// CountClaimable returns how many missions are due to run right now.
func (r *MissionRepo) CountClaimable(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := r.client.DB().QueryRowContext(ctx, r.client.Rebind(`
		SELECT COUNT(*) FROM missions
		WHERE status IN ('PENDING', 'RETRY') AND next_run_after <= ?`),
		formatTime(now),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting claimable missions: %w", err)
	}
	return n, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMission(row rowScanner) (*models.Mission, error) {
	var (
		m                                              models.Mission
		idemKey, goalParams                            sql.NullString
		leaseID, leaseExpires, holderID, lastError     sql.NullString
		priority, status, nextRun, createdAt, updated  string
	)
	err := row.Scan(
		&m.MissionID, &idemKey, &m.Goal.Title, &goalParams, &priority, &status,
		&m.Attempts, &nextRun, &leaseID, &leaseExpires, &holderID, &lastError,
		&createdAt, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning mission: %w", err)
	}

	m.IdempotencyKey = idemKey.String
	m.Priority = models.MissionPriority(priority)
	m.Status = models.MissionStatus(status)
	m.LastError = lastError.String

	if goalParams.Valid && goalParams.String != "" && goalParams.String != "null" {
		if err := json.Unmarshal([]byte(goalParams.String), &m.Goal.Params); err != nil {
			return nil, fmt.Errorf("decoding goal params: %w", err)
		}
	}
	if m.NextRunAfter, err = parseTime(nextRun); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if leaseID.Valid {
		expires, err := parseTime(leaseExpires.String)
		if err != nil {
			return nil, err
		}
		m.Lease = &models.MissionLease{
			LeaseID:   leaseID.String,
			HolderID:  holderID.String,
			ExpiresAt: expires,
		}
	}
	return &m, nil
}
