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

// GovernanceRepo persists the governance singleton, breaker rules, breaker
// events, and metrics snapshots.
type GovernanceRepo struct {
	client *database.Client
}

// NewGovernanceRepo creates a GovernanceRepo.
func NewGovernanceRepo(client *database.Client) *GovernanceRepo {
	return &GovernanceRepo{client: client}
}

// GetState returns the governance singleton. When no row exists yet the
// bootstrap default is returned: phase L3, empty whitelist.
func (r *GovernanceRepo) GetState(ctx context.Context) (models.GovernanceState, error) {
	var (
		state                        models.GovernanceState
		phase, started               string
		whitelistJSON, pausedJSON    string
		lastReport                   sql.NullString
	)
	err := r.client.DB().QueryRowContext(ctx, `
		SELECT current_phase, phase_start_date, whitelist_json, paused_json, last_report_date
		FROM governance_state WHERE id = 1`,
	).Scan(&phase, &started, &whitelistJSON, &pausedJSON, &lastReport)
	if errors.Is(err, sql.ErrNoRows) {
		return models.GovernanceState{
			CurrentPhase:     models.PhaseL3,
			PhaseStartDate:   time.Now().UTC(),
			CommandWhitelist: []models.CommandType{},
		}, nil
	}
	if err != nil {
		return state, fmt.Errorf("querying governance state: %w", err)
	}

	state.CurrentPhase = models.AutonomyPhase(phase)
	if state.PhaseStartDate, err = parseTime(started); err != nil {
		return state, err
	}
	if err := json.Unmarshal([]byte(whitelistJSON), &state.CommandWhitelist); err != nil {
		return state, fmt.Errorf("decoding whitelist: %w", err)
	}
	if err := json.Unmarshal([]byte(pausedJSON), &state.PausedCommandTypes); err != nil {
		return state, fmt.Errorf("decoding paused types: %w", err)
	}
	if state.LastReportDate, err = scanNullTime(lastReport); err != nil {
		return state, err
	}
	return state, nil
}

// SaveState upserts the governance singleton.
func (r *GovernanceRepo) SaveState(ctx context.Context, state models.GovernanceState) error {
	whitelist := state.CommandWhitelist
	if whitelist == nil {
		whitelist = []models.CommandType{}
	}
	paused := state.PausedCommandTypes
	if paused == nil {
		paused = []models.CommandType{}
	}
	whitelistJSON, err := json.Marshal(whitelist)
	if err != nil {
		return fmt.Errorf("encoding whitelist: %w", err)
	}
	pausedJSON, err := json.Marshal(paused)
	if err != nil {
		return fmt.Errorf("encoding paused types: %w", err)
	}
	_, err = r.client.DB().ExecContext(ctx, r.client.Rebind(`
		INSERT INTO governance_state (id, current_phase, phase_start_date, whitelist_json, paused_json, last_report_date)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
		  current_phase = excluded.current_phase,
		  phase_start_date = excluded.phase_start_date,
		  whitelist_json = excluded.whitelist_json,
		  paused_json = excluded.paused_json,
		  last_report_date = excluded.last_report_date`),
		string(state.CurrentPhase), formatTime(state.PhaseStartDate),
		string(whitelistJSON), string(pausedJSON), nullTime(state.LastReportDate),
	)
	if err != nil {
		return fmt.Errorf("saving governance state: %w", err)
	}
	return nil
}

// ListRules returns all breaker rules ordered by name.
func (r *GovernanceRepo) ListRules(ctx context.Context) ([]models.BreakerRule, error) {
	rows, err := r.client.DB().QueryContext(ctx, `
		SELECT name, enabled, condition, window_seconds, action, alert_severity, pause_type
		FROM circuit_breaker_rules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing breaker rules: %w", err)
	}
	defer rows.Close()

	var rules []models.BreakerRule
	for rows.Next() {
		var (
			rule            models.BreakerRule
			enabled         int
			windowSeconds   float64
			action          string
			severity, pause sql.NullString
		)
		if err := rows.Scan(&rule.Name, &enabled, &rule.Condition, &windowSeconds,
			&action, &severity, &pause); err != nil {
			return nil, fmt.Errorf("scanning breaker rule: %w", err)
		}
		rule.Enabled = enabled != 0
		rule.Window = time.Duration(windowSeconds * float64(time.Second))
		rule.Action = models.BreakerAction(action)
		rule.AlertSeverity = severity.String
		rule.PauseType = models.CommandType(pause.String)
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// GetRule returns one breaker rule by name, or ErrNotFound.
func (r *GovernanceRepo) GetRule(ctx context.Context, name string) (models.BreakerRule, error) {
	rules, err := r.ListRules(ctx)
	if err != nil {
		return models.BreakerRule{}, err
	}
	for _, rule := range rules {
		if rule.Name == name {
			return rule, nil
		}
	}
	return models.BreakerRule{}, ErrNotFound
}

// UpsertRule stores a breaker rule, replacing any prior definition.
func (r *GovernanceRepo) UpsertRule(ctx context.Context, rule models.BreakerRule) error {
	_, err := r.client.DB().ExecContext(ctx, r.client.Rebind(`
		INSERT INTO circuit_breaker_rules (name, enabled, condition, window_seconds, action, alert_severity, pause_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
		  enabled = excluded.enabled,
		  condition = excluded.condition,
		  window_seconds = excluded.window_seconds,
		  action = excluded.action,
		  alert_severity = excluded.alert_severity,
		  pause_type = excluded.pause_type`),
		rule.Name, boolToInt(rule.Enabled), rule.Condition, rule.Window.Seconds(),
		string(rule.Action), nullString(rule.AlertSeverity), nullString(string(rule.PauseType)),
	)
	if err != nil {
		return fmt.Errorf("upserting breaker rule: %w", err)
	}
	return nil
}

// InsertEvent persists a breaker event.
func (r *GovernanceRepo) InsertEvent(ctx context.Context, ev models.BreakerEvent) error {
	ruleJSON, err := json.Marshal(ev.Rule)
	if err != nil {
		return fmt.Errorf("encoding rule snapshot: %w", err)
	}
	metricsJSON, err := json.Marshal(ev.Metrics)
	if err != nil {
		return fmt.Errorf("encoding metrics snapshot: %w", err)
	}
	_, err = r.client.DB().ExecContext(ctx, r.client.Rebind(`
		INSERT INTO circuit_breaker_events (event_id, ts, rule_json, metrics_json, action, details, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, formatTime(ev.Timestamp), string(ruleJSON), string(metricsJSON),
		string(ev.Action), nullString(ev.Details), boolToInt(ev.Resolved),
	)
	if err != nil {
		return fmt.Errorf("inserting breaker event: %w", err)
	}
	return nil
}

// ListEvents returns breaker events, newest first.
func (r *GovernanceRepo) ListEvents(ctx context.Context, limit int) ([]models.BreakerEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.client.DB().QueryContext(ctx, r.client.Rebind(`
		SELECT event_id, ts, rule_json, metrics_json, action, details, resolved
		FROM circuit_breaker_events ORDER BY ts DESC, event_id DESC LIMIT ?`),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing breaker events: %w", err)
	}
	defer rows.Close()

	var events []models.BreakerEvent
	for rows.Next() {
		var (
			ev                     models.BreakerEvent
			ts, ruleJSON, metricsJSON, action string
			details                sql.NullString
			resolved               int
		)
		if err := rows.Scan(&ev.ID, &ts, &ruleJSON, &metricsJSON, &action, &details, &resolved); err != nil {
			return nil, fmt.Errorf("scanning breaker event: %w", err)
		}
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ruleJSON), &ev.Rule); err != nil {
			return nil, fmt.Errorf("decoding rule snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(metricsJSON), &ev.Metrics); err != nil {
			return nil, fmt.Errorf("decoding metrics snapshot: %w", err)
		}
		ev.Action = models.BreakerAction(action)
		ev.Details = details.String
		ev.Resolved = resolved != 0
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ResolveEvent marks a breaker event resolved. Returns ErrNotFound when the
// event does not exist.
func (r *GovernanceRepo) ResolveEvent(ctx context.Context, eventID string) error {
	res, err := r.client.DB().ExecContext(ctx,
		r.client.Rebind(`UPDATE circuit_breaker_events SET resolved = 1 WHERE event_id = ?`),
		eventID)
	if err != nil {
		return fmt.Errorf("resolving breaker event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolving breaker event: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertSnapshot persists a metrics snapshot.
func (r *GovernanceRepo) InsertSnapshot(ctx context.Context, id string, m models.CommandMetrics, createdAt time.Time) error {
	metricsJSON, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding metrics: %w", err)
	}
	_, err = r.client.DB().ExecContext(ctx, r.client.Rebind(`
		INSERT INTO metrics_snapshots (snapshot_id, window_start, window_end, created_at, metrics_json)
		VALUES (?, ?, ?, ?, ?)`),
		id, formatTime(m.WindowStart), formatTime(m.WindowEnd), formatTime(createdAt), string(metricsJSON),
	)
	if err != nil {
		return fmt.Errorf("inserting metrics snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent metrics snapshot, or ErrNotFound.
func (r *GovernanceRepo) LatestSnapshot(ctx context.Context) (models.CommandMetrics, error) {
	var (
		m    models.CommandMetrics
		blob string
	)
	err := r.client.DB().QueryRowContext(ctx, `
		SELECT metrics_json FROM metrics_snapshots
		ORDER BY created_at DESC, snapshot_id DESC LIMIT 1`,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("querying latest snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(blob), &m); err != nil {
		return m, fmt.Errorf("decoding metrics snapshot: %w", err)
	}
	return m, nil
}

// ListSnapshots returns snapshots whose windows overlap [start, end],
// newest first.
func (r *GovernanceRepo) ListSnapshots(ctx context.Context, start, end time.Time) ([]models.CommandMetrics, error) {
	rows, err := r.client.DB().QueryContext(ctx, r.client.Rebind(`
		SELECT metrics_json FROM metrics_snapshots
		WHERE window_end >= ? AND window_start <= ?
		ORDER BY created_at DESC, snapshot_id DESC`),
		formatTime(start), formatTime(end),
	)
	if err != nil {
		return nil, fmt.Errorf("listing metrics snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.CommandMetrics
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scanning metrics snapshot: %w", err)
		}
		var m models.CommandMetrics
		if err := json.Unmarshal([]byte(blob), &m); err != nil {
			return nil, fmt.Errorf("decoding metrics snapshot: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
