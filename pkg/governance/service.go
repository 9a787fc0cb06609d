package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/roastops/roastd/pkg/config"
	"github.com/roastops/roastd/pkg/models"
	"github.com/roastops/roastd/pkg/storage"
)

// Service is the governance API surface: state reads, rule management,
// event resolution, metrics queries, and manual breaker cycles.
type Service struct {
	repo    *storage.GovernanceRepo
	agg     *Aggregator
	breaker *Breaker
	cfg     *config.BreakerConfig
}

// NewService creates a Service.
func NewService(repo *storage.GovernanceRepo, agg *Aggregator, breaker *Breaker, cfg *config.BreakerConfig) *Service {
	return &Service{repo: repo, agg: agg, breaker: breaker, cfg: cfg}
}

// State returns the current governance singleton.
func (s *Service) State(ctx context.Context) (models.GovernanceState, error) {
	return s.repo.GetState(ctx)
}

// RunCycle triggers one breaker evaluation immediately and returns the
// events it produced.
func (s *Service) RunCycle(ctx context.Context) ([]models.BreakerEvent, error) {
	return s.breaker.RunCycle(ctx)
}

// Rules lists all breaker rules.
func (s *Service) Rules(ctx context.Context) ([]models.BreakerRule, error) {
	return s.repo.ListRules(ctx)
}

// RulePatch carries the mutable fields of a breaker rule; nil fields keep
// their stored value.
type RulePatch struct {
	Enabled       *bool    `json:"enabled,omitempty"`
	Condition     *string  `json:"condition,omitempty"`
	WindowSeconds *float64 `json:"windowSeconds,omitempty"`
	Action        *string  `json:"action,omitempty"`
	AlertSeverity *string  `json:"alertSeverity,omitempty"`
	PauseType     *string  `json:"pauseType,omitempty"`
}

// PatchRule applies a partial update to one rule. Unknown rules are
// storage.ErrNotFound; the patched rule must still validate, condition
// grammar included.
func (s *Service) PatchRule(ctx context.Context, name string, patch RulePatch) (models.BreakerRule, error) {
	rule, err := s.repo.GetRule(ctx, name)
	if err != nil {
		return models.BreakerRule{}, err
	}

	if patch.Enabled != nil {
		rule.Enabled = *patch.Enabled
	}
	if patch.Condition != nil {
		rule.Condition = *patch.Condition
	}
	if patch.WindowSeconds != nil {
		rule.Window = time.Duration(*patch.WindowSeconds * float64(time.Second))
	}
	if patch.Action != nil {
		rule.Action = models.BreakerAction(*patch.Action)
	}
	if patch.AlertSeverity != nil {
		rule.AlertSeverity = *patch.AlertSeverity
	}
	if patch.PauseType != nil {
		rule.PauseType = models.CommandType(*patch.PauseType)
	}

	if err := rule.Validate(); err != nil {
		return models.BreakerRule{}, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	if _, err := ParseCondition(rule.Condition); err != nil {
		return models.BreakerRule{}, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	if err := s.repo.UpsertRule(ctx, rule); err != nil {
		return models.BreakerRule{}, err
	}
	return rule, nil
}

// CreateRule persists a new rule, validating structure and condition.
func (s *Service) CreateRule(ctx context.Context, rule models.BreakerRule) (models.BreakerRule, error) {
	if rule.Window <= 0 {
		rule.Window = s.cfg.DefaultWindow
	}
	if err := rule.Validate(); err != nil {
		return models.BreakerRule{}, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	if _, err := ParseCondition(rule.Condition); err != nil {
		return models.BreakerRule{}, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	if err := s.repo.UpsertRule(ctx, rule); err != nil {
		return models.BreakerRule{}, err
	}
	return rule, nil
}

// Events lists breaker events, newest first.
func (s *Service) Events(ctx context.Context, limit int) ([]models.BreakerEvent, error) {
	return s.repo.ListEvents(ctx, limit)
}

// ResolveEvent marks one breaker event resolved.
func (s *Service) ResolveEvent(ctx context.Context, id string) error {
	return s.repo.ResolveEvent(ctx, id)
}

// CurrentMetrics computes metrics live over [start, end]. A zero start
// defaults to the readiness window ending now.
func (s *Service) CurrentMetrics(ctx context.Context, start, end time.Time) (models.CommandMetrics, error) {
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if start.IsZero() {
		start = end.Add(-s.cfg.ReadinessWindow)
	}
	return s.agg.Window(ctx, start, end)
}

// WeeklyMetrics computes metrics over the trailing seven days.
func (s *Service) WeeklyMetrics(ctx context.Context) (models.CommandMetrics, error) {
	end := time.Now().UTC()
	return s.agg.Window(ctx, end.Add(-7*24*time.Hour), end)
}

// LatestSnapshot returns the most recent persisted metrics snapshot.
func (s *Service) LatestSnapshot(ctx context.Context) (models.CommandMetrics, error) {
	return s.repo.LatestSnapshot(ctx)
}
