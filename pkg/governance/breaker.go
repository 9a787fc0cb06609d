package governance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roastops/roastd/pkg/config"
	"github.com/roastops/roastd/pkg/models"
	"github.com/roastops/roastd/pkg/storage"
)

// Breaker periodically evaluates the enabled rules against fresh metrics
// and executes the actions of any rule that fires. Governance state writes
// hold a lock only across the transition; the governor's read path never
// contends with metric aggregation.
type Breaker struct {
	repo   *storage.GovernanceRepo
	agg    *Aggregator
	cfg    *config.BreakerConfig
	logger *slog.Logger

	mu  sync.Mutex
	now func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBreaker creates a Breaker.
func NewBreaker(repo *storage.GovernanceRepo, agg *Aggregator, cfg *config.BreakerConfig, logger *slog.Logger) *Breaker {
	return &Breaker{
		repo:   repo,
		agg:    agg,
		cfg:    cfg,
		logger: logger.With("component", "circuit-breaker"),
		now:    time.Now,
	}
}

// Start launches the periodic check loop.
func (b *Breaker) Start(ctx context.Context) {
	if b.cancel != nil {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})

	go b.run(ctx)

	slog.Info("Circuit breaker started", "interval", b.cfg.CheckInterval)
}

// Stop signals the check loop to exit and waits for it to finish.
func (b *Breaker) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
	slog.Info("Circuit breaker stopped")
}

func (b *Breaker) run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.RunCycle(ctx); err != nil {
				b.logger.Error("breaker cycle failed", "error", err)
			}
		}
	}
}

// RunCycle evaluates every enabled rule once and returns the events it
// created. A metrics snapshot over the default window is persisted each
// cycle regardless of whether any rule fired.
func (b *Breaker) RunCycle(ctx context.Context) ([]models.BreakerEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()
	rules, err := b.repo.ListRules(ctx)
	if err != nil {
		return nil, err
	}

	snapshot, err := b.agg.Window(ctx, now.Add(-b.cfg.DefaultWindow), now)
	if err != nil {
		return nil, err
	}
	if err := b.repo.InsertSnapshot(ctx, uuid.NewString(), snapshot, now); err != nil {
		return nil, err
	}

	var fired []models.BreakerEvent
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		cond, err := ParseCondition(rule.Condition)
		if err != nil {
			// Rules are validated on write; a bad stored condition is a
			// data problem, not a reason to stop the loop.
			b.logger.Error("skipping rule with unparseable condition",
				"rule", rule.Name, "error", err)
			continue
		}

		metrics := snapshot
		window := rule.Window
		if window <= 0 {
			window = b.cfg.DefaultWindow
		}
		if window != b.cfg.DefaultWindow {
			metrics, err = b.agg.Window(ctx, now.Add(-window), now)
			if err != nil {
				return fired, err
			}
		}
		if !cond.Evaluate(metrics) {
			continue
		}

		event := models.BreakerEvent{
			ID:        uuid.NewString(),
			Timestamp: now,
			Rule:      rule,
			Metrics:   metrics,
			Action:    rule.Action,
			Details:   rule.Condition,
		}
		if err := b.repo.InsertEvent(ctx, event); err != nil {
			return fired, err
		}
		if err := b.execute(ctx, rule, now); err != nil {
			return fired, err
		}
		fired = append(fired, event)
	}
	return fired, nil
}

func (b *Breaker) execute(ctx context.Context, rule models.BreakerRule, now time.Time) error {
	switch rule.Action {
	case models.ActionRevertToL3:
		state, err := b.repo.GetState(ctx)
		if err != nil {
			return err
		}
		state.CurrentPhase = models.PhaseL3
		state.PhaseStartDate = now
		state.CommandWhitelist = []models.CommandType{}
		if err := b.repo.SaveState(ctx, state); err != nil {
			return err
		}
		b.logger.Error("CRITICAL: autonomy reverted to L3",
			"rule", rule.Name, "condition", rule.Condition)

	case models.ActionPauseCommandType:
		state, err := b.repo.GetState(ctx)
		if err != nil {
			return err
		}
		if !state.Paused(rule.PauseType) {
			state.PausedCommandTypes = append(state.PausedCommandTypes, rule.PauseType)
			if err := b.repo.SaveState(ctx, state); err != nil {
				return err
			}
		}
		b.logger.Warn("command type paused",
			"rule", rule.Name, "type", string(rule.PauseType))

	case models.ActionAlertOnly:
		b.logger.Warn("breaker alert",
			"rule", rule.Name, "severity", rule.AlertSeverity, "condition", rule.Condition)
	}
	return nil
}
