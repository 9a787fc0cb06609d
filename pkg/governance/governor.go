// Package governance bounds system autonomy: a governor that gates agent
// commands against the current phase, metrics aggregation over command
// outcomes, and a circuit breaker that retreats to a safer phase when the
// numbers degrade.
package governance

import (
	"context"
	"log/slog"
	"time"

	"github.com/roastops/roastd/pkg/command"
	"github.com/roastops/roastd/pkg/models"
	"github.com/roastops/roastd/pkg/storage"
)

// recentFailureRateLimit is the agent failure rate above which the governor
// blocks further agent proposals.
const recentFailureRateLimit = 0.2

// Governor evaluates proposed commands against the governance state. Human
// proposals always pass; agent proposals must be whitelisted, not paused,
// and below the failure-rate limit.
type Governor struct {
	repo   *storage.GovernanceRepo
	logger *slog.Logger

	now func() time.Time
}

// NewGovernor creates a Governor backed by the governance repository.
func NewGovernor(repo *storage.GovernanceRepo, logger *slog.Logger) *Governor {
	return &Governor{
		repo:   repo,
		logger: logger.With("component", "governor"),
		now:    time.Now,
	}
}

var _ command.Governor = (*Governor)(nil)

// Evaluate implements command.Governor. The decision path is read-only.
func (g *Governor) Evaluate(ctx context.Context, in command.GovernorInput) (models.GovernorDecision, error) {
	state, err := g.repo.GetState(ctx)
	if err != nil {
		return models.GovernorDecision{}, err
	}

	decision := models.GovernorDecision{
		Action:     models.GovernorAllow,
		Confidence: 1,
		DecidedAt:  g.now().UTC(),
		DecidedBy:  "autonomy-governor",
	}
	if in.Proposer != models.ProposerAgent {
		return decision, nil
	}

	if state.Paused(in.CommandType) || !state.Whitelisted(in.CommandType) {
		decision.Action = models.GovernorBlock
		decision.Reasons = []string{models.ReasonOutOfScope}
		g.logger.Info("governor blocked agent command",
			"type", string(in.CommandType), "phase", string(state.CurrentPhase),
			"paused", state.Paused(in.CommandType), "actor", in.Actor)
		return decision, nil
	}
	if in.RecentFailureRate > recentFailureRateLimit {
		decision.Action = models.GovernorBlock
		decision.Reasons = []string{models.ReasonHighFailureRate}
		g.logger.Info("governor blocked agent command on failure rate",
			"type", string(in.CommandType), "failureRate", in.RecentFailureRate, "actor", in.Actor)
		return decision, nil
	}
	return decision, nil
}
