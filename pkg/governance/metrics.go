package governance

import (
	"context"
	"time"

	"github.com/roastops/roastd/pkg/models"
	"github.com/roastops/roastd/pkg/storage"
)

// Aggregator derives command metrics from the proposal store over a window.
type Aggregator struct {
	proposals *storage.ProposalRepo
}

// NewAggregator creates an Aggregator.
func NewAggregator(proposals *storage.ProposalRepo) *Aggregator {
	return &Aggregator{proposals: proposals}
}

// Window computes metrics over proposals created in [start, end].
//
// Counter semantics: proposed counts every proposal; approved counts
// proposals that entered APPROVED at any point; the terminal counters go by
// final status. Critical incidents are failures carrying an error code,
// constraint violations cover the value and ramp gates, emergency aborts
// count ABORT commands.
func (a *Aggregator) Window(ctx context.Context, start, end time.Time) (models.CommandMetrics, error) {
	proposals, err := a.proposals.ListCreatedSince(ctx, start)
	if err != nil {
		return models.CommandMetrics{}, err
	}

	m := models.CommandMetrics{
		WindowStart:    start,
		WindowEnd:      end,
		FailuresByType: make(map[models.CommandType]int),
	}
	for _, p := range proposals {
		if p.CreatedAt.After(end) {
			continue
		}
		m.Total++
		m.Proposed++
		if p.ApprovedAt != nil {
			m.Approved++
		}
		switch p.Status {
		case models.ProposalRejected:
			m.Rejected++
		case models.ProposalCompleted:
			m.Succeeded++
		case models.ProposalFailed:
			m.Failed++
			m.FailuresByType[p.Command.Type]++
			if p.Outcome != nil && p.Outcome.ErrorCode != "" {
				m.CriticalIncidents++
			}
		case models.ProposalAborted:
			m.RolledBack++
		}
		if p.RejectionReason != nil {
			switch p.RejectionReason.Code {
			case models.ReasonConstraintViolation, models.ReasonRampRate:
				m.ConstraintViolations++
			}
		}
		if p.Command.Type == models.CommandAbort {
			m.EmergencyAborts++
		}
	}

	m.SuccessRate = float64(m.Succeeded) / float64(max(1, m.Succeeded+m.Failed))
	m.ApprovalRate = float64(m.Approved) / float64(max(1, m.Proposed))
	m.RollbackRate = float64(m.RolledBack) / float64(max(1, m.Succeeded))
	m.ErrorRate = float64(m.Failed) / float64(max(1, m.Total))
	return m, nil
}
