package command

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roastops/roastd/pkg/models"
)

// Sweeper transitions PENDING_APPROVAL proposals to TIMEOUT once their
// approval window lapses. Safe to run from multiple replicas: the guarded
// update means only one sweep wins a given proposal.
type Sweeper struct {
	service  *Service
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a Sweeper over the service.
func NewSweeper(service *Service, interval time.Duration) *Sweeper {
	return &Sweeper{service: service, interval: interval}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Approval timeout sweeper started", "interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Approval timeout sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	count, err := s.service.SweepApprovalTimeouts(ctx)
	if err != nil {
		slog.Error("Approval timeout sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Timed out stale proposals", "count", count)
	}
}

// SweepApprovalTimeouts transitions every stale PENDING_APPROVAL proposal
// to TIMEOUT and returns how many were transitioned.
func (s *Service) SweepApprovalTimeouts(ctx context.Context) (int, error) {
	pending, err := s.repo.ListPendingApprovals(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now().UTC()
	count := 0
	for _, p := range pending {
		deadline := p.CreatedAt.Add(time.Duration(p.ApprovalTimeoutSeconds * float64(time.Second)))
		if now.Before(deadline) {
			continue
		}

		p.Status = models.ProposalTimeout
		p.AuditLog = append(p.AuditLog, models.AuditEntry{
			Timestamp: now,
			Event:     models.AuditTimeout,
			Actor:     "system",
			Details:   map[string]any{"approvalTimeoutSeconds": p.ApprovalTimeoutSeconds},
		})
		err := s.update(ctx, p, models.ProposalPendingApproval)
		if errors.Is(err, ErrIllegalTransition) {
			// Approved or rejected between the list and the update.
			continue
		}
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
