// Package command implements the proposal lifecycle: gate validation,
// approval, execution callbacks, and the append-only audit log.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roastops/roastd/pkg/config"
	"github.com/roastops/roastd/pkg/models"
	"github.com/roastops/roastd/pkg/storage"
)

// ErrIllegalTransition is returned when a lifecycle operation is attempted
// against a proposal whose status does not admit it.
var ErrIllegalTransition = errors.New("illegal proposal transition")

// Governor is consulted before any other gate. A nil Governor admits
// everything.
type Governor interface {
	Evaluate(ctx context.Context, in GovernorInput) (models.GovernorDecision, error)
}

// GovernorInput is what the governor sees about a proposed command.
type GovernorInput struct {
	CommandType models.CommandType
	TargetValue *float64
	MachineID   string
	SessionID   string
	Actor       string
	Proposer    models.ProposerKind

	RecentFailureRate float64
	CommandsInSession int
}

// StateProvider reports the machine's current state flags for the state
// gate. A nil provider disables the gate.
type StateProvider interface {
	CurrentState(ctx context.Context, machineID string) (map[string]bool, error)
}

// RecentCommands supplies the rate gate's snapshot of prior admitted
// commands. A nil provider disables the gate. *storage.ProposalRepo
// satisfies it.
type RecentCommands interface {
	RecentAdmitted(ctx context.Context, machineID string, cmdType models.CommandType, limit int) ([]*models.CommandProposal, error)
}

// Service runs proposals through the gate pipeline and owns every status
// transition afterwards.
type Service struct {
	repo     *storage.ProposalRepo
	governor Governor
	state    StateProvider
	recent   RecentCommands
	cfg      *config.CommandConfig
	logger   *slog.Logger

	now func() time.Time
}

// NewService creates a Service. governor, state, and recent are each
// optional; a nil value disables the corresponding gate.
func NewService(repo *storage.ProposalRepo, governor Governor, state StateProvider, recent RecentCommands, cfg *config.CommandConfig, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		governor: governor,
		state:    state,
		recent:   recent,
		cfg:      cfg,
		logger:   logger.With("component", "command-service"),
		now:      time.Now,
	}
}

// Propose runs the request through the gate pipeline and persists the
// resulting proposal. Gate failures are not errors: the returned proposal
// is fully formed and REJECTED, carrying the first failing gate's reason.
func (s *Service) Propose(ctx context.Context, req models.ProposeRequest) (*models.CommandProposal, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}

	now := s.now().UTC()
	p := &models.CommandProposal{
		ProposalID:             uuid.NewString(),
		Command:                req.Command,
		Proposer:               req.Proposer,
		Actor:                  req.Actor,
		Reasoning:              req.Reasoning,
		SessionID:              req.SessionID,
		MissionID:              req.MissionID,
		Status:                 models.ProposalProposed,
		CreatedAt:              now,
		ApprovalRequired:       true,
		ApprovalTimeoutSeconds: s.cfg.DefaultApprovalTimeout.Seconds(),
	}
	if p.Command.CommandID == "" {
		p.Command.CommandID = uuid.NewString()
	}
	if req.ApprovalRequired != nil {
		p.ApprovalRequired = *req.ApprovalRequired
	}
	if req.ApprovalTimeoutSeconds != nil && *req.ApprovalTimeoutSeconds > 0 {
		p.ApprovalTimeoutSeconds = *req.ApprovalTimeoutSeconds
	}
	p.AuditLog = []models.AuditEntry{{
		Timestamp: now,
		Event:     models.AuditProposed,
		Actor:     req.Actor,
		Details:   map[string]any{"reasoning": req.Reasoning},
	}}

	reason, err := s.runGates(ctx, p)
	if err != nil {
		return nil, err
	}
	if reason != nil {
		p.Status = models.ProposalRejected
		p.RejectedBy = "system"
		p.RejectedAt = &now
		p.RejectionReason = reason
		p.AuditLog = append(p.AuditLog, models.AuditEntry{
			Timestamp: now,
			Event:     models.AuditRejected,
			Actor:     "system",
			Details:   map[string]any{"code": reason.Code, "message": reason.Message},
		})
		s.logger.Info("proposal rejected by gate",
			"proposalId", p.ProposalID, "machine", p.Command.MachineID,
			"type", string(p.Command.Type), "code", reason.Code)
	} else if p.ApprovalRequired {
		p.Status = models.ProposalPendingApproval
	} else {
		p.Status = models.ProposalApproved
		p.ApprovedBy = "auto"
		p.ApprovedAt = &now
	}

	if err := s.repo.Insert(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Approve moves a PENDING_APPROVAL proposal to APPROVED. Any other current
// status fails with ErrIllegalTransition.
func (s *Service) Approve(ctx context.Context, proposalID, actor string) (*models.CommandProposal, error) {
	p, err := s.repo.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.ProposalPendingApproval {
		return nil, fmt.Errorf("%w: cannot approve proposal in status %s", ErrIllegalTransition, p.Status)
	}

	now := s.now().UTC()
	p.Status = models.ProposalApproved
	p.ApprovedBy = actor
	p.ApprovedAt = &now
	p.AuditLog = append(p.AuditLog, models.AuditEntry{
		Timestamp: now,
		Event:     models.AuditApproved,
		Actor:     actor,
	})
	if err := s.update(ctx, p, models.ProposalPendingApproval); err != nil {
		return nil, err
	}
	s.logger.Info("proposal approved", "proposalId", proposalID, "actor", actor)
	return p, nil
}

// Reject moves a PENDING_APPROVAL proposal to REJECTED with code
// USER_REJECTED, carrying the operator's reason text.
func (s *Service) Reject(ctx context.Context, proposalID, actor, reason string) (*models.CommandProposal, error) {
	p, err := s.repo.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.ProposalPendingApproval {
		return nil, fmt.Errorf("%w: cannot reject proposal in status %s", ErrIllegalTransition, p.Status)
	}

	now := s.now().UTC()
	p.Status = models.ProposalRejected
	p.RejectedBy = actor
	p.RejectedAt = &now
	p.RejectionReason = &models.RejectionReason{
		Code:    models.ReasonUserRejected,
		Message: reason,
	}
	p.AuditLog = append(p.AuditLog, models.AuditEntry{
		Timestamp: now,
		Event:     models.AuditRejected,
		Actor:     actor,
		Details:   map[string]any{"code": models.ReasonUserRejected, "message": reason},
	})
	if err := s.update(ctx, p, models.ProposalPendingApproval); err != nil {
		return nil, err
	}
	s.logger.Info("proposal rejected", "proposalId", proposalID, "actor", actor)
	return p, nil
}

// BeginExecution marks an APPROVED proposal EXECUTING. Called by the
// external executor when it picks the command up.
func (s *Service) BeginExecution(ctx context.Context, proposalID, actor string) (*models.CommandProposal, error) {
	p, err := s.repo.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.ProposalApproved {
		return nil, fmt.Errorf("%w: cannot execute proposal in status %s", ErrIllegalTransition, p.Status)
	}

	now := s.now().UTC()
	p.Status = models.ProposalExecuting
	p.ExecutionStartedAt = &now
	p.AuditLog = append(p.AuditLog, models.AuditEntry{
		Timestamp: now,
		Event:     models.AuditExecutionStarted,
		Actor:     actor,
	})
	if err := s.update(ctx, p, models.ProposalApproved); err != nil {
		return nil, err
	}
	return p, nil
}

// CompleteExecution records the outcome of an EXECUTING proposal. The
// outcome's status selects the terminal state: COMPLETED, FAILED, or
// ABORTED.
func (s *Service) CompleteExecution(ctx context.Context, proposalID, actor string, outcome models.CommandOutcome) (*models.CommandProposal, error) {
	var terminal models.ProposalStatus
	switch outcome.Status {
	case string(models.ProposalCompleted):
		terminal = models.ProposalCompleted
	case string(models.ProposalFailed):
		terminal = models.ProposalFailed
	case string(models.ProposalAborted):
		terminal = models.ProposalAborted
	default:
		return nil, fmt.Errorf("%w: unknown outcome status %q", models.ErrValidation, outcome.Status)
	}

	p, err := s.repo.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.ProposalExecuting {
		return nil, fmt.Errorf("%w: cannot complete proposal in status %s", ErrIllegalTransition, p.Status)
	}

	now := s.now().UTC()
	p.Status = terminal
	p.ExecutionEndedAt = &now
	p.Outcome = &outcome
	if p.ExecutionStartedAt != nil {
		ms := now.Sub(*p.ExecutionStartedAt).Milliseconds()
		p.DurationMs = &ms
	}
	event := models.AuditCompleted
	if terminal != models.ProposalCompleted {
		event = models.AuditFailed
	}
	p.AuditLog = append(p.AuditLog, models.AuditEntry{
		Timestamp: now,
		Event:     event,
		Actor:     actor,
		Details:   map[string]any{"outcomeStatus": outcome.Status},
	})
	if err := s.update(ctx, p, models.ProposalExecuting); err != nil {
		return nil, err
	}
	s.logger.Info("proposal execution finished",
		"proposalId", proposalID, "status", string(terminal))
	return p, nil
}

// Get returns one proposal by id.
func (s *Service) Get(ctx context.Context, proposalID string) (*models.CommandProposal, error) {
	return s.repo.Get(ctx, proposalID)
}

// ListPendingApprovals returns proposals awaiting approval, newest first.
func (s *Service) ListPendingApprovals(ctx context.Context) ([]*models.CommandProposal, error) {
	return s.repo.ListPendingApprovals(ctx)
}

// ListByMachine returns a machine's proposals, newest first.
func (s *Service) ListByMachine(ctx context.Context, machineID string) ([]*models.CommandProposal, error) {
	return s.repo.ListByMachine(ctx, machineID)
}

// ListBySession returns a session's proposals, newest first.
func (s *Service) ListBySession(ctx context.Context, sessionID string) ([]*models.CommandProposal, error) {
	return s.repo.ListBySession(ctx, sessionID)
}

// ListAll returns the most recent proposals.
func (s *Service) ListAll(ctx context.Context, limit int) ([]*models.CommandProposal, error) {
	return s.repo.ListAll(ctx, limit)
}

func (s *Service) update(ctx context.Context, p *models.CommandProposal, from models.ProposalStatus) error {
	err := s.repo.Update(ctx, p, from)
	if errors.Is(err, storage.ErrStaleTransition) {
		return fmt.Errorf("%w: proposal %s left status %s concurrently", ErrIllegalTransition, p.ProposalID, from)
	}
	return err
}
