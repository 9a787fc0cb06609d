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

// ErrStaleTransition is returned when a guarded proposal update matched no
// row: the proposal moved to a different status between read and write.
var ErrStaleTransition = errors.New("proposal status changed concurrently")

// ProposalRepo persists command proposals with their audit logs.
type ProposalRepo struct {
	client *database.Client
}

// NewProposalRepo creates a ProposalRepo.
func NewProposalRepo(client *database.Client) *ProposalRepo {
	return &ProposalRepo{client: client}
}

const proposalColumns = `proposal_id, command_json, command_type, machine_id, target_value,
	proposer, actor, reasoning, session_id, mission_id, status, created_at,
	approval_required, approval_timeout_seconds, approved_by, approved_at,
	rejected_by, rejected_at, rejection_reason, execution_started_at,
	execution_ended_at, duration_ms, outcome, audit_log`

// Insert persists a fully-formed proposal (including its initial audit log).
func (r *ProposalRepo) Insert(ctx context.Context, p *models.CommandProposal) error {
	args, err := proposalArgs(p)
	if err != nil {
		return err
	}
	_, err = r.client.DB().ExecContext(ctx, r.client.Rebind(`
		INSERT INTO command_proposals (`+proposalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		args...,
	)
	if err != nil {
		return fmt.Errorf("inserting proposal: %w", err)
	}
	return nil
}

// Update rewrites the proposal row, guarded by the status the caller read.
// The audit log only ever grows; transitions race-checked through fromStatus
// keep it append-only. Returns ErrStaleTransition when the guard misses.
func (r *ProposalRepo) Update(ctx context.Context, p *models.CommandProposal, fromStatus models.ProposalStatus) error {
	args, err := proposalArgs(p)
	if err != nil {
		return err
	}
	// Shift proposal_id to the WHERE clause.
	args = append(args[1:], p.ProposalID, string(fromStatus))
	res, err := r.client.DB().ExecContext(ctx, r.client.Rebind(`
		UPDATE command_proposals SET
		  command_json = ?, command_type = ?, machine_id = ?, target_value = ?,
		  proposer = ?, actor = ?, reasoning = ?, session_id = ?, mission_id = ?,
		  status = ?, created_at = ?, approval_required = ?, approval_timeout_seconds = ?,
		  approved_by = ?, approved_at = ?, rejected_by = ?, rejected_at = ?,
		  rejection_reason = ?, execution_started_at = ?, execution_ended_at = ?,
		  duration_ms = ?, outcome = ?, audit_log = ?
		WHERE proposal_id = ? AND status = ?`),
		args...,
	)
	if err != nil {
		return fmt.Errorf("updating proposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating proposal: %w", err)
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// Get returns a proposal by id, or ErrNotFound.
func (r *ProposalRepo) Get(ctx context.Context, proposalID string) (*models.CommandProposal, error) {
	row := r.client.DB().QueryRowContext(ctx,
		r.client.Rebind(`SELECT `+proposalColumns+` FROM command_proposals WHERE proposal_id = ?`),
		proposalID)
	return scanProposal(row)
}

// ListPendingApprovals returns PENDING_APPROVAL proposals, newest first.
func (r *ProposalRepo) ListPendingApprovals(ctx context.Context) ([]*models.CommandProposal, error) {
	return r.list(ctx, `status = ?`, string(models.ProposalPendingApproval))
}

// ListByMachine returns a machine's proposals, newest first.
func (r *ProposalRepo) ListByMachine(ctx context.Context, machineID string) ([]*models.CommandProposal, error) {
	return r.list(ctx, `machine_id = ?`, machineID)
}

// ListBySession returns a session's proposals, newest first.
func (r *ProposalRepo) ListBySession(ctx context.Context, sessionID string) ([]*models.CommandProposal, error) {
	return r.list(ctx, `session_id = ?`, sessionID)
}

// ListAll returns the most recent proposals.
func (r *ProposalRepo) ListAll(ctx context.Context, limit int) ([]*models.CommandProposal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.client.DB().QueryContext(ctx, r.client.Rebind(`
		SELECT `+proposalColumns+` FROM command_proposals
		ORDER BY created_at DESC, proposal_id DESC LIMIT ?`),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing proposals: %w", err)
	}
	defer rows.Close()
	return collectProposals(rows)
}

// ListCreatedSince returns proposals created at or after t, for metrics
// aggregation over a window.
func (r *ProposalRepo) ListCreatedSince(ctx context.Context, t time.Time) ([]*models.CommandProposal, error) {
	return r.list(ctx, `created_at >= ?`, formatTime(t))
}

// RecentAdmitted returns the latest non-rejected proposals of one command
// type on one machine, newest first — the rate gate's snapshot.
func (r *ProposalRepo) RecentAdmitted(ctx context.Context, machineID string, cmdType models.CommandType, limit int) ([]*models.CommandProposal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.client.DB().QueryContext(ctx, r.client.Rebind(`
		SELECT `+proposalColumns+` FROM command_proposals
		WHERE machine_id = ? AND command_type = ?
		  AND status NOT IN ('REJECTED', 'TIMEOUT')
		ORDER BY created_at DESC, proposal_id DESC
		LIMIT ?`),
		machineID, string(cmdType), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent commands: %w", err)
	}
	defer rows.Close()
	return collectProposals(rows)
}

func (r *ProposalRepo) list(ctx context.Context, where string, args ...any) ([]*models.CommandProposal, error) {
	rows, err := r.client.DB().QueryContext(ctx, r.client.Rebind(`
		SELECT `+proposalColumns+` FROM command_proposals
		WHERE `+where+` ORDER BY created_at DESC, proposal_id DESC`),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("listing proposals: %w", err)
	}
	defer rows.Close()
	return collectProposals(rows)
}

func collectProposals(rows *sql.Rows) ([]*models.CommandProposal, error) {
	var out []*models.CommandProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func proposalArgs(p *models.CommandProposal) ([]any, error) {
	commandJSON, err := json.Marshal(p.Command)
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}
	auditJSON, err := json.Marshal(p.AuditLog)
	if err != nil {
		return nil, fmt.Errorf("encoding audit log: %w", err)
	}
	var rejectionJSON, outcomeJSON sql.NullString
	if p.RejectionReason != nil {
		b, err := json.Marshal(p.RejectionReason)
		if err != nil {
			return nil, fmt.Errorf("encoding rejection reason: %w", err)
		}
		rejectionJSON = sql.NullString{String: string(b), Valid: true}
	}
	if p.Outcome != nil {
		b, err := json.Marshal(p.Outcome)
		if err != nil {
			return nil, fmt.Errorf("encoding outcome: %w", err)
		}
		outcomeJSON = sql.NullString{String: string(b), Valid: true}
	}
	var targetValue sql.NullFloat64
	if p.Command.TargetValue != nil {
		targetValue = sql.NullFloat64{Float64: *p.Command.TargetValue, Valid: true}
	}
	var durationMs sql.NullInt64
	if p.DurationMs != nil {
		durationMs = sql.NullInt64{Int64: *p.DurationMs, Valid: true}
	}

	return []any{
		p.ProposalID, string(commandJSON), string(p.Command.Type), p.Command.MachineID,
		targetValue, string(p.Proposer), p.Actor, p.Reasoning,
		nullString(p.SessionID), nullString(p.MissionID), string(p.Status),
		formatTime(p.CreatedAt), boolToInt(p.ApprovalRequired), p.ApprovalTimeoutSeconds,
		nullString(p.ApprovedBy), nullTime(p.ApprovedAt),
		nullString(p.RejectedBy), nullTime(p.RejectedAt),
		rejectionJSON, nullTime(p.ExecutionStartedAt), nullTime(p.ExecutionEndedAt),
		durationMs, outcomeJSON, string(auditJSON),
	}, nil
}

func scanProposal(row rowScanner) (*models.CommandProposal, error) {
	var (
		p models.CommandProposal

		commandJSON, proposer, status, createdAt, auditJSON string
		cmdType, machineID, actor, reasoning               string
		targetValue                                        sql.NullFloat64
		sessionID, missionID, approvedBy, rejectedBy       sql.NullString
		approvedAt, rejectedAt, execStarted, execEnded     sql.NullString
		rejectionJSON, outcomeJSON                         sql.NullString
		approvalRequired                                   int
		durationMs                                         sql.NullInt64
	)
	err := row.Scan(
		&p.ProposalID, &commandJSON, &cmdType, &machineID, &targetValue,
		&proposer, &actor, &reasoning, &sessionID, &missionID, &status, &createdAt,
		&approvalRequired, &p.ApprovalTimeoutSeconds, &approvedBy, &approvedAt,
		&rejectedBy, &rejectedAt, &rejectionJSON, &execStarted,
		&execEnded, &durationMs, &outcomeJSON, &auditJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning proposal: %w", err)
	}

	if err := json.Unmarshal([]byte(commandJSON), &p.Command); err != nil {
		return nil, fmt.Errorf("decoding command: %w", err)
	}
	if err := json.Unmarshal([]byte(auditJSON), &p.AuditLog); err != nil {
		return nil, fmt.Errorf("decoding audit log: %w", err)
	}
	if rejectionJSON.Valid {
		p.RejectionReason = &models.RejectionReason{}
		if err := json.Unmarshal([]byte(rejectionJSON.String), p.RejectionReason); err != nil {
			return nil, fmt.Errorf("decoding rejection reason: %w", err)
		}
	}
	if outcomeJSON.Valid {
		p.Outcome = &models.CommandOutcome{}
		if err := json.Unmarshal([]byte(outcomeJSON.String), p.Outcome); err != nil {
			return nil, fmt.Errorf("decoding outcome: %w", err)
		}
	}

	p.Proposer = models.ProposerKind(proposer)
	p.Actor = actor
	p.Reasoning = reasoning
	p.SessionID = sessionID.String
	p.MissionID = missionID.String
	p.Status = models.ProposalStatus(status)
	p.ApprovalRequired = approvalRequired != 0
	p.ApprovedBy = approvedBy.String
	p.RejectedBy = rejectedBy.String
	if durationMs.Valid {
		p.DurationMs = &durationMs.Int64
	}

	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.ApprovedAt, err = scanNullTime(approvedAt); err != nil {
		return nil, err
	}
	if p.RejectedAt, err = scanNullTime(rejectedAt); err != nil {
		return nil, err
	}
	if p.ExecutionStartedAt, err = scanNullTime(execStarted); err != nil {
		return nil, err
	}
	if p.ExecutionEndedAt, err = scanNullTime(execEnded); err != nil {
		return nil, err
	}
	return &p, nil
}
