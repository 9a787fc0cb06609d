package command

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastops/roastd/pkg/config"
	"github.com/roastops/roastd/pkg/database"
	"github.com/roastops/roastd/pkg/models"
	"github.com/roastops/roastd/pkg/storage"
)

func f(v float64) *float64 { return &v }

// stubGovernor returns a fixed decision for every proposal.
type stubGovernor struct {
	decision models.GovernorDecision
	lastIn   GovernorInput
}

func (g *stubGovernor) Evaluate(_ context.Context, in GovernorInput) (models.GovernorDecision, error) {
	g.lastIn = in
	return g.decision, nil
}

// stubState serves a fixed flag map for every machine.
type stubState struct {
	flags map[string]bool
}

func (s *stubState) CurrentState(context.Context, string) (map[string]bool, error) {
	return s.flags, nil
}

func newTestService(t *testing.T, governor Governor, state StateProvider) *Service {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{
		Type: database.DialectSQLite,
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	repo := storage.NewProposalRepo(client)
	return NewService(repo, governor, state, repo, config.DefaultCommandConfig(), slog.Default())
}

func proposeRequest(cmdType models.CommandType, value *float64) models.ProposeRequest {
	return models.ProposeRequest{
		Command: models.Command{
			Type:        cmdType,
			MachineID:   "roaster-1",
			TargetValue: value,
		},
		Proposer:  models.ProposerHuman,
		Actor:     "operator-1",
		Reasoning: "manual adjustment",
	}
}

func TestProposePendingApprovalByDefault(t *testing.T) {
	svc := newTestService(t, nil, nil)

	p, err := svc.Propose(context.Background(), proposeRequest(models.CommandSetPower, f(60)))
	require.NoError(t, err)
	assert.Equal(t, models.ProposalPendingApproval, p.Status)
	assert.True(t, p.ApprovalRequired)
	require.Len(t, p.AuditLog, 1)
	assert.Equal(t, models.AuditProposed, p.AuditLog[0].Event)
}

func TestProposeAutoApproval(t *testing.T) {
	svc := newTestService(t, nil, nil)

	req := proposeRequest(models.CommandSetFan, f(5))
	off := false
	req.ApprovalRequired = &off
	p, err := svc.Propose(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalApproved, p.Status)
	assert.Equal(t, "auto", p.ApprovedBy)
	require.NotNil(t, p.ApprovedAt)
}

func TestProposeRejectsValueAboveHardCap(t *testing.T) {
	svc := newTestService(t, nil, nil)

	p, err := svc.Propose(context.Background(), proposeRequest(models.CommandSetPower, f(150)))
	require.NoError(t, err)
	assert.Equal(t, models.ProposalRejected, p.Status)
	assert.Equal(t, "system", p.RejectedBy)
	require.NotNil(t, p.RejectionReason)
	assert.Equal(t, models.ReasonConstraintViolation, p.RejectionReason.Code)
	require.Len(t, p.AuditLog, 2)
	assert.Equal(t, models.AuditProposed, p.AuditLog[0].Event)
	assert.Equal(t, models.AuditRejected, p.AuditLog[1].Event)
}

func TestProposeRejectsMissingValue(t *testing.T) {
	svc := newTestService(t, nil, nil)

	p, err := svc.Propose(context.Background(), proposeRequest(models.CommandSetPower, nil))
	require.NoError(t, err)
	assert.Equal(t, models.ProposalRejected, p.Status)
	assert.Equal(t, models.ReasonConstraintViolation, p.RejectionReason.Code)
}

func TestProposeRejectsValueOnValuelessCommand(t *testing.T) {
	svc := newTestService(t, nil, nil)

	p, err := svc.Propose(context.Background(), proposeRequest(models.CommandAbort, f(1)))
	require.NoError(t, err)
	assert.Equal(t, models.ProposalRejected, p.Status)
	assert.Equal(t, models.ReasonConstraintViolation, p.RejectionReason.Code)
}

func TestProposeRejectsTighterCallerConstraint(t *testing.T) {
	svc := newTestService(t, nil, nil)

	req := proposeRequest(models.CommandSetPower, f(90))
	req.Command.Constraints.MaxValue = f(80)
	p, err := svc.Propose(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalRejected, p.Status)
	assert.Equal(t, models.ReasonConstraintViolation, p.RejectionReason.Code)
}

func TestProposeGovernorBlock(t *testing.T) {
	gov := &stubGovernor{decision: models.GovernorDecision{
		Action:    models.GovernorBlock,
		Reasons:   []string{models.ReasonOutOfScope},
		DecidedBy: "autonomy-governor",
	}}
	svc := newTestService(t, gov, nil)

	req := proposeRequest(models.CommandSetPower, f(60))
	req.Proposer = models.ProposerAgent
	p, err := svc.Propose(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalRejected, p.Status)
	assert.Equal(t, models.ReasonOutOfScope, p.RejectionReason.Code)
	require.Len(t, p.AuditLog, 2)
	assert.Equal(t, models.ProposerAgent, gov.lastIn.Proposer)
	assert.Equal(t, models.CommandSetPower, gov.lastIn.CommandType)
}

func TestProposeStateGate(t *testing.T) {
	svc := newTestService(t, nil, &stubState{flags: map[string]bool{"drumRotating": false}})

	p, err := svc.Propose(context.Background(), proposeRequest(models.CommandCharge, nil))
	require.NoError(t, err)
	assert.Equal(t, models.ProposalRejected, p.Status)
	assert.Equal(t, models.ReasonStateGuard, p.RejectionReason.Code)
}

func TestProposeStateGatePreheatDuringRoast(t *testing.T) {
	svc := newTestService(t, nil, &stubState{flags: map[string]bool{"roastInProgress": true}})

	p, err := svc.Propose(context.Background(), proposeRequest(models.CommandPreheat, nil))
	require.NoError(t, err)
	assert.Equal(t, models.ProposalRejected, p.Status)
	assert.Equal(t, models.ReasonStateGuard, p.RejectionReason.Code)
}

func TestProposeStateGatePasses(t *testing.T) {
	svc := newTestService(t, nil, &stubState{flags: map[string]bool{"drumRotating": true}})

	p, err := svc.Propose(context.Background(), proposeRequest(models.CommandCharge, nil))
	require.NoError(t, err)
	assert.Equal(t, models.ProposalPendingApproval, p.Status)
}

func TestRateGateMinInterval(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	first := proposeRequest(models.CommandSetPower, f(50))
	first.Command.Constraints.MinIntervalSeconds = f(10)
	p1, err := svc.Propose(ctx, first)
	require.NoError(t, err)
	require.Equal(t, models.ProposalPendingApproval, p1.Status)

	now = now.Add(3 * time.Second)
	second := proposeRequest(models.CommandSetPower, f(55))
	second.Command.Constraints.MinIntervalSeconds = f(10)
	p2, err := svc.Propose(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalRejected, p2.Status)
	assert.Equal(t, models.ReasonRateLimit, p2.RejectionReason.Code)

	now = now.Add(10 * time.Second)
	third := proposeRequest(models.CommandSetPower, f(55))
	third.Command.Constraints.MinIntervalSeconds = f(10)
	p3, err := svc.Propose(ctx, third)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalPendingApproval, p3.Status)
}

func TestRateGateMaxDailyCount(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	maxDaily := 2
	for i := 0; i < 2; i++ {
		req := proposeRequest(models.CommandSetFan, f(5))
		req.Command.Constraints.MaxDailyCount = &maxDaily
		p, err := svc.Propose(ctx, req)
		require.NoError(t, err)
		require.Equal(t, models.ProposalPendingApproval, p.Status)
		now = now.Add(time.Minute)
	}

	req := proposeRequest(models.CommandSetFan, f(5))
	req.Command.Constraints.MaxDailyCount = &maxDaily
	p, err := svc.Propose(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalRejected, p.Status)
	assert.Equal(t, models.ReasonRateLimit, p.RejectionReason.Code)

	// A new calendar day resets the count.
	now = now.Add(24 * time.Hour)
	p, err = svc.Propose(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalPendingApproval, p.Status)
}

func TestRateGateRampRate(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	first := proposeRequest(models.CommandSetPower, f(20))
	first.Command.Constraints.RampRate = f(2)
	p1, err := svc.Propose(ctx, first)
	require.NoError(t, err)
	require.Equal(t, models.ProposalPendingApproval, p1.Status)

	// 60 units in 10s is 6/s, over the 2/s limit.
	now = now.Add(10 * time.Second)
	second := proposeRequest(models.CommandSetPower, f(80))
	second.Command.Constraints.RampRate = f(2)
	p2, err := svc.Propose(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalRejected, p2.Status)
	assert.Equal(t, models.ReasonRampRate, p2.RejectionReason.Code)
}

func TestApproveLifecycle(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	p, err := svc.Propose(ctx, proposeRequest(models.CommandSetPower, f(60)))
	require.NoError(t, err)

	approved, err := svc.Approve(ctx, p.ProposalID, "operator-2")
	require.NoError(t, err)
	assert.Equal(t, models.ProposalApproved, approved.Status)
	assert.Equal(t, "operator-2", approved.ApprovedBy)
	require.Len(t, approved.AuditLog, 2)

	_, err = svc.Approve(ctx, p.ProposalID, "operator-2")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestRejectByOperator(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	p, err := svc.Propose(ctx, proposeRequest(models.CommandSetPower, f(60)))
	require.NoError(t, err)

	rejected, err := svc.Reject(ctx, p.ProposalID, "operator-2", "not during cooldown")
	require.NoError(t, err)
	assert.Equal(t, models.ProposalRejected, rejected.Status)
	assert.Equal(t, models.ReasonUserRejected, rejected.RejectionReason.Code)
	assert.Equal(t, "not during cooldown", rejected.RejectionReason.Message)

	_, err = svc.Approve(ctx, p.ProposalID, "operator-2")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestExecutionLifecycle(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	p, err := svc.Propose(ctx, proposeRequest(models.CommandSetPower, f(60)))
	require.NoError(t, err)
	_, err = svc.Approve(ctx, p.ProposalID, "operator-2")
	require.NoError(t, err)

	executing, err := svc.BeginExecution(ctx, p.ProposalID, "executor-1")
	require.NoError(t, err)
	assert.Equal(t, models.ProposalExecuting, executing.Status)

	now = now.Add(1500 * time.Millisecond)
	done, err := svc.CompleteExecution(ctx, p.ProposalID, "executor-1", models.CommandOutcome{
		Status:      string(models.ProposalCompleted),
		ActualValue: f(60),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ProposalCompleted, done.Status)
	require.NotNil(t, done.DurationMs)
	assert.Equal(t, int64(1500), *done.DurationMs)
	require.NotNil(t, done.Outcome)

	// Audit trail covers the whole journey.
	events := make([]string, 0, len(done.AuditLog))
	for _, e := range done.AuditLog {
		events = append(events, e.Event)
	}
	assert.Equal(t, []string{
		models.AuditProposed, models.AuditApproved,
		models.AuditExecutionStarted, models.AuditCompleted,
	}, events)
}

func TestCompleteExecutionValidatesOutcome(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	p, err := svc.Propose(ctx, proposeRequest(models.CommandSetPower, f(60)))
	require.NoError(t, err)

	_, err = svc.CompleteExecution(ctx, p.ProposalID, "executor-1", models.CommandOutcome{Status: "DONE"})
	assert.ErrorIs(t, err, models.ErrValidation)

	// Valid outcome, wrong lifecycle stage.
	_, err = svc.CompleteExecution(ctx, p.ProposalID, "executor-1", models.CommandOutcome{
		Status: string(models.ProposalCompleted),
	})
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestBeginExecutionRequiresApproval(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	p, err := svc.Propose(ctx, proposeRequest(models.CommandSetPower, f(60)))
	require.NoError(t, err)

	_, err = svc.BeginExecution(ctx, p.ProposalID, "executor-1")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestProposeValidation(t *testing.T) {
	svc := newTestService(t, nil, nil)

	req := proposeRequest(models.CommandSetPower, f(60))
	req.Actor = ""
	_, err := svc.Propose(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestSweepApprovalTimeouts(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	req := proposeRequest(models.CommandSetPower, f(60))
	timeout := 30.0
	req.ApprovalTimeoutSeconds = &timeout
	p, err := svc.Propose(ctx, req)
	require.NoError(t, err)
	require.Equal(t, models.ProposalPendingApproval, p.Status)

	// Not yet stale.
	count, err := svc.SweepApprovalTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	now = now.Add(31 * time.Second)
	count, err = svc.SweepApprovalTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	timedOut, err := svc.Get(ctx, p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalTimeout, timedOut.Status)
	last := timedOut.AuditLog[len(timedOut.AuditLog)-1]
	assert.Equal(t, models.AuditTimeout, last.Event)

	_, err = svc.Approve(ctx, p.ProposalID, "operator-2")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}
