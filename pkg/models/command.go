package models

import (
	"fmt"
	"time"
)

// CommandType enumerates the hardware commands agents and operators can
// propose.
type CommandType string

// Hardware command types. SET_* commands carry a target value; ABORT and the
// lifecycle commands (PREHEAT, CHARGE, DROP) do not.
const (
	CommandSetPower CommandType = "SET_POWER"
	CommandSetFan   CommandType = "SET_FAN"
	CommandSetDrum  CommandType = "SET_DRUM"
	CommandAbort    CommandType = "ABORT"
	CommandPreheat  CommandType = "PREHEAT"
	CommandCharge   CommandType = "CHARGE"
	CommandDrop     CommandType = "DROP"
)

// Valid reports whether t is a known command type.
func (t CommandType) Valid() bool {
	switch t {
	case CommandSetPower, CommandSetFan, CommandSetDrum,
		CommandAbort, CommandPreheat, CommandCharge, CommandDrop:
		return true
	}
	return false
}

// HasValue reports whether the command type carries a target value.
func (t CommandType) HasValue() bool {
	switch t {
	case CommandSetPower, CommandSetFan, CommandSetDrum:
		return true
	}
	return false
}

// ValueRange returns the hard cap for value-carrying command types.
// ok is false for commands without a value.
func (t CommandType) ValueRange() (min, max float64, ok bool) {
	switch t {
	case CommandSetPower, CommandSetDrum:
		return 0, 100, true
	case CommandSetFan:
		return 1, 10, true
	}
	return 0, 0, false
}

// CommandConstraints bound how and when a command may be issued.
type CommandConstraints struct {
	MinValue           *float64 `json:"minValue,omitempty"`
	MaxValue           *float64 `json:"maxValue,omitempty"`
	RampRate           *float64 `json:"rampRate,omitempty"` // units per second
	RequireStates      []string `json:"requireStates,omitempty"`
	ForbiddenStates    []string `json:"forbiddenStates,omitempty"`
	MinIntervalSeconds *float64 `json:"minIntervalSeconds,omitempty"`
	MaxDailyCount      *int     `json:"maxDailyCount,omitempty"`
}

// Command is a concrete hardware instruction for one machine.
type Command struct {
	CommandID   string             `json:"commandId"`
	Type        CommandType        `json:"type"`
	MachineID   string             `json:"machineId"`
	TargetValue *float64           `json:"targetValue,omitempty"`
	Unit        string             `json:"unit,omitempty"`
	Constraints CommandConstraints `json:"constraints"`
}

// ProposerKind distinguishes agent-originated from human-originated proposals.
type ProposerKind string

// Proposer kinds.
const (
	ProposerAgent ProposerKind = "AGENT"
	ProposerHuman ProposerKind = "HUMAN"
)

// Valid reports whether k is a known proposer kind.
func (k ProposerKind) Valid() bool {
	return k == ProposerAgent || k == ProposerHuman
}

// ProposalStatus enumerates command proposal lifecycle states.
type ProposalStatus string

// Proposal lifecycle states.
const (
	ProposalProposed        ProposalStatus = "PROPOSED"
	ProposalPendingApproval ProposalStatus = "PENDING_APPROVAL"
	ProposalApproved        ProposalStatus = "APPROVED"
	ProposalRejected        ProposalStatus = "REJECTED"
	ProposalExecuting       ProposalStatus = "EXECUTING"
	ProposalCompleted       ProposalStatus = "COMPLETED"
	ProposalFailed          ProposalStatus = "FAILED"
	ProposalAborted         ProposalStatus = "ABORTED"
	ProposalTimeout         ProposalStatus = "TIMEOUT"
)

// Valid reports whether s is a known proposal status.
func (s ProposalStatus) Valid() bool {
	switch s {
	case ProposalProposed, ProposalPendingApproval, ProposalApproved,
		ProposalRejected, ProposalExecuting, ProposalCompleted,
		ProposalFailed, ProposalAborted, ProposalTimeout:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s ProposalStatus) Terminal() bool {
	switch s {
	case ProposalCompleted, ProposalFailed, ProposalRejected,
		ProposalAborted, ProposalTimeout:
		return true
	}
	return false
}

// Rejection reason codes. The set is closed; clients switch on these values.
const (
	ReasonConstraintViolation = "CONSTRAINT_VIOLATION"
	ReasonStateGuard          = "STATE_GUARD"
	ReasonRateLimit           = "RATE_LIMIT"
	ReasonRampRate            = "RAMP_RATE"
	ReasonOutOfScope          = "OUT_OF_SCOPE"
	ReasonHighFailureRate     = "HIGH_FAILURE_RATE"
	ReasonUserRejected        = "USER_REJECTED"
)

// RejectionReason explains why a proposal was rejected.
type RejectionReason struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// AuditEntry is one immutable line of a proposal's audit log. Entries are
// append-only and ordered by operation; the first entry is always PROPOSED.
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Actor     string         `json:"actor"`
	Details   map[string]any `json:"details,omitempty"`
}

// Audit log event names.
const (
	AuditProposed         = "PROPOSED"
	AuditApproved         = "APPROVED"
	AuditRejected         = "REJECTED"
	AuditExecutionStarted = "EXECUTION_STARTED"
	AuditCompleted        = "COMPLETED"
	AuditFailed           = "FAILED"
	AuditTimeout          = "TIMEOUT"
)

// CommandOutcome records what actually happened when a proposal executed.
type CommandOutcome struct {
	Status           string         `json:"status"`
	ActualValue      *float64       `json:"actualValue,omitempty"`
	TelemetryChanges map[string]any `json:"telemetryChanges,omitempty"`
	ErrorCode        string         `json:"errorCode,omitempty"`
}

// CommandProposal is the persisted record of one command's journey through
// proposal, validation, approval, execution, and audit.
type CommandProposal struct {
	ProposalID             string           `json:"proposalId"`
	Command                Command          `json:"command"`
	Proposer               ProposerKind     `json:"proposer"`
	Actor                  string           `json:"actor"`
	Reasoning              string           `json:"reasoning"`
	SessionID              string           `json:"sessionId,omitempty"`
	MissionID              string           `json:"missionId,omitempty"`
	Status                 ProposalStatus   `json:"status"`
	CreatedAt              time.Time        `json:"createdAt"`
	ApprovalRequired       bool             `json:"approvalRequired"`
	ApprovalTimeoutSeconds float64          `json:"approvalTimeoutSeconds"`
	ApprovedBy             string           `json:"approvedBy,omitempty"`
	ApprovedAt             *time.Time       `json:"approvedAt,omitempty"`
	RejectedBy             string           `json:"rejectedBy,omitempty"`
	RejectedAt             *time.Time       `json:"rejectedAt,omitempty"`
	RejectionReason        *RejectionReason `json:"rejectionReason,omitempty"`
	ExecutionStartedAt     *time.Time       `json:"executionStartedAt,omitempty"`
	ExecutionEndedAt       *time.Time       `json:"executionEndedAt,omitempty"`
	DurationMs             *int64           `json:"durationMs,omitempty"`
	Outcome                *CommandOutcome  `json:"outcome,omitempty"`
	AuditLog               []AuditEntry     `json:"auditLog"`
}

// ProposeRequest carries the fields accepted when proposing a command.
type ProposeRequest struct {
	Command                Command      `json:"command"`
	Proposer               ProposerKind `json:"proposer"`
	Actor                  string       `json:"actor"`
	Reasoning              string       `json:"reasoning"`
	SessionID              string       `json:"sessionId,omitempty"`
	MissionID              string       `json:"missionId,omitempty"`
	ApprovalRequired       *bool        `json:"approvalRequired,omitempty"`
	ApprovalTimeoutSeconds *float64     `json:"approvalTimeoutSeconds,omitempty"`
}

// Validate checks the structural requirements of a proposal request. Gate
// checks (constraints, state, rate) happen later in the pipeline; this only
// rejects requests that are malformed regardless of system state.
func (r ProposeRequest) Validate() error {
	if !r.Command.Type.Valid() {
		return fmt.Errorf("proposal: unknown command type %q", r.Command.Type)
	}
	if r.Command.MachineID == "" {
		return fmt.Errorf("proposal: command.machineId is required")
	}
	if !r.Proposer.Valid() {
		return fmt.Errorf("proposal: unknown proposer %q", r.Proposer)
	}
	if r.Actor == "" {
		return fmt.Errorf("proposal: actor is required")
	}
	if r.Reasoning == "" {
		return fmt.Errorf("proposal: reasoning is required")
	}
	return nil
}
