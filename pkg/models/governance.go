package models

import (
	"fmt"
	"time"
)

// AutonomyPhase is the current rung of the autonomy ladder. Higher phases
// whitelist more command types for agent execution without human approval.
type AutonomyPhase string

// Autonomy phases, safest first.
const (
	PhaseL3     AutonomyPhase = "L3"
	PhaseL3Plus AutonomyPhase = "L3+"
	PhaseL4     AutonomyPhase = "L4"
	PhaseL4Plus AutonomyPhase = "L4+"
	PhaseL5     AutonomyPhase = "L5"
)

// Valid reports whether p is a known phase.
func (p AutonomyPhase) Valid() bool {
	switch p {
	case PhaseL3, PhaseL3Plus, PhaseL4, PhaseL4Plus, PhaseL5:
		return true
	}
	return false
}

// GovernanceState is the singleton record bounding system autonomy.
// PausedCommandTypes is maintained by the circuit breaker's
// pause_command_type action and consulted by the governor.
type GovernanceState struct {
	CurrentPhase       AutonomyPhase `json:"currentPhase"`
	PhaseStartDate     time.Time     `json:"phaseStartDate"`
	CommandWhitelist   []CommandType `json:"commandWhitelist"`
	PausedCommandTypes []CommandType `json:"pausedCommandTypes,omitempty"`
	LastReportDate     *time.Time    `json:"lastReportDate,omitempty"`
}

// Whitelisted reports whether t is in the current command whitelist.
func (s GovernanceState) Whitelisted(t CommandType) bool {
	for _, w := range s.CommandWhitelist {
		if w == t {
			return true
		}
	}
	return false
}

// Paused reports whether the breaker has paused command type t.
func (s GovernanceState) Paused(t CommandType) bool {
	for _, p := range s.PausedCommandTypes {
		if p == t {
			return true
		}
	}
	return false
}

// GovernorAction is the outcome kind of a governor evaluation.
type GovernorAction string

// Governor actions.
const (
	GovernorAllow      GovernorAction = "ALLOW"
	GovernorBlock      GovernorAction = "BLOCK"
	GovernorQuarantine GovernorAction = "QUARANTINE"
)

// GovernorDecision is the governor's verdict on a proposed command.
type GovernorDecision struct {
	Action     GovernorAction `json:"action"`
	Confidence float64        `json:"confidence"`
	Reasons    []string       `json:"reasons,omitempty"`
	DecidedAt  time.Time      `json:"decidedAt"`
	DecidedBy  string         `json:"decidedBy"`
}

// BreakerAction is what a circuit breaker rule does when it fires.
type BreakerAction string

// Breaker actions.
const (
	ActionRevertToL3       BreakerAction = "revert_to_l3"
	ActionPauseCommandType BreakerAction = "pause_command_type"
	ActionAlertOnly        BreakerAction = "alert_only"
)

// Valid reports whether a is a known breaker action.
func (a BreakerAction) Valid() bool {
	switch a {
	case ActionRevertToL3, ActionPauseCommandType, ActionAlertOnly:
		return true
	}
	return false
}

// BreakerRule is a persisted, operator-editable safety rule. Condition is a
// restricted textual expression parsed at load time (see governance package);
// malformed conditions are rejected on write, never at evaluation.
type BreakerRule struct {
	Name          string        `json:"name"`
	Enabled       bool          `json:"enabled"`
	Condition     string        `json:"condition"`
	Window        time.Duration `json:"window"`
	Action        BreakerAction `json:"action"`
	AlertSeverity string        `json:"alertSeverity,omitempty"`
	// PauseType names the command type paused by pause_command_type rules.
	PauseType CommandType `json:"pauseType,omitempty"`
}

// Validate checks structural requirements of a rule (condition grammar is
// checked by the governance parser).
func (r BreakerRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("breaker rule: name is required")
	}
	if r.Condition == "" {
		return fmt.Errorf("breaker rule: condition is required")
	}
	if !r.Action.Valid() {
		return fmt.Errorf("breaker rule: unknown action %q", r.Action)
	}
	if r.Action == ActionPauseCommandType && !r.PauseType.Valid() {
		return fmt.Errorf("breaker rule: pause_command_type requires a valid pauseType")
	}
	if r.Window <= 0 {
		return fmt.Errorf("breaker rule: window must be positive")
	}
	return nil
}

// BreakerEvent is the immutable audit record of one rule firing. Only the
// Resolved flag may change, via an explicit resolve call.
type BreakerEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Rule      BreakerRule    `json:"rule"`
	Metrics   CommandMetrics `json:"metrics"`
	Action    BreakerAction  `json:"action"`
	Details   string         `json:"details,omitempty"`
	Resolved  bool           `json:"resolved"`
}

// CommandMetrics is an aggregated snapshot of command outcomes over a window,
// plus incident and safety counters derived from audit logs and outcomes.
type CommandMetrics struct {
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`

	Total      int `json:"total"`
	Proposed   int `json:"proposed"`
	Approved   int `json:"approved"`
	Rejected   int `json:"rejected"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	RolledBack int `json:"rolledBack"`

	SuccessRate  float64 `json:"successRate"`
	ApprovalRate float64 `json:"approvalRate"`
	RollbackRate float64 `json:"rollbackRate"`
	ErrorRate    float64 `json:"errorRate"`

	CriticalIncidents    int `json:"criticalIncidents"`
	ConstraintViolations int `json:"constraintViolations"`
	EmergencyAborts      int `json:"emergencyAborts"`

	// FailuresByType counts FAILED outcomes per command type.
	FailuresByType map[CommandType]int `json:"failuresByType,omitempty"`
}
