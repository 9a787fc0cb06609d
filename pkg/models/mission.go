package models

import (
	"fmt"
	"time"
)

// MissionStatus enumerates mission lifecycle states.
type MissionStatus string

// Mission lifecycle states. LEASED missions return to RETRY when their lease
// expires or the holder reports a retryable failure; SUCCEEDED and FAILED are
// terminal.
const (
	MissionPending   MissionStatus = "PENDING"
	MissionLeased    MissionStatus = "LEASED"
	MissionSucceeded MissionStatus = "SUCCEEDED"
	MissionFailed    MissionStatus = "FAILED"
	MissionRetry     MissionStatus = "RETRY"
)

// Valid reports whether s is a known mission status.
func (s MissionStatus) Valid() bool {
	switch s {
	case MissionPending, MissionLeased, MissionSucceeded, MissionFailed, MissionRetry:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s MissionStatus) Terminal() bool {
	return s == MissionSucceeded || s == MissionFailed
}

// MissionPriority orders claimable missions.
type MissionPriority string

// Mission priorities, highest first when claiming.
const (
	PriorityHigh   MissionPriority = "HIGH"
	PriorityMedium MissionPriority = "MEDIUM"
	PriorityLow    MissionPriority = "LOW"
)

// Valid reports whether p is a known priority.
func (p MissionPriority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Rank returns a numeric weight for claim ordering (higher claims first).
func (p MissionPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// MissionGoal names the work an agent should perform plus its parameters.
type MissionGoal struct {
	Title  string         `json:"title"`
	Params map[string]any `json:"params,omitempty"`
}

// MissionLease is a bounded-time exclusive claim on a mission.
type MissionLease struct {
	LeaseID   string    `json:"leaseId"`
	HolderID  string    `json:"holderId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (l MissionLease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Mission is a persisted unit of agent work. At most one non-expired lease
// exists per mission; attempts count claims, not reaps.
type Mission struct {
	MissionID      string          `json:"missionId"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Goal           MissionGoal     `json:"goal"`
	Priority       MissionPriority `json:"priority"`
	Status         MissionStatus   `json:"status"`
	Attempts       int             `json:"attempts"`
	NextRunAfter   time.Time       `json:"nextRunAfter"`
	Lease          *MissionLease   `json:"lease,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// CreateMissionRequest carries the fields accepted when creating a mission.
type CreateMissionRequest struct {
	Goal           MissionGoal     `json:"goal"`
	Priority       MissionPriority `json:"priority,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// Validate checks required fields and defaults the priority to MEDIUM.
func (r *CreateMissionRequest) Validate() error {
	if r.Goal.Title == "" {
		return fmt.Errorf("mission: goal.title is required")
	}
	if r.Priority == "" {
		r.Priority = PriorityMedium
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("mission: unknown priority %q", r.Priority)
	}
	return nil
}
