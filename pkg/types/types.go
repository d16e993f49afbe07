// ============================================================================
// hackops domain model
// ============================================================================
//
// Package: pkg/types
// File: types.go
// Purpose: Shared records exchanged by the recorder, the print queue, the
// stores and the agents.
//
// Action records are append-only. Print jobs move through a closed state
// machine:
//
//	Pending ──claim──▶ Printing ──success──▶ Completed
//	   │                  └──max attempts──▶ Failed
//	   └──cancel──▶ Cancelled
//
// Completed, Failed and Cancelled are terminal.
//
// ============================================================================

package types

import (
	"fmt"
	"time"
)

// Participant is the read-only directory entry for an attendee.
type Participant struct {
	ID              string `json:"id" yaml:"id"`
	TeamID          string `json:"team_id,omitempty" yaml:"team_id"`
	PaymentCaptured bool   `json:"payment_captured" yaml:"payment_captured"`
}

// ActionType is a staff-recorded on-site action.
type ActionType string

const (
	ActionCheckIn    ActionType = "check_in"
	ActionCheckOut   ActionType = "check_out"
	ActionSwag       ActionType = "swag"
	ActionPhotobooth ActionType = "photobooth"
	ActionLunch      ActionType = "lunch"
	ActionDinner     ActionType = "dinner"
)

// ActionTypes lists every action type in display order.
var ActionTypes = []ActionType{
	ActionCheckIn,
	ActionCheckOut,
	ActionSwag,
	ActionPhotobooth,
	ActionLunch,
	ActionDinner,
}

// ParseActionType resolves a name to an ActionType, rejecting unknown names.
func ParseActionType(s string) (ActionType, error) {
	t := ActionType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown action type %q", s)
	}
	return t, nil
}

// Valid reports whether t is one of the declared action types.
func (t ActionType) Valid() bool {
	switch t {
	case ActionCheckIn, ActionCheckOut, ActionSwag, ActionPhotobooth, ActionLunch, ActionDinner:
		return true
	}
	return false
}

// IsOneTime reports whether a participant may hold at most one record of t.
func (t ActionType) IsOneTime() bool {
	switch t {
	case ActionSwag, ActionPhotobooth, ActionLunch, ActionDinner:
		return true
	}
	return false
}

// RequiresCheckIn reports whether t needs an earlier check-in record.
func (t ActionType) RequiresCheckIn() bool {
	return t == ActionSwag || t == ActionPhotobooth
}

// RequiresPayment reports whether t needs a captured payment.
func (t ActionType) RequiresPayment() bool {
	return t == ActionSwag || t == ActionPhotobooth
}

// UnmarshalText rejects unknown action names.
func (t *ActionType) UnmarshalText(b []byte) error {
	v, err := ParseActionType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ActionRecord is an immutable log entry of a staff action.
type ActionRecord struct {
	ID            string     `json:"id"`
	ParticipantID string     `json:"participant_id"`
	TeamID        string     `json:"team_id,omitempty"`
	ActionType    ActionType `json:"action_type"`
	RecordedAt    time.Time  `json:"recorded_at"`
	RecordedBy    string     `json:"recorded_by"`
	Location      string     `json:"location"`
}

// JobStatus is the lifecycle state of a print job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusPrinting  JobStatus = "printing"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// JobStatuses lists every status in lifecycle order.
var JobStatuses = []JobStatus{
	StatusPending,
	StatusPrinting,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// ParseJobStatus resolves a name to a JobStatus, rejecting unknown names.
func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the declared statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPrinting, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// HoldsSlot reports whether a job in state s blocks a new submission for
// the same participant.
func (s JobStatus) HoldsSlot() bool {
	switch s {
	case StatusPending, StatusPrinting, StatusCompleted:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is an edge of the job state machine.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusPrinting || to == StatusCancelled
	case StatusPrinting:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// UnmarshalText rejects unknown status names.
func (s *JobStatus) UnmarshalText(b []byte) error {
	v, err := ParseJobStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// PrintJob is a request to print one participant photo.
type PrintJob struct {
	ID             string     `json:"id"`
	ParticipantID  string     `json:"participant_id"`
	PhotoReference string     `json:"photo_reference"`
	Status         JobStatus  `json:"status"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	AttemptCount   int        `json:"attempt_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// AgentState is the self-reported state of a dispatch agent.
type AgentState string

const (
	AgentIdle       AgentState = "idle"
	AgentPrinting   AgentState = "printing"
	AgentConnecting AgentState = "connecting"
	AgentStopped    AgentState = "stopped"
)

// AgentHeartbeat is the liveness record an agent upserts periodically.
type AgentHeartbeat struct {
	AgentID      string     `json:"agent_id"`
	Hostname     string     `json:"hostname"`
	State        AgentState `json:"state"`
	CurrentJobID string     `json:"current_job_id,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	LastSeen     time.Time  `json:"last_seen"`
}
