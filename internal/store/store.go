// ============================================================================
// hackops store contracts
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: Durable shared state for action records, print jobs and agent
// heartbeats.
//
// Every uniqueness or exclusivity rule is enforced inside a single atomic
// conditional write of the backend, never by a read followed by a write:
//
//   AppendAction       one record per (participant, one-time type)
//   InsertPrintJob     one Pending/Printing/Completed job per participant
//   ClaimPrintJob      Pending -> Printing for exactly one agent
//   CompletePrintJob   Printing -> Completed, claimant only
//   FailPrintAttempt   attempt_count++ and Printing -> Failed at the limit
//   CancelPrintJob     Pending -> Cancelled
//
// Backends: badgerstore (single process, default) and sqlitestore (shared
// by several local processes).
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/hackops/pkg/types"
)

var (
	// ErrNotFound is returned when a job or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClaimConflict is returned when a claim loses to another agent or
	// the job is no longer Pending.
	ErrClaimConflict = errors.New("claim conflict")
	// ErrNotClaimant is returned when an agent reports on a job it does not
	// hold in Printing.
	ErrNotClaimant = errors.New("job not held by agent")
	// ErrSubscriptionClosed is returned by Next after Close.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// ActionFilter narrows ListActions. Zero fields match everything.
type ActionFilter struct {
	ParticipantID string
	ActionType    types.ActionType
}

// JobFilter narrows ListPrintJobs. Zero fields match everything.
type JobFilter struct {
	ParticipantID string
	Status        types.JobStatus
	ClaimedBy     string
}

// Stats summarises the store for status output and the analytics reader.
type Stats struct {
	Jobs    map[types.JobStatus]int  `json:"jobs"`
	Actions map[types.ActionType]int `json:"actions"`
	Agents  []types.AgentHeartbeat   `json:"agents"`
}

// ActionLog is the append-only action record log.
type ActionLog interface {
	// AppendAction inserts rec. For one-time types it fails with
	// *types.AlreadyRecordedError carrying the existing record.
	AppendAction(ctx context.Context, rec types.ActionRecord) error
	// HasAction reports whether any record of t exists for participantID.
	HasAction(ctx context.Context, participantID string, t types.ActionType) (bool, error)
	// ListActions returns matching records ordered by recording time.
	ListActions(ctx context.Context, f ActionFilter) ([]types.ActionRecord, error)
}

// JobQueue holds print jobs and their transitions.
type JobQueue interface {
	// InsertPrintJob admits job only when the participant holds no
	// Pending, Printing or Completed job. Otherwise it fails with
	// *types.AlreadyPrintedError or types.ErrPrintInProgress.
	InsertPrintJob(ctx context.Context, job types.PrintJob) error
	GetPrintJob(ctx context.Context, id string) (types.PrintJob, error)
	// CompletedPrintJob returns the participant's completed job, if any.
	CompletedPrintJob(ctx context.Context, participantID string) (types.PrintJob, bool, error)
	// ListPrintJobs returns matching jobs ordered by creation.
	ListPrintJobs(ctx context.Context, f JobFilter) ([]types.PrintJob, error)

	ClaimPrintJob(ctx context.Context, id, agentID string, at time.Time) (types.PrintJob, error)
	CompletePrintJob(ctx context.Context, id, agentID string, at time.Time) (types.PrintJob, error)
	FailPrintAttempt(ctx context.Context, id, agentID, reason string, maxAttempts int, at time.Time) (types.PrintJob, error)
	CancelPrintJob(ctx context.Context, id, participantID string, at time.Time) (types.PrintJob, error)

	// WatchPending delivers Pending jobs in creation order, first those
	// already queued and then each newly queued one.
	WatchPending(ctx context.Context) (Subscription, error)
}

// HeartbeatLog records agent liveness.
type HeartbeatLog interface {
	PutHeartbeat(ctx context.Context, hb types.AgentHeartbeat) error
	ListHeartbeats(ctx context.Context) ([]types.AgentHeartbeat, error)
}

// Store is a complete backend.
type Store interface {
	ActionLog
	JobQueue
	HeartbeatLog
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Subscription is a live view of Pending jobs.
type Subscription interface {
	// Next blocks until a job not yet delivered becomes Pending. It returns
	// an error when the subscription is lost or ctx ends.
	Next(ctx context.Context) (types.PrintJob, error)
	Close() error
}

// NewStats returns Stats with every status and action type present.
func NewStats() Stats {
	s := Stats{
		Jobs:    make(map[types.JobStatus]int, len(types.JobStatuses)),
		Actions: make(map[types.ActionType]int, len(types.ActionTypes)),
	}
	for _, st := range types.JobStatuses {
		s.Jobs[st] = 0
	}
	for _, at := range types.ActionTypes {
		s.Actions[at] = 0
	}
	return s
}
