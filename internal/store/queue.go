package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/hackops/internal/journal"
	"github.com/ChuLiYu/hackops/pkg/types"
)

var log = slog.Default()

// Queue is the in-process dispatch queue handed to agents that share the
// store with the caller. The gRPC server uses it on behalf of remote agents.
type Queue struct {
	store   Store
	journal *journal.Journal
	now     func() time.Time
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithJournal appends each committed transition to j.
func WithJournal(j *journal.Journal) QueueOption {
	return func(q *Queue) { q.journal = j }
}

// WithClock overrides the transition timestamp source.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// NewQueue wraps s.
func NewQueue(s Store, opts ...QueueOption) *Queue {
	q := &Queue{store: s, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) stamp() time.Time { return q.now().UTC() }

// WatchPending returns a live view of Pending jobs.
func (q *Queue) WatchPending(ctx context.Context) (Subscription, error) {
	return q.store.WatchPending(ctx)
}

// Claim atomically moves jobID from Pending to Printing for agentID.
func (q *Queue) Claim(ctx context.Context, jobID, agentID string) (types.PrintJob, error) {
	job, err := q.store.ClaimPrintJob(ctx, jobID, agentID, q.stamp())
	if err != nil {
		return types.PrintJob{}, err
	}
	q.record(journal.EventJobClaimed, job)
	return job, nil
}

// Complete marks a job held by agentID as printed.
func (q *Queue) Complete(ctx context.Context, jobID, agentID string) (types.PrintJob, error) {
	job, err := q.store.CompletePrintJob(ctx, jobID, agentID, q.stamp())
	if err != nil {
		return types.PrintJob{}, err
	}
	q.record(journal.EventJobCompleted, job)
	return job, nil
}

// RecordFailure counts a failed attempt; the job turns Failed once
// maxAttempts failures are recorded.
func (q *Queue) RecordFailure(ctx context.Context, jobID, agentID, reason string, maxAttempts int) (types.PrintJob, error) {
	job, err := q.store.FailPrintAttempt(ctx, jobID, agentID, reason, maxAttempts, q.stamp())
	if err != nil {
		return types.PrintJob{}, err
	}
	q.record(journal.EventJobAttemptFailed, job)
	if job.Status == types.StatusFailed {
		q.record(journal.EventJobFailed, job)
	}
	return job, nil
}

// Claimed lists the jobs agentID still holds in Printing.
func (q *Queue) Claimed(ctx context.Context, agentID string) ([]types.PrintJob, error) {
	return q.store.ListPrintJobs(ctx, JobFilter{Status: types.StatusPrinting, ClaimedBy: agentID})
}

// Heartbeat upserts the agent's liveness record.
func (q *Queue) Heartbeat(ctx context.Context, hb types.AgentHeartbeat) error {
	if hb.LastSeen.IsZero() {
		hb.LastSeen = q.stamp()
	}
	return q.store.PutHeartbeat(ctx, hb)
}

func (q *Queue) record(t journal.EventType, job types.PrintJob) {
	if err := q.journal.AppendJob(t, job); err != nil {
		log.Warn("Journal append failed", "event", t, "job_id", job.ID, "error", err)
	}
}
