package store

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/hackops/pkg/types"
)

// The functions below apply one state-machine edge to a job value. Backends
// that read-modify-write inside a transaction call them so the edge rules
// live in one place.

// ApplyClaim moves a Pending job to Printing under agentID.
func ApplyClaim(job *types.PrintJob, agentID string, at time.Time) error {
	if !job.Status.CanTransition(types.StatusPrinting) {
		return fmt.Errorf("%w: job %s is %s", ErrClaimConflict, job.ID, job.Status)
	}
	job.Status = types.StatusPrinting
	job.ClaimedBy = agentID
	job.UpdatedAt = at
	return nil
}

// ApplyComplete moves a Printing job held by agentID to Completed.
func ApplyComplete(job *types.PrintJob, agentID string, at time.Time) error {
	if err := checkClaimant(job, agentID); err != nil {
		return err
	}
	job.Status = types.StatusCompleted
	job.UpdatedAt = at
	job.CompletedAt = &at
	return nil
}

// ApplyFailure records one failed attempt and moves the job to Failed once
// maxAttempts is reached.
func ApplyFailure(job *types.PrintJob, agentID, reason string, maxAttempts int, at time.Time) error {
	if err := checkClaimant(job, agentID); err != nil {
		return err
	}
	job.AttemptCount++
	job.LastError = reason
	job.UpdatedAt = at
	if job.AttemptCount >= maxAttempts {
		job.Status = types.StatusFailed
	}
	return nil
}

// ApplyCancel moves a Pending job owned by participantID to Cancelled.
func ApplyCancel(job *types.PrintJob, participantID string, at time.Time) error {
	if job.ParticipantID != participantID {
		return fmt.Errorf("%w: job %s", ErrNotFound, job.ID)
	}
	if !job.Status.CanTransition(types.StatusCancelled) {
		return fmt.Errorf("%w: job %s is %s", types.ErrNotCancellable, job.ID, job.Status)
	}
	job.Status = types.StatusCancelled
	job.UpdatedAt = at
	return nil
}

func checkClaimant(job *types.PrintJob, agentID string) error {
	if job.Status != types.StatusPrinting || job.ClaimedBy != agentID {
		return fmt.Errorf("%w: job %s is %s by %q", ErrNotClaimant, job.ID, job.Status, job.ClaimedBy)
	}
	return nil
}

// Matches reports whether job satisfies f.
func (f JobFilter) Matches(job types.PrintJob) bool {
	if f.ParticipantID != "" && job.ParticipantID != f.ParticipantID {
		return false
	}
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if f.ClaimedBy != "" && job.ClaimedBy != f.ClaimedBy {
		return false
	}
	return true
}

// Matches reports whether rec satisfies f.
func (f ActionFilter) Matches(rec types.ActionRecord) bool {
	if f.ParticipantID != "" && rec.ParticipantID != f.ParticipantID {
		return false
	}
	if f.ActionType != "" && rec.ActionType != f.ActionType {
		return false
	}
	return true
}
