// ============================================================================
// hackops print submission
// ============================================================================
//
// Package: internal/printqueue
// File: service.go
// Purpose: Accept a participant's photo print request and queue it for the
// print agents.
//
// Validation order:
//
//   1. participant exists                ErrParticipantNotFound
//   2. no completed print yet            *AlreadyPrintedError
//   3. photo is in the participant's namespace   ErrPhotoNotOwned
//   4. print deadline not passed         ErrSubmissionsClosed
//   5. atomic slot insert                ErrPrintInProgress | *AlreadyPrintedError
//
// Step 2 is a fast path for the common rejection; step 5 is the rule itself.
// A participant holds at most one Pending, Printing or Completed job, and the
// store admits a new job only when that slot is free, so two simultaneous
// submits leave exactly one job.
//
// ============================================================================

package printqueue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ChuLiYu/hackops/internal/directory"
	"github.com/ChuLiYu/hackops/internal/journal"
	"github.com/ChuLiYu/hackops/internal/metrics"
	"github.com/ChuLiYu/hackops/internal/store"
	"github.com/ChuLiYu/hackops/pkg/types"
)

var log = slog.Default()

// Service is the print submission service.
type Service struct {
	dir      directory.Directory
	jobs     store.JobQueue
	photos   Namespace
	deadline time.Time
	journal  *journal.Journal
	metrics  *metrics.Collector
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithDeadline closes submissions at t. The zero time leaves them open.
func WithDeadline(t time.Time) Option {
	return func(s *Service) { s.deadline = t }
}

// WithClock overrides the job timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithJournal appends submissions and cancellations to j.
func WithJournal(j *journal.Journal) Option {
	return func(s *Service) { s.journal = j }
}

// WithMetrics counts submissions and violations on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

// NewService returns a submission service over jobs. Photo references must
// live under photos.
func NewService(dir directory.Directory, jobs store.JobQueue, photos Namespace, opts ...Option) *Service {
	s := &Service{dir: dir, jobs: jobs, photos: photos, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitPrintJob queues photoReference for printing on behalf of
// participantID and returns the Pending job.
func (s *Service) SubmitPrintJob(ctx context.Context, participantID, photoReference string) (types.PrintJob, error) {
	job, err := s.submit(ctx, participantID, photoReference)
	if err != nil {
		if types.IsGuardViolation(err) {
			s.metrics.RecordViolation(err)
			log.Info("Print submission rejected", "participant", participantID, "photo", photoReference, "reason", err)
		}
		return types.PrintJob{}, err
	}

	s.metrics.RecordSubmitted()
	if err := s.journal.AppendJob(journal.EventJobSubmitted, job); err != nil {
		log.Warn("Journal append failed", "job_id", job.ID, "error", err)
	}
	log.Info("Print job queued", "job_id", job.ID, "participant", participantID)
	return job, nil
}

func (s *Service) submit(ctx context.Context, participantID, photoReference string) (types.PrintJob, error) {
	if strings.TrimSpace(participantID) == "" {
		return types.PrintJob{}, fmt.Errorf("%w: participant id is required", types.ErrInvalidArgument)
	}
	if _, err := s.dir.Participant(ctx, participantID); err != nil {
		return types.PrintJob{}, err
	}

	done, found, err := s.jobs.CompletedPrintJob(ctx, participantID)
	if err != nil {
		return types.PrintJob{}, fmt.Errorf("completed job lookup: %w", err)
	}
	if found {
		return types.PrintJob{}, &types.AlreadyPrintedError{Job: done}
	}

	if !s.photos.Owns(participantID, photoReference) {
		return types.PrintJob{}, fmt.Errorf("%w: %q", types.ErrPhotoNotOwned, photoReference)
	}

	now := s.now().UTC()
	if !s.deadline.IsZero() && !now.Before(s.deadline) {
		return types.PrintJob{}, fmt.Errorf("%w: deadline was %s", types.ErrSubmissionsClosed, s.deadline.Format(time.RFC3339))
	}

	job := types.PrintJob{
		ID:             types.NewID(now),
		ParticipantID:  participantID,
		PhotoReference: strings.TrimSpace(photoReference),
		Status:         types.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.jobs.InsertPrintJob(ctx, job); err != nil {
		if types.IsGuardViolation(err) {
			return types.PrintJob{}, err
		}
		return types.PrintJob{}, fmt.Errorf("insert print job: %w", err)
	}
	return job, nil
}

// CancelPrintJob withdraws a job that no agent has claimed yet.
func (s *Service) CancelPrintJob(ctx context.Context, participantID, jobID string) (types.PrintJob, error) {
	job, err := s.jobs.CancelPrintJob(ctx, jobID, participantID, s.now().UTC())
	if err != nil {
		if types.IsGuardViolation(err) {
			s.metrics.RecordViolation(err)
		}
		return types.PrintJob{}, err
	}
	if err := s.journal.AppendJob(journal.EventJobCancelled, job); err != nil {
		log.Warn("Journal append failed", "job_id", job.ID, "error", err)
	}
	log.Info("Print job cancelled", "job_id", job.ID, "participant", participantID)
	return job, nil
}

// Job returns a job by id.
func (s *Service) Job(ctx context.Context, jobID string) (types.PrintJob, error) {
	return s.jobs.GetPrintJob(ctx, jobID)
}

// JobsForParticipant lists a participant's jobs, oldest first.
func (s *Service) JobsForParticipant(ctx context.Context, participantID string) ([]types.PrintJob, error) {
	return s.jobs.ListPrintJobs(ctx, store.JobFilter{ParticipantID: participantID})
}
