package types

import (
	"errors"
	"fmt"
	"time"
)

// Guard violations. They are synchronous, terminal and never retried.
var (
	ErrParticipantNotFound = errors.New("participant not found")
	ErrCheckInRequired     = errors.New("check-in required")
	ErrPaymentNotCaptured  = errors.New("payment not captured")
	ErrAlreadyRecorded     = errors.New("action already recorded")
	ErrAlreadyPrinted      = errors.New("photo already printed")
	ErrPhotoNotOwned       = errors.New("photo not owned by participant")
	ErrPrintInProgress     = errors.New("print already in progress")
	ErrSubmissionsClosed   = errors.New("print submissions closed")
	ErrNotCancellable      = errors.New("print job not cancellable")
	ErrInvalidArgument     = errors.New("invalid argument")
)

// AlreadyRecordedError carries the record that already satisfies a one-time
// action.
type AlreadyRecordedError struct {
	Original ActionRecord
}

func (e *AlreadyRecordedError) Error() string {
	return fmt.Sprintf("%s: %s for %s at %s", ErrAlreadyRecorded, e.Original.ActionType,
		e.Original.ParticipantID, e.Original.RecordedAt.Format(time.RFC3339))
}

func (e *AlreadyRecordedError) Unwrap() error { return ErrAlreadyRecorded }

// AlreadyPrintedError carries the completed job that consumed the
// participant's print.
type AlreadyPrintedError struct {
	Job PrintJob
}

// CompletedAt returns when the earlier print finished.
func (e *AlreadyPrintedError) CompletedAt() time.Time {
	if e.Job.CompletedAt == nil {
		return time.Time{}
	}
	return *e.Job.CompletedAt
}

func (e *AlreadyPrintedError) Error() string {
	return fmt.Sprintf("%s: job %s completed at %s", ErrAlreadyPrinted, e.Job.ID,
		e.CompletedAt().Format(time.RFC3339))
}

func (e *AlreadyPrintedError) Unwrap() error { return ErrAlreadyPrinted }

// IsGuardViolation reports whether err is one of the terminal guard errors.
func IsGuardViolation(err error) bool {
	for _, target := range []error{
		ErrParticipantNotFound, ErrCheckInRequired, ErrPaymentNotCaptured,
		ErrAlreadyRecorded, ErrAlreadyPrinted, ErrPhotoNotOwned,
		ErrPrintInProgress, ErrSubmissionsClosed, ErrNotCancellable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
