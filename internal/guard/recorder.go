// ============================================================================
// hackops action guard
// ============================================================================
//
// Package: internal/guard
// File: recorder.go
// Purpose: Validate and append on-site action records.
//
// Validation order (first failure wins):
//
//   1. participant exists                     ErrParticipantNotFound
//   2. Swag/Photobooth need an earlier CheckIn ErrCheckInRequired
//   3. Swag/Photobooth need captured payment  ErrPaymentNotCaptured
//   4. one-time types are recorded once       *AlreadyRecordedError
//
// Rule 4 is not a lookup: it is the store's atomic conditional append, so
// two desks scanning the same badge at the same instant produce exactly one
// record and the other desk is shown the original.
//
// ============================================================================

package guard

import (
	"context"
	"errors"
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

// Recorder is the guarded action recorder.
type Recorder struct {
	dir     directory.Directory
	actions store.ActionLog
	journal *journal.Journal
	metrics *metrics.Collector
	now     func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithJournal appends every accepted record to j.
func WithJournal(j *journal.Journal) Option {
	return func(r *Recorder) { r.journal = j }
}

// WithMetrics counts accepted records and violations on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Recorder) { r.metrics = c }
}

// NewRecorder returns a recorder that checks participants against dir and
// appends to actions.
func NewRecorder(dir directory.Directory, actions store.ActionLog, opts ...Option) *Recorder {
	r := &Recorder{dir: dir, actions: actions, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordAction validates and appends one action record.
//
// Parameters:
//   - participantID: badge scanned at the desk
//   - actionType: what is being handed out or checked
//   - staffID, location: who recorded it and where; both required
//
// Returns the appended record, or a guard violation. Violations are terminal;
// the caller shows them to staff and does not retry.
func (r *Recorder) RecordAction(ctx context.Context, participantID string, actionType types.ActionType, staffID, location string) (types.ActionRecord, error) {
	rec, err := r.record(ctx, participantID, actionType, staffID, location)
	if err != nil {
		if types.IsGuardViolation(err) {
			r.metrics.RecordViolation(err)
			log.Info("Action rejected", "participant", participantID, "action", actionType, "staff", staffID, "reason", err)
		}
		return types.ActionRecord{}, err
	}

	r.metrics.RecordAction(rec.ActionType)
	if err := r.journal.AppendAction(rec); err != nil {
		log.Warn("Journal append failed", "record_id", rec.ID, "error", err)
	}
	log.Info("Action recorded", "participant", participantID, "action", actionType, "staff", staffID, "location", location)
	return rec, nil
}

func (r *Recorder) record(ctx context.Context, participantID string, actionType types.ActionType, staffID, location string) (types.ActionRecord, error) {
	switch {
	case strings.TrimSpace(participantID) == "":
		return types.ActionRecord{}, fmt.Errorf("%w: participant id is required", types.ErrInvalidArgument)
	case !actionType.Valid():
		return types.ActionRecord{}, fmt.Errorf("%w: unknown action type %q", types.ErrInvalidArgument, actionType)
	case strings.TrimSpace(staffID) == "":
		return types.ActionRecord{}, fmt.Errorf("%w: staff id is required", types.ErrInvalidArgument)
	case strings.TrimSpace(location) == "":
		return types.ActionRecord{}, fmt.Errorf("%w: location is required", types.ErrInvalidArgument)
	}

	p, err := r.dir.Participant(ctx, participantID)
	if err != nil {
		return types.ActionRecord{}, err
	}

	if actionType.RequiresCheckIn() {
		checkedIn, err := r.actions.HasAction(ctx, participantID, types.ActionCheckIn)
		if err != nil {
			return types.ActionRecord{}, fmt.Errorf("check in lookup: %w", err)
		}
		if !checkedIn {
			return types.ActionRecord{}, fmt.Errorf("%w: %s for %s", types.ErrCheckInRequired, actionType, participantID)
		}
	}
	if actionType.RequiresPayment() && !p.PaymentCaptured {
		return types.ActionRecord{}, fmt.Errorf("%w: %s for %s", types.ErrPaymentNotCaptured, actionType, participantID)
	}

	now := r.now().UTC()
	rec := types.ActionRecord{
		ID:            types.NewID(now),
		ParticipantID: p.ID,
		TeamID:        p.TeamID,
		ActionType:    actionType,
		RecordedAt:    now,
		RecordedBy:    staffID,
		Location:      location,
	}
	if err := r.actions.AppendAction(ctx, rec); err != nil {
		var dup *types.AlreadyRecordedError
		if errors.As(err, &dup) {
			return types.ActionRecord{}, dup
		}
		return types.ActionRecord{}, fmt.Errorf("append action: %w", err)
	}
	return rec, nil
}

// History lists a participant's action records in the order they were
// recorded.
func (r *Recorder) History(ctx context.Context, participantID string) ([]types.ActionRecord, error) {
	if _, err := r.dir.Participant(ctx, participantID); err != nil {
		return nil, err
	}
	return r.actions.ListActions(ctx, store.ActionFilter{ParticipantID: participantID})
}
