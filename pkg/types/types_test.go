package types

import (
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionTypeRules(t *testing.T) {
	tests := []struct {
		name    string
		action  ActionType
		oneTime bool
		checkIn bool
		payment bool
	}{
		{"check in", ActionCheckIn, false, false, false},
		{"check out", ActionCheckOut, false, false, false},
		{"swag", ActionSwag, true, true, true},
		{"photobooth", ActionPhotobooth, true, true, true},
		{"lunch", ActionLunch, true, false, false},
		{"dinner", ActionDinner, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.action.Valid())
			assert.Equal(t, tt.oneTime, tt.action.IsOneTime())
			assert.Equal(t, tt.checkIn, tt.action.RequiresCheckIn())
			assert.Equal(t, tt.payment, tt.action.RequiresPayment())
		})
	}
}

func TestParseActionType(t *testing.T) {
	got, err := ParseActionType("lunch")
	require.NoError(t, err)
	assert.Equal(t, ActionLunch, got)

	_, err = ParseActionType("breakfast")
	assert.Error(t, err)

	var a ActionType
	assert.Error(t, a.UnmarshalText([]byte("LUNCH")))
}

func TestJobStatusTransitions(t *testing.T) {
	allowed := map[[2]JobStatus]bool{
		{StatusPending, StatusPrinting}:   true,
		{StatusPending, StatusCancelled}:  true,
		{StatusPrinting, StatusCompleted}: true,
		{StatusPrinting, StatusFailed}:    true,
	}

	for _, from := range JobStatuses {
		for _, to := range JobStatuses {
			name := fmt.Sprintf("%s->%s", from, to)
			t.Run(name, func(t *testing.T) {
				assert.Equal(t, allowed[[2]JobStatus{from, to}], from.CanTransition(to))
			})
		}
	}
}

func TestJobStatusTerminal(t *testing.T) {
	for _, s := range JobStatuses {
		if s.IsTerminal() {
			for _, to := range JobStatuses {
				assert.False(t, s.CanTransition(to), "%s is terminal but reaches %s", s, to)
			}
		}
	}
	assert.True(t, StatusCompleted.HoldsSlot())
	assert.False(t, StatusFailed.HoldsSlot())
	assert.False(t, StatusCancelled.HoldsSlot())
}

func TestNewIDOrdering(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	ids := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		ids = append(ids, NewID(base.Add(time.Duration(i/5)*time.Millisecond)))
	}
	assert.True(t, sort.StringsAreSorted(ids))
}

func TestTypedErrors(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	recErr := error(&AlreadyRecordedError{Original: ActionRecord{ActionType: ActionSwag, RecordedAt: at}})
	assert.True(t, errors.Is(recErr, ErrAlreadyRecorded))
	assert.True(t, IsGuardViolation(recErr))

	var target *AlreadyRecordedError
	require.True(t, errors.As(fmt.Errorf("wrapped: %w", recErr), &target))
	assert.Equal(t, at, target.Original.RecordedAt)

	printed := &AlreadyPrintedError{Job: PrintJob{ID: "j1", CompletedAt: &at}}
	assert.True(t, errors.Is(printed, ErrAlreadyPrinted))
	assert.Equal(t, at, printed.CompletedAt())

	assert.False(t, IsGuardViolation(errors.New("printer jammed")))
}
