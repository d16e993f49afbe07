package guard

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/hackops/internal/directory"
	"github.com/ChuLiYu/hackops/internal/journal"
	"github.com/ChuLiYu/hackops/internal/metrics"
	"github.com/ChuLiYu/hackops/internal/store/badgerstore"
	"github.com/ChuLiYu/hackops/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nine = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func testRoster() *directory.Roster {
	return directory.NewRoster(
		types.Participant{ID: "paid", TeamID: "team-1", PaymentCaptured: true},
		types.Participant{ID: "unpaid", TeamID: "team-2", PaymentCaptured: false},
	)
}

func newRecorder(t *testing.T, opts ...Option) *Recorder {
	t.Helper()
	s, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewRecorder(testRoster(), s, opts...)
}

// fixedClock returns a clock stuck at t until advanced.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func TestRecordActionValidation(t *testing.T) {
	tests := []struct {
		name        string
		setup       []types.ActionType
		participant string
		action      types.ActionType
		staff       string
		location    string
		wantErr     error
	}{
		{"unknown participant", nil, "ghost", types.ActionCheckIn, "s1", "desk", types.ErrParticipantNotFound},
		{"swag without check-in", nil, "paid", types.ActionSwag, "s1", "desk", types.ErrCheckInRequired},
		{"photobooth without check-in", nil, "paid", types.ActionPhotobooth, "s1", "booth", types.ErrCheckInRequired},
		{"check-in reported before payment", nil, "unpaid", types.ActionSwag, "s1", "desk", types.ErrCheckInRequired},
		{"swag unpaid", []types.ActionType{types.ActionCheckIn}, "unpaid", types.ActionSwag, "s1", "desk", types.ErrPaymentNotCaptured},
		{"lunch unpaid is allowed", nil, "unpaid", types.ActionLunch, "s1", "hall", nil},
		{"swag after check-in", []types.ActionType{types.ActionCheckIn}, "paid", types.ActionSwag, "s1", "desk", nil},
		{"dinner without check-in", nil, "paid", types.ActionDinner, "s1", "hall", nil},
		{"check-out", nil, "paid", types.ActionCheckOut, "s1", "door", nil},
		{"unknown action", nil, "paid", types.ActionType("nap"), "s1", "desk", types.ErrInvalidArgument},
		{"missing staff", nil, "paid", types.ActionCheckIn, "", "desk", types.ErrInvalidArgument},
		{"missing location", nil, "paid", types.ActionCheckIn, "s1", " ", types.ErrInvalidArgument},
		{"missing participant", nil, "", types.ActionCheckIn, "s1", "desk", types.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRecorder(t, WithClock(func() time.Time { return nine }))
			ctx := context.Background()
			for _, a := range tt.setup {
				_, err := r.RecordAction(ctx, tt.participant, a, "s0", "desk")
				require.NoError(t, err)
			}

			rec, err := r.RecordAction(ctx, tt.participant, tt.action, tt.staff, tt.location)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, rec.ID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.participant, rec.ParticipantID)
			assert.Equal(t, tt.action, rec.ActionType)
			assert.Equal(t, tt.staff, rec.RecordedBy)
			assert.True(t, nine.Equal(rec.RecordedAt))
			assert.NotEmpty(t, rec.TeamID)
		})
	}
}

func TestSecondSwagReturnsOriginal(t *testing.T) {
	clock := &fixedClock{t: nine.Add(-time.Hour)}
	r := newRecorder(t, WithClock(clock.Now))
	ctx := context.Background()

	_, err := r.RecordAction(ctx, "paid", types.ActionCheckIn, "s1", "desk")
	require.NoError(t, err)

	clock.Set(nine)
	first, err := r.RecordAction(ctx, "paid", types.ActionSwag, "s1", "desk")
	require.NoError(t, err)

	clock.Set(nine.Add(2 * time.Hour))
	_, err = r.RecordAction(ctx, "paid", types.ActionSwag, "s2", "side-desk")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrAlreadyRecorded)

	var dup *types.AlreadyRecordedError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, first.ID, dup.Original.ID)
	assert.True(t, nine.Equal(dup.Original.RecordedAt), "original time is 09:00")
	assert.Equal(t, "s1", dup.Original.RecordedBy)
}

func TestCheckInRepeatable(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.RecordAction(ctx, "paid", types.ActionCheckIn, "s1", "desk")
		require.NoError(t, err)
		_, err = r.RecordAction(ctx, "paid", types.ActionCheckOut, "s1", "desk")
		require.NoError(t, err)
	}

	history, err := r.History(ctx, "paid")
	require.NoError(t, err)
	assert.Len(t, history, 6)
}

func TestConcurrentLunchRecordsOnce(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	const desks = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes []types.ActionRecord
		originals []string
	)
	start := make(chan struct{})
	for i := 0; i < desks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			rec, err := r.RecordAction(ctx, "paid", types.ActionLunch, "s1", "hall")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes = append(successes, rec)
				return
			}
			var dup *types.AlreadyRecordedError
			if assert.True(t, errors.As(err, &dup)) {
				originals = append(originals, dup.Original.ID)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, successes, 1)
	require.Len(t, originals, desks-1)
	for _, id := range originals {
		assert.Equal(t, successes[0].ID, id)
	}

	history, err := r.History(ctx, "paid")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestHistoryUnknownParticipant(t *testing.T) {
	r := newRecorder(t)
	_, err := r.History(context.Background(), "ghost")
	assert.ErrorIs(t, err, types.ErrParticipantNotFound)
}

func TestRecordActionJournalAndMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := journal.Open(path)
	require.NoError(t, err)

	c, err := metrics.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)

	r := newRecorder(t, WithJournal(j), WithMetrics(c))
	ctx := context.Background()

	rec, err := r.RecordAction(ctx, "paid", types.ActionDinner, "s1", "hall")
	require.NoError(t, err)
	_, err = r.RecordAction(ctx, "paid", types.ActionDinner, "s1", "hall")
	require.ErrorIs(t, err, types.ErrAlreadyRecorded)
	require.NoError(t, j.Close())

	var events []journal.Event
	require.NoError(t, journal.Replay(path, func(e journal.Event) error {
		events = append(events, e)
		return nil
	}))
	require.Len(t, events, 1, "only the accepted record is journaled")
	assert.Equal(t, journal.EventActionRecorded, events[0].Type)
	assert.Equal(t, rec.ID, events[0].RefID)
}
