// Package storetest is a conformance suite every store backend runs from its
// own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/hackops/internal/store"
	"github.com/ChuLiYu/hackops/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory opens an empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// Run executes the whole suite against open.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"AppendActionOneTime", testAppendActionOneTime},
		{"AppendActionRepeatable", testAppendActionRepeatable},
		{"ConcurrentOneTimeAppend", testConcurrentOneTimeAppend},
		{"ListActions", testListActions},
		{"InsertPrintJobSlot", testInsertPrintJobSlot},
		{"ConcurrentInsertPrintJob", testConcurrentInsertPrintJob},
		{"ClaimRace", testClaimRace},
		{"CompleteRequiresClaimant", testCompleteRequiresClaimant},
		{"FailureBudget", testFailureBudget},
		{"Cancel", testCancel},
		{"ListPrintJobs", testListPrintJobs},
		{"WatchPending", testWatchPending},
		{"WatchPendingClose", testWatchPendingClose},
		{"Heartbeats", testHeartbeats},
		{"Stats", testStats},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func action(participantID string, t types.ActionType, at time.Time) types.ActionRecord {
	return types.ActionRecord{
		ID:            types.NewID(at),
		ParticipantID: participantID,
		TeamID:        "team-1",
		ActionType:    t,
		RecordedAt:    at,
		RecordedBy:    "staff-1",
		Location:      "front-desk",
	}
}

func pendingJob(participantID string, at time.Time) types.PrintJob {
	return types.PrintJob{
		ID:             types.NewID(at),
		ParticipantID:  participantID,
		PhotoReference: "photos/" + participantID + "/shot.jpg",
		Status:         types.StatusPending,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func insertJob(t *testing.T, s store.Store, participantID string, at time.Time) types.PrintJob {
	t.Helper()
	job := pendingJob(participantID, at)
	require.NoError(t, s.InsertPrintJob(context.Background(), job))
	return job
}

func testAppendActionOneTime(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := action("p1", types.ActionSwag, base)
	require.NoError(t, s.AppendAction(ctx, first))

	err := s.AppendAction(ctx, action("p1", types.ActionSwag, base.Add(time.Minute)))
	require.ErrorIs(t, err, types.ErrAlreadyRecorded)

	var dup *types.AlreadyRecordedError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, first.ID, dup.Original.ID)
	assert.True(t, first.RecordedAt.Equal(dup.Original.RecordedAt))
	assert.Equal(t, "front-desk", dup.Original.Location)

	// Another participant and another one-time type are independent.
	require.NoError(t, s.AppendAction(ctx, action("p2", types.ActionSwag, base)))
	require.NoError(t, s.AppendAction(ctx, action("p1", types.ActionLunch, base)))

	has, err := s.HasAction(ctx, "p1", types.ActionSwag)
	require.NoError(t, err)
	assert.True(t, has)
	has, err = s.HasAction(ctx, "p1", types.ActionDinner)
	require.NoError(t, err)
	assert.False(t, has)
}

func testAppendActionRepeatable(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.AppendAction(ctx, action("p1", types.ActionCheckIn, at)))
		require.NoError(t, s.AppendAction(ctx, action("p1", types.ActionCheckOut, at.Add(time.Minute))))
	}

	recs, err := s.ListActions(ctx, store.ActionFilter{ParticipantID: "p1", ActionType: types.ActionCheckIn})
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	has, err := s.HasAction(ctx, "p1", types.ActionCheckIn)
	require.NoError(t, err)
	assert.True(t, has)
	has, err = s.HasAction(ctx, "p2", types.ActionCheckIn)
	require.NoError(t, err)
	assert.False(t, has)
}

func testConcurrentOneTimeAppend(t *testing.T, s store.Store) {
	ctx := context.Background()
	const writers = 16

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		originID = make(map[string]int)
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.AppendAction(ctx, action("p1", types.ActionDinner, base.Add(time.Duration(i)*time.Millisecond)))
			mu.Lock()
			defer mu.Unlock()
			var dup *types.AlreadyRecordedError
			switch {
			case err == nil:
				wins++
			case errors.As(err, &dup):
				originID[dup.Original.ID]++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Len(t, originID, 1, "every loser must see the same original record")

	recs, err := s.ListActions(ctx, store.ActionFilter{ParticipantID: "p1", ActionType: types.ActionDinner})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func testListActions(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.AppendAction(ctx, action("p1", types.ActionCheckIn, base)))
	require.NoError(t, s.AppendAction(ctx, action("p2", types.ActionCheckIn, base.Add(time.Second))))
	require.NoError(t, s.AppendAction(ctx, action("p1", types.ActionSwag, base.Add(2*time.Second))))

	all, err := s.ListActions(ctx, store.ActionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].RecordedAt.Before(all[i-1].RecordedAt), "records must be in recording order")
	}

	p1, err := s.ListActions(ctx, store.ActionFilter{ParticipantID: "p1"})
	require.NoError(t, err)
	require.Len(t, p1, 2)
	assert.Equal(t, types.ActionCheckIn, p1[0].ActionType)
	assert.Equal(t, types.ActionSwag, p1[1].ActionType)

	swag, err := s.ListActions(ctx, store.ActionFilter{ActionType: types.ActionSwag})
	require.NoError(t, err)
	assert.Len(t, swag, 1)
}

func testInsertPrintJobSlot(t *testing.T, s store.Store) {
	ctx := context.Background()

	first := insertJob(t, s, "p1", base)
	err := s.InsertPrintJob(ctx, pendingJob("p1", base.Add(time.Second)))
	assert.ErrorIs(t, err, types.ErrPrintInProgress)

	_, err = s.ClaimPrintJob(ctx, first.ID, "agent-a", base.Add(2*time.Second))
	require.NoError(t, err)
	err = s.InsertPrintJob(ctx, pendingJob("p1", base.Add(3*time.Second)))
	assert.ErrorIs(t, err, types.ErrPrintInProgress)

	done, err := s.CompletePrintJob(ctx, first.ID, "agent-a", base.Add(4*time.Second))
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)

	err = s.InsertPrintJob(ctx, pendingJob("p1", base.Add(5*time.Second)))
	require.ErrorIs(t, err, types.ErrAlreadyPrinted)
	var printed *types.AlreadyPrintedError
	require.True(t, errors.As(err, &printed))
	assert.Equal(t, first.ID, printed.Job.ID)
	assert.True(t, printed.CompletedAt().Equal(base.Add(4*time.Second)))

	completed, ok, err := s.CompletedPrintJob(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, completed.ID)

	_, ok, err = s.CompletedPrintJob(ctx, "p2")
	require.NoError(t, err)
	assert.False(t, ok)

	// A failed job frees the slot.
	failing := insertJob(t, s, "p2", base)
	_, err = s.ClaimPrintJob(ctx, failing.ID, "agent-a", base)
	require.NoError(t, err)
	_, err = s.FailPrintAttempt(ctx, failing.ID, "agent-a", "jam", 1, base)
	require.NoError(t, err)
	insertJob(t, s, "p2", base.Add(time.Minute))

	// So does a cancelled one.
	cancelled := insertJob(t, s, "p3", base)
	_, err = s.CancelPrintJob(ctx, cancelled.ID, "p3", base)
	require.NoError(t, err)
	insertJob(t, s, "p3", base.Add(time.Minute))
}

func testConcurrentInsertPrintJob(t *testing.T, s store.Store) {
	ctx := context.Background()
	const submitters = 12

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losses int
	)
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.InsertPrintJob(ctx, pendingJob("p1", base.Add(time.Duration(i)*time.Millisecond)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, types.ErrPrintInProgress):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, submitters-1, losses)

	jobs, err := s.ListPrintJobs(ctx, store.JobFilter{ParticipantID: "p1"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func testClaimRace(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := insertJob(t, s, "p1", base)
	const agents = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			claimed, err := s.ClaimPrintJob(ctx, job.ID, agentID, base.Add(time.Second))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, agentID)
				assert.Equal(t, agentID, claimed.ClaimedBy)
				assert.Equal(t, types.StatusPrinting, claimed.Status)
			case errors.Is(err, store.ErrClaimConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(fmt.Sprintf("agent-%d", i))
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, agents-1, conflicts)

	stored, err := s.GetPrintJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], stored.ClaimedBy)
}

func testCompleteRequiresClaimant(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := insertJob(t, s, "p1", base)

	_, err := s.CompletePrintJob(ctx, job.ID, "agent-a", base)
	assert.ErrorIs(t, err, store.ErrNotClaimant, "pending job cannot complete")

	_, err = s.ClaimPrintJob(ctx, job.ID, "agent-a", base)
	require.NoError(t, err)

	_, err = s.CompletePrintJob(ctx, job.ID, "agent-b", base)
	assert.ErrorIs(t, err, store.ErrNotClaimant)

	done, err := s.CompletePrintJob(ctx, job.ID, "agent-a", base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, done.Status)
	assert.Zero(t, done.AttemptCount)

	_, err = s.CompletePrintJob(ctx, job.ID, "agent-a", base.Add(2*time.Second))
	assert.ErrorIs(t, err, store.ErrNotClaimant, "terminal job cannot complete twice")

	_, err = s.GetPrintJob(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testFailureBudget(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := insertJob(t, s, "p1", base)
	_, err := s.ClaimPrintJob(ctx, job.ID, "agent-a", base)
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		got, err := s.FailPrintAttempt(ctx, job.ID, "agent-a", fmt.Sprintf("jam %d", attempt), 3, base.Add(time.Duration(attempt)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, attempt, got.AttemptCount)
		assert.Equal(t, fmt.Sprintf("jam %d", attempt), got.LastError)
		if attempt < 3 {
			assert.Equal(t, types.StatusPrinting, got.Status)
		} else {
			assert.Equal(t, types.StatusFailed, got.Status)
			assert.Nil(t, got.CompletedAt)
		}
	}

	_, err = s.FailPrintAttempt(ctx, job.ID, "agent-a", "again", 3, base)
	assert.ErrorIs(t, err, store.ErrNotClaimant)

	claimed, err := s.ListPrintJobs(ctx, store.JobFilter{Status: types.StatusPrinting, ClaimedBy: "agent-a"})
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func testCancel(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := insertJob(t, s, "p1", base)

	_, err := s.CancelPrintJob(ctx, job.ID, "p2", base)
	assert.ErrorIs(t, err, store.ErrNotFound, "another participant's job is invisible")

	cancelled, err := s.CancelPrintJob(ctx, job.ID, "p1", base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)

	_, err = s.ClaimPrintJob(ctx, job.ID, "agent-a", base)
	assert.ErrorIs(t, err, store.ErrClaimConflict)

	claimedJob := insertJob(t, s, "p1", base.Add(time.Minute))
	_, err = s.ClaimPrintJob(ctx, claimedJob.ID, "agent-a", base.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.CancelPrintJob(ctx, claimedJob.ID, "p1", base.Add(time.Minute))
	assert.ErrorIs(t, err, types.ErrNotCancellable)
}

func testListPrintJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	j1 := insertJob(t, s, "p1", base)
	j2 := insertJob(t, s, "p2", base.Add(time.Second))
	j3 := insertJob(t, s, "p3", base.Add(2*time.Second))

	_, err := s.ClaimPrintJob(ctx, j2.ID, "agent-a", base)
	require.NoError(t, err)

	pending, err := s.ListPrintJobs(ctx, store.JobFilter{Status: types.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, j1.ID, pending[0].ID)
	assert.Equal(t, j3.ID, pending[1].ID)

	mine, err := s.ListPrintJobs(ctx, store.JobFilter{Status: types.StatusPrinting, ClaimedBy: "agent-a"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, j2.ID, mine[0].ID)

	others, err := s.ListPrintJobs(ctx, store.JobFilter{Status: types.StatusPrinting, ClaimedBy: "agent-b"})
	require.NoError(t, err)
	assert.Empty(t, others)

	all, err := s.ListPrintJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	stored, err := s.GetPrintJob(ctx, j1.ID)
	require.NoError(t, err)
	assert.Equal(t, j1.PhotoReference, stored.PhotoReference)
	assert.True(t, j1.CreatedAt.Equal(stored.CreatedAt))
}

func testWatchPending(t *testing.T, s store.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	early := insertJob(t, s, "p1", base)
	claimed := insertJob(t, s, "p2", base.Add(time.Second))
	_, err := s.ClaimPrintJob(ctx, claimed.ID, "agent-a", base)
	require.NoError(t, err)

	sub, err := s.WatchPending(ctx)
	require.NoError(t, err)
	defer sub.Close()

	got, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, early.ID, got.ID, "already queued jobs come first")

	late := insertJob(t, s, "p3", base.Add(2*time.Second))
	later := insertJob(t, s, "p4", base.Add(3*time.Second))

	got, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, late.ID, got.ID)
	got, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, later.ID, got.ID)

	// Nothing new: Next blocks until the context ends.
	short, cancelShort := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelShort()
	_, err = sub.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func testWatchPendingClose(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub, err := s.WatchPending(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := sub.Next(ctx)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, sub.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, store.ErrSubscriptionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func testHeartbeats(t *testing.T, s store.Store) {
	ctx := context.Background()
	hb := types.AgentHeartbeat{
		AgentID:   "agent-a",
		Hostname:  "booth-1",
		State:     types.AgentIdle,
		StartedAt: base,
		LastSeen:  base,
	}
	require.NoError(t, s.PutHeartbeat(ctx, hb))

	hb.State = types.AgentPrinting
	hb.CurrentJobID = "j1"
	hb.LastSeen = base.Add(30 * time.Second)
	require.NoError(t, s.PutHeartbeat(ctx, hb))

	require.NoError(t, s.PutHeartbeat(ctx, types.AgentHeartbeat{AgentID: "agent-b", State: types.AgentIdle, StartedAt: base, LastSeen: base}))

	hbs, err := s.ListHeartbeats(ctx)
	require.NoError(t, err)
	require.Len(t, hbs, 2)

	byID := map[string]types.AgentHeartbeat{}
	for _, h := range hbs {
		byID[h.AgentID] = h
	}
	assert.Equal(t, types.AgentPrinting, byID["agent-a"].State)
	assert.Equal(t, "j1", byID["agent-a"].CurrentJobID)
	assert.True(t, byID["agent-a"].LastSeen.Equal(base.Add(30*time.Second)))

	assert.ErrorIs(t, s.PutHeartbeat(ctx, types.AgentHeartbeat{}), types.ErrInvalidArgument)
}

func testStats(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.AppendAction(ctx, action("p1", types.ActionCheckIn, base)))
	require.NoError(t, s.AppendAction(ctx, action("p1", types.ActionSwag, base)))
	j1 := insertJob(t, s, "p1", base)
	insertJob(t, s, "p2", base)
	_, err := s.ClaimPrintJob(ctx, j1.ID, "agent-a", base)
	require.NoError(t, err)
	require.NoError(t, s.PutHeartbeat(ctx, types.AgentHeartbeat{AgentID: "agent-a", State: types.AgentIdle, StartedAt: base, LastSeen: base}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Jobs[types.StatusPending])
	assert.Equal(t, 1, stats.Jobs[types.StatusPrinting])
	assert.Equal(t, 0, stats.Jobs[types.StatusCompleted])
	assert.Equal(t, 1, stats.Actions[types.ActionCheckIn])
	assert.Equal(t, 1, stats.Actions[types.ActionSwag])
	assert.Len(t, stats.Agents, 1)
}
