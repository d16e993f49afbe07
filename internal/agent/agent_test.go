package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/hackops/internal/metrics"
	"github.com/ChuLiYu/hackops/internal/printer"
	"github.com/ChuLiYu/hackops/internal/store"
	"github.com/ChuLiYu/hackops/internal/store/badgerstore"
	"github.com/ChuLiYu/hackops/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(id string) Config {
	return Config{
		ID:                id,
		MaxAttempts:       3,
		PrintTimeout:      time.Second,
		RetryDelay:        20 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		ReconnectDelay:    20 * time.Millisecond,
		KeepAwake:         "none",
	}
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	s, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func submit(t *testing.T, s store.Store, participantID string) types.PrintJob {
	t.Helper()
	now := time.Now().UTC()
	job := types.PrintJob{
		ID:             types.NewID(now),
		ParticipantID:  participantID,
		PhotoReference: "photos/" + participantID + "/booth.jpg",
		Status:         types.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, s.InsertPrintJob(context.Background(), job))
	return job
}

// runAgents starts each agent and returns a stop function that cancels them
// and waits for Run to return.
func runAgents(t *testing.T, agents ...*Agent) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func(a *Agent) {
			defer wg.Done()
			assert.NoError(t, a.Run(ctx))
		}(a)
	}
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
	t.Cleanup(stop)
	return stop
}

// waitForStatus polls until the job reaches want.
func waitForStatus(t *testing.T, s store.Store, jobID string, want types.JobStatus, timeout time.Duration) types.PrintJob {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var job types.PrintJob
	for time.Now().Before(deadline) {
		var err error
		job, err = s.GetPrintJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s is %s, want %s", jobID, job.Status, want)
	return job
}

// counterValue gathers reg and returns the counter series name with the given
// label name/value pairs, or 0 if it has not been written.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels ...string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			for i := 0; i+1 < len(labels); i += 2 {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == labels[i] && lp.GetValue() == labels[i+1] {
						found = true
					}
				}
				if !found {
					continue series
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestAgentPrintsJob(t *testing.T) {
	s := newStore(t)
	var calls atomic.Int32
	d := printer.DriverFunc(func(context.Context, string) error {
		calls.Add(1)
		return nil
	})

	runAgents(t, New(store.NewQueue(s), d, testConfig("agent-a")))

	job := submit(t, s, "p-1")
	done := waitForStatus(t, s, job.ID, types.StatusCompleted, 5*time.Second)
	assert.Equal(t, "agent-a", done.ClaimedBy)
	assert.Equal(t, 0, done.AttemptCount)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTwoAgentsPrintOnce(t *testing.T) {
	s := newStore(t)
	var calls atomic.Int32
	d := printer.DriverFunc(func(context.Context, string) error {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	reg := prometheus.NewRegistry()
	c, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	q := store.NewQueue(s)
	runAgents(t,
		New(q, d, testConfig("agent-a"), WithMetrics(c)),
		New(q, d, testConfig("agent-b"), WithMetrics(c)),
	)

	var jobs []types.PrintJob
	for _, p := range []string{"p-1", "p-2", "p-3", "p-4"} {
		jobs = append(jobs, submit(t, s, p))
	}
	for _, job := range jobs {
		waitForStatus(t, s, job.ID, types.StatusCompleted, 5*time.Second)
	}

	assert.Equal(t, int32(len(jobs)), calls.Load(), "each job printed exactly once")
	assert.Equal(t, float64(len(jobs)), counterValue(t, reg, "hackops_print_claims_total", "outcome", "won"))
}

func TestAgentFailsJobAfterMaxAttempts(t *testing.T) {
	s := newStore(t)
	var calls atomic.Int32
	d := printer.DriverFunc(func(context.Context, string) error {
		calls.Add(1)
		return errors.New("paper jam")
	})

	runAgents(t, New(store.NewQueue(s), d, testConfig("agent-a")))

	job := submit(t, s, "p-1")
	failed := waitForStatus(t, s, job.ID, types.StatusFailed, 5*time.Second)
	assert.Equal(t, 3, failed.AttemptCount)
	assert.Equal(t, "paper jam", failed.LastError)
	assert.Nil(t, failed.CompletedAt)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load(), "no attempts after Failed")
}

func TestAgentRecoversAfterTransientFailure(t *testing.T) {
	s := newStore(t)
	var calls atomic.Int32
	d := printer.DriverFunc(func(context.Context, string) error {
		if calls.Add(1) == 1 {
			return errors.New("printer offline")
		}
		return nil
	})

	runAgents(t, New(store.NewQueue(s), d, testConfig("agent-a")))

	job := submit(t, s, "p-1")
	done := waitForStatus(t, s, job.ID, types.StatusCompleted, 5*time.Second)
	assert.Equal(t, 1, done.AttemptCount)
	assert.Equal(t, "printer offline", done.LastError)
}

func TestAgentPrintTimeout(t *testing.T) {
	s := newStore(t)
	d := printer.DriverFunc(func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})

	cfg := testConfig("agent-a")
	cfg.PrintTimeout = 30 * time.Millisecond
	runAgents(t, New(store.NewQueue(s), d, cfg))

	job := submit(t, s, "p-1")
	failed := waitForStatus(t, s, job.ID, types.StatusFailed, 5*time.Second)
	assert.Equal(t, 3, failed.AttemptCount)
	assert.True(t, strings.Contains(failed.LastError, "timed out"), failed.LastError)
}

func TestAgentPrintTimeoutIsHard(t *testing.T) {
	s := newStore(t)
	var calls atomic.Int32
	d := printer.DriverFunc(func(context.Context, string) error {
		calls.Add(1)
		time.Sleep(300 * time.Millisecond)
		return nil
	})

	cfg := testConfig("agent-a")
	cfg.PrintTimeout = 50 * time.Millisecond
	runAgents(t, New(store.NewQueue(s), d, cfg))

	job := submit(t, s, "p-1")
	failed := waitForStatus(t, s, job.ID, types.StatusFailed, 5*time.Second)
	assert.Equal(t, 3, failed.AttemptCount)
	assert.Contains(t, failed.LastError, "timed out")
	assert.Nil(t, failed.CompletedAt)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAgentResumesOwnClaim(t *testing.T) {
	s := newStore(t)
	job := submit(t, s, "p-1")
	_, err := s.ClaimPrintJob(context.Background(), job.ID, "booth-1", time.Now())
	require.NoError(t, err)

	d := printer.DriverFunc(func(context.Context, string) error { return nil })
	runAgents(t, New(store.NewQueue(s), d, testConfig("booth-1")))

	done := waitForStatus(t, s, job.ID, types.StatusCompleted, 5*time.Second)
	assert.Equal(t, "booth-1", done.ClaimedBy)
}

// flakyQueue fails the first subscriptions and then behaves.
type flakyQueue struct {
	*store.Queue
	failures atomic.Int32
}

func (q *flakyQueue) WatchPending(ctx context.Context) (store.Subscription, error) {
	if q.failures.Add(-1) >= 0 {
		return nil, errors.New("connection refused")
	}
	return q.Queue.WatchPending(ctx)
}

func TestAgentReconnects(t *testing.T) {
	s := newStore(t)
	q := &flakyQueue{Queue: store.NewQueue(s)}
	q.failures.Store(3)

	reg := prometheus.NewRegistry()
	c, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	d := printer.DriverFunc(func(context.Context, string) error { return nil })
	runAgents(t, New(q, d, testConfig("agent-a"), WithMetrics(c)))

	job := submit(t, s, "p-1")
	waitForStatus(t, s, job.ID, types.StatusCompleted, 5*time.Second)
	assert.GreaterOrEqual(t, counterValue(t, reg, "hackops_agent_reconnects_total"), 3.0)
}

// droppingQueue ends each subscription after it delivers one job.
type droppingQueue struct {
	*store.Queue
	subscribes atomic.Int32
}

type oneShot struct {
	store.Subscription
	used bool
}

func (s *oneShot) Next(ctx context.Context) (types.PrintJob, error) {
	if s.used {
		return types.PrintJob{}, errors.New("stream reset")
	}
	s.used = true
	return s.Subscription.Next(ctx)
}

func (q *droppingQueue) WatchPending(ctx context.Context) (store.Subscription, error) {
	q.subscribes.Add(1)
	sub, err := q.Queue.WatchPending(ctx)
	if err != nil {
		return nil, err
	}
	return &oneShot{Subscription: sub}, nil
}

func TestAgentResubscribesAfterLostStream(t *testing.T) {
	s := newStore(t)
	q := &droppingQueue{Queue: store.NewQueue(s)}
	d := printer.DriverFunc(func(context.Context, string) error { return nil })
	runAgents(t, New(q, d, testConfig("agent-a")))

	for _, p := range []string{"p-1", "p-2", "p-3"} {
		job := submit(t, s, p)
		waitForStatus(t, s, job.ID, types.StatusCompleted, 5*time.Second)
	}
	assert.GreaterOrEqual(t, q.subscribes.Load(), int32(3))
}

func TestAgentHeartbeats(t *testing.T) {
	s := newStore(t)
	d := printer.DriverFunc(func(context.Context, string) error { return nil })
	a := New(store.NewQueue(s), d, testConfig("agent-a"))
	stop := runAgents(t, a)

	require.Eventually(t, func() bool {
		hbs, err := s.ListHeartbeats(context.Background())
		return err == nil && len(hbs) == 1 && hbs[0].State == types.AgentIdle
	}, 5*time.Second, 10*time.Millisecond)

	stop()

	hbs, err := s.ListHeartbeats(context.Background())
	require.NoError(t, err)
	require.Len(t, hbs, 1)
	assert.Equal(t, "agent-a", hbs[0].AgentID)
	assert.Equal(t, types.AgentStopped, hbs[0].State)
	assert.False(t, hbs[0].StartedAt.IsZero())
	assert.Equal(t, types.AgentStopped, a.State())
}

func TestAgentRejectsUnknownKeepAwake(t *testing.T) {
	s := newStore(t)
	cfg := testConfig("agent-a")
	cfg.KeepAwake = "caffeine"
	a := New(store.NewQueue(s), printer.DriverFunc(func(context.Context, string) error { return nil }), cfg)

	assert.Error(t, a.Run(context.Background()))
}

func TestDefaultID(t *testing.T) {
	a := New(nil, nil, DefaultConfig())
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), DefaultID())
}

// faultyQueue fails the first few Claim, Complete or RecordFailure calls
// with err and passes the rest through.
type faultyQueue struct {
	*store.Queue
	err error

	claimFaults    atomic.Int32
	completeFaults atomic.Int32
	failureFaults  atomic.Int32

	completes atomic.Int32
	failures  atomic.Int32
}

func newFaultyQueue(s store.Store, err error) *faultyQueue {
	return &faultyQueue{Queue: store.NewQueue(s), err: err}
}

func (q *faultyQueue) Claim(ctx context.Context, jobID, agentID string) (types.PrintJob, error) {
	if q.claimFaults.Add(-1) >= 0 {
		return types.PrintJob{}, q.err
	}
	return q.Queue.Claim(ctx, jobID, agentID)
}

func (q *faultyQueue) Complete(ctx context.Context, jobID, agentID string) (types.PrintJob, error) {
	q.completes.Add(1)
	if q.completeFaults.Add(-1) >= 0 {
		return types.PrintJob{}, q.err
	}
	return q.Queue.Complete(ctx, jobID, agentID)
}

func (q *faultyQueue) RecordFailure(ctx context.Context, jobID, agentID, reason string, maxAttempts int) (types.PrintJob, error) {
	q.failures.Add(1)
	if q.failureFaults.Add(-1) >= 0 {
		return types.PrintJob{}, q.err
	}
	return q.Queue.RecordFailure(ctx, jobID, agentID, reason, maxAttempts)
}

func TestAgentRetriesJobAfterClaimError(t *testing.T) {
	s := newStore(t)
	q := newFaultyQueue(s, errors.New("transient network error"))
	q.claimFaults.Store(1)

	var calls atomic.Int32
	d := printer.DriverFunc(func(context.Context, string) error {
		calls.Add(1)
		return nil
	})
	runAgents(t, New(q, d, testConfig("agent-a")))

	job := submit(t, s, "p-1")
	done := waitForStatus(t, s, job.ID, types.StatusCompleted, 5*time.Second)
	assert.Equal(t, "agent-a", done.ClaimedBy)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAgentRetriesOutcomeWrites(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(q *faultyQueue)
		driver func(context.Context, string) error
		want   types.JobStatus
		prints int32
	}{
		{
			name:   "complete fails once",
			setup:  func(q *faultyQueue) { q.completeFaults.Store(1) },
			driver: func(context.Context, string) error { return nil },
			want:   types.StatusCompleted,
			prints: 1,
		},
		{
			name:   "record failure fails twice",
			setup:  func(q *faultyQueue) { q.failureFaults.Store(2) },
			driver: func(context.Context, string) error { return errors.New("paper jam") },
			want:   types.StatusFailed,
			prints: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			q := newFaultyQueue(s, errors.New("connection reset"))
			tt.setup(q)

			var prints atomic.Int32
			d := printer.DriverFunc(func(ctx context.Context, ref string) error {
				prints.Add(1)
				return tt.driver(ctx, ref)
			})
			runAgents(t, New(q, d, testConfig("agent-a")))

			job := submit(t, s, "p-1")
			final := waitForStatus(t, s, job.ID, tt.want, 5*time.Second)
			assert.Equal(t, tt.prints, prints.Load(), "outcome retries must not reprint")
			if tt.want == types.StatusFailed {
				assert.Equal(t, 3, final.AttemptCount)
			}
		})
	}
}

func TestAgentDoesNotRetryRejectedOutcome(t *testing.T) {
	s := newStore(t)
	q := newFaultyQueue(s, store.ErrNotClaimant)
	q.completeFaults.Store(100)

	d := printer.DriverFunc(func(context.Context, string) error { return nil })
	runAgents(t, New(q, d, testConfig("agent-a")))

	job := submit(t, s, "p-1")
	waitForStatus(t, s, job.ID, types.StatusPrinting, 5*time.Second)
	require.Eventually(t, func() bool { return q.completes.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), q.completes.Load())
}
