// ============================================================================
// hackops print dispatch agent
// ============================================================================
//
// Package: internal/agent
// File: agent.go
// Purpose: Long-lived process next to a photo printer. It claims queued
// print jobs, drives the printer, retries failed attempts and records the
// outcome.
//
// Run loop:
//
//   Acquire keep-awake ─┐ (released on every exit)
//   Heartbeat loop ─────┤ every HeartbeatInterval, "stopped" on exit
//   Resume own jobs ────┤ Printing jobs still claimed by this identity
//   Subscribe ──────────┘
//      for each Pending job:
//         Claim ── lost? skip silently ── unreachable? drop the subscription
//         Print (hard PrintTimeout)
//           ok   → Complete
//           fail → RecordFailure ── Failed? done : wait RetryDelay, print again
//         outcome write failed? retry every ReconnectDelay until shutdown
//   Subscription lost → wait ReconnectDelay (+ jitter), subscribe again, forever
//
// Everything that matters lives in the queue; the agent keeps no job state
// between iterations, so a restarted agent with the same ID picks up where
// the old one stopped.
//
// ============================================================================

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/hackops/internal/keepawake"
	"github.com/ChuLiYu/hackops/internal/metrics"
	"github.com/ChuLiYu/hackops/internal/printer"
	"github.com/ChuLiYu/hackops/internal/store"
	"github.com/ChuLiYu/hackops/pkg/types"
	"github.com/google/uuid"
)

var log = slog.Default()

// finalWriteTimeout bounds queue writes that must land after ctx is done:
// the outcome of a print that already happened and the last heartbeat.
const finalWriteTimeout = 5 * time.Second

// Queue is what an agent needs from the dispatch queue. store.Queue serves
// it in-process and grpcqueue.Client serves it remotely.
type Queue interface {
	WatchPending(ctx context.Context) (store.Subscription, error)
	Claim(ctx context.Context, jobID, agentID string) (types.PrintJob, error)
	Complete(ctx context.Context, jobID, agentID string) (types.PrintJob, error)
	RecordFailure(ctx context.Context, jobID, agentID, reason string, maxAttempts int) (types.PrintJob, error)
	Claimed(ctx context.Context, agentID string) ([]types.PrintJob, error)
	Heartbeat(ctx context.Context, hb types.AgentHeartbeat) error
}

var _ Queue = (*store.Queue)(nil)

// Config holds agent timing and identity.
type Config struct {
	ID                string
	MaxAttempts       int
	PrintTimeout      time.Duration
	RetryDelay        time.Duration
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	ReconnectJitter   time.Duration
	KeepAwake         string
}

// DefaultConfig returns the standard agent timings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		PrintTimeout:      10 * time.Second,
		RetryDelay:        3 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ReconnectDelay:    5 * time.Second,
		KeepAwake:         keepawake.ModeNone,
	}
}

// DefaultID returns <hostname>-<uuid>.
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agent"
	}
	return host + "-" + uuid.NewString()
}

// Agent is one print dispatch agent.
type Agent struct {
	cfg      Config
	queue    Queue
	driver   printer.Driver
	metrics  *metrics.Collector
	hostname string

	mu         sync.Mutex
	state      types.AgentState
	currentJob string
	startedAt  time.Time
}

// Option configures an Agent.
type Option func(*Agent)

// WithMetrics records claims, attempts and heartbeats on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(a *Agent) { a.metrics = c }
}

// New returns an agent that takes jobs from q and prints them with d.
// An empty cfg.ID is replaced by DefaultID().
func New(q Queue, d printer.Driver, cfg Config, opts ...Option) *Agent {
	if cfg.ID == "" {
		cfg.ID = DefaultID()
	}
	host, _ := os.Hostname()
	a := &Agent{
		cfg:      cfg,
		queue:    q,
		driver:   d,
		hostname: host,
		state:    types.AgentConnecting,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the agent identity used for claims.
func (a *Agent) ID() string { return a.cfg.ID }

// Run works the queue until ctx is cancelled. It returns nil on a clean
// shutdown and an error only if the agent cannot start.
func (a *Agent) Run(ctx context.Context) error {
	awake, err := keepawake.Acquire(ctx, a.cfg.KeepAwake)
	if err != nil {
		return fmt.Errorf("agent %s: %w", a.cfg.ID, err)
	}
	defer func() {
		if err := awake.Release(); err != nil {
			log.Warn("Failed to release keep-awake", "agent", a.cfg.ID, "error", err)
		}
	}()

	a.mu.Lock()
	a.startedAt = time.Now().UTC()
	a.mu.Unlock()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(hbCtx)
	}()
	defer func() {
		stopHeartbeat()
		wg.Wait()
		a.setState(types.AgentStopped, "")
		a.heartbeat(context.WithoutCancel(ctx))
		log.Info("Agent stopped", "agent", a.cfg.ID)
	}()

	log.Info("Agent started", "agent", a.cfg.ID, "max_attempts", a.cfg.MaxAttempts, "print_timeout", a.cfg.PrintTimeout)

	a.resume(ctx)

	for {
		err := a.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		a.setState(types.AgentConnecting, "")
		delay := a.reconnectDelay()
		log.Warn("Pending subscription lost, reconnecting", "agent", a.cfg.ID, "error", err, "delay", delay)
		if !sleep(ctx, delay) {
			return nil
		}
		a.metrics.RecordReconnect()
	}
}

// resume finishes jobs this identity claimed before a restart.
func (a *Agent) resume(ctx context.Context) {
	jobs, err := a.queue.Claimed(ctx, a.cfg.ID)
	if err != nil {
		log.Warn("Failed to list claimed jobs", "agent", a.cfg.ID, "error", err)
		return
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		log.Info("Resuming claimed job", "agent", a.cfg.ID, "job_id", job.ID, "attempts", job.AttemptCount)
		a.process(ctx, job)
	}
}

// consume subscribes and handles jobs until the subscription ends.
func (a *Agent) consume(ctx context.Context) error {
	sub, err := a.queue.WatchPending(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	a.setState(types.AgentIdle, "")
	log.Info("Subscribed to pending jobs", "agent", a.cfg.ID)

	for {
		job, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if err := a.handle(ctx, job); err != nil {
			return err
		}
	}
}

// handle claims and prints one delivered job. A claim that fails for any
// reason other than losing the race returns an error: the subscription has
// already delivered the job and will not again, so only a fresh one can.
func (a *Agent) handle(ctx context.Context, job types.PrintJob) error {
	claimed, err := a.queue.Claim(ctx, job.ID, a.cfg.ID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrClaimConflict), errors.Is(err, store.ErrNotFound):
		a.metrics.RecordClaim(false)
		log.Debug("Job taken by another agent", "agent", a.cfg.ID, "job_id", job.ID)
		return nil
	default:
		return fmt.Errorf("claim job %s: %w", job.ID, err)
	}

	a.metrics.RecordClaim(true)
	log.Info("Job claimed", "agent", a.cfg.ID, "job_id", claimed.ID, "participant", claimed.ParticipantID)
	a.process(ctx, claimed)
	a.setState(types.AgentIdle, "")
	return nil
}

// process prints a claimed job until it completes, fails for good, or ctx
// ends. On shutdown the job stays Printing under this identity for resume.
func (a *Agent) process(ctx context.Context, job types.PrintJob) {
	a.setState(types.AgentPrinting, job.ID)

	for {
		start := time.Now()
		timedOut, err := a.print(ctx, job)
		elapsed := time.Since(start)

		if err == nil && !timedOut {
			a.metrics.RecordAttempt(metrics.OutcomeSuccess, elapsed)
			a.complete(ctx, job)
			return
		}
		if ctx.Err() != nil {
			log.Info("Print interrupted by shutdown", "agent", a.cfg.ID, "job_id", job.ID)
			return
		}

		var outcome, reason string
		if timedOut {
			outcome = metrics.OutcomeTimeout
			reason = fmt.Sprintf("print timed out after %s", a.cfg.PrintTimeout)
		} else {
			outcome = metrics.OutcomeFailure
			reason = err.Error()
		}
		a.metrics.RecordAttempt(outcome, elapsed)

		updated, ferr := a.recordFailure(ctx, job, reason)
		if ferr != nil {
			log.Error("Failed to record print failure", "agent", a.cfg.ID, "job_id", job.ID, "error", ferr)
			return
		}
		if updated.Status == types.StatusFailed {
			a.metrics.RecordFailed()
			log.Warn("Job failed", "agent", a.cfg.ID, "job_id", job.ID, "attempts", updated.AttemptCount, "last_error", reason)
			return
		}
		log.Warn("Print attempt failed, retrying", "agent", a.cfg.ID, "job_id", job.ID,
			"attempt", updated.AttemptCount, "max_attempts", a.cfg.MaxAttempts, "error", reason, "delay", a.cfg.RetryDelay)
		job = updated

		if !sleep(ctx, a.cfg.RetryDelay) {
			return
		}
	}
}

// print runs one attempt bounded by PrintTimeout. The deadline holds even
// for a driver that ignores ctx: its late result is discarded and the
// attempt counts as timed out.
func (a *Agent) print(ctx context.Context, job types.PrintJob) (timedOut bool, err error) {
	printCtx, cancel := context.WithTimeout(ctx, a.cfg.PrintTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- a.driver.Print(printCtx, job.PhotoReference) }()

	select {
	case err = <-result:
	case <-printCtx.Done():
		err = printCtx.Err()
	}
	return errors.Is(printCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil, err
}

func (a *Agent) complete(ctx context.Context, job types.PrintJob) {
	var done types.PrintJob
	err := a.persist(ctx, job, "complete", func(wctx context.Context) (err error) {
		done, err = a.queue.Complete(wctx, job.ID, a.cfg.ID)
		return err
	})
	if err != nil {
		log.Error("Failed to complete job", "agent", a.cfg.ID, "job_id", job.ID, "error", err)
		return
	}
	a.metrics.RecordCompleted()
	log.Info("Job completed", "agent", a.cfg.ID, "job_id", done.ID, "attempts", done.AttemptCount+1)
}

func (a *Agent) recordFailure(ctx context.Context, job types.PrintJob, reason string) (types.PrintJob, error) {
	var updated types.PrintJob
	err := a.persist(ctx, job, "record failure", func(wctx context.Context) (err error) {
		updated, err = a.queue.RecordFailure(wctx, job.ID, a.cfg.ID, reason, a.cfg.MaxAttempts)
		return err
	})
	return updated, err
}

// persist writes the outcome of a print that already happened. Each try may
// outlive a cancelled ctx by finalWriteTimeout. A failed try is repeated
// every reconnect delay until it succeeds, the queue rejects it for good, or
// ctx ends; in the last case the job stays Printing under this identity for
// resume.
func (a *Agent) persist(ctx context.Context, job types.PrintJob, op string, write func(ctx context.Context) error) error {
	for {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
		err := write(wctx)
		cancel()
		if err == nil || isRejection(err) || ctx.Err() != nil {
			return err
		}

		delay := a.reconnectDelay()
		log.Warn("Failed to write print outcome, retrying", "agent", a.cfg.ID, "job_id", job.ID,
			"op", op, "error", err, "delay", delay)
		if !sleep(ctx, delay) {
			return err
		}
	}
}

// isRejection reports whether the queue refused a write on the job's state,
// as opposed to failing to reach it.
func isRejection(err error) bool {
	return errors.Is(err, store.ErrNotClaimant) ||
		errors.Is(err, store.ErrClaimConflict) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, types.ErrInvalidArgument)
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	a.heartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.heartbeat(ctx)
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	hb := a.snapshot()
	wctx, cancel := context.WithTimeout(ctx, finalWriteTimeout)
	defer cancel()
	if err := a.queue.Heartbeat(wctx, hb); err != nil {
		if ctx.Err() == nil {
			log.Warn("Failed to send heartbeat", "agent", a.cfg.ID, "error", err)
		}
		return
	}
	a.metrics.RecordHeartbeat(a.cfg.ID, hb.LastSeen)
}

func (a *Agent) snapshot() types.AgentHeartbeat {
	a.mu.Lock()
	defer a.mu.Unlock()
	return types.AgentHeartbeat{
		AgentID:      a.cfg.ID,
		Hostname:     a.hostname,
		State:        a.state,
		CurrentJobID: a.currentJob,
		StartedAt:    a.startedAt,
		LastSeen:     time.Now().UTC(),
	}
}

func (a *Agent) setState(s types.AgentState, jobID string) {
	a.mu.Lock()
	a.state = s
	a.currentJob = jobID
	a.mu.Unlock()
}

// State returns the agent's current state.
func (a *Agent) State() types.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) reconnectDelay() time.Duration {
	d := a.cfg.ReconnectDelay
	if a.cfg.ReconnectJitter > 0 {
		d += time.Duration(rand.Int63n(int64(a.cfg.ReconnectJitter)))
	}
	return d
}

// sleep waits d or until ctx is done. It reports whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
