// ============================================================================
// hackops metrics
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Prometheus counters and histograms for the action guard, print
// submission and print agents.
//
// Metrics:
//
//   hackops_actions_recorded_total{type}           accepted action records
//   hackops_guard_violations_total{reason}         rejected actions/submissions
//   hackops_print_jobs_submitted_total             accepted print jobs
//   hackops_print_claims_total{outcome}            won | lost
//   hackops_print_attempts_total{outcome}          success | failure | timeout
//   hackops_print_jobs_completed_total
//   hackops_print_jobs_failed_total                jobs that exhausted attempts
//   hackops_print_duration_seconds                 driver time per attempt
//   hackops_agent_reconnects_total
//   hackops_agent_last_heartbeat_timestamp_seconds{agent}
//
// A nil *Collector is valid and records nothing, so components take one
// optionally.
//
// Exposed on /metrics (default :9090).
// ============================================================================

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/ChuLiYu/hackops/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hackops"

// Attempt outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

// Collector holds the hackops metrics.
type Collector struct {
	actionsRecorded *prometheus.CounterVec
	guardViolations *prometheus.CounterVec
	jobsSubmitted   prometheus.Counter
	claims          *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	jobsCompleted   prometheus.Counter
	jobsFailed      prometheus.Counter
	printDuration   prometheus.Histogram
	reconnects      prometheus.Counter
	lastHeartbeat   *prometheus.GaugeVec
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// means prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		actionsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_recorded_total",
			Help:      "Action records accepted, by action type.",
		}, []string{"type"}),
		guardViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_violations_total",
			Help:      "Rejected actions and print submissions, by reason.",
		}, []string{"reason"}),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "print_jobs_submitted_total",
			Help:      "Print jobs accepted into the queue.",
		}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "print_claims_total",
			Help:      "Claim attempts by agents, by outcome.",
		}, []string{"outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "print_attempts_total",
			Help:      "Print attempts, by outcome.",
		}, []string{"outcome"}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "print_jobs_completed_total",
			Help:      "Print jobs completed.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "print_jobs_failed_total",
			Help:      "Print jobs that exhausted their attempts.",
		}),
		printDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "print_duration_seconds",
			Help:      "Printer driver time per attempt.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 6, 8, 10, 15},
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_reconnects_total",
			Help:      "Agent resubscriptions after a lost pending-job subscription.",
		}),
		lastHeartbeat: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_last_heartbeat_timestamp_seconds",
			Help:      "Unix time of the last heartbeat written by each agent.",
		}, []string{"agent"}),
	}

	for _, col := range []prometheus.Collector{
		c.actionsRecorded,
		c.guardViolations,
		c.jobsSubmitted,
		c.claims,
		c.attempts,
		c.jobsCompleted,
		c.jobsFailed,
		c.printDuration,
		c.reconnects,
		c.lastHeartbeat,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RecordAction counts an accepted action record.
func (c *Collector) RecordAction(t types.ActionType) {
	if c == nil {
		return
	}
	c.actionsRecorded.WithLabelValues(string(t)).Inc()
}

// RecordViolation counts a rejected action or submission. err should be a
// guard violation; anything else is counted as "other".
func (c *Collector) RecordViolation(err error) {
	if c == nil {
		return
	}
	c.guardViolations.WithLabelValues(ViolationReason(err)).Inc()
}

// RecordSubmitted counts an accepted print job.
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordClaim counts a claim attempt.
func (c *Collector) RecordClaim(won bool) {
	if c == nil {
		return
	}
	outcome := "lost"
	if won {
		outcome = "won"
	}
	c.claims.WithLabelValues(outcome).Inc()
}

// RecordAttempt counts one print attempt and its driver time.
func (c *Collector) RecordAttempt(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.attempts.WithLabelValues(outcome).Inc()
	c.printDuration.Observe(d.Seconds())
}

// RecordCompleted counts a completed job.
func (c *Collector) RecordCompleted() {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
}

// RecordFailed counts a job moved to Failed.
func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.jobsFailed.Inc()
}

// RecordReconnect counts an agent resubscription.
func (c *Collector) RecordReconnect() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

// RecordHeartbeat stores the time of agentID's last heartbeat.
func (c *Collector) RecordHeartbeat(agentID string, at time.Time) {
	if c == nil {
		return
	}
	c.lastHeartbeat.WithLabelValues(agentID).Set(float64(at.Unix()))
}

// ViolationReason maps a guard violation to its label value.
func ViolationReason(err error) string {
	switch {
	case errors.Is(err, types.ErrParticipantNotFound):
		return "participant_not_found"
	case errors.Is(err, types.ErrCheckInRequired):
		return "check_in_required"
	case errors.Is(err, types.ErrPaymentNotCaptured):
		return "payment_not_captured"
	case errors.Is(err, types.ErrAlreadyRecorded):
		return "already_recorded"
	case errors.Is(err, types.ErrAlreadyPrinted):
		return "already_printed"
	case errors.Is(err, types.ErrPhotoNotOwned):
		return "photo_not_owned"
	case errors.Is(err, types.ErrPrintInProgress):
		return "print_in_progress"
	case errors.Is(err, types.ErrSubmissionsClosed):
		return "submissions_closed"
	case errors.Is(err, types.ErrNotCancellable):
		return "not_cancellable"
	default:
		return "other"
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr.
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
