// Package metrics exposes Prometheus counters, gauges, and histograms for
// the claim engine, the file-mark registry, and the pub/sub layer. Every
// recording method is a nil-receiver no-op when metrics are disabled, so
// callers never need to branch on whether collection is on.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls whether metrics are collected and how they're namespaced.
type Config struct {
	// Enabled turns on metrics collection. Default: false.
	Enabled bool `yaml:"enabled,omitempty"`

	// Endpoint is the path to expose metrics on. Default: "/metrics".
	Endpoint string `yaml:"endpoint,omitempty"`

	// Namespace prefixes every metric name. Default: "taskgraph".
	Namespace string `yaml:"namespace,omitempty"`
}

// SetDefaults fills in the zero-value fields of Config.
func (c *Config) SetDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = "/metrics"
	}
	if c.Namespace == "" {
		c.Namespace = "taskgraph"
	}
}

// Metrics holds every collector. A nil *Metrics is valid and every Record*/
// Set* method on it is a no-op, so disabled metrics cost nothing at call
// sites.
type Metrics struct {
	registry *prometheus.Registry
	endpoint string

	claims        *prometheus.CounterVec
	claimDuration *prometheus.HistogramVec
	claimErrors   *prometheus.CounterVec

	tasksByStatus *prometheus.GaugeVec
	stateDuration *prometheus.HistogramVec

	workersActive  prometheus.Gauge
	workersEvicted *prometheus.CounterVec

	fileMarksHeld  prometheus.Gauge
	fileMarkOps    *prometheus.CounterVec
	fileConflicts  prometheus.Counter

	inboxPublished *prometheus.CounterVec
	inboxPolled    *prometheus.CounterVec
}

// New builds a Metrics collector from cfg. Returns nil, nil if metrics
// collection is disabled, matching the pattern of every Record*/Set*
// method being safe to call on a nil receiver.
func New(cfg Config) (*Metrics, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cfg.SetDefaults()

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		endpoint: cfg.Endpoint,
	}
	m.initClaimMetrics(cfg.Namespace)
	m.initTaskMetrics(cfg.Namespace)
	m.initWorkerMetrics(cfg.Namespace)
	m.initFileMarkMetrics(cfg.Namespace)
	m.initInboxMetrics(cfg.Namespace)
	return m, nil
}

func (m *Metrics) initClaimMetrics(ns string) {
	m.claims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "claim", Name: "attempts_total",
		Help: "Total number of claim/force_claim attempts by outcome",
	}, []string{"result"}) // result: claimed, stolen, rejected

	m.claimDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "claim", Name: "duration_seconds",
		Help:    "Time spent in the claim engine's claim transaction",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
	}, []string{"result"})

	m.claimErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "claim", Name: "errors_total",
		Help: "Total number of claim/force_claim errors by code",
	}, []string{"op", "code"})

	m.registry.MustRegister(m.claims, m.claimDuration, m.claimErrors)
}

func (m *Metrics) initTaskMetrics(ns string) {
	m.tasksByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "task", Name: "by_status",
		Help: "Current number of tasks in each status",
	}, []string{"status"})

	m.stateDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "task", Name: "state_duration_seconds",
		Help:    "Accumulated time a task spent in a timed state before exiting it",
		Buckets: prometheus.ExponentialBuckets(1, 4, 14), // 1s to ~67M s
	}, []string{"status"})

	m.registry.MustRegister(m.tasksByStatus, m.stateDuration)
}

func (m *Metrics) initWorkerMetrics(ns string) {
	m.workersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "worker", Name: "active",
		Help: "Current number of registered workers",
	})

	m.workersEvicted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "worker", Name: "evicted_total",
		Help: "Total number of workers evicted by the stale-worker sweep",
	}, []string{"final_status"})

	m.registry.MustRegister(m.workersActive, m.workersEvicted)
}

func (m *Metrics) initFileMarkMetrics(ns string) {
	m.fileMarksHeld = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "filemark", Name: "held",
		Help: "Current number of advisory file marks held",
	})

	m.fileMarkOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "filemark", Name: "operations_total",
		Help: "Total number of file-mark operations by kind",
	}, []string{"op"}) // op: mark, unmark, force_unmark, release_worker_marks

	m.fileConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "filemark", Name: "conflicts_total",
		Help: "Total number of mark attempts that hit an existing owner",
	})

	m.registry.MustRegister(m.fileMarksHeld, m.fileMarkOps, m.fileConflicts)
}

func (m *Metrics) initInboxMetrics(ns string) {
	m.inboxPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "inbox", Name: "published_total",
		Help: "Total number of inbox messages enqueued by target type",
	}, []string{"target_type"})

	m.inboxPolled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "inbox", Name: "polled_total",
		Help: "Total number of inbox messages returned by poll_inbox",
	}, []string{"worker_id"})

	m.registry.MustRegister(m.inboxPublished, m.inboxPolled)
}

// RecordClaim records the outcome and duration of one claim/force_claim
// attempt. result is one of "claimed", "stolen", "rejected".
func (m *Metrics) RecordClaim(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(result).Inc()
	m.claimDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordClaimError records a failed claim-engine operation by its taskerr
// code (op is "claim" or "force_claim").
func (m *Metrics) RecordClaimError(op, code string) {
	if m == nil {
		return
	}
	m.claimErrors.WithLabelValues(op, code).Inc()
}

// SetTasksByStatus replaces the task-count gauge for status.
func (m *Metrics) SetTasksByStatus(status string, count int) {
	if m == nil {
		return
	}
	m.tasksByStatus.WithLabelValues(status).Set(float64(count))
}

// ObserveStateDuration records how long a task spent in a timed state
// before exiting it, accumulated from time_actual_ms.
func (m *Metrics) ObserveStateDuration(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stateDuration.WithLabelValues(status).Observe(d.Seconds())
}

// SetWorkersActive replaces the active-worker gauge.
func (m *Metrics) SetWorkersActive(count int) {
	if m == nil {
		return
	}
	m.workersActive.Set(float64(count))
}

// RecordWorkerEvicted records one stale-worker eviction.
func (m *Metrics) RecordWorkerEvicted(finalStatus string) {
	if m == nil {
		return
	}
	m.workersEvicted.WithLabelValues(finalStatus).Inc()
}

// SetFileMarksHeld replaces the held-file-mark gauge.
func (m *Metrics) SetFileMarksHeld(count int) {
	if m == nil {
		return
	}
	m.fileMarksHeld.Set(float64(count))
}

// RecordFileMarkOp records one file-mark operation by kind.
func (m *Metrics) RecordFileMarkOp(op string) {
	if m == nil {
		return
	}
	m.fileMarkOps.WithLabelValues(op).Inc()
}

// RecordFileMarkConflict records a mark attempt that hit an existing, other,
// owner.
func (m *Metrics) RecordFileMarkConflict() {
	if m == nil {
		return
	}
	m.fileConflicts.Inc()
}

// RecordInboxPublished records n inbox messages fanned out for targetType.
func (m *Metrics) RecordInboxPublished(targetType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.inboxPublished.WithLabelValues(targetType).Add(float64(n))
}

// RecordInboxPolled records n messages returned to workerID by poll_inbox.
func (m *Metrics) RecordInboxPolled(workerID string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.inboxPolled.WithLabelValues(workerID).Add(float64(n))
}

// Handler returns the HTTP handler for the metrics endpoint. A nil
// receiver returns a handler that reports the endpoint as unavailable.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Endpoint returns the path Handler should be mounted on, or "" if metrics
// are disabled.
func (m *Metrics) Endpoint() string {
	if m == nil {
		return ""
	}
	return m.endpoint
}

// Registry returns the underlying Prometheus registry, or nil if metrics
// are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
