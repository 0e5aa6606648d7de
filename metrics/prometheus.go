// Package metrics exposes Prometheus metrics for the rank engine.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eliteheat/core"
)

// Manager owns every collector and implements engine.Observer.
type Manager struct {
	namespace string
	buckets   []float64
	registry  *prometheus.Registry
	system    bool

	operations      *prometheus.CounterVec
	opDuration      *prometheus.HistogramVec
	pointsGranted   prometheus.Counter
	pointsDeducted  prometheus.Counter
	grantsFlagged   prometheus.Counter
	rankChanges     *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	leaderboardSize prometheus.Gauge
}

// Option applies a configuration option to the Manager.
type Option func(*Manager)

// WithNamespace sets the namespace for all metrics.
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithHistogramBuckets sets custom histogram buckets for latency metrics.
func WithHistogramBuckets(buckets []float64) Option {
	return func(m *Manager) {
		if len(buckets) > 0 {
			m.buckets = buckets
		}
	}
}

// WithRegistry registers collectors on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(m *Manager) {
		if reg != nil {
			m.registry = reg
		}
	}
}

// WithSystemCollectors adds the Go runtime and process collectors.
func WithSystemCollectors() Option {
	return func(m *Manager) { m.system = true }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace: "eliteheat",
		buckets:   prometheus.DefBuckets,
		registry:  prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	auto := promauto.With(m.registry)
	if m.system {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m.operations = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "operations_total",
		Help:      "Write operations by name and outcome",
	}, []string{"op", "result"})
	m.opDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      "operation_duration_seconds",
		Help:      "Latency of write operations",
		Buckets:   m.buckets,
	}, []string{"op"})
	m.pointsGranted = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "points_granted_total",
		Help:      "Sum of positive applied deltas",
	})
	m.pointsDeducted = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "points_deducted_total",
		Help:      "Sum of negative applied deltas, as a positive number",
	})
	m.grantsFlagged = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "grants_flagged_total",
		Help:      "Grants above the review threshold",
	})
	m.rankChanges = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "rank_changes_total",
		Help:      "Tier boundary crossings by direction",
	}, []string{"direction"})
	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status code",
	}, []string{"route", "method", "code"})
	m.httpDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route",
		Buckets:   m.buckets,
	}, []string{"route"})
	m.leaderboardSize = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "leaderboard_subjects",
		Help:      "Subjects currently on the leaderboard",
	})
	return m
}

// Registry returns the registry holding the collectors.
func (m *Manager) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveOp implements engine.Observer.
func (m *Manager) ObserveOp(op string, elapsed time.Duration, err error) {
	m.operations.WithLabelValues(op, resultOf(err)).Inc()
	m.opDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, core.ErrValidation):
		return "invalid"
	case errors.Is(err, core.ErrNotFound):
		return "not_found"
	case errors.Is(err, core.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

// OnEvent counts committed point movements and rank changes; subscribe it to all events.
func (m *Manager) OnEvent(_ context.Context, e core.Event) {
	switch e.Type {
	case core.EventPointsAccrued, core.EventRankAssigned:
		if e.Delta > 0 {
			m.pointsGranted.Add(float64(e.Delta))
		} else if e.Delta < 0 {
			m.pointsDeducted.Add(float64(-e.Delta))
		}
	case core.EventGrantFlagged:
		m.grantsFlagged.Inc()
	case core.EventRankUp:
		m.rankChanges.WithLabelValues("up").Inc()
	case core.EventRankDown:
		m.rankChanges.WithLabelValues("down").Inc()
	}
}

// SetLeaderboardSize records the number of ranked subjects.
func (m *Manager) SetLeaderboardSize(n int) { m.leaderboardSize.Set(float64(n)) }

// Instrument wraps next, recording requests under the given route label.
func (m *Manager) Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer (websocket hijack).
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
