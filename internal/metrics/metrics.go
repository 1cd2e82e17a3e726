// Package metrics provides Prometheus metrics for the phantomid authority.
//
// Features:
//   - Counters for mints, derivations, enrollments and issued challenges
//   - Verification outcomes labelled by reject reason
//   - Histogram for verification latency
//   - Gauge for pending challenge attempts
//   - HTTP handler for scraping
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name unless overridden.
const DefaultNamespace = "phantomid"

// Outcome label values besides the reject reasons.
const (
	OutcomeVerified = "verified"
)

// Metrics holds all authority metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Counters
	MintsTotal         prometheus.Counter
	DerivationsTotal   prometheus.Counter
	EnrollmentsTotal   prometheus.Counter
	ChallengesTotal    prometheus.Counter
	RateLimitedTotal   prometheus.Counter
	VerificationsTotal *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec

	// Gauges
	PendingAttempts prometheus.Gauge

	// Histograms
	VerificationDuration prometheus.Histogram
}

// Option configures New.
type Option func(*options)

type options struct {
	runtime bool
}

// WithRuntimeCollectors also registers the Go runtime and process collectors.
func WithRuntimeCollectors() Option {
	return func(o *options) { o.runtime = true }
}

// New creates and registers all metrics under namespace.
func New(namespace string, opts ...Option) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		MintsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mints_total",
			Help:      "Total number of identities minted",
		}),
		DerivationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "derivations_total",
			Help:      "Total number of purpose-scoped identities derived",
		}),
		EnrollmentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrollments_total",
			Help:      "Total number of devices enrolled and persisted",
		}),
		ChallengesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_issued_total",
			Help:      "Total number of challenges issued",
		}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_rate_limited_total",
			Help:      "Total number of challenge requests refused by the rate limiter",
		}),
		VerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Total number of settled verifications by outcome",
		}, []string{"outcome"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of failed operations by operation",
		}, []string{"op"}),
		PendingAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_attempts",
			Help:      "Number of issued challenges awaiting a proof",
		}),
		VerificationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_duration_seconds",
			Help:      "Time spent verifying a submitted proof",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
	}

	reg.MustRegister(
		m.MintsTotal,
		m.DerivationsTotal,
		m.EnrollmentsTotal,
		m.ChallengesTotal,
		m.RateLimitedTotal,
		m.VerificationsTotal,
		m.ErrorsTotal,
		m.PendingAttempts,
		m.VerificationDuration,
	)
	if o.runtime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordMint records a minted identity.
func (m *Metrics) RecordMint() {
	if m == nil {
		return
	}
	m.MintsTotal.Inc()
}

// RecordDerivation records a derived identity.
func (m *Metrics) RecordDerivation() {
	if m == nil {
		return
	}
	m.DerivationsTotal.Inc()
}

// RecordEnrollment records a persisted enrollment.
func (m *Metrics) RecordEnrollment() {
	if m == nil {
		return
	}
	m.EnrollmentsTotal.Inc()
}

// ChallengeIssued records an issued challenge now awaiting a proof.
func (m *Metrics) ChallengeIssued() {
	if m == nil {
		return
	}
	m.ChallengesTotal.Inc()
	m.PendingAttempts.Inc()
}

// ChallengeSettled records a pending challenge leaving the pending set.
func (m *Metrics) ChallengeSettled() {
	if m == nil {
		return
	}
	m.PendingAttempts.Dec()
}

// RecordRateLimited records a refused challenge request.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}

// RecordVerification records a settled verification. outcome is
// OutcomeVerified or a reject reason.
func (m *Metrics) RecordVerification(duration time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.VerificationsTotal.WithLabelValues(outcome).Inc()
	m.VerificationDuration.Observe(duration.Seconds())
}

// RecordError records a failed operation.
func (m *Metrics) RecordError(op string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(op).Inc()
}
