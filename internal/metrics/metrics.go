// Package metrics provides Prometheus instrumentation for the matcha server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only matcha metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the matcha server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	RegistrySize          prometheus.Gauge
	RegistryReloads       prometheus.Counter
	RegistryInvalidations prometheus.Counter
	EvaluationsTotal      *prometheus.CounterVec
	VariantAssignments    *prometheus.CounterVec
	MatchScoreDuration    *prometheus.HistogramVec
	MatchScores           *prometheus.HistogramVec
	AIScorerFailures      prometheus.Counter
	AuthFailuresTotal     prometheus.Counter
	ActiveStreams         prometheus.Gauge
}

// New creates and registers all matcha metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matcha_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "matcha_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		RegistrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matcha_registry_size",
			Help: "Number of toggles in the in-memory registry snapshot.",
		}),

		RegistryReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matcha_registry_reloads_total",
			Help: "Total number of full registry reloads from the database.",
		}),

		RegistryInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matcha_registry_invalidations_total",
			Help: "Total number of NOTIFY-triggered registry invalidations.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matcha_toggle_evaluations_total",
			Help: "Total number of toggle evaluations.",
		}, []string{"result"}),

		VariantAssignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matcha_variant_assignments_total",
			Help: "Total number of experiment variant assignments.",
		}, []string{"toggle", "variant"}),

		MatchScoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "matcha_match_score_duration_seconds",
			Help:    "Match score calculation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tier"}),

		MatchScores: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "matcha_match_scores",
			Help:    "Distribution of computed overall match scores.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"tier"}),

		AIScorerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matcha_ai_scorer_failures_total",
			Help: "Total number of failed AI scorer calls.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matcha_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matcha_active_streams",
			Help: "Number of active SSE streaming connections.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RegistrySize,
		m.RegistryReloads,
		m.RegistryInvalidations,
		m.EvaluationsTotal,
		m.VariantAssignments,
		m.MatchScoreDuration,
		m.MatchScores,
		m.AIScorerFailures,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation increments the evaluation counter with the given result.
func (m *Metrics) RecordEvaluation(result bool) {
	m.EvaluationsTotal.WithLabelValues(strconv.FormatBool(result)).Inc()
}

// RecordVariantAssignment increments the assignment counter. Unassigned
// users are recorded under the empty variant label.
func (m *Metrics) RecordVariantAssignment(toggleID, variant string) {
	m.VariantAssignments.WithLabelValues(toggleID, variant).Inc()
}

// ObserveMatchScore records a computed score and its latency for the tier.
func (m *Metrics) ObserveMatchScore(tier string, score, seconds float64) {
	m.MatchScores.WithLabelValues(tier).Observe(score)
	m.MatchScoreDuration.WithLabelValues(tier).Observe(seconds)
}

// SetRegistrySize updates the registry size gauge.
func (m *Metrics) SetRegistrySize(size float64) {
	m.RegistrySize.Set(size)
}

// IncRegistryReloads increments the registry reload counter.
func (m *Metrics) IncRegistryReloads() {
	m.RegistryReloads.Inc()
}

// IncRegistryInvalidations increments the invalidation counter.
func (m *Metrics) IncRegistryInvalidations() {
	m.RegistryInvalidations.Inc()
}
