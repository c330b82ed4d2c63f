// Package telemetry exposes Prometheus collectors for stage invocations and
// pipeline requests.
package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fave"

type Metrics struct {
	stageInvocations *prometheus.CounterVec
	stageErrors      *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	stageCost        *prometheus.CounterVec
	stageColdStarts  *prometheus.CounterVec
	requests         *prometheus.CounterVec
	requestDuration  prometheus.Histogram
}

// New registers the collectors on reg. Collectors already registered by a
// previous call are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stageInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_invocations_total",
			Help:      "Stage invocations by stage and result status.",
		}, []string{"stage", "status"}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Stage invocations that failed before producing a result.",
		}, []string{"stage"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock stage latency observed by the orchestrator.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"stage"}),
		stageCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_cost_units_total",
			Help:      "Accumulated GB-second cost proxy reported by stages.",
		}, []string{"stage"}),
		stageColdStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_cold_starts_total",
			Help:      "Stage results flagged as cold starts.",
		}, []string{"stage"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Pipeline requests by terminal status.",
		}, []string{"status"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end pipeline latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 16),
		}),
	}
	if reg == nil {
		return m
	}

	m.stageInvocations = register(reg, m.stageInvocations)
	m.stageErrors = register(reg, m.stageErrors)
	m.stageDuration = register(reg, m.stageDuration)
	m.stageCost = register(reg, m.stageCost)
	m.stageColdStarts = register(reg, m.stageColdStarts)
	m.requests = register(reg, m.requests)
	m.requestDuration = register(reg, m.requestDuration)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) ObserveStage(stage, status string, elapsed time.Duration, costUnit float64, coldStart bool) {
	if m == nil {
		return
	}
	m.stageInvocations.WithLabelValues(stage, status).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	if costUnit > 0 {
		m.stageCost.WithLabelValues(stage).Add(costUnit)
	}
	if coldStart {
		m.stageColdStarts.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) ObserveStageError(stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageErrors.WithLabelValues(stage).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRequest(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(status).Inc()
	m.requestDuration.Observe(elapsed.Seconds())
}
