// Package metrics exposes Prometheus instrumentation for the access engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "cerebral"
	subsystem = "access"
)

// AccessMetrics manages Prometheus instrumentation for access evaluation.
type AccessMetrics struct {
	cacheLoads      *prometheus.CounterVec
	fetchErrors     *prometheus.CounterVec
	tierResolutions *prometheus.CounterVec
	guardDecisions  *prometheus.CounterVec
	purchases       *prometheus.CounterVec
}

var (
	accessMetricsInstance *AccessMetrics
	accessMetricsOnce     sync.Once
)

// Get returns the singleton metrics instance registered with the default
// Prometheus registry.
func Get() *AccessMetrics {
	accessMetricsOnce.Do(func() {
		accessMetricsInstance = New(prometheus.DefaultRegisterer)
	})
	return accessMetricsInstance
}

// New builds a metrics set registered with reg. A nil registerer leaves the
// collectors unregistered.
func New(reg prometheus.Registerer) *AccessMetrics {
	m := &AccessMetrics{
		cacheLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cache_loads_total",
				Help:      "Total cached loads by cache name and result source",
			},
			[]string{"cache", "source"},
		),
		fetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "fetch_errors_total",
				Help:      "Total failed remote fetches by cache name",
			},
			[]string{"cache"},
		),
		tierResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tier_resolutions_total",
				Help:      "Total tier resolutions by resolved tier",
			},
			[]string{"tier"},
		),
		guardDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "guard_decisions_total",
				Help:      "Total access decisions by kind",
			},
			[]string{"kind"},
		),
		purchases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "purchases_total",
				Help:      "Total purchase operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.cacheLoads,
			m.fetchErrors,
			m.tierResolutions,
			m.guardDecisions,
			m.purchases,
		)
	}

	return m
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// RecordCacheLoad records a completed cached load.
func (m *AccessMetrics) RecordCacheLoad(cache, source string) {
	if m == nil {
		return
	}
	m.cacheLoads.WithLabelValues(orUnknown(cache), orUnknown(source)).Inc()
}

// RecordFetchError records a failed remote fetch.
func (m *AccessMetrics) RecordFetchError(cache string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(orUnknown(cache)).Inc()
}

// RecordTierResolution records a completed tier resolution.
func (m *AccessMetrics) RecordTierResolution(tier string) {
	if m == nil {
		return
	}
	m.tierResolutions.WithLabelValues(orUnknown(tier)).Inc()
}

// RecordGuardDecision records an access decision.
func (m *AccessMetrics) RecordGuardDecision(kind string) {
	if m == nil {
		return
	}
	m.guardDecisions.WithLabelValues(orUnknown(kind)).Inc()
}

// RecordPurchase records a purchase, restore or receipt verification outcome.
func (m *AccessMetrics) RecordPurchase(operation string, success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.purchases.WithLabelValues(orUnknown(operation), outcome).Inc()
}
