package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	migrationMetricsOnce sync.Once
	migrationRegistry    *MigrationMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "refi",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "refi",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "refi",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "refi",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" or
// "quota_exceeded" so dashboards and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// MigrationMetrics wraps collectors tracking settlement engine health.
type MigrationMetrics struct {
	settled         prometheus.Counter
	aborted         *prometheus.CounterVec
	legs            *prometheus.CounterVec
	duration        prometheus.Histogram
	settlementTotal prometheus.Gauge
	sweeps          *prometheus.CounterVec
}

// Migration exposes the metrics registry for the settlement engine.
func Migration() *MigrationMetrics {
	migrationMetricsOnce.Do(func() {
		migrationRegistry = &MigrationMetrics{
			settled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "refi",
				Subsystem: "migration",
				Name:      "settled_total",
				Help:      "Count of migrations that settled on the target protocol.",
			}),
			aborted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "refi",
				Subsystem: "migration",
				Name:      "aborted_total",
				Help:      "Count of aborted migrations segmented by failure reason.",
			}, []string{"reason"}),
			legs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "refi",
				Subsystem: "migration",
				Name:      "legs_total",
				Help:      "Count of funding legs executed segmented by venue method.",
			}, []string{"method"}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "refi",
				Subsystem: "migration",
				Name:      "duration_seconds",
				Help:      "Latency distribution for migration execution.",
				Buckets:   prometheus.DefBuckets,
			}),
			settlementTotal: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "refi",
				Subsystem: "migration",
				Name:      "settlement_total",
				Help:      "Base-token debt opened on the target by the most recent settlement.",
			}),
			sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "refi",
				Subsystem: "migration",
				Name:      "sweeps_total",
				Help:      "Count of residual balance sweeps segmented by token.",
			}, []string{"token"}),
		}
		prometheus.MustRegister(
			migrationRegistry.settled,
			migrationRegistry.aborted,
			migrationRegistry.legs,
			migrationRegistry.duration,
			migrationRegistry.settlementTotal,
			migrationRegistry.sweeps,
		)
	})
	return migrationRegistry
}

// ObserveSettled records a settled migration together with its execution
// latency and the debt total opened on the target.
func (m *MigrationMetrics) ObserveSettled(total *big.Int, duration time.Duration) {
	if m == nil {
		return
	}
	m.settled.Inc()
	m.duration.Observe(duration.Seconds())
	m.settlementTotal.Set(bigToFloat(total))
}

// ObserveAborted records an aborted migration. Reasons should be stable
// strings such as "source_market" or "reentrancy" so dashboards stay legible.
func (m *MigrationMetrics) ObserveAborted(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.aborted.WithLabelValues(reason).Inc()
	m.duration.Observe(duration.Seconds())
}

// RecordLeg counts one executed funding leg by venue method.
func (m *MigrationMetrics) RecordLeg(method string) {
	if m == nil {
		return
	}
	if method = strings.TrimSpace(method); method == "" {
		method = "unknown"
	}
	m.legs.WithLabelValues(method).Inc()
}

// RecordSweep counts a residual balance sweep for the supplied token.
func (m *MigrationMetrics) RecordSweep(token string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(labelAsset(token)).Inc()
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
