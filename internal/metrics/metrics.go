// Package metrics exposes probe and collection instrumentation through Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/gputelemetry-web/internal/probe"
)

const namespace = "gputelemetry"

const outcomeOK = "ok"

// Metrics implements probe.Observer and aggregator.Observer.
type Metrics struct {
	registry *prometheus.Registry

	probeRuns       *prometheus.CounterVec
	probeDuration   *prometheus.HistogramVec
	sourceOutcomes  *prometheus.CounterVec
	collectDuration prometheus.Histogram
	collectErrors   prometheus.Counter
}

// New registers the instrumentation, plus Go runtime and process collectors,
// on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		probeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "runs_total",
			Help:      "External tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "duration_seconds",
			Help:      "Wall time of external tool invocations.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"tool"}),
		sourceOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "outcomes_total",
			Help:      "Source results per collection by source and outcome.",
		}, []string{"source", "outcome"}),
		collectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collect",
			Name:      "duration_seconds",
			Help:      "Wall time of a full GPU collection.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		collectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collect",
			Name:      "errors_total",
			Help:      "Collections that failed to produce a report.",
		}),
	}

	m.registry.MustRegister(
		m.probeRuns,
		m.probeDuration,
		m.sourceOutcomes,
		m.collectDuration,
		m.collectErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry so other components can add collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveProbe(tool string, kind probe.Kind, duration time.Duration) {
	outcome := string(kind)
	if kind == probe.KindNone {
		outcome = outcomeOK
	}
	m.probeRuns.WithLabelValues(tool, outcome).Inc()
	m.probeDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func (m *Metrics) ObserveSource(name, outcome string) {
	m.sourceOutcomes.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) ObserveCollect(duration time.Duration, err error) {
	m.collectDuration.Observe(duration.Seconds())
	if err != nil {
		m.collectErrors.Inc()
	}
}
