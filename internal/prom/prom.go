package prom

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/determined-ai/fleetsched/internal/scheduler"
)

// Namespace prefixes every metric this module exports.
const Namespace = "fleetsched"

const subsystem = "invocation"

// Metrics records scheduler summaries into a registry private to the process.
type Metrics struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	phaseErrors *prometheus.CounterVec
	duration    prometheus.Histogram
	lastRun     prometheus.Gauge
	invocations prometheus.Counter
	actedByRun  *prometheus.GaugeVec
}

// NewMetrics creates and registers the scheduler metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "transitions_total",
			Help:      "Transition commands issued, by action and result.",
		}, []string{"action", "result"}),
		phaseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "phase_errors_total",
			Help:      "Phases whose instance listing failed.",
		}, []string{"phase"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "duration_seconds",
			Help:      "Wall time of an invocation.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "last_run_timestamp_seconds",
			Help:      "Start time of the most recent invocation.",
		}),
		invocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "total",
			Help:      "Completed invocations.",
		}),
		actedByRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "instances",
			Help:      "Instances acted on by the most recent invocation, by action.",
		}, []string{"action"}),
	}
	m.registry.MustRegister(
		m.transitions, m.phaseErrors, m.duration, m.lastRun, m.invocations, m.actedByRun,
	)
	return m
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe implements scheduler.Observer.
func (m *Metrics) Observe(s *scheduler.InvocationSummary) {
	m.invocations.Inc()
	m.duration.Observe(s.Duration.Seconds())
	m.lastRun.Set(float64(s.StartTime.Unix()))

	acted := map[scheduler.Action]int{scheduler.Stop: 0, scheduler.Start: 0}
	for _, o := range s.Outcomes {
		m.transitions.WithLabelValues(string(o.Action), string(o.Result)).Inc()
		acted[o.Action]++
	}
	for action, n := range acted {
		m.actedByRun.WithLabelValues(string(action)).Set(float64(n))
	}
	for _, pe := range s.PhaseErrors {
		m.phaseErrors.WithLabelValues(string(pe.Phase)).Inc()
	}
}

// Push sends the current metric values to a Prometheus Pushgateway under job.
func (m *Metrics) Push(url, job string) error {
	if err := push.New(url, job).Gatherer(m.registry).Push(); err != nil {
		return errors.Wrapf(err, "cannot push metrics to %s", url)
	}
	return nil
}
