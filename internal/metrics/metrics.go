// Package metrics exposes the coordinator's Prometheus metrics.
//
// All methods on *Metrics are nil-safe so callers can run without metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/projmgr/internal/projection"
)

const namespace = "projmgr"

// Metrics holds the coordinator's collectors.
type Metrics struct {
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	Projections     *prometheus.GaugeVec
	Leader          prometheus.Gauge
	ForcedStops     prometheus.Counter
	Faults          prometheus.Counter
}

// New creates unregistered collectors.
func New() *Metrics {
	return &Metrics{
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "total",
				Help:      "Lifecycle commands by command and outcome (ok or error code)",
			},
			[]string{"command", "outcome"},
		),

		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "duration_seconds",
				Help:      "Time from command acceptance to reply",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"command"},
		),

		Projections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "projections",
				Name:      "by_state",
				Help:      "Projections in the registry by lifecycle state",
			},
			[]string{"state"},
		),

		Leader: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "accepting_commands",
				Help:      "1 while this node is leader and ready, 0 otherwise",
			},
		),

		ForcedStops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "projections",
				Name:      "forced_stops_total",
				Help:      "Stops that timed out waiting for the core to acknowledge",
			},
		),

		Faults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "projections",
				Name:      "faults_total",
				Help:      "Projection faults reported by the core",
			},
		),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	var errs []error
	for _, c := range []prometheus.Collector{
		m.Commands, m.CommandDuration, m.Projections, m.Leader, m.ForcedStops, m.Faults,
	} {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ObserveCommand records one replied command.
func (m *Metrics) ObserveCommand(command, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(command, outcome).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(d.Seconds())
}

// SetStates publishes registry state counts. States missing from counts
// are reported as zero.
func (m *Metrics) SetStates(counts map[projection.State]int) {
	if m == nil {
		return
	}
	for _, s := range projection.AllStates {
		m.Projections.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// SetAccepting publishes whether the gate is open.
func (m *Metrics) SetAccepting(accepting bool) {
	if m == nil {
		return
	}
	if accepting {
		m.Leader.Set(1)
		return
	}
	m.Leader.Set(0)
}

// ForcedStop counts a stop that timed out.
func (m *Metrics) ForcedStop() {
	if m == nil {
		return
	}
	m.ForcedStops.Inc()
}

// Fault counts a projection fault.
func (m *Metrics) Fault() {
	if m == nil {
		return
	}
	m.Faults.Inc()
}
