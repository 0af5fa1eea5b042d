// Package metrics holds the Prometheus collectors shared by muster components.
//
// Components accept a *Metrics that may be nil; every recording method is a
// no-op on a nil receiver so tests and the CLI can skip instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "muster"

// Metrics is the set of collectors registered for one engine.
type Metrics struct {
	admissionDenials *prometheus.CounterVec
	inFlight         prometheus.Gauge

	routingOutcomes *prometheus.CounterVec
	blockRate       *prometheus.GaugeVec
	circuitOpen     *prometheus.GaugeVec

	cpuPercent    prometheus.Gauge
	memoryPercent prometheus.Gauge

	convoyParallelism prometheus.Gauge
	convoyMembers     *prometheus.CounterVec

	phaseResults     *prometheus.CounterVec
	executionResults *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
// Passing a fresh prometheus.NewRegistry() keeps tests isolated.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		admissionDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backpressure",
			Name:      "denials_total",
			Help:      "Store admissions denied by the backpressure guard.",
		}, []string{"reason"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backpressure",
			Name:      "in_flight",
			Help:      "Store mutations currently holding an admission slot.",
		}),
		routingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "events_total",
			Help:      "Routing events by destination and outcome.",
		}, []string{"destination", "outcome"}),
		blockRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "block_rate",
			Help:      "Windowed block rate per destination.",
		}, []string{"destination"}),
		circuitOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "circuit_open",
			Help:      "1 while the destination's circuit is open.",
		}, []string{"destination"}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "cpu_percent",
			Help:      "Most recent CPU utilisation sample.",
		}),
		memoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "memory_percent",
			Help:      "Most recent memory utilisation sample.",
		}),
		convoyParallelism: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "convoy",
			Name:      "parallelism_limit",
			Help:      "Parallelism limit chosen for the latest dispatch.",
		}),
		convoyMembers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "convoy",
			Name:      "members_total",
			Help:      "Convoy members by result.",
		}, []string{"result"}),
		phaseResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "battleplan",
			Name:      "phases_total",
			Help:      "Finished phases by plan and terminal state.",
		}, []string{"plan", "state"}),
		executionResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "battleplan",
			Name:      "executions_total",
			Help:      "Finished executions by plan and status.",
		}, []string{"plan", "status"}),
	}

	reg.MustRegister(
		m.admissionDenials, m.inFlight,
		m.routingOutcomes, m.blockRate, m.circuitOpen,
		m.cpuPercent, m.memoryPercent,
		m.convoyParallelism, m.convoyMembers,
		m.phaseResults, m.executionResults,
	)
	return m
}

// Handler serves the collectors gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) AdmissionDenied(reason string) {
	if m == nil {
		return
	}
	m.admissionDenials.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetInFlight(n int64) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

func (m *Metrics) RoutingEvent(destination, outcome string) {
	if m == nil {
		return
	}
	m.routingOutcomes.WithLabelValues(destination, outcome).Inc()
}

// DestinationHealth records the latest snapshot for a destination.
func (m *Metrics) DestinationHealth(destination string, blockRate float64, circuitOpen bool) {
	if m == nil {
		return
	}
	m.blockRate.WithLabelValues(destination).Set(blockRate)
	open := 0.0
	if circuitOpen {
		open = 1
	}
	m.circuitOpen.WithLabelValues(destination).Set(open)
}

func (m *Metrics) ResourceSample(cpu, memory float64) {
	if m == nil {
		return
	}
	m.cpuPercent.Set(cpu)
	m.memoryPercent.Set(memory)
}

func (m *Metrics) ConvoyLimit(limit int) {
	if m == nil {
		return
	}
	m.convoyParallelism.Set(float64(limit))
}

func (m *Metrics) ConvoyMember(result string) {
	if m == nil {
		return
	}
	m.convoyMembers.WithLabelValues(result).Inc()
}

func (m *Metrics) PhaseFinished(plan, state string) {
	if m == nil {
		return
	}
	m.phaseResults.WithLabelValues(plan, state).Inc()
}

func (m *Metrics) ExecutionFinished(plan, status string) {
	if m == nil {
		return
	}
	m.executionResults.WithLabelValues(plan, status).Inc()
}
