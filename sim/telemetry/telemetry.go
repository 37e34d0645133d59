// Package telemetry exports simulation activity as Prometheus metrics.
// A Collector owns a private registry; each simulation reports into it through
// a scenario-scoped Observer, so several runs can share one Collector.
package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/inference-sim/matflow-sim/sim"
	"github.com/inference-sim/matflow-sim/sim/exchange"
)

// Collector holds the metric vectors of every run.
type Collector struct {
	registry *prometheus.Registry

	trades      *prometheus.CounterVec
	tradedKg    *prometheus.CounterVec
	stalls      *prometheus.CounterVec
	phaseEvents *prometheus.CounterVec
	bufferKg    *prometheus.GaugeVec
	clock       *prometheus.GaugeVec
}

// NewCollector creates a Collector whose metrics live under namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "matflow"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.trades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "trades_total",
			Help:      "Number of trades matched and delivered",
		},
		[]string{"scenario", "sender", "receiver", "commodity"},
	)
	c.tradedKg = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "traded_kg_total",
			Help:      "Quantity of material delivered, in kg",
		},
		[]string{"scenario", "commodity"},
	)
	c.stalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "facility",
			Name:      "stalls_total",
			Help:      "Steps in which a facility could not make progress",
		},
		[]string{"scenario", "facility", "reason"},
	)
	c.phaseEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "facility",
			Name:      "phase_events_total",
			Help:      "Facility lifecycle events (cycle start/end, discharge, mix)",
		},
		[]string{"scenario", "facility", "event"},
	)
	c.bufferKg = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "facility",
			Name:      "buffer_kg",
			Help:      "Quantity held in a facility buffer at the end of the last step",
		},
		[]string{"scenario", "facility", "buffer"},
	)
	c.clock = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sim",
			Name:      "steps_completed",
			Help:      "Number of steps completed",
		},
		[]string{"scenario"},
	)

	c.registry.MustRegister(c.trades, c.tradedKg, c.stalls, c.phaseEvents, c.bufferKg, c.clock)
	return c
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// WriteToTextfile writes every metric in the text exposition format.
func (c *Collector) WriteToTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}

// Observer returns a sim.Observer that labels everything with scenario.
func (c *Collector) Observer(scenario string) sim.Observer {
	return &observer{c: c, scenario: scenario}
}

type observer struct {
	c        *Collector
	scenario string
}

func (o *observer) ObserveTrade(now int64, tr *exchange.Trade) {
	qty := tr.Quantity
	if tr.Batch != nil {
		qty = tr.Batch.Quantity()
	}
	o.c.trades.WithLabelValues(o.scenario, tr.Supplier(), tr.Requester(), tr.Commodity()).Inc()
	o.c.tradedKg.WithLabelValues(o.scenario, tr.Commodity()).Add(qty)
}

func (o *observer) ObserveStall(now int64, facility, reason string) {
	o.c.stalls.WithLabelValues(o.scenario, facility, reason).Inc()
}

func (o *observer) ObservePhase(now int64, facility, event string) {
	o.c.phaseEvents.WithLabelValues(o.scenario, facility, event).Inc()
}

func (o *observer) ObserveStep(now int64, facilities []sim.Facility) {
	for _, f := range facilities {
		br, ok := f.(sim.BufferReporter)
		if !ok {
			continue
		}
		for _, buf := range br.Buffers() {
			o.c.bufferKg.WithLabelValues(o.scenario, f.Name(), buf.Name()).Set(buf.Quantity())
		}
	}
	o.c.clock.WithLabelValues(o.scenario).Set(float64(now + 1))
}
