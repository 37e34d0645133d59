package sim

import (
	"encoding/json"

	"github.com/inference-sim/matflow-sim/sim/exchange"
	"github.com/inference-sim/matflow-sim/sim/resource"
	"github.com/inference-sim/matflow-sim/sim/trace"
)

// Facility is anything the Simulator steps. It only needs a unique name; every
// other capability is optional and discovered with a type assertion.
type Facility interface {
	Name() string
}

// Ticker runs at the start of a step, before any requests are built.
type Ticker interface {
	Tick(ctx StepContext) error
}

// StepRequester issues request portfolios for the current step.
// A facility that requests must also be a TradeAcceptor.
type StepRequester interface {
	Requests(ctx StepContext) []*exchange.Portfolio
}

// TradeAcceptor receives the trades matched against its requests. Every trade
// carries the batch delivered by the supplier.
type TradeAcceptor interface {
	AcceptTrades(ctx StepContext, trades []*exchange.Trade) error
}

// StepOfferer announces supply and fulfils the trades matched against it by
// attaching a batch to each one.
type StepOfferer interface {
	Offers(ctx StepContext) []*exchange.Offer
	Fulfill(ctx StepContext, trades []*exchange.Trade) error
}

// Tocker runs at the end of a step, after all trades were delivered.
type Tocker interface {
	Tock(ctx StepContext) error
}

// StateDumper describes internal state for error reports.
type StateDumper interface {
	DumpState() string
}

// BufferReporter exposes a facility's buffers for metrics.
type BufferReporter interface {
	Buffers() []*resource.Buffer
}

// FacilitySnapshot is the persisted state of one facility between steps.
type FacilitySnapshot struct {
	Facility string                           `json:"facility"`
	Buffers  map[string][]resource.BatchState `json:"buffers"`
	State    json.RawMessage                  `json:"state,omitempty"`
}

// Snapshotter is implemented by facilities whose state can be saved and restored
// at step boundaries.
type Snapshotter interface {
	Snapshot() (FacilitySnapshot, error)
	Restore(snap FacilitySnapshot) error
}

// StepContext is the facility-scoped handle passed to every per-step call.
type StepContext struct {
	Now      int64
	Facility string
	sim      *Simulator
}

// NewStepContext builds a context that is not attached to a simulator.
// Recording calls on it are no-ops; it is meant for driving a facility directly.
func NewStepContext(now int64, facility string) StepContext {
	return StepContext{Now: now, Facility: facility}
}

// RecordStall notes that the facility could not make progress this step.
func (ctx StepContext) RecordStall(reason, detail string) {
	if ctx.sim == nil {
		return
	}
	ctx.sim.recordStall(trace.StallRecord{Time: ctx.Now, Facility: ctx.Facility, Reason: reason, Detail: detail})
}

// RecordPhase notes a lifecycle event of the facility.
func (ctx StepContext) RecordPhase(event, detail string) {
	if ctx.sim == nil {
		return
	}
	ctx.sim.Trace.RecordPhase(trace.PhaseRecord{Time: ctx.Now, Facility: ctx.Facility, Event: event, Detail: detail})
	if ctx.sim.Observer != nil {
		ctx.sim.Observer.ObservePhase(ctx.Now, ctx.Facility, event)
	}
}

// Observer receives simulation telemetry. All methods are called from the
// simulation goroutine.
type Observer interface {
	ObserveTrade(now int64, trade *exchange.Trade)
	ObserveStall(now int64, facility, reason string)
	ObservePhase(now int64, facility, event string)
	ObserveStep(now int64, facilities []Facility)
}
