// sim/simulator.go
package sim

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/matflow-sim/sim/exchange"
	"github.com/inference-sim/matflow-sim/sim/resource"
	"github.com/inference-sim/matflow-sim/sim/trace"
)

// ErrInvalidDelivery is returned when a supplier attaches no batch, or a batch
// larger than the matched quantity, to a trade.
var ErrInvalidDelivery = errors.New("invalid delivery")

// SnapshotSink persists facility snapshots taken at step boundaries.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, runID string, now int64, snaps []FacilitySnapshot) error
}

// SimConfig groups the run-level parameters of a Simulator.
type SimConfig struct {
	Horizon       int64             // number of steps to run (steps 0..Horizon-1)
	Trace         trace.TraceConfig // what to record
	SnapshotEvery int64             // take a snapshot every N steps (0 = never)
	RunID         string            // ledger key; generated when empty
}

// StepError reports a runtime invariant violation together with the failing
// facility's state so the run can be diagnosed.
type StepError struct {
	Time     int64
	Facility string
	Phase    string
	State    string
	Err      error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("[tick %07d] %s: %s: %v", e.Time, e.Facility, e.Phase, e.Err)
	if e.State != "" {
		msg += "\nstate:\n" + e.State
	}
	return msg
}

func (e *StepError) Unwrap() error { return e.Err }

// Simulator is the core object that holds simulation time, the facilities and
// the exchange, and drives one step at a time.
type Simulator struct {
	Clock   int64
	Horizon int64
	RunID   string
	// Facilities are stepped in insertion order.
	Facilities []Facility
	Matcher    exchange.Matcher
	Trace      *trace.SimulationTrace
	Metrics    *Metrics
	// Observer is optional telemetry.
	Observer Observer
	// Snapshots is optional persistence; used when SnapshotEvery > 0.
	Snapshots     SnapshotSink
	SnapshotEvery int64

	names  map[string]bool
	hasRun bool
}

// NewSimulator creates a Simulator with a greedy matcher and no facilities.
// Panics if cfg.Horizon is negative.
func NewSimulator(cfg SimConfig) *Simulator {
	if cfg.Horizon < 0 {
		panic(fmt.Sprintf("NewSimulator: Horizon must be >= 0, got %d", cfg.Horizon))
	}
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Simulator{
		Horizon:       cfg.Horizon,
		RunID:         runID,
		Matcher:       exchange.NewGreedyMatcher(),
		Trace:         trace.NewSimulationTrace(cfg.Trace),
		Metrics:       NewMetrics(),
		SnapshotEvery: cfg.SnapshotEvery,
		names:         make(map[string]bool),
	}
}

// AddFacility registers f. Panics on duplicate names or a requester that cannot
// accept trades.
func (sim *Simulator) AddFacility(f Facility) {
	name := f.Name()
	if name == "" {
		panic("AddFacility: facility name must not be empty")
	}
	if sim.names[name] {
		panic(fmt.Sprintf("AddFacility: duplicate facility name %q", name))
	}
	if _, ok := f.(StepRequester); ok {
		if _, ok := f.(TradeAcceptor); !ok {
			panic(fmt.Sprintf("AddFacility: %q issues requests but does not accept trades", name))
		}
	}
	sim.names[name] = true
	sim.Facilities = append(sim.Facilities, f)
}

// Facility returns the facility with the given name, or nil.
func (sim *Simulator) Facility(name string) Facility {
	for _, f := range sim.Facilities {
		if f.Name() == name {
			return f
		}
	}
	return nil
}

// Run steps the simulation from the current clock until the horizon.
// Panics if called more than once.
func (sim *Simulator) Run(ctx context.Context) error {
	if sim.hasRun {
		panic("Simulator.Run() called more than once")
	}
	sim.hasRun = true
	logrus.Infof("[tick %07d] Simulation %s started with %d facilities, horizon=%d",
		sim.Clock, sim.RunID, len(sim.Facilities), sim.Horizon)
	for sim.Clock < sim.Horizon {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sim.Step(ctx); err != nil {
			return err
		}
	}
	sim.Metrics.Steps = sim.Clock
	logrus.Infof("[tick %07d] Simulation ended", sim.Clock)
	return nil
}

// Step runs one full time step at the current clock and advances it.
// Within the step: every Tick, then the exchange (requests, offers, matching,
// fulfilment, acceptance), then every Tock. A snapshot taken after Step
// returns always sees consistent buffers.
func (sim *Simulator) Step(ctx context.Context) error {
	now := sim.Clock
	logrus.Debugf("[tick %07d] Executing step", now)

	for _, f := range sim.Facilities {
		if t, ok := f.(Ticker); ok {
			if err := t.Tick(sim.stepContext(f, now)); err != nil {
				return sim.fail(f, now, "tick", err)
			}
		}
	}

	if err := sim.exchange(now); err != nil {
		return err
	}

	for _, f := range sim.Facilities {
		if t, ok := f.(Tocker); ok {
			if err := t.Tock(sim.stepContext(f, now)); err != nil {
				return sim.fail(f, now, "tock", err)
			}
		}
	}

	if sim.Observer != nil {
		sim.Observer.ObserveStep(now, sim.Facilities)
	}
	sim.Clock++
	sim.Metrics.Steps = sim.Clock

	if sim.Snapshots != nil && sim.SnapshotEvery > 0 && sim.Clock%sim.SnapshotEvery == 0 {
		snaps, err := sim.Snapshot()
		if err != nil {
			return err
		}
		if err := sim.Snapshots.SaveSnapshot(ctx, sim.RunID, sim.Clock, snaps); err != nil {
			return fmt.Errorf("saving snapshot at %d: %w", sim.Clock, err)
		}
	}
	return nil
}

// exchange resolves one round of requests and offers.
func (sim *Simulator) exchange(now int64) error {
	var portfolios []*exchange.Portfolio
	for _, f := range sim.Facilities {
		r, ok := f.(StepRequester)
		if !ok {
			continue
		}
		for _, p := range r.Requests(sim.stepContext(f, now)) {
			p.Requester = f.Name()
			portfolios = append(portfolios, p)
		}
	}

	var offers []*exchange.Offer
	for _, f := range sim.Facilities {
		o, ok := f.(StepOfferer)
		if !ok {
			continue
		}
		for _, offer := range o.Offers(sim.stepContext(f, now)) {
			offer.Supplier = f.Name()
			offers = append(offers, offer)
		}
	}

	trades := sim.Matcher.Match(portfolios, offers)
	logrus.Debugf("[tick %07d] exchange: %d portfolios, %d offers, %d trades",
		now, len(portfolios), len(offers), len(trades))
	if len(trades) == 0 {
		return nil
	}

	bySupplier := make(map[string][]*exchange.Trade)
	byRequester := make(map[string][]*exchange.Trade)
	for _, tr := range trades {
		bySupplier[tr.Supplier()] = append(bySupplier[tr.Supplier()], tr)
		byRequester[tr.Requester()] = append(byRequester[tr.Requester()], tr)
	}

	for _, f := range sim.Facilities {
		ts := bySupplier[f.Name()]
		if len(ts) == 0 {
			continue
		}
		if err := f.(StepOfferer).Fulfill(sim.stepContext(f, now), ts); err != nil {
			return sim.fail(f, now, "fulfill", err)
		}
		for _, tr := range ts {
			if tr.Batch == nil || tr.Batch.Quantity() > tr.Quantity+resource.Eps {
				return sim.fail(f, now, "fulfill", fmt.Errorf("%v: supplier delivered %v: %w",
					tr, tr.Batch, ErrInvalidDelivery))
			}
		}
	}

	// Records are taken before acceptance: from then on the batch belongs to
	// the requester and may be merged or split.
	records := make([]trace.TradeRecord, len(trades))
	for i, tr := range trades {
		records[i] = trace.TradeRecord{
			Time:        now,
			Sender:      tr.Supplier(),
			Receiver:    tr.Requester(),
			Commodity:   tr.Commodity(),
			Quantity:    tr.Batch.Quantity(),
			BatchID:     tr.Batch.ID(),
			Composition: tr.Batch.Composition(),
		}
	}

	for _, f := range sim.Facilities {
		ts := byRequester[f.Name()]
		if len(ts) == 0 {
			continue
		}
		if err := f.(TradeAcceptor).AcceptTrades(sim.stepContext(f, now), ts); err != nil {
			return sim.fail(f, now, "accept", err)
		}
	}

	for i, tr := range trades {
		sim.recordTrade(now, tr, records[i])
	}
	return nil
}

// Snapshot captures every Snapshotter facility. Call between steps only.
func (sim *Simulator) Snapshot() ([]FacilitySnapshot, error) {
	var snaps []FacilitySnapshot
	for _, f := range sim.Facilities {
		s, ok := f.(Snapshotter)
		if !ok {
			continue
		}
		snap, err := s.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", f.Name(), err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// Restore loads snapshots into the matching facilities and sets the clock.
func (sim *Simulator) Restore(now int64, snaps []FacilitySnapshot) error {
	for _, snap := range snaps {
		f := sim.Facility(snap.Facility)
		if f == nil {
			return fmt.Errorf("restore: unknown facility %q", snap.Facility)
		}
		s, ok := f.(Snapshotter)
		if !ok {
			return fmt.Errorf("restore: facility %q cannot be restored", snap.Facility)
		}
		if err := s.Restore(snap); err != nil {
			return fmt.Errorf("restore %s: %w", snap.Facility, err)
		}
	}
	sim.Clock = now
	return nil
}

func (sim *Simulator) stepContext(f Facility, now int64) StepContext {
	return StepContext{Now: now, Facility: f.Name(), sim: sim}
}

func (sim *Simulator) recordTrade(now int64, tr *exchange.Trade, record trace.TradeRecord) {
	sim.Trace.RecordTrade(record)
	sim.Metrics.RecordTrade(record)
	if sim.Observer != nil {
		sim.Observer.ObserveTrade(now, tr)
	}
	logrus.Debugf("[tick %07d] %v", now, tr)
}

func (sim *Simulator) recordStall(record trace.StallRecord) {
	sim.Trace.RecordStall(record)
	sim.Metrics.Stalls[record.Facility]++
	if sim.Observer != nil {
		sim.Observer.ObserveStall(record.Time, record.Facility, record.Reason)
	}
	logrus.Debugf("[tick %07d] %s stalled: %s %s", record.Time, record.Facility, record.Reason, record.Detail)
}

func (sim *Simulator) fail(f Facility, now int64, phase string, err error) error {
	se := &StepError{Time: now, Facility: f.Name(), Phase: phase, Err: err}
	if d, ok := f.(StateDumper); ok {
		se.State = d.DumpState()
	}
	return se
}
