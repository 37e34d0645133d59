package sim

import (
	"fmt"
	"strings"

	"github.com/inference-sim/matflow-sim/sim/exchange"
	"github.com/inference-sim/matflow-sim/sim/resource"
)

// SinkConfig describes a facility that absorbs material.
type SinkConfig struct {
	Name        string
	Commodities []string
	Preference  *float64 // preference of every request (nil = 1)
	Throughput  float64  // most accepted per step (0 = unbounded)
	Capacity    float64  // most ever held (0 = unbounded)
}

// Sink requests any of its commodities every step and keeps what it receives.
type Sink struct {
	cfg       SinkConfig
	pref      float64
	inventory *resource.Buffer
	requested map[*exchange.Request]bool
}

// NewSink creates a Sink. Panics without a name or commodities.
func NewSink(cfg SinkConfig) *Sink {
	if cfg.Name == "" || len(cfg.Commodities) == 0 {
		panic("NewSink: Name and at least one commodity must be set")
	}
	if cfg.Throughput < 0 || cfg.Capacity < 0 {
		panic(fmt.Sprintf("NewSink(%s): limits must be >= 0", cfg.Name))
	}
	if cfg.Throughput == 0 {
		cfg.Throughput = resource.Unbounded
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = resource.Unbounded
	}
	pref := 1.0
	if cfg.Preference != nil {
		pref = *cfg.Preference
	}
	return &Sink{cfg: cfg, pref: pref, inventory: resource.NewBuffer("inventory", cfg.Capacity)}
}

// Name implements Facility.
func (s *Sink) Name() string { return s.cfg.Name }

// Inventory returns the buffer holding everything received.
func (s *Sink) Inventory() *resource.Buffer { return s.inventory }

// Buffers implements BufferReporter.
func (s *Sink) Buffers() []*resource.Buffer { return []*resource.Buffer{s.inventory} }

// Requests implements StepRequester.
func (s *Sink) Requests(ctx StepContext) []*exchange.Portfolio {
	s.requested = make(map[*exchange.Request]bool)
	qty := min(s.cfg.Throughput, s.inventory.Space())
	if qty <= resource.Eps {
		ctx.RecordStall("inventory-full", s.inventory.String())
		return nil
	}
	p := exchange.NewPortfolio(fmt.Sprintf("%s/%d", s.cfg.Name, ctx.Now), s.cfg.Name, qty)
	for _, c := range s.cfg.Commodities {
		r := p.AddRequest(&exchange.Request{
			ID:         fmt.Sprintf("%s/%d/%s", s.cfg.Name, ctx.Now, c),
			Commodity:  c,
			Quantity:   qty,
			Preference: s.pref,
		})
		s.requested[r] = true
	}
	return []*exchange.Portfolio{p}
}

// AcceptTrades implements TradeAcceptor.
func (s *Sink) AcceptTrades(ctx StepContext, trades []*exchange.Trade) error {
	for _, tr := range trades {
		if !s.requested[tr.Request] {
			return fmt.Errorf("trade %v does not answer a request of this step", tr)
		}
		if err := s.inventory.Push(tr.Batch); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot implements Snapshotter.
func (s *Sink) Snapshot() (FacilitySnapshot, error) {
	return FacilitySnapshot{
		Facility: s.cfg.Name,
		Buffers:  map[string][]resource.BatchState{s.inventory.Name(): s.inventory.Snapshot()},
	}, nil
}

// Restore implements Snapshotter.
func (s *Sink) Restore(snap FacilitySnapshot) error {
	return s.inventory.Restore(snap.Buffers[s.inventory.Name()])
}

// DumpState implements StateDumper.
func (s *Sink) DumpState() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "sink %s commodities=%v\n  %s", s.cfg.Name, s.cfg.Commodities, s.inventory)
	return sb.String()
}
