package sim

import (
	"encoding/json"
	"fmt"

	"github.com/inference-sim/matflow-sim/sim/exchange"
	"github.com/inference-sim/matflow-sim/sim/resource"
)

// SourceConfig describes a facility that supplies one commodity.
type SourceConfig struct {
	Name      string
	Commodity string
	// Recipe is the composition supplied. Empty means "whatever the requester asked for".
	Recipe resource.Composition
	// Throughput is the most that can be sold per step (0 = unbounded).
	Throughput float64
	// Inventory is the total that can ever be sold (0 = unbounded).
	Inventory float64
}

// Source creates material from nothing, up to a per-step throughput and a
// lifetime inventory.
type Source struct {
	cfg       SourceConfig
	remaining float64
}

// NewSource creates a Source. Panics on an empty name/commodity or negative limits.
func NewSource(cfg SourceConfig) *Source {
	if cfg.Name == "" || cfg.Commodity == "" {
		panic("NewSource: Name and Commodity must be set")
	}
	if cfg.Throughput < 0 || cfg.Inventory < 0 {
		panic(fmt.Sprintf("NewSource(%s): limits must be >= 0", cfg.Name))
	}
	if cfg.Throughput == 0 {
		cfg.Throughput = resource.Unbounded
	}
	if cfg.Inventory == 0 {
		cfg.Inventory = resource.Unbounded
	}
	return &Source{cfg: cfg, remaining: cfg.Inventory}
}

// Name implements Facility.
func (s *Source) Name() string { return s.cfg.Name }

// Remaining returns the inventory left to sell.
func (s *Source) Remaining() float64 { return s.remaining }

// Offers implements StepOfferer.
func (s *Source) Offers(ctx StepContext) []*exchange.Offer {
	qty := min(s.cfg.Throughput, s.remaining)
	if qty <= resource.Eps {
		ctx.RecordStall("inventory-exhausted", s.cfg.Commodity)
		return nil
	}
	return []*exchange.Offer{{
		ID:        fmt.Sprintf("%s/%d", s.cfg.Name, ctx.Now),
		Commodity: s.cfg.Commodity,
		Quantity:  qty,
	}}
}

// Fulfill implements StepOfferer.
func (s *Source) Fulfill(ctx StepContext, trades []*exchange.Trade) error {
	for _, tr := range trades {
		if tr.Quantity > s.remaining+resource.Eps {
			return fmt.Errorf("trade of %.6g kg exceeds remaining inventory %.6g kg: %w",
				tr.Quantity, s.remaining, resource.ErrInsufficientQuantity)
		}
		comp := s.cfg.Recipe
		if len(comp) == 0 {
			comp = tr.Request.Target
		}
		tr.Batch = resource.NewBatch(tr.Quantity, comp)
		s.remaining = max(0, s.remaining-tr.Quantity)
	}
	return nil
}

type sourceState struct {
	Remaining float64 `json:"remaining"`
}

// Snapshot implements Snapshotter.
func (s *Source) Snapshot() (FacilitySnapshot, error) {
	state, err := json.Marshal(sourceState{Remaining: s.remaining})
	if err != nil {
		return FacilitySnapshot{}, err
	}
	return FacilitySnapshot{Facility: s.cfg.Name, State: state}, nil
}

// Restore implements Snapshotter.
func (s *Source) Restore(snap FacilitySnapshot) error {
	var state sourceState
	if err := json.Unmarshal(snap.State, &state); err != nil {
		return fmt.Errorf("decode source state: %w", err)
	}
	s.remaining = state.Remaining
	return nil
}
