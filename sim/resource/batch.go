package resource

import (
	"fmt"

	"github.com/google/uuid"
)

// Eps is the absolute tolerance used for every quantity comparison (kg).
const Eps = 1e-6

// Unbounded is the capacity or throughput used when none is configured.
const Unbounded = 1e299

// Batch is a quantity of material with a composition.
// A batch is owned by exactly one buffer or in-flight trade at a time; the only
// ways to change it are Split, Absorb and Transmute.
type Batch struct {
	id   string
	qty  float64
	comp Composition
}

// BatchState is the persisted form of a Batch.
type BatchState struct {
	ID          string             `json:"id" yaml:"id"`
	Quantity    float64            `json:"quantity" yaml:"quantity"`
	Composition map[string]float64 `json:"composition" yaml:"composition"`
}

// NewBatch creates a batch of qty kg. Panics if qty is negative.
func NewBatch(qty float64, comp Composition) *Batch {
	if qty < 0 {
		panic(fmt.Sprintf("NewBatch: quantity must be >= 0, got %f", qty))
	}
	return &Batch{id: uuid.NewString(), qty: qty, comp: comp.Clone()}
}

// ID returns the unique id assigned at creation.
func (b *Batch) ID() string { return b.id }

// Quantity returns the batch mass in kg.
func (b *Batch) Quantity() float64 { return b.qty }

// Composition returns a copy of the batch composition.
func (b *Batch) Composition() Composition { return b.comp.Clone() }

// Split removes q kg from b and returns it as a new batch with the same composition.
// Splitting the whole quantity (within Eps) leaves b empty.
func (b *Batch) Split(q float64) (*Batch, error) {
	if q < 0 {
		return nil, fmt.Errorf("split %s: negative quantity %f", b.id, q)
	}
	if q > b.qty+Eps {
		return nil, fmt.Errorf("split %s: want %f, have %f: %w", b.id, q, b.qty, ErrInsufficientQuantity)
	}
	if q > b.qty {
		q = b.qty
	}
	b.qty -= q
	if b.qty < Eps {
		b.qty = 0
	}
	return &Batch{id: uuid.NewString(), qty: q, comp: b.comp.Clone()}, nil
}

// Absorb merges other into b. other is left empty.
func (b *Batch) Absorb(other *Batch) {
	if other == nil || other == b {
		return
	}
	b.comp = Mix(b.comp, b.qty, other.comp, other.qty)
	b.qty += other.qty
	other.qty = 0
}

// Transmute replaces the composition while keeping the quantity.
func (b *Batch) Transmute(comp Composition) {
	b.comp = comp.Clone()
}

// State returns the persisted form of b.
func (b *Batch) State() BatchState {
	return BatchState{ID: b.id, Quantity: b.qty, Composition: b.comp.Clone()}
}

// BatchFromState rebuilds a batch, keeping its original id.
func BatchFromState(s BatchState) (*Batch, error) {
	if s.Quantity < 0 {
		return nil, fmt.Errorf("batch %s: negative quantity %f", s.ID, s.Quantity)
	}
	id := s.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Batch{id: id, qty: s.Quantity, comp: Composition(s.Composition).Clone()}, nil
}

func (b *Batch) String() string {
	return fmt.Sprintf("Batch(%s, %.6g kg, %s)", b.id, b.qty, b.comp)
}
