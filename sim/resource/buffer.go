package resource

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCapacityExceeded is returned when a push would overflow a buffer.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrInsufficientQuantity is returned when more is popped than a buffer holds.
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	// ErrUnknownBatch is returned by Extract when the batch is not held.
	ErrUnknownBatch = errors.New("unknown batch")
)

// Buffer is a named, capacity-bounded FIFO collection of batches.
// The total quantity never exceeds the capacity (within Eps) after any call;
// a failed call leaves the buffer untouched.
type Buffer struct {
	name     string
	capacity float64
	batches  []*Batch
	qty      float64
}

// NewBuffer creates an empty buffer. Use Unbounded for no limit.
// Panics if capacity is negative.
func NewBuffer(name string, capacity float64) *Buffer {
	if capacity < 0 {
		panic(fmt.Sprintf("NewBuffer(%s): capacity must be >= 0, got %f", name, capacity))
	}
	return &Buffer{name: name, capacity: capacity}
}

// Name returns the buffer name.
func (buf *Buffer) Name() string { return buf.name }

// Capacity returns the configured limit in kg.
func (buf *Buffer) Capacity() float64 { return buf.capacity }

// Quantity returns the total held quantity.
func (buf *Buffer) Quantity() float64 { return buf.qty }

// Space returns the remaining room, never negative.
func (buf *Buffer) Space() float64 {
	return max(0, buf.capacity-buf.qty)
}

// Count returns the number of batches held.
func (buf *Buffer) Count() int { return len(buf.batches) }

// Empty reports whether the buffer holds nothing.
func (buf *Buffer) Empty() bool { return len(buf.batches) == 0 }

// Batches returns the held batches in FIFO order. The slice is a copy; the
// batches are not and must not be modified by the caller.
func (buf *Buffer) Batches() []*Batch {
	out := make([]*Batch, len(buf.batches))
	copy(out, buf.batches)
	return out
}

// Push appends b to the back of the buffer.
func (buf *Buffer) Push(b *Batch) error {
	if b == nil {
		panic("Buffer.Push: batch must not be nil")
	}
	if buf.qty+b.qty > buf.capacity+Eps {
		return fmt.Errorf("push %.6g kg into %s (%.6g/%.6g kg): %w",
			b.qty, buf.name, buf.qty, buf.capacity, ErrCapacityExceeded)
	}
	buf.batches = append(buf.batches, b)
	buf.qty += b.qty
	return nil
}

// PushAll appends every batch or none of them.
func (buf *Buffer) PushAll(bs []*Batch) error {
	total := 0.0
	for _, b := range bs {
		total += b.qty
	}
	if buf.qty+total > buf.capacity+Eps {
		return fmt.Errorf("push %.6g kg into %s (%.6g/%.6g kg): %w",
			total, buf.name, buf.qty, buf.capacity, ErrCapacityExceeded)
	}
	for _, b := range bs {
		buf.batches = append(buf.batches, b)
		buf.qty += b.qty
	}
	return nil
}

// PopQty removes exactly q kg from the front of the buffer, splitting the last
// batch touched when needed, and returns the removed batches in FIFO order.
func (buf *Buffer) PopQty(q float64) ([]*Batch, error) {
	if q < 0 {
		return nil, fmt.Errorf("pop from %s: negative quantity %f", buf.name, q)
	}
	if q > buf.qty+Eps {
		return nil, fmt.Errorf("pop %.6g kg from %s (holds %.6g kg): %w",
			q, buf.name, buf.qty, ErrInsufficientQuantity)
	}
	var out []*Batch
	left := q
	for left > Eps && len(buf.batches) > 0 {
		front := buf.batches[0]
		if front.qty <= left+Eps {
			out = append(out, front)
			buf.batches = buf.batches[1:]
			left -= front.qty
			continue
		}
		part, err := front.Split(left)
		if err != nil {
			return nil, err
		}
		out = append(out, part)
		left = 0
	}
	buf.recount()
	return out, nil
}

// PopN removes the n oldest batches whole.
func (buf *Buffer) PopN(n int) ([]*Batch, error) {
	if n < 0 || n > len(buf.batches) {
		return nil, fmt.Errorf("pop %d batches from %s (holds %d): %w",
			n, buf.name, len(buf.batches), ErrInsufficientQuantity)
	}
	out := make([]*Batch, n)
	copy(out, buf.batches[:n])
	buf.batches = buf.batches[n:]
	buf.recount()
	return out, nil
}

// Extract removes the batch with the given id.
func (buf *Buffer) Extract(id string) (*Batch, error) {
	for i, b := range buf.batches {
		if b.id == id {
			buf.batches = append(buf.batches[:i:i], buf.batches[i+1:]...)
			buf.recount()
			return b, nil
		}
	}
	return nil, fmt.Errorf("extract %s from %s: %w", id, buf.name, ErrUnknownBatch)
}

// Snapshot returns the persisted form of the contents in FIFO order.
func (buf *Buffer) Snapshot() []BatchState {
	out := make([]BatchState, len(buf.batches))
	for i, b := range buf.batches {
		out[i] = b.State()
	}
	return out
}

// Restore replaces the contents with states. On error the buffer is unchanged.
func (buf *Buffer) Restore(states []BatchState) error {
	batches := make([]*Batch, 0, len(states))
	total := 0.0
	for _, s := range states {
		b, err := BatchFromState(s)
		if err != nil {
			return fmt.Errorf("restore %s: %w", buf.name, err)
		}
		batches = append(batches, b)
		total += b.qty
	}
	if total > buf.capacity+Eps {
		return fmt.Errorf("restore %.6g kg into %s (capacity %.6g kg): %w",
			total, buf.name, buf.capacity, ErrCapacityExceeded)
	}
	buf.batches = batches
	buf.qty = total
	return nil
}

// recount recomputes the cached total so repeated splits do not drift.
func (buf *Buffer) recount() {
	total := 0.0
	for _, b := range buf.batches {
		total += b.qty
	}
	buf.qty = total
}

func (buf *Buffer) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s[%.6g/%.6g kg, %d batches:", buf.name, buf.qty, buf.capacity, len(buf.batches))
	for _, b := range buf.batches {
		fmt.Fprintf(&sb, " %.6g", b.qty)
	}
	sb.WriteString("]")
	return sb.String()
}
