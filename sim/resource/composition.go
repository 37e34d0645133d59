// Package resource holds the quantified material model shared by every facility:
// compositions, batches and capacity-bounded buffers.
// It has no dependencies on sim/ or its other sub-packages.
package resource

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Composition maps a constituent id (e.g. "u235") to its mass fraction.
// A normalized composition sums to 1; the empty composition has no entries.
type Composition map[string]float64

// NewComposition returns a normalized copy of fractions.
// Non-positive and non-finite entries are dropped. Weights need not sum to 1.
func NewComposition(fractions map[string]float64) Composition {
	total := 0.0
	for _, v := range fractions {
		if v > 0 && !math.IsInf(v, 0) {
			total += v
		}
	}
	c := make(Composition, len(fractions))
	if total == 0 {
		return c
	}
	for id, v := range fractions {
		if v > 0 && !math.IsInf(v, 0) {
			c[id] = v / total
		}
	}
	return c
}

// Clone returns an independent copy.
func (c Composition) Clone() Composition {
	out := make(Composition, len(c))
	for id, v := range c {
		out[id] = v
	}
	return out
}

// Fraction returns the mass fraction of id (0 when absent).
func (c Composition) Fraction(id string) float64 {
	return c[id]
}

// Masses returns constituent masses for qty kg of this composition.
func (c Composition) Masses(qty float64) map[string]float64 {
	out := make(map[string]float64, len(c))
	for id, f := range c {
		out[id] = f * qty
	}
	return out
}

// Mix returns the mass-weighted combination of a (qa kg) and b (qb kg).
// If both quantities are zero the result is empty.
func Mix(a Composition, qa float64, b Composition, qb float64) Composition {
	masses := make(map[string]float64, len(a)+len(b))
	for id, m := range a.Masses(qa) {
		masses[id] += m
	}
	for id, m := range b.Masses(qb) {
		masses[id] += m
	}
	return NewComposition(masses)
}

// AlmostEqual reports whether both compositions agree on every constituent within tol.
func (c Composition) AlmostEqual(other Composition, tol float64) bool {
	for id, v := range c {
		if math.Abs(v-other[id]) > tol {
			return false
		}
	}
	for id, v := range other {
		if _, ok := c[id]; !ok && math.Abs(v) > tol {
			return false
		}
	}
	return true
}

func (c Composition) String() string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var sb strings.Builder
	sb.WriteString("{")
	for i, id := range ids {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%s:%.4g", id, c[id])
	}
	sb.WriteString("}")
	return sb.String()
}

// RecipeBook is the set of named compositions a simulation refers to.
type RecipeBook map[string]Composition

// Lookup returns the named recipe, or an error naming the missing recipe.
func (rb RecipeBook) Lookup(name string) (Composition, error) {
	c, ok := rb[name]
	if !ok {
		return nil, fmt.Errorf("unknown recipe %q", name)
	}
	return c, nil
}
