package reactor

import (
	"errors"
	"fmt"
)

// ErrMalformedTimeline is returned by New when scheduled changes are out of
// order or name a commodity the reactor does not burn.
var ErrMalformedTimeline = errors.New("malformed timeline")

// PrefChange overwrites the preference of one fuel in-commodity from Time on.
type PrefChange struct {
	Time      int64   `yaml:"time" json:"time"`
	Commodity string  `yaml:"commodity" json:"commodity"`
	Value     float64 `yaml:"value" json:"value"`
}

// RecipeChange overwrites the in- and out-recipe of one fuel in-commodity from
// Time on. Recipes are referenced by name.
type RecipeChange struct {
	Time      int64  `yaml:"time" json:"time"`
	Commodity string `yaml:"commodity" json:"commodity"`
	InRecipe  string `yaml:"in_recipe" json:"in_recipe"`
	OutRecipe string `yaml:"out_recipe" json:"out_recipe"`
}

// timeline holds one ordered list of changes per fuel commodity and a cursor
// to the first change not yet applied.
type timeline[T any] struct {
	changes [][]T
	cursor  []int
}

// newTimeline groups changes by commodity index. Times must be strictly
// increasing within each commodity and non-negative.
func newTimeline[T any](kind string, changes []T, index map[string]int,
	key func(T) (int64, string)) (timeline[T], error) {
	tl := timeline[T]{
		changes: make([][]T, len(index)),
		cursor:  make([]int, len(index)),
	}
	for i, c := range changes {
		t, commod := key(c)
		idx, ok := index[commod]
		if !ok {
			return tl, fmt.Errorf("%s[%d]: commodity %q is not a fuel in-commodity: %w", kind, i, commod, ErrMalformedTimeline)
		}
		if t < 0 {
			return tl, fmt.Errorf("%s[%d]: negative time %d: %w", kind, i, t, ErrMalformedTimeline)
		}
		if prev := tl.changes[idx]; len(prev) > 0 {
			if pt, _ := key(prev[len(prev)-1]); t <= pt {
				return tl, fmt.Errorf("%s[%d]: time %d for %q not after %d: %w", kind, i, t, commod, pt, ErrMalformedTimeline)
			}
		}
		tl.changes[idx] = append(tl.changes[idx], c)
	}
	return tl, nil
}

// due calls apply, in order, for every not-yet-applied change with time <= now.
func (tl *timeline[T]) due(now int64, key func(T) (int64, string), apply func(idx int, c T)) {
	for idx, list := range tl.changes {
		for tl.cursor[idx] < len(list) {
			c := list[tl.cursor[idx]]
			if t, _ := key(c); t > now {
				break
			}
			apply(idx, c)
			tl.cursor[idx]++
		}
	}
}

func prefKey(c PrefChange) (int64, string)     { return c.Time, c.Commodity }
func recipeKey(c RecipeChange) (int64, string) { return c.Time, c.Commodity }
