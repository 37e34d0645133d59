// Package reactor implements a cyclic batch reactor facility.
//
// The reactor holds a core of NAssemCore fuel assemblies. A cycle lasts
// CycleTime steps; at its end NAssemBatch assemblies are discharged to the spent
// buffer and replaced with fresh ones. The next cycle starts once the core is
// full again and at least RefuelTime steps passed since the cycle ended, so a
// fuel shortage delays the cycle and never skips it. Preferences and recipes of
// each fuel in-commodity follow optional timelines of scheduled changes.
package reactor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/matflow-sim/sim"
	"github.com/inference-sim/matflow-sim/sim/exchange"
	"github.com/inference-sim/matflow-sim/sim/resource"
)

// ErrInvalidConfig wraps every configuration error returned by New other than
// timeline errors.
var ErrInvalidConfig = errors.New("invalid reactor config")

// Phase is the scheduler state.
type Phase string

const (
	// PhaseCycling means the core is full and irradiating.
	PhaseCycling Phase = "CYCLING"
	// PhaseRefueling means the core is being swapped or is waiting for fuel.
	PhaseRefueling Phase = "REFUELING"
)

// Buffer names.
const (
	FreshName = "fresh"
	CoreName  = "core"
	SpentName = "spent"
)

// Config groups Reactor parameters. The four Fuel* lists are parallel: entry i
// describes fuel in-commodity i.
type Config struct {
	Name           string
	FuelInCommods  []string
	FuelInRecipes  []string
	FuelOutCommods []string
	FuelOutRecipes []string
	// FuelPrefs may be omitted, in which case every fuel has preference 1.
	FuelPrefs []float64
	// Recipes resolves every recipe name used above and in RecipeChanges.
	Recipes resource.RecipeBook

	AssemSize   float64
	NAssemCore  int
	NAssemBatch int
	NAssemFresh int // fresh-fuel inventory in assemblies (0 = order just in time)
	NAssemSpent int // spent-fuel inventory in assemblies (0 = unbounded)
	CycleTime   int64
	RefuelTime  int64

	PrefChanges   []PrefChange
	RecipeChanges []RecipeChange
}

// ScheduleState is a read-only view of the scheduler.
type ScheduleState struct {
	Phase     Phase
	CycleStep int64
	// StepsToTransition is the number of steps before the next phase change
	// can fire. While refueling it is a lower bound: a fuel shortage or a full
	// spent buffer delays the cycle start further.
	StepsToTransition int64
	AssembliesNeeded  int
	PendingDischarge  int
}

// Reactor is the cyclic batch reactor facility.
type Reactor struct {
	cfg      Config
	commodIx map[string]int

	fresh *resource.Buffer
	core  *resource.Buffer
	spent *resource.Buffer

	phase            Phase
	cycleStep        int64
	discharged       bool
	pendingDischarge int

	prefs      []float64
	inRecipes  []string
	outRecipes []string
	prefTL     timeline[PrefChange]
	recipeTL   timeline[RecipeChange]

	// assemblies maps every held assembly to its fuel commodity index.
	assemblies map[string]int
}

// New validates cfg and builds an empty Reactor waiting for its first core.
func New(cfg Config) (*Reactor, error) {
	r, err := build(cfg)
	if err != nil {
		return nil, fmt.Errorf("reactor %q: %w", cfg.Name, err)
	}
	return r, nil
}

func build(cfg Config) (*Reactor, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("name must be set: %w", ErrInvalidConfig)
	}
	n := len(cfg.FuelInCommods)
	if n == 0 {
		return nil, fmt.Errorf("at least one fuel in-commodity required: %w", ErrInvalidConfig)
	}
	if len(cfg.FuelInRecipes) != n || len(cfg.FuelOutCommods) != n || len(cfg.FuelOutRecipes) != n {
		return nil, fmt.Errorf("fuel lists have mismatched lengths (incommods=%d inrecipes=%d outcommods=%d outrecipes=%d): %w",
			n, len(cfg.FuelInRecipes), len(cfg.FuelOutCommods), len(cfg.FuelOutRecipes), ErrInvalidConfig)
	}
	if len(cfg.FuelPrefs) != 0 && len(cfg.FuelPrefs) != n {
		return nil, fmt.Errorf("fuel_prefs has %d entries, want %d or none: %w", len(cfg.FuelPrefs), n, ErrInvalidConfig)
	}
	if !(cfg.AssemSize > 0) || math.IsInf(cfg.AssemSize, 0) {
		return nil, fmt.Errorf("assem_size must be a positive number, got %g: %w", cfg.AssemSize, ErrInvalidConfig)
	}
	if cfg.NAssemCore < 1 || cfg.NAssemBatch < 1 || cfg.NAssemBatch > cfg.NAssemCore {
		return nil, fmt.Errorf("need 1 <= n_assem_batch (%d) <= n_assem_core (%d): %w",
			cfg.NAssemBatch, cfg.NAssemCore, ErrInvalidConfig)
	}
	if cfg.NAssemFresh < 0 || cfg.NAssemSpent < 0 {
		return nil, fmt.Errorf("n_assem_fresh and n_assem_spent must be >= 0: %w", ErrInvalidConfig)
	}
	if cfg.CycleTime < 1 || cfg.RefuelTime < 0 {
		return nil, fmt.Errorf("need cycle_time >= 1 and refuel_time >= 0, got %d and %d: %w",
			cfg.CycleTime, cfg.RefuelTime, ErrInvalidConfig)
	}

	r := &Reactor{
		cfg:        cfg,
		commodIx:   make(map[string]int, n),
		phase:      PhaseRefueling,
		prefs:      make([]float64, n),
		inRecipes:  append([]string(nil), cfg.FuelInRecipes...),
		outRecipes: append([]string(nil), cfg.FuelOutRecipes...),
		assemblies: make(map[string]int),
	}
	for i, c := range cfg.FuelInCommods {
		if c == "" || cfg.FuelOutCommods[i] == "" {
			return nil, fmt.Errorf("fuel[%d]: empty commodity name: %w", i, ErrInvalidConfig)
		}
		if _, dup := r.commodIx[c]; dup {
			return nil, fmt.Errorf("fuel[%d]: duplicate in-commodity %q: %w", i, c, ErrInvalidConfig)
		}
		r.commodIx[c] = i
		r.prefs[i] = 1
		if len(cfg.FuelPrefs) > 0 {
			r.prefs[i] = cfg.FuelPrefs[i]
		}
	}
	for i := 0; i < n; i++ {
		if err := r.checkRecipes(cfg.FuelInRecipes[i], cfg.FuelOutRecipes[i]); err != nil {
			return nil, fmt.Errorf("fuel[%d]: %w", i, err)
		}
	}
	for i, c := range cfg.RecipeChanges {
		if err := r.checkRecipes(c.InRecipe, c.OutRecipe); err != nil {
			return nil, fmt.Errorf("recipe_changes[%d]: %w", i, err)
		}
	}

	var err error
	if r.prefTL, err = newTimeline("pref_changes", cfg.PrefChanges, r.commodIx, prefKey); err != nil {
		return nil, err
	}
	if r.recipeTL, err = newTimeline("recipe_changes", cfg.RecipeChanges, r.commodIx, recipeKey); err != nil {
		return nil, err
	}

	spentCap := resource.Unbounded
	if cfg.NAssemSpent > 0 {
		spentCap = float64(cfg.NAssemSpent) * cfg.AssemSize
	}
	r.fresh = resource.NewBuffer(FreshName, float64(cfg.NAssemFresh)*cfg.AssemSize)
	r.core = resource.NewBuffer(CoreName, float64(cfg.NAssemCore)*cfg.AssemSize)
	r.spent = resource.NewBuffer(SpentName, spentCap)
	return r, nil
}

func (r *Reactor) checkRecipes(names ...string) error {
	for _, name := range names {
		if _, err := r.cfg.Recipes.Lookup(name); err != nil {
			return fmt.Errorf("%w: %w", err, ErrInvalidConfig)
		}
	}
	return nil
}

// Name implements sim.Facility.
func (r *Reactor) Name() string { return r.cfg.Name }

// Fresh returns the fresh-fuel buffer.
func (r *Reactor) Fresh() *resource.Buffer { return r.fresh }

// Core returns the core buffer.
func (r *Reactor) Core() *resource.Buffer { return r.core }

// Spent returns the spent-fuel buffer.
func (r *Reactor) Spent() *resource.Buffer { return r.spent }

// Buffers implements sim.BufferReporter.
func (r *Reactor) Buffers() []*resource.Buffer {
	return []*resource.Buffer{r.fresh, r.core, r.spent}
}

// Preference returns the active preference of a fuel in-commodity.
func (r *Reactor) Preference(commod string) (float64, bool) {
	i, ok := r.commodIx[commod]
	if !ok {
		return 0, false
	}
	return r.prefs[i], true
}

// Recipes returns the active in- and out-recipe names of a fuel in-commodity.
func (r *Reactor) Recipes(commod string) (in, out string, ok bool) {
	i, ok := r.commodIx[commod]
	if !ok {
		return "", "", false
	}
	return r.inRecipes[i], r.outRecipes[i], true
}

// State returns the current scheduler view.
func (r *Reactor) State() ScheduleState {
	s := ScheduleState{
		Phase:            r.phase,
		CycleStep:        r.cycleStep,
		AssembliesNeeded: r.coreVacancies() + r.freshVacancies() + r.pendingDischarge,
		PendingDischarge: r.pendingDischarge,
	}
	switch {
	case r.phase == PhaseCycling:
		s.StepsToTransition = max(0, r.cfg.CycleTime-r.cycleStep)
	case r.cycleStep == 0 && !r.coreFull():
		// waiting for the first core: the cycle starts as soon as it is full
		s.StepsToTransition = 0
	default:
		s.StepsToTransition = max(0, r.cfg.CycleTime+r.cfg.RefuelTime-r.cycleStep)
	}
	return s
}

func (r *Reactor) coreFull() bool    { return r.core.Count() >= r.cfg.NAssemCore }
func (r *Reactor) coreVacancies() int { return max(0, r.cfg.NAssemCore-r.core.Count()) }
func (r *Reactor) freshVacancies() int {
	return max(0, r.cfg.NAssemFresh-r.fresh.Count())
}

// refueling reports whether the current cycle has ended.
func (r *Reactor) refueling() bool { return r.cycleStep >= r.cfg.CycleTime }

// Tick implements sim.Ticker: timelines, cycle end, discharge and core loading.
func (r *Reactor) Tick(ctx sim.StepContext) error {
	r.applyTimelines(ctx)

	if r.cycleStep == r.cfg.CycleTime {
		r.phase = PhaseRefueling
		r.pendingDischarge = min(r.cfg.NAssemBatch, r.core.Count())
		logrus.Debugf("[tick %07d] reactor %s: cycle end, %d assemblies to discharge",
			ctx.Now, r.cfg.Name, r.pendingDischarge)
		ctx.RecordPhase("CYCLE_END", fmt.Sprintf("discharging %d", r.pendingDischarge))
	}

	if r.refueling() && !r.discharged {
		if err := r.discharge(ctx); err != nil {
			return err
		}
	}

	if r.refueling() {
		if err := r.load(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reactor) applyTimelines(ctx sim.StepContext) {
	r.prefTL.due(ctx.Now, prefKey, func(i int, c PrefChange) {
		logrus.Debugf("[tick %07d] reactor %s: %s preference %g -> %g",
			ctx.Now, r.cfg.Name, c.Commodity, r.prefs[i], c.Value)
		r.prefs[i] = c.Value
	})
	r.recipeTL.due(ctx.Now, recipeKey, func(i int, c RecipeChange) {
		logrus.Debugf("[tick %07d] reactor %s: %s recipes %s/%s -> %s/%s",
			ctx.Now, r.cfg.Name, c.Commodity, r.inRecipes[i], r.outRecipes[i], c.InRecipe, c.OutRecipe)
		r.inRecipes[i] = c.InRecipe
		r.outRecipes[i] = c.OutRecipe
	})
}

// discharge moves up to pendingDischarge of the oldest core assemblies to the
// spent buffer, limited by spent space. The rest stays in the core.
func (r *Reactor) discharge(ctx sim.StepContext) error {
	slots := r.pendingDischarge
	if r.spent.Capacity() < resource.Unbounded {
		slots = min(slots, int(math.Floor(r.spent.Space()/r.cfg.AssemSize+resource.Eps)))
	}
	if slots > 0 {
		moved, err := r.core.PopN(slots)
		if err != nil {
			return err
		}
		for _, b := range moved {
			idx, ok := r.assemblies[b.ID()]
			if !ok {
				return fmt.Errorf("core assembly %s has no fuel commodity: %w", b.ID(), resource.ErrUnknownBatch)
			}
			comp, err := r.cfg.Recipes.Lookup(r.outRecipes[idx])
			if err != nil {
				return err
			}
			b.Transmute(comp)
			if err := r.spent.Push(b); err != nil {
				return err
			}
		}
		r.pendingDischarge -= len(moved)
		ctx.RecordPhase("DISCHARGE", fmt.Sprintf("%d assemblies", len(moved)))
	}
	if r.pendingDischarge > 0 {
		ctx.RecordStall("spent-full", fmt.Sprintf("%d assemblies waiting, %s", r.pendingDischarge, r.spent))
		return nil
	}
	r.discharged = true
	return nil
}

// load moves fresh assemblies into the core until it is full.
func (r *Reactor) load() error {
	n := min(r.coreVacancies(), r.fresh.Count())
	if n == 0 {
		return nil
	}
	moved, err := r.fresh.PopN(n)
	if err != nil {
		return err
	}
	return r.core.PushAll(moved)
}

// Requests implements sim.StepRequester: one exclusive portfolio per missing
// assembly, each offering every fuel in-commodity as an alternative.
func (r *Reactor) Requests(ctx sim.StepContext) []*exchange.Portfolio {
	n := r.coreVacancies() + r.freshVacancies()
	ports := make([]*exchange.Portfolio, 0, n)
	for a := 0; a < n; a++ {
		p := exchange.NewPortfolio(fmt.Sprintf("%s/%d/assem%d", r.cfg.Name, ctx.Now, a), r.cfg.Name, r.cfg.AssemSize)
		for i, commod := range r.cfg.FuelInCommods {
			target, _ := r.cfg.Recipes.Lookup(r.inRecipes[i])
			p.AddRequest(&exchange.Request{
				ID:         fmt.Sprintf("%s/%d/assem%d/%s", r.cfg.Name, ctx.Now, a, commod),
				Commodity:  commod,
				Quantity:   r.cfg.AssemSize,
				Preference: r.prefs[i],
				Target:     target,
				Exclusive:  true,
			})
		}
		ports = append(ports, p)
	}
	return ports
}

// AcceptTrades implements sim.TradeAcceptor: the core fills first, then the
// fresh inventory.
func (r *Reactor) AcceptTrades(ctx sim.StepContext, trades []*exchange.Trade) error {
	for _, tr := range trades {
		idx, ok := r.commodIx[tr.Commodity()]
		if !ok {
			return fmt.Errorf("trade %v: %q is not a fuel in-commodity", tr, tr.Commodity())
		}
		if math.Abs(tr.Batch.Quantity()-r.cfg.AssemSize) > resource.Eps {
			return fmt.Errorf("trade %v: assembly of %.6g kg, want %.6g kg", tr, tr.Batch.Quantity(), r.cfg.AssemSize)
		}
		dst := r.fresh
		if !r.coreFull() {
			dst = r.core
		}
		if err := dst.Push(tr.Batch); err != nil {
			return err
		}
		r.assemblies[tr.Batch.ID()] = idx
	}
	return nil
}

// Offers implements sim.StepOfferer: every spent assembly is offered whole on
// the out-commodity of the fuel it was loaded as.
func (r *Reactor) Offers(ctx sim.StepContext) []*exchange.Offer {
	batches := r.spent.Batches()
	offers := make([]*exchange.Offer, 0, len(batches))
	for _, b := range batches {
		idx, ok := r.assemblies[b.ID()]
		if !ok {
			logrus.Warnf("[tick %07d] reactor %s: spent assembly %s has no fuel commodity, not offered",
				ctx.Now, r.cfg.Name, b.ID())
			continue
		}
		offers = append(offers, &exchange.Offer{
			ID:        fmt.Sprintf("%s/%d/%s", r.cfg.Name, ctx.Now, b.ID()),
			Commodity: r.cfg.FuelOutCommods[idx],
			Quantity:  b.Quantity(),
			BatchID:   b.ID(),
			Exclusive: true,
		})
	}
	return offers
}

// Fulfill implements sim.StepOfferer.
func (r *Reactor) Fulfill(ctx sim.StepContext, trades []*exchange.Trade) error {
	for _, tr := range trades {
		b, err := r.spent.Extract(tr.Offer.BatchID)
		if err != nil {
			return err
		}
		delete(r.assemblies, b.ID())
		tr.Batch = b
	}
	return nil
}

// Tock implements sim.Tocker: cycle start and cycle clock.
func (r *Reactor) Tock(ctx sim.StepContext) error {
	if r.refueling() && r.cycleStep >= r.cfg.CycleTime+r.cfg.RefuelTime && !r.coreFull() {
		ctx.RecordStall("fuel-shortage", fmt.Sprintf("core %d/%d assemblies", r.core.Count(), r.cfg.NAssemCore))
	}

	if r.cycleStep >= r.cfg.CycleTime+r.cfg.RefuelTime && r.coreFull() && r.discharged {
		r.cycleStep = 0
		r.discharged = false
	}
	if r.cycleStep == 0 && r.coreFull() && r.phase != PhaseCycling {
		r.phase = PhaseCycling
		logrus.Debugf("[tick %07d] reactor %s: cycle start", ctx.Now, r.cfg.Name)
		ctx.RecordPhase("CYCLE_START", "")
	}
	if r.cycleStep > 0 || r.coreFull() {
		r.cycleStep++
	}
	return nil
}

type reactorState struct {
	Phase            Phase          `json:"phase"`
	CycleStep        int64          `json:"cycle_step"`
	Discharged       bool           `json:"discharged"`
	PendingDischarge int            `json:"pending_discharge"`
	Prefs            []float64      `json:"prefs"`
	InRecipes        []string       `json:"in_recipes"`
	OutRecipes       []string       `json:"out_recipes"`
	PrefCursor       []int          `json:"pref_cursor"`
	RecipeCursor     []int          `json:"recipe_cursor"`
	Assemblies       map[string]int `json:"assemblies"`
}

// Snapshot implements sim.Snapshotter.
func (r *Reactor) Snapshot() (sim.FacilitySnapshot, error) {
	state, err := json.Marshal(reactorState{
		Phase:            r.phase,
		CycleStep:        r.cycleStep,
		Discharged:       r.discharged,
		PendingDischarge: r.pendingDischarge,
		Prefs:            r.prefs,
		InRecipes:        r.inRecipes,
		OutRecipes:       r.outRecipes,
		PrefCursor:       r.prefTL.cursor,
		RecipeCursor:     r.recipeTL.cursor,
		Assemblies:       r.assemblies,
	})
	if err != nil {
		return sim.FacilitySnapshot{}, err
	}
	bufs := make(map[string][]resource.BatchState, 3)
	for _, buf := range r.Buffers() {
		bufs[buf.Name()] = buf.Snapshot()
	}
	return sim.FacilitySnapshot{Facility: r.cfg.Name, Buffers: bufs, State: state}, nil
}

// Restore implements sim.Snapshotter. The configuration must match the one the
// snapshot was taken with.
func (r *Reactor) Restore(snap sim.FacilitySnapshot) error {
	var st reactorState
	if err := json.Unmarshal(snap.State, &st); err != nil {
		return fmt.Errorf("decode reactor state: %w", err)
	}
	n := len(r.cfg.FuelInCommods)
	if len(st.Prefs) != n || len(st.InRecipes) != n || len(st.OutRecipes) != n ||
		len(st.PrefCursor) != n || len(st.RecipeCursor) != n {
		return fmt.Errorf("reactor state has %d fuels, want %d", len(st.Prefs), n)
	}
	if err := r.checkRecipes(append(append([]string(nil), st.InRecipes...), st.OutRecipes...)...); err != nil {
		return err
	}
	// Restore into new buffers and swap only once everything checks out.
	restored := make([]*resource.Buffer, 0, 3)
	for _, buf := range r.Buffers() {
		next := resource.NewBuffer(buf.Name(), buf.Capacity())
		if err := next.Restore(snap.Buffers[buf.Name()]); err != nil {
			return fmt.Errorf("buffer %s: %w", buf.Name(), err)
		}
		for _, b := range next.Batches() {
			idx, ok := st.Assemblies[b.ID()]
			if !ok || idx < 0 || idx >= n {
				return fmt.Errorf("buffer %s: assembly %s has no fuel commodity: %w",
					buf.Name(), b.ID(), resource.ErrUnknownBatch)
			}
		}
		restored = append(restored, next)
	}
	r.fresh, r.core, r.spent = restored[0], restored[1], restored[2]
	r.phase = st.Phase
	r.cycleStep = st.CycleStep
	r.discharged = st.Discharged
	r.pendingDischarge = st.PendingDischarge
	r.prefs = st.Prefs
	r.inRecipes = st.InRecipes
	r.outRecipes = st.OutRecipes
	r.prefTL.cursor = st.PrefCursor
	r.recipeTL.cursor = st.RecipeCursor
	r.assemblies = st.Assemblies
	if r.assemblies == nil {
		r.assemblies = make(map[string]int)
	}
	return nil
}

// DumpState implements sim.StateDumper.
func (r *Reactor) DumpState() string {
	var sb strings.Builder
	s := r.State()
	fmt.Fprintf(&sb, "reactor %s phase=%s cycle_step=%d discharged=%v pending_discharge=%d\n",
		r.cfg.Name, s.Phase, s.CycleStep, r.discharged, s.PendingDischarge)
	for i, c := range r.cfg.FuelInCommods {
		fmt.Fprintf(&sb, "  fuel %s pref=%g in=%s out=%s -> %s\n",
			c, r.prefs[i], r.inRecipes[i], r.outRecipes[i], r.cfg.FuelOutCommods[i])
	}
	for _, buf := range r.Buffers() {
		fmt.Fprintf(&sb, "  %s\n", buf)
	}
	return sb.String()
}
