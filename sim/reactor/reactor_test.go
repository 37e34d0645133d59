package reactor

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/matflow-sim/sim"
	"github.com/inference-sim/matflow-sim/sim/resource"
	"github.com/inference-sim/matflow-sim/sim/trace"
)

func testRecipes() resource.RecipeBook {
	return resource.RecipeBook{
		"uox":      resource.NewComposition(map[string]float64{"U235": 0.04, "U238": 0.96}),
		"spentuox": resource.NewComposition(map[string]float64{"U235": 0.8, "U238": 100, "Pu239": 1}),
		"mox":      resource.NewComposition(map[string]float64{"U235": 0.7, "U238": 100, "Pu239": 3.3}),
		"spentmox": resource.NewComposition(map[string]float64{"U235": 0.2, "U238": 100, "Pu239": 0.9}),
		"water":    resource.NewComposition(map[string]float64{"O16": 1, "H1": 2}),
	}
}

// singleFuel returns a one-fuel config burning "uox" into "waste".
func singleFuel(cycle, refuel int64, size float64, core, batch int) Config {
	return Config{
		Name:           "reactor",
		FuelInCommods:  []string{"uox"},
		FuelInRecipes:  []string{"uox"},
		FuelOutCommods: []string{"waste"},
		FuelOutRecipes: []string{"spentuox"},
		Recipes:        testRecipes(),
		AssemSize:      size,
		NAssemCore:     core,
		NAssemBatch:    batch,
		CycleTime:      cycle,
		RefuelTime:     refuel,
	}
}

func mustNew(t *testing.T, cfg Config) *Reactor {
	t.Helper()
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

// newSim wires r behind unconstrained sources of each of its fuel commodities.
func newSim(t *testing.T, horizon int64, r *Reactor) *sim.Simulator {
	t.Helper()
	s := sim.NewSimulator(sim.SimConfig{Horizon: horizon, Trace: trace.TraceConfig{Level: trace.TraceLevelEvents}})
	for _, c := range r.cfg.FuelInCommods {
		s.AddFacility(sim.NewSource(sim.SourceConfig{Name: "src-" + c, Commodity: c}))
	}
	s.AddFacility(r)
	return s
}

func TestReactor_JustInTimeOrdering(t *testing.T) {
	// GIVEN a one-assembly core, one-step cycle and no refuel time
	r := mustNew(t, singleFuel(1, 0, 300, 1, 1))
	s := newSim(t, 50, r)

	// WHEN run for 50 steps with an unconstrained source
	require.NoError(t, s.Run(context.Background()))

	// THEN fuel is ordered and loaded with no delay: one trade per step
	assert.Equal(t, 50, s.Metrics.TradeCount)
	for i, rec := range s.Trace.Trades {
		assert.Equal(t, int64(i), rec.Time)
	}
}

func TestReactor_BatchSizes(t *testing.T) {
	r := mustNew(t, singleFuel(1, 0, 1, 7, 3))
	s := newSim(t, 50, r)

	require.NoError(t, s.Run(context.Background()))

	// 7 for the initial core, then 3 per step
	assert.Equal(t, 7+3*49, s.Metrics.TradeCount)
	assert.Equal(t, 7, r.Core().Count())
}

func TestReactor_RefuelTimes(t *testing.T) {
	for _, simdur := range []int64{7, 8, 49} {
		// GIVEN a 4-step cycle and a 3-step refuel
		r := mustNew(t, singleFuel(4, 3, 1, 1, 1))
		s := newSim(t, simdur, r)

		require.NoError(t, s.Run(context.Background()))

		// THEN one fresh assembly per cycle+refuel period plus the initial core
		assert.Equal(t, int(simdur/7+1), s.Metrics.TradeCount, "simdur=%d", simdur)
	}
}

func TestReactor_OrderAtRefuelStart(t *testing.T) {
	// GIVEN a 4-step cycle and a 3-step refuel
	r := mustNew(t, singleFuel(4, 3, 1, 1, 1))
	s := newSim(t, 12, r)

	require.NoError(t, s.Run(context.Background()))

	// THEN the replacement is bought exactly when each cycle ends
	var times []int64
	for _, rec := range s.Trace.TradesTo("reactor") {
		times = append(times, rec.Time)
	}
	assert.Equal(t, []int64{0, 4, 11}, times)
}

func TestReactor_MultiFuelMix(t *testing.T) {
	// GIVEN two fuels each offered at 2 assemblies per step, less than one
	// step's order, and a 3-assembly fresh inventory
	cfg := singleFuel(1, 0, 1, 3, 3)
	cfg.FuelInCommods = []string{"uox", "mox"}
	cfg.FuelInRecipes = []string{"uox", "mox"}
	cfg.FuelOutCommods = []string{"waste", "waste"}
	cfg.FuelOutRecipes = []string{"spentuox", "spentmox"}
	cfg.NAssemFresh = 3
	r := mustNew(t, cfg)
	s := sim.NewSimulator(sim.SimConfig{Horizon: 50})
	s.AddFacility(sim.NewSource(sim.SourceConfig{Name: "src-uox", Commodity: "uox", Throughput: 2}))
	s.AddFacility(sim.NewSource(sim.SourceConfig{Name: "src-mox", Commodity: "mox", Throughput: 2}))
	s.AddFacility(r)

	// WHEN run
	require.NoError(t, s.Run(context.Background()))

	// THEN 3 per step plus 3 for the fresh inventory
	assert.Equal(t, 3*50+3, s.Metrics.TradeCount)
	assert.Equal(t, 3, r.Core().Count())
	assert.Equal(t, 3, r.Fresh().Count())
	assert.Greater(t, s.Metrics.QuantityByCommodity["uox"], 0.0)
	assert.Greater(t, s.Metrics.QuantityByCommodity["mox"], 0.0)
}

func TestReactor_PrefChange_OmittedPrefsDefaultToOne(t *testing.T) {
	// GIVEN no fuel preferences and a change to -1 at step 25
	cfg := singleFuel(1, 0, 300, 1, 1)
	cfg.PrefChanges = []PrefChange{{Time: 25, Commodity: "uox", Value: -1}}
	r := mustNew(t, cfg)
	pref, ok := r.Preference("uox")
	require.True(t, ok)
	assert.Equal(t, 1.0, pref)
	s := newSim(t, 50, r)

	// WHEN run
	require.NoError(t, s.Run(context.Background()))

	// THEN trading stops exactly at the change
	assert.Equal(t, 25, s.Metrics.TradeCount)
	pref, _ = r.Preference("uox")
	assert.Equal(t, -1.0, pref)
}

func TestReactor_RecipeChange_AppliesFromExactStep(t *testing.T) {
	// GIVEN in-recipe water from 25 and out-recipe water from 35, with a sink
	// taking the spent fuel
	cfg := singleFuel(1, 0, 300, 1, 1)
	cfg.RecipeChanges = []RecipeChange{
		{Time: 25, Commodity: "uox", InRecipe: "water", OutRecipe: "spentuox"},
		{Time: 35, Commodity: "uox", InRecipe: "water", OutRecipe: "water"},
	}
	r := mustNew(t, cfg)
	s := newSim(t, 50, r)
	s.AddFacility(sim.NewSink(sim.SinkConfig{Name: "sink", Commodities: []string{"waste"}}))

	// WHEN run
	require.NoError(t, s.Run(context.Background()))

	// THEN received and sent compositions switch exactly at the change times
	at := func(t *testing.T, recs []trace.TradeRecord, time int64) trace.TradeRecord {
		t.Helper()
		for _, rec := range recs {
			if rec.Time == time {
				return rec
			}
		}
		t.Fatalf("no trade at %d", time)
		return trace.TradeRecord{}
	}
	received := s.Trace.TradesTo("reactor")
	sent := s.Trace.TradesFrom("reactor")

	rec := at(t, received, 24)
	assert.Greater(t, rec.Quantity, 0.0)
	assert.Zero(t, rec.Composition["H1"])
	rec = at(t, received, 25)
	assert.InDelta(t, 2.0/3, rec.Composition["H1"], 1e-9, "in-recipe applies at exactly t=25")
	rec = at(t, received, 26)
	assert.Greater(t, rec.Quantity, 0.0)
	assert.Greater(t, rec.Composition["H1"], 0.0)

	rec = at(t, sent, 34)
	assert.Greater(t, rec.Quantity, 0.0)
	assert.Zero(t, rec.Composition["H1"])
	rec = at(t, sent, 35)
	assert.InDelta(t, 2.0/3, rec.Composition["H1"], 1e-9, "out-recipe applies at exactly t=35")
	rec = at(t, sent, 36)
	assert.Greater(t, rec.Quantity, 0.0)
	assert.Greater(t, rec.Composition["H1"], 0.0)
}

func TestReactor_FullSpentInventory_StallsDischarge(t *testing.T) {
	// GIVEN room for a single spent assembly and nobody buying spent fuel
	cfg := singleFuel(1, 0, 1, 1, 1)
	cfg.NAssemSpent = 1
	r := mustNew(t, cfg)
	s := newSim(t, 10, r)

	// WHEN run
	require.NoError(t, s.Run(context.Background()))

	// THEN after the first swap the assembly stays in the core and the cycle waits
	assert.Equal(t, 2, s.Metrics.TradeCount)
	assert.Equal(t, 1, r.Core().Count(), "assembly must not be dropped")
	assert.Equal(t, 1, r.Spent().Count())
	assert.Equal(t, 8, s.Metrics.Stalls["reactor"])
	st := r.State()
	assert.Equal(t, PhaseRefueling, st.Phase)
	assert.Equal(t, 1, st.PendingDischarge)
}

func TestReactor_FullSpentInventory_ResumesWhenDrained(t *testing.T) {
	// GIVEN a reactor stalled on a full spent buffer
	cfg := singleFuel(1, 0, 1, 1, 1)
	cfg.NAssemSpent = 1
	r := mustNew(t, cfg)
	s := newSim(t, 12, r)
	ctx := context.Background()
	for s.Clock < 5 {
		require.NoError(t, s.Step(ctx))
	}
	require.Equal(t, PhaseRefueling, r.State().Phase)

	// WHEN a buyer for the spent fuel appears
	s.AddFacility(sim.NewSink(sim.SinkConfig{Name: "sink", Commodities: []string{"waste"}}))
	require.NoError(t, s.Step(ctx))
	require.NoError(t, s.Step(ctx))

	// THEN discharge completes, a fresh assembly is bought and the cycle restarts
	assert.Equal(t, PhaseCycling, r.State().Phase)
	assert.Len(t, s.Trace.TradesTo("reactor"), 3)
	assert.Len(t, s.Trace.TradesFrom("reactor"), 2)
}

func TestReactor_FuelShortage_DelaysCycleStart(t *testing.T) {
	// GIVEN a source that can only supply two assemblies
	r := mustNew(t, singleFuel(2, 0, 1, 1, 1))
	s := sim.NewSimulator(sim.SimConfig{Horizon: 20})
	s.AddFacility(sim.NewSource(sim.SourceConfig{Name: "src", Commodity: "uox", Inventory: 2}))
	s.AddFacility(r)
	ctx := context.Background()

	// WHEN the second cycle ends without fuel available
	for s.Clock < 7 {
		require.NoError(t, s.Step(ctx))
	}

	// THEN the reactor waits in refuel instead of starting a cycle
	st := r.State()
	assert.Equal(t, PhaseRefueling, st.Phase)
	assert.Equal(t, 1, st.AssembliesNeeded)
	assert.Equal(t, 0, r.Core().Count())
	assert.Equal(t, 2, s.Metrics.TradeCount)
	assert.Equal(t, 3, s.Metrics.Stalls["reactor"], "fuel-shortage at steps 4, 5 and 6")

	// WHEN fuel becomes available again
	s.AddFacility(sim.NewSource(sim.SourceConfig{Name: "backup", Commodity: "uox"}))
	require.NoError(t, s.Step(ctx))

	// THEN the delayed cycle starts rather than being skipped
	st = r.State()
	assert.Equal(t, PhaseCycling, st.Phase)
	assert.Equal(t, int64(1), st.CycleStep)
	assert.Equal(t, 3, s.Metrics.TradeCount)
}

func TestReactor_State_Phases(t *testing.T) {
	// GIVEN a 3-step cycle with a 2-step refuel
	r := mustNew(t, singleFuel(3, 2, 1, 1, 1))
	s := newSim(t, 20, r)
	ctx := context.Background()

	// THEN it starts waiting for its first core, which can start cycling at once
	initial := r.State()
	assert.Equal(t, PhaseRefueling, initial.Phase)
	assert.Equal(t, int64(0), initial.StepsToTransition)
	assert.Equal(t, 1, initial.AssembliesNeeded)

	var phases []Phase
	for s.Clock < 8 {
		require.NoError(t, s.Step(ctx))
		phases = append(phases, r.State().Phase)
	}

	// THEN cycles of 3 steps alternate with refuels of 2
	assert.Equal(t, []Phase{
		PhaseCycling, PhaseCycling, PhaseCycling,
		PhaseRefueling, PhaseRefueling,
		PhaseCycling, PhaseCycling, PhaseCycling,
	}, phases)
	events := map[string]int{}
	for _, p := range s.Trace.Phases {
		events[p.Event]++
	}
	assert.Equal(t, 2, events["CYCLE_START"])
	assert.Equal(t, 1, events["CYCLE_END"])
}

func TestReactor_Offers_UseOutCommodityOfLoadedFuel(t *testing.T) {
	// GIVEN two fuels with different out-commodities and a spent sink for each
	cfg := singleFuel(1, 0, 1, 1, 1)
	cfg.FuelInCommods = []string{"uox", "mox"}
	cfg.FuelInRecipes = []string{"uox", "mox"}
	cfg.FuelOutCommods = []string{"spent-uox", "spent-mox"}
	cfg.FuelOutRecipes = []string{"spentuox", "spentmox"}
	cfg.FuelPrefs = []float64{-1, 1}
	r := mustNew(t, cfg)
	s := newSim(t, 3, r)
	uoxSink := sim.NewSink(sim.SinkConfig{Name: "uox-sink", Commodities: []string{"spent-uox"}})
	moxSink := sim.NewSink(sim.SinkConfig{Name: "mox-sink", Commodities: []string{"spent-mox"}})
	s.AddFacility(uoxSink)
	s.AddFacility(moxSink)

	require.NoError(t, s.Run(context.Background()))

	// THEN only mox is loaded and its spent fuel goes out as spent-mox
	assert.Zero(t, s.Metrics.QuantityByCommodity["uox"])
	assert.InDelta(t, 2.0, moxSink.Inventory().Quantity(), 1e-9)
	assert.Zero(t, uoxSink.Inventory().Quantity())
	for _, b := range moxSink.Inventory().Batches() {
		assert.InDelta(t, testRecipes()["spentmox"].Fraction("Pu239"), b.Composition().Fraction("Pu239"), 1e-9)
	}
}

func TestReactor_SnapshotRestore_ContinuesIdentically(t *testing.T) {
	// GIVEN a reactor stepped into the middle of a refuel
	ctx := context.Background()
	cfg := singleFuel(4, 3, 1, 2, 1)
	cfg.PrefChanges = []PrefChange{{Time: 3, Commodity: "uox", Value: 2}}
	a := mustNew(t, cfg)
	sa := newSim(t, 30, a)
	for sa.Clock < 5 {
		require.NoError(t, sa.Step(ctx))
	}
	snaps, err := sa.Snapshot()
	require.NoError(t, err)

	// WHEN restored into a fresh simulation
	b := mustNew(t, cfg)
	sb := newSim(t, 30, b)
	require.NoError(t, sb.Restore(sa.Clock, snaps))

	// THEN both hold the same state and keep trading the same way
	want, err := a.Snapshot()
	require.NoError(t, err)
	got, err := b.Snapshot()
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("restored snapshot mismatch (-want +got):\n%s", diff)
	}
	for sa.Clock < 30 {
		require.NoError(t, sa.Step(ctx))
		require.NoError(t, sb.Step(ctx))
		assert.Equal(t, a.State(), b.State(), "t=%d", sa.Clock)
	}
	assert.Equal(t, len(sa.Trace.TradesWhere(func(r trace.TradeRecord) bool { return r.Time >= 5 })),
		len(sb.Trace.Trades))
}

func TestNew_InvalidConfigs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"mismatched fuel lists", func(c *Config) { c.FuelOutCommods = nil }, ErrInvalidConfig},
		{"wrong pref count", func(c *Config) { c.FuelPrefs = []float64{1, 2} }, ErrInvalidConfig},
		{"unknown recipe", func(c *Config) { c.FuelInRecipes = []string{"nope"} }, ErrInvalidConfig},
		{"batch larger than core", func(c *Config) { c.NAssemBatch = 5 }, ErrInvalidConfig},
		{"zero cycle", func(c *Config) { c.CycleTime = 0 }, ErrInvalidConfig},
		{"zero assembly", func(c *Config) { c.AssemSize = 0 }, ErrInvalidConfig},
		{"pref change unknown commodity", func(c *Config) {
			c.PrefChanges = []PrefChange{{Time: 1, Commodity: "mox", Value: 1}}
		}, ErrMalformedTimeline},
		{"pref changes not increasing", func(c *Config) {
			c.PrefChanges = []PrefChange{{Time: 5, Commodity: "uox", Value: 1}, {Time: 5, Commodity: "uox", Value: 2}}
		}, ErrMalformedTimeline},
		{"recipe changes out of order", func(c *Config) {
			c.RecipeChanges = []RecipeChange{
				{Time: 9, Commodity: "uox", InRecipe: "uox", OutRecipe: "spentuox"},
				{Time: 3, Commodity: "uox", InRecipe: "water", OutRecipe: "water"},
			}
		}, ErrMalformedTimeline},
		{"recipe change unknown recipe", func(c *Config) {
			c.RecipeChanges = []RecipeChange{{Time: 1, Commodity: "uox", InRecipe: "lava", OutRecipe: "water"}}
		}, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := singleFuel(1, 0, 1, 3, 1)
			tt.mutate(&cfg)
			_, err := New(cfg)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTimeline_InterleavedCommodities_AppliedPerCommodity(t *testing.T) {
	// GIVEN changes for two commodities listed out of global time order
	cfg := singleFuel(1, 0, 1, 1, 1)
	cfg.FuelInCommods = []string{"uox", "mox"}
	cfg.FuelInRecipes = []string{"uox", "mox"}
	cfg.FuelOutCommods = []string{"waste", "waste"}
	cfg.FuelOutRecipes = []string{"spentuox", "spentmox"}
	cfg.PrefChanges = []PrefChange{
		{Time: 4, Commodity: "mox", Value: 3},
		{Time: 2, Commodity: "uox", Value: 5},
	}
	r := mustNew(t, cfg)

	// WHEN ticked through step 3
	for now := int64(0); now <= 3; now++ {
		require.NoError(t, r.Tick(sim.NewStepContext(now, r.Name())))
	}

	// THEN only the due change is active
	uox, _ := r.Preference("uox")
	mox, _ := r.Preference("mox")
	assert.Equal(t, 5.0, uox)
	assert.Equal(t, 1.0, mox)
}

func TestReactor_Restore_OverCapacity_LeavesStateUnchanged(t *testing.T) {
	// GIVEN a reactor holding a full core and one fresh assembly
	cfg := singleFuel(1, 0, 1, 1, 1)
	cfg.NAssemFresh = 1
	r := mustNew(t, cfg)
	s := newSim(t, 10, r)
	require.NoError(t, s.Step(context.Background()))
	require.Equal(t, 1, r.Core().Count())
	require.Equal(t, 1, r.Fresh().Count())
	snap, err := r.Snapshot()
	require.NoError(t, err)

	// WHEN restoring an empty fresh buffer and a core over its capacity
	snap.Buffers[FreshName] = nil
	snap.Buffers[CoreName] = append(snap.Buffers[CoreName], resource.BatchState{ID: "extra", Quantity: 1})
	err = r.Restore(snap)

	// THEN the restore fails and no buffer was replaced
	assert.ErrorIs(t, err, resource.ErrCapacityExceeded)
	assert.Equal(t, 1, r.Fresh().Count())
	assert.Equal(t, 1, r.Core().Count())
}

func TestReactor_Restore_UnmappedAssembly_Fails(t *testing.T) {
	// GIVEN a snapshot whose spent buffer holds an assembly of unknown fuel
	r := mustNew(t, singleFuel(1, 0, 1, 1, 1))
	s := newSim(t, 10, r)
	require.NoError(t, s.Step(context.Background()))
	snap, err := r.Snapshot()
	require.NoError(t, err)
	snap.Buffers[SpentName] = []resource.BatchState{{ID: "stray", Quantity: 1}}

	// WHEN restored
	err = r.Restore(snap)

	// THEN it is rejected and the spent buffer stays empty
	assert.ErrorIs(t, err, resource.ErrUnknownBatch)
	assert.Equal(t, 0, r.Spent().Count())
}

func TestReactor_Offers_SkipsUnmappedAssembly(t *testing.T) {
	r := mustNew(t, singleFuel(1, 0, 1, 1, 1))
	require.NoError(t, r.Spent().Push(resource.NewBatch(1, nil)))

	assert.Empty(t, r.Offers(sim.NewStepContext(0, "reactor")))
}
