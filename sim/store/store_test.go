package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/matflow-sim/sim"
	"github.com/inference-sim/matflow-sim/sim/resource"
	"github.com/inference-sim/matflow-sim/sim/trace"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_CreatesTables(t *testing.T) {
	s := newTestStore(t)
	for _, table := range []string{"runs", "transactions", "snapshots"} {
		var name string
		err := s.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}
}

func TestStore_RecordTrades_QueryByFilter(t *testing.T) {
	// GIVEN two batches of trades recorded for one run and one for another
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.BeginRun(ctx, "run-1", "a.yaml", 10))
	require.NoError(t, s.RecordTrades(ctx, "run-1", []trace.TradeRecord{
		{Time: 0, Sender: "src", Receiver: "reactor", Commodity: "uox", Quantity: 1, BatchID: "b1", Composition: map[string]float64{"U235": 0.04, "U238": 0.96}},
		{Time: 1, Sender: "reactor", Receiver: "sink", Commodity: "waste", Quantity: 1, BatchID: "b1", Composition: map[string]float64{"Pu239": 1}},
	}))
	require.NoError(t, s.RecordTrades(ctx, "run-1", []trace.TradeRecord{
		{Time: 1, Sender: "src", Receiver: "reactor", Commodity: "uox", Quantity: 1, BatchID: "b2", Composition: map[string]float64{"U238": 1}},
	}))
	require.NoError(t, s.RecordTrades(ctx, "run-2", []trace.TradeRecord{
		{Time: 1, Sender: "src", Receiver: "reactor", Commodity: "uox", Quantity: 9, BatchID: "x"},
	}))

	// WHEN queried
	all, err := s.Trades(ctx, "run-1", TradeFilter{})
	require.NoError(t, err)
	one := int64(1)
	atOne, err := s.Trades(ctx, "run-1", TradeFilter{Time: &one, Receiver: "reactor"})
	require.NoError(t, err)
	sent, err := s.Trades(ctx, "run-1", TradeFilter{Sender: "reactor", Commodity: "waste"})
	require.NoError(t, err)

	// THEN rows come back in recording order, scoped to the run
	require.Len(t, all, 3)
	assert.Equal(t, []string{"b1", "b1", "b2"}, []string{all[0].BatchID, all[1].BatchID, all[2].BatchID})
	assert.Equal(t, 0.04, all[0].Composition["U235"])
	require.Len(t, atOne, 1)
	assert.Equal(t, "b2", atOne[0].BatchID)
	require.Len(t, sent, 1)
	assert.Equal(t, "sink", sent[0].Receiver)
}

func TestStore_SaveLoadSnapshot_RoundTrip(t *testing.T) {
	// GIVEN two facility snapshots
	ctx := context.Background()
	s := newTestStore(t)
	want := []sim.FacilitySnapshot{
		{Facility: "sink", Buffers: map[string][]resource.BatchState{
			"inventory": {{ID: "b1", Quantity: 2.5, Composition: map[string]float64{"a": 0.5, "b": 0.5}}},
		}},
		{Facility: "src", Buffers: map[string][]resource.BatchState{}, State: []byte(`{"remaining":7}`)},
	}

	// WHEN saved and loaded
	require.NoError(t, s.SaveSnapshot(ctx, "run-1", 5, want))
	got, err := s.LoadSnapshot(ctx, "run-1", 5)
	require.NoError(t, err)

	// THEN they are identical and in saved order
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
	latest, err := s.LatestSnapshot(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), latest)
}

func TestStore_LoadSnapshot_Missing_ReturnsErrNoSnapshot(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadSnapshot(context.Background(), "nope", 3)
	assert.True(t, errors.Is(err, ErrNoSnapshot))
	_, err = s.LatestSnapshot(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNoSnapshot))
}

func TestStore_AsSimulatorSnapshotSink_RestoresRun(t *testing.T) {
	// GIVEN a source-to-sink run snapshotting every 2 steps into the store
	ctx := context.Background()
	st := newTestStore(t)
	build := func() (*sim.Simulator, *sim.Sink) {
		s := sim.NewSimulator(sim.SimConfig{Horizon: 6, SnapshotEvery: 2, RunID: "run-1"})
		s.AddFacility(sim.NewSource(sim.SourceConfig{Name: "src", Commodity: "c", Throughput: 1, Inventory: 10,
			Recipe: resource.NewComposition(map[string]float64{"x": 1})}))
		sink := sim.NewSink(sim.SinkConfig{Name: "sink", Commodities: []string{"c"}})
		s.AddFacility(sink)
		return s, sink
	}
	s, _ := build()
	s.Snapshots = st

	// WHEN run
	require.NoError(t, s.Run(ctx))

	// THEN the last snapshot restores a simulator to the final state
	latest, err := st.LatestSnapshot(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), latest)
	snaps, err := st.LoadSnapshot(ctx, "run-1", latest)
	require.NoError(t, err)
	restored, sink := build()
	require.NoError(t, restored.Restore(latest, snaps))
	assert.InDelta(t, 6.0, sink.Inventory().Quantity(), 1e-9)
	assert.Equal(t, int64(6), restored.Clock)
}

func TestStore_Runs_InRegistrationOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.BeginRun(ctx, "b", "second.yaml", 10))
	require.NoError(t, s.BeginRun(ctx, "a", "first.yaml", 5))
	// re-registering keeps the row in place
	require.NoError(t, s.BeginRun(ctx, "b", "second.yaml", 12))

	runs, err := s.Runs(ctx)
	require.NoError(t, err)

	assert.Equal(t, []Run{
		{RunID: "b", Scenario: "second.yaml", Horizon: 12},
		{RunID: "a", Scenario: "first.yaml", Horizon: 5},
	}, runs)
}
