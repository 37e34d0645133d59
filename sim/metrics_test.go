package sim

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/matflow-sim/sim/trace"
)

func TestMetrics_RecordTrade_FoldsTotals(t *testing.T) {
	// GIVEN two trades of different commodities
	m := NewMetrics()

	// WHEN recorded
	m.RecordTrade(trace.TradeRecord{Sender: "a", Receiver: "b", Commodity: "uox", Quantity: 3})
	m.RecordTrade(trace.TradeRecord{Sender: "a", Receiver: "c", Commodity: "mox", Quantity: 1.5})

	// THEN totals, per-commodity mass and per-facility counts all move
	assert.Equal(t, 2, m.TradeCount)
	assert.InDelta(t, 4.5, m.TotalQuantity, 1e-12)
	assert.InDelta(t, 3.0, m.QuantityByCommodity["uox"], 1e-12)
	assert.Equal(t, 2, m.Sent["a"])
	assert.Equal(t, 1, m.Received["b"])
	assert.Equal(t, 1, m.Received["c"])
}

// TestSaveResults_WritesJSON verifies the results file decodes back into the
// same totals.
func TestSaveResults_WritesJSON(t *testing.T) {
	// GIVEN metrics after a short run
	m := NewMetrics()
	m.Steps = 4
	m.RecordTrade(trace.TradeRecord{Sender: "src", Receiver: "sink", Commodity: "c", Quantity: 2})
	m.Stalls["src"] = 3

	// WHEN saved
	path := filepath.Join(t.TempDir(), "results.json")
	require.NoError(t, m.SaveResults(path))

	// THEN the file holds the snake_case fields
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.EqualValues(t, 4, raw["steps"])
	assert.EqualValues(t, 1, raw["trade_count"])
	assert.Contains(t, raw, "quantity_by_commodity")
	stalls, ok := raw["stalls"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, stalls["src"])
}

func TestSaveResults_BadPath_Fails(t *testing.T) {
	m := NewMetrics()
	err := m.SaveResults(filepath.Join(t.TempDir(), "missing", "results.json"))
	assert.Error(t, err)
}
