// Package testutil provides shared test infrastructure for the simulator.
// It holds the golden dataset types and assertion helpers used by the
// facility test packages.
package testutil

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// GoldenDataset represents the structure of testdata/goldendataset.json.
type GoldenDataset struct {
	Tests []GoldenTestCase `json:"tests"`
}

// GoldenTestCase is one reactor fed by unconstrained (or throughput-limited)
// sources, with the trade outcome it must produce.
type GoldenTestCase struct {
	Name             string        `json:"name"`
	Horizon          int64         `json:"horizon"`
	Fuels            []GoldenFuel  `json:"fuels"`
	AssemSize        float64       `json:"assem_size"`
	NAssemCore       int           `json:"n_assem_core"`
	NAssemBatch      int           `json:"n_assem_batch"`
	NAssemFresh      int           `json:"n_assem_fresh"`
	CycleTime        int64         `json:"cycle_time"`
	RefuelTime       int64         `json:"refuel_time"`
	SourceThroughput float64       `json:"source_throughput"`
	Metrics          GoldenMetrics `json:"metrics"`
}

// GoldenFuel is one fuel the reactor burns. Recipes name entries of the test
// recipe book.
type GoldenFuel struct {
	InCommod  string `json:"in_commod"`
	InRecipe  string `json:"in_recipe"`
	OutCommod string `json:"out_commod"`
	OutRecipe string `json:"out_recipe"`
}

// GoldenMetrics represents the expected outcome of a golden test case.
type GoldenMetrics struct {
	// Exact match
	TradeCount    int     `json:"trade_count"`
	CoreCount     int     `json:"core_count"`
	CycleStarts   int     `json:"cycle_starts"`
	SpentHeld     int     `json:"spent_held"`
	FreshHeld     int     `json:"fresh_held"`
	ReceivedTimes []int64 `json:"received_times,omitempty"`

	// Compared with relative tolerance
	TotalQuantityKg float64 `json:"total_quantity_kg"`
}

// LoadGoldenDataset loads the golden dataset from the testdata directory.
// The path is resolved relative to this source file: sim/internal/testutil/ → testdata/.
func LoadGoldenDataset(t *testing.T) *GoldenDataset {
	t.Helper()

	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	// Navigate from sim/internal/testutil/ to repo root testdata/
	path := filepath.Join(filepath.Dir(thisFile), "..", "..", "..", "testdata", "goldendataset.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read golden dataset: %v", err)
	}

	var dataset GoldenDataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		t.Fatalf("Failed to parse golden dataset: %v", err)
	}

	return &dataset
}

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}
