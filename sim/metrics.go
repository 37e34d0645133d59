// Tracks simulation-wide trade and stall statistics for final reporting.

package sim

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/matflow-sim/sim/trace"
)

// Metrics aggregates statistics about the simulation for final reporting.
// Counts are kept regardless of the trace level.
type Metrics struct {
	Steps               int64              `json:"steps"`
	TradeCount          int                `json:"trade_count"`
	TotalQuantity       float64            `json:"total_quantity"`
	QuantityByCommodity map[string]float64 `json:"quantity_by_commodity"`
	Received            map[string]int     `json:"received"` // facility -> trades received
	Sent                map[string]int     `json:"sent"`     // facility -> trades sent
	Stalls              map[string]int     `json:"stalls"`   // facility -> stalled steps
}

// NewMetrics returns an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		QuantityByCommodity: make(map[string]float64),
		Received:            make(map[string]int),
		Sent:                make(map[string]int),
		Stalls:              make(map[string]int),
	}
}

// RecordTrade folds one trade into the totals.
func (m *Metrics) RecordTrade(r trace.TradeRecord) {
	m.TradeCount++
	m.TotalQuantity += r.Quantity
	m.QuantityByCommodity[r.Commodity] += r.Quantity
	m.Received[r.Receiver]++
	m.Sent[r.Sender]++
}

// Print displays aggregated metrics at the end of the simulation.
func (m *Metrics) Print(name string) {
	fmt.Printf("=== Simulation Metrics: %s ===\n", name)
	fmt.Printf("Steps                : %d\n", m.Steps)
	fmt.Printf("Trades               : %d\n", m.TradeCount)
	fmt.Printf("Quantity Traded      : %.6g kg\n", m.TotalQuantity)
	for _, c := range sortedKeys(m.QuantityByCommodity) {
		fmt.Printf("  %-18s : %.6g kg\n", c, m.QuantityByCommodity[c])
	}
	for _, f := range sortedKeys(m.Received) {
		fmt.Printf("Received by %-8s : %d trades\n", f, m.Received[f])
	}
	for _, f := range sortedKeys(m.Stalls) {
		fmt.Printf("Stalled %-12s : %d steps\n", f, m.Stalls[f])
	}
}

// SaveResults writes the metrics as indented JSON to path.
func (m *Metrics) SaveResults(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metrics: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	logrus.Debugf("Successfully wrote to '%s'", path)
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
