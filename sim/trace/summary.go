package trace

// TraceSummary aggregates statistics from a SimulationTrace.
type TraceSummary struct {
	TotalTrades         int
	TotalQuantity       float64
	QuantityByCommodity map[string]float64
	TradesByReceiver    map[string]int
	TradesBySender      map[string]int
	StallsByFacility    map[string]int
	PhaseEvents         int
}

// Summarize computes aggregate statistics from a SimulationTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(st *SimulationTrace) *TraceSummary {
	summary := &TraceSummary{
		QuantityByCommodity: make(map[string]float64),
		TradesByReceiver:    make(map[string]int),
		TradesBySender:      make(map[string]int),
		StallsByFacility:    make(map[string]int),
	}
	if st == nil {
		return summary
	}

	summary.TotalTrades = len(st.Trades)
	for _, r := range st.Trades {
		summary.TotalQuantity += r.Quantity
		summary.QuantityByCommodity[r.Commodity] += r.Quantity
		summary.TradesByReceiver[r.Receiver]++
		summary.TradesBySender[r.Sender]++
	}
	for _, s := range st.Stalls {
		summary.StallsByFacility[s.Facility]++
	}
	summary.PhaseEvents = len(st.Phases)

	return summary
}
