// Package trace provides trade and event recording for a material-flow simulation.
// This package has no dependencies on sim/ or its facility packages; it stores pure data types.
package trace

// TradeRecord captures one completed transfer of material between facilities.
type TradeRecord struct {
	Time        int64
	Sender      string
	Receiver    string
	Commodity   string
	Quantity    float64
	BatchID     string
	Composition map[string]float64 // mass fractions of the transferred batch
}

// StallRecord captures a step where a facility could not make progress
// (fuel shortage, full spent inventory, full output buffer).
type StallRecord struct {
	Time     int64
	Facility string
	Reason   string
	Detail   string
}

// PhaseRecord captures a facility lifecycle event such as CYCLE_START or DISCHARGE.
type PhaseRecord struct {
	Time     int64
	Facility string
	Event    string
	Detail   string
}
