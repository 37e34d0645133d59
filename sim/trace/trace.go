package trace

// TraceLevel controls the verbosity of recording.
type TraceLevel string

const (
	// TraceLevelNone disables recording (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelTrades records every trade.
	TraceLevelTrades TraceLevel = "trades"
	// TraceLevelEvents records trades plus stalls and phase events.
	TraceLevelEvents TraceLevel = "events"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:   true,
	TraceLevelTrades: true,
	TraceLevelEvents: true,
	"":               true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
}

// SimulationTrace collects records during a simulation.
type SimulationTrace struct {
	Config TraceConfig
	Trades []TradeRecord
	Stalls []StallRecord
	Phases []PhaseRecord
}

// NewSimulationTrace creates a SimulationTrace ready for recording.
func NewSimulationTrace(config TraceConfig) *SimulationTrace {
	return &SimulationTrace{
		Config: config,
		Trades: make([]TradeRecord, 0),
		Stalls: make([]StallRecord, 0),
		Phases: make([]PhaseRecord, 0),
	}
}

func (st *SimulationTrace) recordsTrades() bool {
	return st != nil && (st.Config.Level == TraceLevelTrades || st.Config.Level == TraceLevelEvents)
}

func (st *SimulationTrace) recordsEvents() bool {
	return st != nil && st.Config.Level == TraceLevelEvents
}

// RecordTrade appends a trade record.
func (st *SimulationTrace) RecordTrade(record TradeRecord) {
	if st.recordsTrades() {
		st.Trades = append(st.Trades, record)
	}
}

// RecordStall appends a stall record.
func (st *SimulationTrace) RecordStall(record StallRecord) {
	if st.recordsEvents() {
		st.Stalls = append(st.Stalls, record)
	}
}

// RecordPhase appends a phase record.
func (st *SimulationTrace) RecordPhase(record PhaseRecord) {
	if st.recordsEvents() {
		st.Phases = append(st.Phases, record)
	}
}

// TradesWhere returns the trades accepted by keep, in recording order.
func (st *SimulationTrace) TradesWhere(keep func(TradeRecord) bool) []TradeRecord {
	var out []TradeRecord
	for _, r := range st.Trades {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// TradesAt returns the trades recorded at time t.
func (st *SimulationTrace) TradesAt(t int64) []TradeRecord {
	return st.TradesWhere(func(r TradeRecord) bool { return r.Time == t })
}

// TradesTo returns the trades received by facility.
func (st *SimulationTrace) TradesTo(facility string) []TradeRecord {
	return st.TradesWhere(func(r TradeRecord) bool { return r.Receiver == facility })
}

// TradesFrom returns the trades sent by facility.
func (st *SimulationTrace) TradesFrom(facility string) []TradeRecord {
	return st.TradesWhere(func(r TradeRecord) bool { return r.Sender == facility })
}
