package cmd

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/inference-sim/matflow-sim/sim"
	"github.com/inference-sim/matflow-sim/sim/mixer"
	"github.com/inference-sim/matflow-sim/sim/reactor"
	"github.com/inference-sim/matflow-sim/sim/resource"
	"github.com/inference-sim/matflow-sim/sim/trace"
)

// Scenario is one simulation described in YAML.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type Scenario struct {
	Version       string                        `yaml:"version"`
	Horizon       int64                         `yaml:"horizon"`
	SnapshotEvery int64                         `yaml:"snapshot_every"`
	Trace         string                        `yaml:"trace"`
	Recipes       map[string]map[string]float64 `yaml:"recipes"`
	Sources       []SourceSpec                  `yaml:"sources"`
	Sinks         []SinkSpec                    `yaml:"sinks"`
	Mixers        []MixerSpec                   `yaml:"mixers"`
	Reactors      []ReactorSpec                 `yaml:"reactors"`
}

// SourceSpec configures a sim.Source. Recipe names an entry of Scenario.Recipes.
type SourceSpec struct {
	Name       string  `yaml:"name"`
	Commodity  string  `yaml:"commodity"`
	Recipe     string  `yaml:"recipe"`
	Throughput float64 `yaml:"throughput"`
	Inventory  float64 `yaml:"inventory"`
}

// SinkSpec configures a sim.Sink.
type SinkSpec struct {
	Name        string   `yaml:"name"`
	Commodities []string `yaml:"commodities"`
	Preference  *float64 `yaml:"preference"` // omitted = 1
	Throughput  float64  `yaml:"throughput"`
	Capacity    float64  `yaml:"capacity"`
}

// MixerSpec configures a mixer.Mixer.
type MixerSpec struct {
	Name          string       `yaml:"name"`
	OutCommod     string       `yaml:"out_commod"`
	OutBufSize    float64      `yaml:"out_buf_size"`
	Throughput    float64      `yaml:"throughput"`
	BatchHandling bool         `yaml:"batch_handling"`
	Streams       []StreamSpec `yaml:"streams"`
}

// StreamSpec is one mixer input stream.
type StreamSpec struct {
	Ratio       float64         `yaml:"ratio"`
	BufSize     float64         `yaml:"buf_size"`
	Commodities []CommodityPref `yaml:"commodities"`
}

// CommodityPref is one candidate commodity of a stream.
type CommodityPref struct {
	Commodity  string  `yaml:"commodity"`
	Preference float64 `yaml:"preference"`
}

// ReactorSpec configures a reactor.Reactor.
type ReactorSpec struct {
	Name           string                 `yaml:"name"`
	FuelInCommods  []string               `yaml:"fuel_incommods"`
	FuelInRecipes  []string               `yaml:"fuel_inrecipes"`
	FuelOutCommods []string               `yaml:"fuel_outcommods"`
	FuelOutRecipes []string               `yaml:"fuel_outrecipes"`
	FuelPrefs      []float64              `yaml:"fuel_prefs"`
	AssemSize      float64                `yaml:"assem_size"`
	NAssemCore     int                    `yaml:"n_assem_core"`
	NAssemBatch    int                    `yaml:"n_assem_batch"`
	NAssemFresh    int                    `yaml:"n_assem_fresh"`
	NAssemSpent    int                    `yaml:"n_assem_spent"`
	CycleTime      int64                  `yaml:"cycle_time"`
	RefuelTime     int64                  `yaml:"refuel_time"`
	PrefChanges    []reactor.PrefChange   `yaml:"pref_changes"`
	RecipeChanges  []reactor.RecipeChange `yaml:"recipe_changes"`
}

// LoadScenario reads and parses a YAML scenario file.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses YAML scenario bytes with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	return &sc, nil
}

// Validate checks the fields that are not checked by the facility constructors.
func (sc *Scenario) Validate() error {
	if sc.Version != "" && sc.Version != "1" {
		return fmt.Errorf("unknown version %q; valid: 1", sc.Version)
	}
	if sc.Horizon < 0 {
		return fmt.Errorf("horizon must be non-negative, got %d", sc.Horizon)
	}
	if sc.SnapshotEvery < 0 {
		return fmt.Errorf("snapshot_every must be non-negative, got %d", sc.SnapshotEvery)
	}
	if !trace.IsValidTraceLevel(sc.Trace) {
		return fmt.Errorf("unknown trace level %q; valid: none, trades, events", sc.Trace)
	}
	names := make(map[string]bool)
	claim := func(prefix, name string) error {
		if name == "" {
			return fmt.Errorf("%s: name must be set", prefix)
		}
		if names[name] {
			return fmt.Errorf("%s: duplicate facility name %q", prefix, name)
		}
		names[name] = true
		return nil
	}
	for i, s := range sc.Sources {
		prefix := fmt.Sprintf("sources[%d]", i)
		if err := claim(prefix, s.Name); err != nil {
			return err
		}
		if s.Commodity == "" {
			return fmt.Errorf("%s: commodity must be set", prefix)
		}
		if s.Recipe != "" {
			if _, ok := sc.Recipes[s.Recipe]; !ok {
				return fmt.Errorf("%s: unknown recipe %q", prefix, s.Recipe)
			}
		}
		if s.Throughput < 0 || s.Inventory < 0 {
			return fmt.Errorf("%s: throughput and inventory must be non-negative", prefix)
		}
	}
	for i, s := range sc.Sinks {
		prefix := fmt.Sprintf("sinks[%d]", i)
		if err := claim(prefix, s.Name); err != nil {
			return err
		}
		if len(s.Commodities) == 0 {
			return fmt.Errorf("%s: at least one commodity required", prefix)
		}
		if s.Throughput < 0 || s.Capacity < 0 {
			return fmt.Errorf("%s: throughput and capacity must be non-negative", prefix)
		}
	}
	for i, m := range sc.Mixers {
		if err := claim(fmt.Sprintf("mixers[%d]", i), m.Name); err != nil {
			return err
		}
	}
	for i, r := range sc.Reactors {
		if err := claim(fmt.Sprintf("reactors[%d]", i), r.Name); err != nil {
			return err
		}
	}
	return nil
}

// RecipeBook normalizes the scenario recipes.
func (sc *Scenario) RecipeBook() resource.RecipeBook {
	book := make(resource.RecipeBook, len(sc.Recipes))
	for name, fractions := range sc.Recipes {
		book[name] = resource.NewComposition(fractions)
	}
	return book
}

// Build validates the scenario and wires its facilities into a Simulator.
// A positive horizon overrides the scenario's own; an empty level keeps the
// scenario's trace level.
func (sc *Scenario) Build(horizon int64, level trace.TraceLevel) (*sim.Simulator, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if horizon <= 0 {
		horizon = sc.Horizon
	}
	if level == "" {
		level = trace.TraceLevel(sc.Trace)
	}
	book := sc.RecipeBook()
	s := sim.NewSimulator(sim.SimConfig{
		Horizon:       horizon,
		Trace:         trace.TraceConfig{Level: level},
		SnapshotEvery: sc.SnapshotEvery,
	})

	for _, src := range sc.Sources {
		s.AddFacility(sim.NewSource(sim.SourceConfig{
			Name:       src.Name,
			Commodity:  src.Commodity,
			Recipe:     book[src.Recipe],
			Throughput: src.Throughput,
			Inventory:  src.Inventory,
		}))
	}
	for _, snk := range sc.Sinks {
		s.AddFacility(sim.NewSink(sim.SinkConfig{
			Name:        snk.Name,
			Commodities: snk.Commodities,
			Preference:  snk.Preference,
			Throughput:  snk.Throughput,
			Capacity:    snk.Capacity,
		}))
	}
	for i, ms := range sc.Mixers {
		cfg := mixer.Config{
			Name:          ms.Name,
			OutCommod:     ms.OutCommod,
			OutBufSize:    ms.OutBufSize,
			Throughput:    ms.Throughput,
			BatchHandling: ms.BatchHandling,
		}
		for _, st := range ms.Streams {
			stream := mixer.StreamConfig{Ratio: st.Ratio, BufSize: st.BufSize}
			for _, c := range st.Commodities {
				stream.Commodities = append(stream.Commodities, mixer.CommodityPref{Commodity: c.Commodity, Preference: c.Preference})
			}
			cfg.Streams = append(cfg.Streams, stream)
		}
		m, err := mixer.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("mixers[%d]: %w", i, err)
		}
		s.AddFacility(m)
	}
	for i, rs := range sc.Reactors {
		r, err := reactor.New(reactor.Config{
			Name:           rs.Name,
			FuelInCommods:  rs.FuelInCommods,
			FuelInRecipes:  rs.FuelInRecipes,
			FuelOutCommods: rs.FuelOutCommods,
			FuelOutRecipes: rs.FuelOutRecipes,
			FuelPrefs:      rs.FuelPrefs,
			Recipes:        book,
			AssemSize:      rs.AssemSize,
			NAssemCore:     rs.NAssemCore,
			NAssemBatch:    rs.NAssemBatch,
			NAssemFresh:    rs.NAssemFresh,
			NAssemSpent:    rs.NAssemSpent,
			CycleTime:      rs.CycleTime,
			RefuelTime:     rs.RefuelTime,
			PrefChanges:    rs.PrefChanges,
			RecipeChanges:  rs.RecipeChanges,
		})
		if err != nil {
			return nil, fmt.Errorf("reactors[%d]: %w", i, err)
		}
		s.AddFacility(r)
	}
	return s, nil
}
