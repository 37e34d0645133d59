// Package mixer implements a facility that blends N input commodity streams with
// fixed ratios into a single output stream.
//
// Each stream has its own input buffer. Every step the mixer requests, per stream,
// as much as its buffer can hold up to the stream's share of the throughput;
// after the exchange it mixes as much as the scarcest stream, the output space
// and the throughput allow, and offers the output buffer on its out-commodity.
package mixer

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/matflow-sim/sim"
	"github.com/inference-sim/matflow-sim/sim/exchange"
	"github.com/inference-sim/matflow-sim/sim/resource"
)

// ErrInvalidConfig wraps every configuration error returned by New.
var ErrInvalidConfig = errors.New("invalid mixer config")

// CommodityPref is one commodity a stream may be fed with.
type CommodityPref struct {
	Commodity  string
	Preference float64
}

// StreamConfig describes one input stream.
type StreamConfig struct {
	Ratio       float64         // relative weight in the mix
	BufSize     float64         // input buffer capacity in kg (> 0)
	Commodities []CommodityPref // candidates in preference order
}

// Config groups Mixer parameters. Zero OutBufSize and Throughput mean unbounded.
type Config struct {
	Name       string
	Streams    []StreamConfig
	OutCommod  string
	OutBufSize float64
	Throughput float64
	// BatchHandling requests streams other than the first only once the first
	// stream's buffer can feed a full-throughput step.
	BatchHandling bool
}

// Mixer is the ratio-constrained multi-stream blending facility.
type Mixer struct {
	cfg         Config
	ratios      []float64 // normalized to sum to 1
	maxRatio    float64
	streamNames []string
	streamBufs  map[string]*resource.Buffer
	output      *resource.Buffer

	// reqInventories maps this step's requests to the stream buffer they feed.
	reqInventories map[*exchange.Request]string
}

// StreamName returns the buffer name of stream i.
func StreamName(i int) string { return fmt.Sprintf("in_stream_%d", i) }

// OutputName is the name of the output buffer.
const OutputName = "output"

// New validates cfg and builds a Mixer.
func New(cfg Config) (*Mixer, error) {
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("mixer %q: %w", cfg.Name, err)
	}

	m := &Mixer{
		cfg:        cfg,
		ratios:     make([]float64, len(cfg.Streams)),
		streamBufs: make(map[string]*resource.Buffer, len(cfg.Streams)),
		output:     resource.NewBuffer(OutputName, cfg.OutBufSize),
	}

	sum := 0.0
	for _, s := range cfg.Streams {
		sum += s.Ratio
	}
	if math.Abs(sum-1) > 1e-9 {
		logrus.Warnf("mixer %q: mixing ratios sum to %g, normalizing to 1", cfg.Name, sum)
	}
	for i, s := range cfg.Streams {
		m.ratios[i] = s.Ratio / sum
		m.maxRatio = max(m.maxRatio, m.ratios[i])
		name := StreamName(i)
		m.streamNames = append(m.streamNames, name)
		m.streamBufs[name] = resource.NewBuffer(name, s.BufSize)
	}
	return m, nil
}

func validate(cfg *Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("name must be set: %w", ErrInvalidConfig)
	}
	if len(cfg.Streams) == 0 {
		return fmt.Errorf("at least one stream required: %w", ErrInvalidConfig)
	}
	if cfg.OutCommod == "" {
		return fmt.Errorf("out_commod must be set: %w", ErrInvalidConfig)
	}
	if cfg.OutBufSize < 0 || cfg.Throughput < 0 {
		return fmt.Errorf("out_buf_size and throughput must be >= 0: %w", ErrInvalidConfig)
	}
	if cfg.OutBufSize == 0 {
		cfg.OutBufSize = resource.Unbounded
	}
	if cfg.Throughput == 0 {
		cfg.Throughput = resource.Unbounded
	}
	for i, s := range cfg.Streams {
		if !(s.Ratio > 0) || math.IsInf(s.Ratio, 0) {
			return fmt.Errorf("stream[%d]: ratio must be a positive number, got %g: %w", i, s.Ratio, ErrInvalidConfig)
		}
		if !(s.BufSize > 0) {
			return fmt.Errorf("stream[%d]: buf_size must be > 0, got %g: %w", i, s.BufSize, ErrInvalidConfig)
		}
		if len(s.Commodities) == 0 {
			return fmt.Errorf("stream[%d]: at least one commodity required: %w", i, ErrInvalidConfig)
		}
		for _, c := range s.Commodities {
			if c.Commodity == "" {
				return fmt.Errorf("stream[%d]: empty commodity name: %w", i, ErrInvalidConfig)
			}
		}
	}
	return nil
}

// Name implements sim.Facility.
func (m *Mixer) Name() string { return m.cfg.Name }

// Ratios returns the normalized mixing ratios.
func (m *Mixer) Ratios() []float64 {
	out := make([]float64, len(m.ratios))
	copy(out, m.ratios)
	return out
}

// Stream returns the input buffer of stream i.
func (m *Mixer) Stream(i int) *resource.Buffer { return m.streamBufs[StreamName(i)] }

// Output returns the output buffer.
func (m *Mixer) Output() *resource.Buffer { return m.output }

// Buffers implements sim.BufferReporter.
func (m *Mixer) Buffers() []*resource.Buffer {
	out := make([]*resource.Buffer, 0, len(m.streamNames)+1)
	for _, name := range m.streamNames {
		out = append(out, m.streamBufs[name])
	}
	return append(out, m.output)
}

// requestQty is the amount stream i asks for this step.
func (m *Mixer) requestQty(i int) float64 {
	buf := m.streamBufs[m.streamNames[i]]
	qty := min(buf.Space(), m.ratios[i]/m.maxRatio*m.cfg.Throughput)
	if m.cfg.BatchHandling && i > 0 && !m.primaryReady() {
		return 0
	}
	return qty
}

// primaryReady reports whether stream 0 can feed a full-throughput step.
func (m *Mixer) primaryReady() bool {
	first := m.streamBufs[m.streamNames[0]]
	need := min(m.ratios[0]*m.cfg.Throughput, first.Capacity())
	return first.Quantity() >= need-resource.Eps
}

// Requests implements sim.StepRequester.
func (m *Mixer) Requests(ctx sim.StepContext) []*exchange.Portfolio {
	m.reqInventories = make(map[*exchange.Request]string)
	var ports []*exchange.Portfolio
	for i, name := range m.streamNames {
		qty := m.requestQty(i)
		if qty <= resource.Eps {
			continue
		}
		p := exchange.NewPortfolio(fmt.Sprintf("%s/%d/%s", m.cfg.Name, ctx.Now, name), m.cfg.Name, qty)
		for _, c := range m.cfg.Streams[i].Commodities {
			r := p.AddRequest(&exchange.Request{
				ID:         fmt.Sprintf("%s/%d/%s/%s", m.cfg.Name, ctx.Now, name, c.Commodity),
				Commodity:  c.Commodity,
				Quantity:   qty,
				Preference: c.Preference,
			})
			m.reqInventories[r] = name
		}
		ports = append(ports, p)
	}
	return ports
}

// AcceptTrades implements sim.TradeAcceptor.
func (m *Mixer) AcceptTrades(ctx sim.StepContext, trades []*exchange.Trade) error {
	for _, tr := range trades {
		name, ok := m.reqInventories[tr.Request]
		if !ok {
			return fmt.Errorf("trade %v does not answer a request of this step", tr)
		}
		if err := m.streamBufs[name].Push(tr.Batch); err != nil {
			return err
		}
	}
	return nil
}

// Tock implements sim.Tocker: the mix phase.
func (m *Mixer) Tock(ctx sim.StepContext) error {
	produced, err := m.Mix()
	if err != nil {
		return err
	}
	if produced > 0 {
		ctx.RecordPhase("MIX", fmt.Sprintf("%.6g kg", produced))
	} else if m.output.Space() <= resource.Eps {
		ctx.RecordStall("output-full", m.output.String())
	}
	return nil
}

// Mix blends as much as the streams, the output space and the throughput allow
// and returns the quantity produced. Producing nothing is not an error.
func (m *Mixer) Mix() (float64, error) {
	target := min(m.output.Space(), m.cfg.Throughput)
	for i, name := range m.streamNames {
		target = min(target, m.streamBufs[name].Quantity()/m.ratios[i])
	}
	if target <= resource.Eps {
		return 0, nil
	}

	var mixed *resource.Batch
	for i, name := range m.streamNames {
		popped, err := m.streamBufs[name].PopQty(m.ratios[i] * target)
		if err != nil {
			return 0, err
		}
		for _, b := range popped {
			if mixed == nil {
				mixed = b
				continue
			}
			mixed.Absorb(b)
		}
	}
	if mixed == nil {
		return 0, nil
	}
	if err := m.output.Push(mixed); err != nil {
		return 0, err
	}
	logrus.Debugf("mixer %q: mixed %.6g kg", m.cfg.Name, mixed.Quantity())
	return mixed.Quantity(), nil
}

// Offers implements sim.StepOfferer: the whole output buffer is for sale.
func (m *Mixer) Offers(ctx sim.StepContext) []*exchange.Offer {
	qty := m.output.Quantity()
	if qty <= resource.Eps {
		return nil
	}
	return []*exchange.Offer{{
		ID:        fmt.Sprintf("%s/%d/%s", m.cfg.Name, ctx.Now, OutputName),
		Commodity: m.cfg.OutCommod,
		Quantity:  qty,
	}}
}

// Fulfill implements sim.StepOfferer.
func (m *Mixer) Fulfill(ctx sim.StepContext, trades []*exchange.Trade) error {
	for _, tr := range trades {
		popped, err := m.output.PopQty(tr.Quantity)
		if err != nil {
			return err
		}
		if len(popped) == 0 {
			return fmt.Errorf("trade %v: nothing popped from %s", tr, m.output)
		}
		b := popped[0]
		for _, other := range popped[1:] {
			b.Absorb(other)
		}
		tr.Batch = b
	}
	return nil
}

// Snapshot implements sim.Snapshotter.
func (m *Mixer) Snapshot() (sim.FacilitySnapshot, error) {
	bufs := make(map[string][]resource.BatchState, len(m.streamBufs)+1)
	for name, buf := range m.streamBufs {
		bufs[name] = buf.Snapshot()
	}
	bufs[OutputName] = m.output.Snapshot()
	return sim.FacilitySnapshot{Facility: m.cfg.Name, Buffers: bufs}, nil
}

// Restore implements sim.Snapshotter. Buffers absent from snap are emptied.
func (m *Mixer) Restore(snap sim.FacilitySnapshot) error {
	for name := range snap.Buffers {
		if _, ok := m.streamBufs[name]; !ok && name != OutputName {
			return fmt.Errorf("unknown buffer %q", name)
		}
	}
	streams := make(map[string]*resource.Buffer, len(m.streamBufs))
	for name, buf := range m.streamBufs {
		next := resource.NewBuffer(name, buf.Capacity())
		if err := next.Restore(snap.Buffers[name]); err != nil {
			return fmt.Errorf("buffer %s: %w", name, err)
		}
		streams[name] = next
	}
	output := resource.NewBuffer(OutputName, m.output.Capacity())
	if err := output.Restore(snap.Buffers[OutputName]); err != nil {
		return fmt.Errorf("buffer %s: %w", OutputName, err)
	}
	m.streamBufs = streams
	m.output = output
	return nil
}

// DumpState implements sim.StateDumper.
func (m *Mixer) DumpState() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "mixer %s ratios=%v throughput=%g batch_handling=%v\n",
		m.cfg.Name, m.ratios, m.cfg.Throughput, m.cfg.BatchHandling)
	for _, buf := range m.Buffers() {
		fmt.Fprintf(&sb, "  %s\n", buf)
	}
	return sb.String()
}
