// Package sim provides the time-stepped material-flow simulation kernel.
//
// # Reading Guide
//
// Start with these files to understand the kernel:
//   - facility.go: the capability interfaces a facility may implement and the
//     StepContext handed to every per-step call
//   - simulator.go: the step loop (Tick, exchange, Tock) and snapshots
//   - source.go / sink.go: collaborator facilities that create and absorb material
//
// # Architecture
//
// The sim package defines interfaces and the driver; the material model and the
// facility archetypes live in sub-packages:
//   - sim/resource/: compositions, batches and capacity-bounded buffers
//   - sim/exchange/: request portfolios, offers, trades and the greedy matcher
//   - sim/mixer/: the ratio-constrained multi-stream Mixer
//   - sim/reactor/: the cyclic batch Reactor with preference/recipe timelines
//   - sim/trace/: trade, stall and phase recording
//   - sim/store/: SQLite persistence of trades and snapshots
//   - sim/telemetry/: Prometheus metrics
//
// # Step Ordering
//
// Within one step every facility ticks, then one exchange resolves all requests
// against all offers (suppliers fulfil before requesters accept), then every
// facility tocks. Across facilities the only ordering guarantee is insertion
// order, which facilities must not rely on.
package sim
