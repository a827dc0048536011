package apmz

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// HarvestState is a phase of the harvest cycle.
type HarvestState int32

const (
	// StateCollecting: the live table accepts samples; nothing is draining.
	StateCollecting HarvestState = iota
	// StateDraining: a swapped-out table is being transmitted.
	StateDraining
	// StateTransmitOK: the drained table was delivered and discarded.
	StateTransmitOK
	// StateTransmitFailed: the drained table was merged back into the live table.
	StateTransmitFailed
)

func (s HarvestState) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateDraining:
		return "draining"
	case StateTransmitOK:
		return "transmit_ok"
	case StateTransmitFailed:
		return "transmit_failed"
	}
	return "unknown"
}

// Payload is one harvest's worth of metrics.
type Payload struct {
	Begin   time.Time     `json:"begin"`
	End     time.Time     `json:"end"`
	Metrics []MetricEntry `json:"metrics"`
}

// Transmitter delivers a harvested payload. A non-nil error means the
// payload was not accepted and its metrics will be merged back.
type Transmitter interface {
	Transmit(ctx context.Context, payload *Payload) error
}

// TransmitterFunc adapts a function to Transmitter.
type TransmitterFunc func(ctx context.Context, payload *Payload) error

// Transmit calls f.
func (f TransmitterFunc) Transmit(ctx context.Context, payload *Payload) error {
	return f(ctx, payload)
}

// LogTransmitter writes payloads to a logger and always succeeds.
type LogTransmitter struct {
	Logger *zap.Logger
}

// Transmit logs the payload at debug level.
func (l LogTransmitter) Transmit(_ context.Context, payload *Payload) error {
	if l.Logger == nil {
		return nil
	}
	l.Logger.Debug("harvest payload",
		zap.Time("begin", payload.Begin),
		zap.Time("end", payload.End),
		zap.Int("metrics", len(payload.Metrics)),
		zap.Reflect("data", payload.Metrics),
	)
	return nil
}

// Harvester periodically swaps the live metric table for an empty one and
// transmits the old table. Undelivered tables are merged into whichever
// table is live when the failure is observed.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for readability over memory
type Harvester struct {
	live        *MetricTable
	transmitter Transmitter
	clock       clockz.Clock
	logger      *zap.Logger
	onState     func(HarvestState)
	stopCh      chan struct{}
	done        chan struct{}
	interval    time.Duration
	timeout     time.Duration
	liveMu      sync.RWMutex // Recorders hold it shared; the swap holds it exclusively.
	harvestMu   sync.Mutex   // Serializes harvest cycles.
	stopOnce    sync.Once
	state       atomic.Int32
	lastResult  atomic.Int32
	cycles      atomic.Uint64
	failures    atomic.Uint64
	running     atomic.Bool
}

// NewHarvester creates a harvester. Nil clock and logger fall back to the
// real clock and a no-op logger.
func NewHarvester(t Transmitter, cfg Config, clock clockz.Clock, logger *zap.Logger) *Harvester {
	if clock == nil {
		clock = clockz.RealClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if t == nil {
		t = LogTransmitter{Logger: logger}
	}
	cfg = cfg.withDefaults()

	return &Harvester{
		live:        NewMetricTable(clock.Now()),
		transmitter: t,
		clock:       clock,
		logger:      logger,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		interval:    cfg.HarvestInterval,
		timeout:     cfg.TransmitTimeout,
	}
}

// OnStateChange registers a function called on every state transition.
// Must be set before the harvester is used.
func (h *Harvester) OnStateChange(fn func(HarvestState)) {
	h.onState = fn
}

func (h *Harvester) setState(s HarvestState) {
	h.state.Store(int32(s))
	if h.onState != nil {
		h.onState(s)
	}
}

// State returns the current phase.
func (h *Harvester) State() HarvestState {
	return HarvestState(h.state.Load())
}

// LastResult returns the outcome of the most recent cycle, or
// StateCollecting if no cycle has completed.
func (h *Harvester) LastResult() HarvestState {
	return HarvestState(h.lastResult.Load())
}

// Cycles returns the number of harvest cycles run.
func (h *Harvester) Cycles() uint64 {
	return h.cycles.Load()
}

// Failures returns the number of cycles whose transmission failed.
func (h *Harvester) Failures() uint64 {
	return h.failures.Load()
}

// Measure records one sample into the live table.
func (h *Harvester) Measure(name, scope string, total, exclusive time.Duration) {
	h.liveMu.RLock()
	defer h.liveMu.RUnlock()
	h.live.Measure(name, scope, total, exclusive)
}

// MergeTable folds t into the live table.
func (h *Harvester) MergeTable(t *MetricTable) {
	h.liveMu.RLock()
	defer h.liveMu.RUnlock()
	h.live.Merge(t)
}

// Snapshot returns a copy of the live table without draining it.
func (h *Harvester) Snapshot() *MetricTable {
	h.liveMu.RLock()
	defer h.liveMu.RUnlock()
	return h.live.Clone()
}

// swap replaces the live table, returning the old one. Every recorder that
// got the old table has finished with it by the time swap returns.
func (h *Harvester) swap() *MetricTable {
	fresh := NewMetricTable(h.clock.Now())

	h.liveMu.Lock()
	defer h.liveMu.Unlock()

	old := h.live
	h.live = fresh
	return old
}

// Harvest runs one cycle: swap, transmit, and merge back on failure.
// The transmit error, if any, is returned after merge-back.
func (h *Harvester) Harvest(ctx context.Context) error {
	h.harvestMu.Lock()
	defer h.harvestMu.Unlock()

	h.cycles.Add(1)
	draining := h.swap()
	h.setState(StateDraining)

	if draining.Len() == 0 {
		h.finishCycle(StateTransmitOK)
		return nil
	}

	payload := &Payload{
		Begin:   draining.Since(),
		End:     h.clock.Now(),
		Metrics: draining.Entries(),
	}

	tctx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.transmit(tctx, payload)
	cancel()

	if err != nil {
		h.failures.Add(1)
		h.MergeTable(draining)
		h.logger.Warn("harvest transmit failed, metrics merged back",
			zap.Int("metrics", len(payload.Metrics)),
			zap.Time("begin", payload.Begin),
			zap.Error(err),
		)
		h.finishCycle(StateTransmitFailed)
		return fmt.Errorf("apmz: harvest: %w", err)
	}

	h.logger.Debug("harvest transmitted",
		zap.Int("metrics", len(payload.Metrics)),
		zap.Duration("window", payload.End.Sub(payload.Begin)),
	)
	h.finishCycle(StateTransmitOK)
	return nil
}

func (h *Harvester) finishCycle(result HarvestState) {
	h.lastResult.Store(int32(result))
	h.setState(result)
	h.setState(StateCollecting)
}

// transmit shields the cycle from transmitter panics.
func (h *Harvester) transmit(ctx context.Context, payload *Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transmitter panicked: %v", r)
		}
	}()
	return h.transmitter.Transmit(ctx, payload)
}

// Start runs Harvest every interval until Stop is called.
func (h *Harvester) Start() {
	if !h.running.CompareAndSwap(false, true) {
		return
	}
	go h.run()
}

func (h *Harvester) run() {
	defer close(h.done)

	for {
		select {
		case <-h.stopCh:
			return
		case <-h.clock.After(h.interval):
			// Errors are logged by Harvest and retried next cycle.
			_ = h.Harvest(context.Background())
		}
	}
}

// Stop ends the harvest loop and runs a final harvest.
func (h *Harvester) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		if h.running.Load() {
			<-h.done
		}
	})
	return h.Harvest(ctx)
}
