package apmz

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Transaction is one logical unit of work and the owner of a segment tree.
// Metrics recorded during the transaction stay private until End merges
// them into the agent's harvester.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for readability over memory
type Transaction struct {
	agent    *Agent
	trace    *Trace
	metrics  *MetricTable
	snapshot *TraceSnapshot
	id       string
	name     string
	mu       sync.RWMutex // Protects name and snapshot; orders Measure against End.
	ended    atomic.Bool
}

// StartTransaction begins a transaction and returns a context carrying it
// with the root segment active.
func (a *Agent) StartTransaction(ctx context.Context, name Key) (context.Context, *Transaction) {
	if ctx == nil {
		ctx = context.Background()
	}

	tx := &Transaction{
		agent:   a,
		id:      a.generateTransactionID(),
		name:    name,
		metrics: NewMetricTable(a.clock.Now()),
	}
	tx.trace = newTrace(tx, name, a.clock, a.config.MaxSegments, a.logger)

	return WithTransaction(ctx, tx), tx
}

// ID returns the transaction identifier.
func (tx *Transaction) ID() string {
	return tx.id
}

// Name returns the transaction name, used as the scope of segment metrics.
func (tx *Transaction) Name() string {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return tx.name
}

// SetName renames the transaction. Names are frozen once End is called.
func (tx *Transaction) SetName(name string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.ended.Load() {
		return ErrTransactionEnded
	}
	tx.name = name
	return nil
}

// Trace returns the segment tree.
func (tx *Transaction) Trace() *Trace {
	return tx.trace
}

// Root returns the root segment.
func (tx *Transaction) Root() *Segment {
	return tx.trace.root
}

// NumSegments returns the number of segments created, root included.
func (tx *Transaction) NumSegments() int {
	return tx.trace.Len()
}

// IsEnded reports whether End has been called.
func (tx *Transaction) IsEnded() bool {
	return tx.ended.Load()
}

// Duration returns the root segment's duration.
func (tx *Transaction) Duration() (time.Duration, error) {
	return tx.trace.root.Duration()
}

// CreateSegment starts a segment directly under the root.
// Use StartSegment to attach to the active segment of a context.
func (tx *Transaction) CreateSegment(name Key) (*Segment, error) {
	if tx == nil || tx.ended.Load() {
		return nil, ErrNoActiveTransaction
	}
	return tx.trace.root.CreateChild(name)
}

// Measure records a sample into the transaction's metrics. A scoped sample
// also records the unscoped rollup of the same name.
func (tx *Transaction) Measure(name, scope string, total, exclusive time.Duration) error {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	if tx.ended.Load() {
		return ErrTransactionEnded
	}
	tx.record(name, scope, total, exclusive)
	return nil
}

// Metrics returns a copy of the metrics recorded so far.
func (tx *Transaction) Metrics() *MetricTable {
	return tx.metrics.Clone()
}

func (tx *Transaction) record(name, scope string, total, exclusive time.Duration) {
	tx.metrics.Measure(name, scope, total, exclusive)
	if scope != "" {
		tx.metrics.Measure(name, "", total, exclusive)
	}
}

// End finishes the root segment, completes the trace, hands the
// transaction's metrics to the harvester and notifies handlers.
// A second call returns ErrAlreadyFinished.
func (tx *Transaction) End() error {
	tx.mu.Lock()
	if !tx.ended.CompareAndSwap(false, true) {
		tx.mu.Unlock()
		return ErrAlreadyFinished
	}
	tx.mu.Unlock()

	if err := tx.trace.root.Finish(); err != nil && !errors.Is(err, ErrAlreadyFinished) {
		tx.agent.logger.Warn("finishing root segment", zap.String("transaction", tx.id), zap.Error(err))
	}
	tx.trace.complete()

	snap := tx.trace.Snapshot()
	tx.mu.Lock()
	tx.snapshot = snap
	tx.mu.Unlock()

	if tx.agent.IsClosed() {
		tx.agent.logger.Warn("transaction ended after agent close, metrics will not be harvested",
			zap.String("transaction", tx.id))
	}
	tx.agent.harvester.MergeTable(tx.metrics)
	tx.agent.executeHandlers(tx)
	return nil
}

// Snapshot returns an immutable copy of the trace. After End the same
// snapshot is returned on every call.
func (tx *Transaction) Snapshot() *TraceSnapshot {
	tx.mu.RLock()
	snap := tx.snapshot
	tx.mu.RUnlock()
	if snap != nil {
		return snap
	}
	return tx.trace.Snapshot()
}
