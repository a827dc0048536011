package apmz

import (
	"sync"
	"sync/atomic"
	"time"
)

// TraceCollector buffers finished trace snapshots for diagnostics export.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type TraceCollector struct {
	traces       []*TraceSnapshot
	tracesCh     chan *TraceSnapshot
	stopCh       chan struct{}
	done         chan struct{}
	droppedCount atomic.Int64
	limit        int
	mu           sync.Mutex
	closeOnce    sync.Once
	closed       atomic.Bool
	syncMode     atomic.Bool // Bypass channel for synchronous collection.
}

// NewTraceCollector creates a collector holding at most limit traces.
// When full, the oldest traces are evicted.
func NewTraceCollector(limit int) *TraceCollector {
	if limit <= 0 {
		limit = DefaultTraceBufferSize
	}
	c := &TraceCollector{
		limit:    limit,
		traces:   make([]*TraceSnapshot, 0, 8),
		tracesCh: make(chan *TraceSnapshot, limit),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.start()
	return c
}

// start runs the collector's main loop, receiving traces from the channel.
func (c *TraceCollector) start() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			// Drain remaining traces before shutdown.
			for {
				select {
				case ts := <-c.tracesCh:
					c.buffer(ts)
				default:
					return
				}
			}
		case ts := <-c.tracesCh:
			c.buffer(ts)
		}
	}
}

// Close shuts down the collector goroutine, keeping buffered traces.
func (c *TraceCollector) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopCh)
		select {
		case <-c.done:
		case <-time.After(100 * time.Millisecond):
		}
	})
}

// Collect queues a snapshot. If the queue is full or the collector is
// closed, the snapshot is dropped and counted.
func (c *TraceCollector) Collect(ts *TraceSnapshot) {
	if ts == nil || c.closed.Load() {
		c.droppedCount.Add(1)
		return
	}

	if c.syncMode.Load() {
		c.buffer(ts)
		return
	}

	select {
	case c.tracesCh <- ts:
	default:
		c.droppedCount.Add(1)
	}
}

// Handler returns a TransactionHandler that collects each ended transaction.
func (c *TraceCollector) Handler() TransactionHandler {
	return func(tx *Transaction) {
		c.Collect(tx.Snapshot())
	}
}

func (c *TraceCollector) buffer(ts *TraceSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.traces) >= c.limit {
		n := copy(c.traces, c.traces[1:])
		c.traces[n] = nil
		c.traces = c.traces[:n]
	}
	c.traces = append(c.traces, ts)
}

// Export returns all buffered traces, oldest first, and clears the buffer.
func (c *TraceCollector) Export() []*TraceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.traces) == 0 {
		return nil
	}
	out := c.traces
	c.traces = make([]*TraceSnapshot, 0, 8)
	return out
}

// Recent returns up to n buffered traces, newest first, without clearing.
// n <= 0 returns all of them.
func (c *TraceCollector) Recent(n int) []*TraceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 || n > len(c.traces) {
		n = len(c.traces)
	}
	out := make([]*TraceSnapshot, 0, n)
	for i := len(c.traces) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, c.traces[i])
	}
	return out
}

// Find returns the buffered trace of the given transaction.
func (c *TraceCollector) Find(transactionID string) (*TraceSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.traces) - 1; i >= 0; i-- {
		if c.traces[i].TransactionID == transactionID {
			return c.traces[i], true
		}
	}
	return nil, false
}

// Count returns the current number of buffered traces.
func (c *TraceCollector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.traces)
}

// DroppedCount returns the total number of traces dropped due to backpressure.
func (c *TraceCollector) DroppedCount() int64 {
	return c.droppedCount.Load()
}

// SetSyncMode enables synchronous collection for testing.
// When enabled, traces are buffered directly without using the channel.
func (c *TraceCollector) SetSyncMode(sync bool) {
	c.syncMode.Store(sync)
}

// Reset clears all buffered traces and resets the drop counter.
func (c *TraceCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.traces = c.traces[:0]
	c.droppedCount.Store(0)
}
