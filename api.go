// Package apmz records transaction traces and rolls them into mergeable
// metric aggregates for periodic harvest.
//
// Core Components:
//   - Agent: Creates transactions, owns the harvester and completion handlers.
//   - Transaction: One unit of work with a segment tree and private metrics.
//   - Segment: A timed operation in the tree.
//   - Stats / MetricTable: Mergeable aggregates keyed by metric name and scope.
//   - Harvester: Swaps out the live table on each cycle and merges it back
//     if transmission fails.
//   - TraceCollector: Buffers finished traces for diagnostics.
//
// Basic Usage:
//
//	agent := apmz.New(apmz.DefaultConfig(), apmz.WithTransmitter(t))
//	agent.Start()
//	defer agent.Close()
//
//	ctx, tx := agent.StartTransaction(ctx, "WebTransaction/checkout")
//	defer tx.End()
//
//	ctx, seg, err := apmz.StartSegment(ctx, "Datastore/orders/select")
//	if err == nil {
//		defer seg.Finish()
//	}
//
// Context Propagation:
//
// The active segment travels in context.Context. A goroutine started with
// a context derived from StartSegment attaches its segments under that
// segment, independent of what sibling goroutines do.
//
// Timing:
//
// Exclusive time of a segment is its own interval minus the union of its
// direct children's intervals. Overlapping children are not double counted.
//
// Harvest:
//
// Metrics from ended transactions merge into the harvester's live table.
// Each cycle swaps it for an empty table and transmits the old one; on
// failure the old table is merged into the current live table, so samples
// are neither lost nor double counted.
//
// Resource Cleanup:
//
// Call agent.Close() to stop the harvest loop (with a final harvest) and
// the handler worker pool.
package apmz

// Key represents a segment or transaction name.
type Key = string

// Attr represents a segment attribute key.
type Attr = string
