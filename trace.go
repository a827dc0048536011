package apmz

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

const rootSegmentID uint64 = 1

// Trace owns the segment tree of one transaction.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for readability over memory
type Trace struct {
	tx          *Transaction
	root        *Segment
	segments    map[uint64]*Segment
	clock       clockz.Clock
	logger      *zap.Logger
	nextID      uint64
	maxSegments int
	closed      bool
	mu          sync.RWMutex // Protects segments, nextID, closed and every children slice.
}

func newTrace(tx *Transaction, name Key, clock clockz.Clock, maxSegments int, logger *zap.Logger) *Trace {
	t := &Trace{
		tx:          tx,
		segments:    make(map[uint64]*Segment),
		clock:       clock,
		logger:      logger,
		nextID:      rootSegmentID,
		maxSegments: maxSegments,
	}
	t.root = &Segment{
		trace: t,
		id:    rootSegmentID,
		name:  name,
		timer: NewTimer(clock),
	}
	_ = t.root.timer.Start()
	t.segments[rootSegmentID] = t.root
	return t
}

func (t *Trace) newSegment(parent *Segment, name Key) (*Segment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrNoActiveTransaction
	}
	if t.maxSegments > 0 && len(t.segments) >= t.maxSegments {
		return nil, ErrSegmentLimit
	}

	t.nextID++
	seg := &Segment{
		trace:    t,
		id:       t.nextID,
		parentID: parent.id,
		name:     name,
		timer:    NewTimer(t.clock),
	}
	_ = seg.timer.Start()

	parent.children = append(parent.children, seg)
	t.segments[seg.id] = seg
	return seg, nil
}

// Root returns the root segment.
func (t *Trace) Root() *Segment {
	return t.root
}

// Segment returns the segment with the given id.
func (t *Trace) Segment(id uint64) (*Segment, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.segments[id]
	return s, ok
}

// GetChildren returns the direct children of a segment in creation order.
func (t *Trace) GetChildren(id uint64) ([]*Segment, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.segments[id]
	if !ok {
		return nil, ErrUnknownSegment
	}
	out := make([]*Segment, len(s.children))
	copy(out, s.children)
	return out, nil
}

// Len returns the number of segments ever created, root included.
func (t *Trace) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.segments)
}

// Depth returns the depth of the deepest segment; the root alone is 1.
func (t *Trace) Depth() int {
	deepest := 0
	t.Walk(func(_ *Segment, depth int) bool {
		if depth > deepest {
			deepest = depth
		}
		return true
	})
	return deepest
}

type walkFrame struct {
	seg   *Segment
	depth int
}

// Walk visits segments depth-first in pre-order, children in creation order.
// It stops when fn returns false. The walk uses an explicit stack, so tree
// shape does not affect goroutine stack depth. fn runs without the trace lock
// held and may create segments; those may or may not be visited.
func (t *Trace) Walk(fn func(seg *Segment, depth int) bool) {
	stack := []walkFrame{{seg: t.root, depth: 1}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !fn(top.seg, top.depth) {
			return
		}

		t.mu.RLock()
		children := top.seg.children
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, walkFrame{seg: children[i], depth: top.depth + 1})
		}
		t.mu.RUnlock()
	}
}

// complete closes the tree and records a metric for every segment.
// Segments still running are finished at the root's end time and reported
// as warnings. Segments whose durations cannot be read are skipped so the
// rest of the tree still reports.
func (t *Trace) complete() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	rootEnd := t.root.EndTime()
	if rootEnd.IsZero() {
		rootEnd = t.clock.Now()
	}

	t.Walk(func(seg *Segment, _ int) bool {
		if seg.IsFinished() {
			return true
		}
		if err := seg.timer.stopAt(rootEnd); err == nil {
			t.logger.Warn("segment not finished before transaction end",
				zap.String("transaction", t.tx.ID()),
				zap.String("segment", seg.Name()),
				zap.Uint64("segment_id", seg.ID()),
			)
		}
		return true
	})

	txName := t.tx.Name()
	t.Walk(func(seg *Segment, _ int) bool {
		total, err := seg.Duration()
		if err != nil {
			t.logger.Warn("skipping segment metric",
				zap.String("segment", seg.Name()),
				zap.Error(err),
			)
			return true
		}
		exclusive, err := seg.ExclusiveDuration()
		if err != nil {
			exclusive = total
		}

		if seg == t.root {
			t.tx.record(txName, "", total, exclusive)
		} else {
			t.tx.record(seg.Name(), txName, total, exclusive)
		}
		return true
	})
}

// SegmentSnapshot is an immutable view of one segment.
type SegmentSnapshot struct {
	Start      time.Time     `json:"start_time"`
	End        time.Time     `json:"end_time"`
	Attributes map[Attr]any  `json:"attributes,omitempty"`
	Name       string        `json:"name"`
	Children   []uint64      `json:"children,omitempty"`
	ID         uint64        `json:"id"`
	ParentID   uint64        `json:"parent_id,omitempty"`
	Duration   time.Duration `json:"duration"`
	Exclusive  time.Duration `json:"exclusive_duration"`
	Finished   bool          `json:"finished"`
}

// TraceSnapshot is an immutable copy of a trace for export and diagnostics.
// Segments are in pre-order; the first is the root.
type TraceSnapshot struct {
	index         map[uint64]int
	TransactionID string            `json:"transaction_id"`
	Name          string            `json:"name"`
	Segments      []SegmentSnapshot `json:"segments"`
}

// Snapshot copies the current state of the tree.
func (t *Trace) Snapshot() *TraceSnapshot {
	ts := &TraceSnapshot{
		index:         make(map[uint64]int),
		TransactionID: t.tx.ID(),
		Name:          t.tx.Name(),
	}

	t.Walk(func(seg *Segment, _ int) bool {
		children := seg.Children()
		snap := SegmentSnapshot{
			Start:      seg.StartTime(),
			End:        seg.EndTime(),
			Attributes: seg.Attributes(),
			Name:       seg.Name(),
			ID:         seg.ID(),
			ParentID:   seg.parentID,
			Finished:   seg.IsFinished(),
		}
		if len(children) > 0 {
			snap.Children = make([]uint64, len(children))
			for i, c := range children {
				snap.Children[i] = c.ID()
			}
		}
		if d, err := seg.Duration(); err == nil {
			snap.Duration = d
		}
		if d, err := seg.ExclusiveDuration(); err == nil {
			snap.Exclusive = d
		}

		ts.index[snap.ID] = len(ts.Segments)
		ts.Segments = append(ts.Segments, snap)
		return true
	})
	return ts
}

// Segment returns the snapshot of the segment with the given id.
func (ts *TraceSnapshot) Segment(id uint64) (SegmentSnapshot, bool) {
	i, ok := ts.index[id]
	if !ok {
		return SegmentSnapshot{}, false
	}
	return ts.Segments[i], true
}

// GetChildren returns the snapshots of a segment's direct children in
// creation order.
func (ts *TraceSnapshot) GetChildren(id uint64) ([]SegmentSnapshot, error) {
	parent, ok := ts.Segment(id)
	if !ok {
		return nil, ErrUnknownSegment
	}
	out := make([]SegmentSnapshot, 0, len(parent.Children))
	for _, cid := range parent.Children {
		if c, ok := ts.Segment(cid); ok {
			out = append(out, c)
		}
	}
	return out, nil
}
