package apmz

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Segment is one timed operation in a transaction's tree.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for readability over memory
type Segment struct {
	attributes map[Attr]any
	timer      *Timer
	trace      *Trace
	children   []*Segment // Guarded by trace.mu.
	name       string
	id         uint64
	parentID   uint64
	mu         sync.Mutex // Protects attributes.
}

// ID returns the segment's identifier, unique within its trace.
func (s *Segment) ID() uint64 {
	if s == nil {
		return 0
	}
	return s.id
}

// Name returns the segment name.
func (s *Segment) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// Trace returns the tree owning the segment.
func (s *Segment) Trace() *Trace {
	if s == nil {
		return nil
	}
	return s.trace
}

// Transaction returns the owning transaction.
func (s *Segment) Transaction() *Transaction {
	if s == nil {
		return nil
	}
	return s.trace.tx
}

// Parent returns the parent segment, nil for the root.
func (s *Segment) Parent() *Segment {
	if s == nil || s.parentID == 0 {
		return nil
	}
	p, _ := s.trace.Segment(s.parentID)
	return p
}

// Children returns a copy of the direct children in creation order.
func (s *Segment) Children() []*Segment {
	if s == nil {
		return nil
	}
	s.trace.mu.RLock()
	defer s.trace.mu.RUnlock()

	out := make([]*Segment, len(s.children))
	copy(out, s.children)
	return out
}

// CreateChild starts a new segment under s.
func (s *Segment) CreateChild(name Key) (*Segment, error) {
	if s == nil {
		return nil, ErrNoActiveTransaction
	}
	return s.trace.newSegment(s, name)
}

// Finish stops the segment's timer. A second call returns ErrAlreadyFinished
// and leaves the recorded duration untouched. On a nil segment, as returned
// alongside an error from StartSegment, it returns ErrNoActiveTransaction.
func (s *Segment) Finish() error {
	if s == nil {
		return ErrNoActiveTransaction
	}
	if err := s.timer.Stop(); err != nil {
		if errors.Is(err, ErrNotRunning) {
			return ErrAlreadyFinished
		}
		return err
	}
	return nil
}

// IsFinished reports whether Finish has been called.
func (s *Segment) IsFinished() bool {
	if s == nil {
		return false
	}
	return s.timer.IsStopped()
}

// StartTime returns when the segment was created.
func (s *Segment) StartTime() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.timer.StartedAt()
}

// EndTime returns when the segment finished, zero while running.
func (s *Segment) EndTime() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.timer.EndedAt()
}

// Duration returns the inclusive duration.
func (s *Segment) Duration() (time.Duration, error) {
	if s == nil {
		return 0, ErrNoActiveTransaction
	}
	return s.timer.Duration()
}

// DurationMillis returns the inclusive duration in milliseconds.
func (s *Segment) DurationMillis() (float64, error) {
	if s == nil {
		return 0, ErrNoActiveTransaction
	}
	return s.timer.DurationMillis()
}

// ExclusiveDuration returns the time not covered by any direct child.
// Children intervals are clipped to the segment's own interval and merged
// before subtraction, so overlapping children are only counted once.
// A child still running is treated as covering until the segment's end.
func (s *Segment) ExclusiveDuration() (time.Duration, error) {
	if s == nil {
		return 0, ErrNoActiveTransaction
	}
	start, end, ok := s.timer.interval()
	if !ok {
		_, err := s.timer.Duration()
		return 0, err
	}
	return exclusiveWithin(start, end, s.Children()), nil
}

// ExclusiveDurationMillis returns ExclusiveDuration in milliseconds.
func (s *Segment) ExclusiveDurationMillis() (float64, error) {
	d, err := s.ExclusiveDuration()
	if err != nil {
		return 0, err
	}
	return float64(d) / float64(time.Millisecond), nil
}

// window is a half-open [from, to) interval.
type window struct {
	from time.Time
	to   time.Time
}

func exclusiveWithin(start, end time.Time, children []*Segment) time.Duration {
	own := end.Sub(start)
	if own <= 0 || len(children) == 0 {
		return max(own, 0)
	}

	windows := make([]window, 0, len(children))
	for _, c := range children {
		from, to, ok := c.timer.interval()
		if !ok {
			to = end
		}
		if from.Before(start) {
			from = start
		}
		if to.After(end) {
			to = end
		}
		if to.After(from) {
			windows = append(windows, window{from: from, to: to})
		}
	}
	if len(windows) == 0 {
		return own
	}

	sort.Slice(windows, func(i, j int) bool {
		return windows[i].from.Before(windows[j].from)
	})

	var covered time.Duration
	cur := windows[0]
	for _, w := range windows[1:] {
		if !w.from.After(cur.to) {
			if w.to.After(cur.to) {
				cur.to = w.to
			}
			continue
		}
		covered += cur.to.Sub(cur.from)
		cur = w
	}
	covered += cur.to.Sub(cur.from)

	return max(own-covered, 0)
}

// AddAttribute sets key to value, overwriting any earlier value.
// Only scalar values (string, bool, integers, floats) are accepted.
func (s *Segment) AddAttribute(key Attr, value any) error {
	if s == nil {
		return ErrNoActiveTransaction
	}
	switch value.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
	default:
		return ErrInvalidAttribute
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attributes == nil {
		s.attributes = make(map[Attr]any)
	}
	s.attributes[key] = value
	return nil
}

// Attribute returns the value stored for key.
func (s *Segment) Attribute(key Attr) (any, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attributes == nil {
		return nil, false
	}
	v, ok := s.attributes[key]
	return v, ok
}

// Attributes returns a copy of all attributes.
func (s *Segment) Attributes() map[Attr]any {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[Attr]any, len(s.attributes))
	for k, v := range s.attributes {
		out[k] = v
	}
	return out
}

// Context returns a context derived from parent in which s is the active
// segment. Segments started from it become children of s.
func (s *Segment) Context(parent context.Context) context.Context {
	if s == nil {
		return parent
	}
	return withBundle(parent, &contextBundle{tx: s.trace.tx, segment: s})
}
