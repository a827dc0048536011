package apmz

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MetricSpec identifies an aggregate. An empty Scope is the unscoped rollup.
type MetricSpec struct {
	Name  string `json:"name"`
	Scope string `json:"scope,omitempty"`
}

// MetricEntry is one wire element: the spec paired with its values.
type MetricEntry struct {
	Spec  MetricSpec
	Stats Stats
}

// MarshalJSON encodes the entry as [spec, values].
func (e MetricEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Spec, e.Stats})
}

// metricBucket keeps the aggregates of one scope in insertion order.
type metricBucket struct {
	stats map[string]*Stats
	order []string
}

func newMetricBucket() *metricBucket {
	return &metricBucket{stats: make(map[string]*Stats)}
}

func (b *metricBucket) getOrCreate(name string) *Stats {
	if s, ok := b.stats[name]; ok {
		return s
	}
	s := &Stats{}
	b.stats[name] = s
	b.order = append(b.order, name)
	return s
}

// MetricTable maps (name, scope) to Stats.
// Safe for concurrent use by multiple goroutines.
type MetricTable struct {
	since    time.Time
	unscoped *metricBucket
	scoped   map[string]*metricBucket
	mu       sync.Mutex
}

// NewMetricTable creates an empty table whose collection window opens at since.
func NewMetricTable(since time.Time) *MetricTable {
	return &MetricTable{
		since:    since,
		unscoped: newMetricBucket(),
		scoped:   make(map[string]*metricBucket),
	}
}

func (m *MetricTable) bucket(scope string) *metricBucket {
	if scope == "" {
		return m.unscoped
	}
	b, ok := m.scoped[scope]
	if !ok {
		b = newMetricBucket()
		m.scoped[scope] = b
	}
	return b
}

// GetOrCreate returns the aggregate for the key, inserting a zero one if absent.
// The returned Stats is owned by the table: mutate it only while no other
// goroutine uses the table. Shared tables should be written through Measure.
func (m *MetricTable) GetOrCreate(name, scope string) *Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bucket(scope).getOrCreate(name)
}

// Measure records one sample against exactly the given key.
func (m *MetricTable) Measure(name, scope string, total, exclusive time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(scope).getOrCreate(name).Record(total, exclusive)
}

// Lookup returns a copy of the aggregate for the key.
func (m *MetricTable) Lookup(name, scope string) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b *metricBucket
	if scope == "" {
		b = m.unscoped
	} else if b = m.scoped[scope]; b == nil {
		return Stats{}, false
	}
	s, ok := b.stats[name]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// Merge folds every aggregate of other into m. Keys missing from m are
// appended in other's order. other is read under its own lock and left intact.
func (m *MetricTable) Merge(other *MetricTable) {
	if other == nil || other == m {
		return
	}
	entries, since := other.snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !since.IsZero() && (m.since.IsZero() || since.Before(m.since)) {
		m.since = since
	}
	for i := range entries {
		e := &entries[i]
		m.bucket(e.Spec.Scope).getOrCreate(e.Spec.Name).Merge(&e.Stats)
	}
}

// Len returns the number of distinct keys.
func (m *MetricTable) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.unscoped.order)
	for _, b := range m.scoped {
		n += len(b.order)
	}
	return n
}

// Since returns the start of the table's collection window.
func (m *MetricTable) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// Clone returns an independent deep copy.
func (m *MetricTable) Clone() *MetricTable {
	entries, since := m.snapshot()
	c := NewMetricTable(since)
	for i := range entries {
		*c.bucket(entries[i].Spec.Scope).getOrCreate(entries[i].Spec.Name) = entries[i].Stats
	}
	return c
}

// Entries returns the table in wire order: unscoped entries first in
// insertion order, then each scope (sorted by name) in insertion order.
// An empty table yields an empty, non-nil slice.
func (m *MetricTable) Entries() []MetricEntry {
	entries, _ := m.snapshot()
	return entries
}

// MarshalJSON encodes the table as an array of [spec, values] pairs.
func (m *MetricTable) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Entries())
}

func (m *MetricTable) snapshot() ([]MetricEntry, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.unscoped.order)
	scopes := make([]string, 0, len(m.scoped))
	for scope, b := range m.scoped {
		scopes = append(scopes, scope)
		n += len(b.order)
	}
	sort.Strings(scopes)

	entries := make([]MetricEntry, 0, n)
	for _, name := range m.unscoped.order {
		entries = append(entries, MetricEntry{
			Spec:  MetricSpec{Name: name},
			Stats: *m.unscoped.stats[name],
		})
	}
	for _, scope := range scopes {
		b := m.scoped[scope]
		for _, name := range b.order {
			entries = append(entries, MetricEntry{
				Spec:  MetricSpec{Name: name, Scope: scope},
				Stats: *b.stats[name],
			})
		}
	}
	return entries, m.since
}
