package integration

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/apmz"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Harness bundles an agent on a fake clock with a synchronous trace
// collector and a transmitter that keeps every delivered payload.
//
//nolint:govet // Field alignment optimized for test helper readability
type Harness struct {
	Agent     *apmz.Agent
	Clock     *clockz.FakeClock
	Collector *apmz.TraceCollector
	Logs      *observer.ObservedLogs
	payloads  []*apmz.Payload
	failing   bool
	t         *testing.T
	mu        sync.Mutex
}

// NewHarness creates a harness and registers cleanup with t.
func NewHarness(t *testing.T, cfg apmz.Config) *Harness {
	t.Helper()

	h := &Harness{
		Clock:     clockz.NewFakeClockAt(epoch),
		Collector: apmz.NewTraceCollector(1024),
		t:         t,
	}
	h.Collector.SetSyncMode(true)

	core, logs := observer.New(zap.DebugLevel)
	h.Logs = logs

	h.Agent = apmz.New(cfg,
		apmz.WithClock(h.Clock),
		apmz.WithLogger(zap.New(core)),
		apmz.WithTransmitter(apmz.TransmitterFunc(h.transmit)),
	)
	h.Agent.OnTransactionEnd(h.Collector.Handler())

	t.Cleanup(func() {
		_ = h.Agent.Close()
		h.Collector.Close()
	})
	return h
}

func (h *Harness) transmit(_ context.Context, p *apmz.Payload) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failing {
		return context.DeadlineExceeded
	}
	h.payloads = append(h.payloads, p)
	return nil
}

// SetFailing makes the transmitter reject payloads.
func (h *Harness) SetFailing(failing bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failing = failing
}

// Delivered sums every delivered payload by metric spec.
func (h *Harness) Delivered() map[apmz.MetricSpec]apmz.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[apmz.MetricSpec]apmz.Stats)
	for _, p := range h.payloads {
		for _, e := range p.Metrics {
			s := out[e.Spec]
			s.Merge(&e.Stats)
			out[e.Spec] = s
		}
	}
	return out
}

// Harvest runs one harvest cycle.
func (h *Harness) Harvest() error {
	return h.Agent.Harvester().Harvest(context.Background())
}

// Step starts a segment under ctx, advances the clock by d and finishes it.
func (h *Harness) Step(ctx context.Context, name string, d time.Duration) {
	h.t.Helper()
	_, seg, err := apmz.StartSegment(ctx, name)
	if err != nil {
		h.t.Fatalf("StartSegment(%q): %v", name, err)
	}
	h.Clock.Advance(d)
	if err := seg.Finish(); err != nil {
		h.t.Fatalf("Finish(%q): %v", name, err)
	}
}

// TreeString renders a snapshot as indented names, one per line.
func TreeString(ts *apmz.TraceSnapshot) string {
	if len(ts.Segments) == 0 {
		return ""
	}
	var b strings.Builder
	var write func(id uint64, depth int)
	write = func(id uint64, depth int) {
		seg, ok := ts.Segment(id)
		if !ok {
			return
		}
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(seg.Name)
		b.WriteByte('\n')
		for _, c := range seg.Children {
			write(c, depth+1)
		}
	}
	write(ts.Segments[0].ID, 0)
	return b.String()
}

// AssertMetric checks call count and total seconds of one aggregate.
func AssertMetric(t *testing.T, got map[apmz.MetricSpec]apmz.Stats, name, scope string, count int64, total float64) {
	t.Helper()
	s, ok := got[apmz.MetricSpec{Name: name, Scope: scope}]
	if !ok {
		t.Errorf("metric %s [%s] missing", name, scope)
		return
	}
	if got := s.Values()[1]; s.CallCount != count || got != total {
		t.Errorf("metric %s [%s] = count %d total %v, want count %d total %v",
			name, scope, s.CallCount, got, count, total)
	}
}
