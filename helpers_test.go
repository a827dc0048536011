package apmz

import (
	"testing"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestAgent returns an agent on a fake clock with warnings captured.
func newTestAgent(t *testing.T, cfg Config, opts ...Option) (*Agent, *clockz.FakeClock, *observer.ObservedLogs) {
	t.Helper()

	clock := clockz.NewFakeClockAt(testEpoch)
	core, logs := observer.New(zap.DebugLevel)

	all := append([]Option{WithClock(clock), WithLogger(zap.New(core))}, opts...)
	agent := New(cfg, all...)
	t.Cleanup(func() { _ = agent.Close() })

	return agent, clock, logs
}

func mustChild(t *testing.T, parent *Segment, name string) *Segment {
	t.Helper()
	seg, err := parent.CreateChild(name)
	if err != nil {
		t.Fatalf("CreateChild(%q): %v", name, err)
	}
	return seg
}

func mustFinish(t *testing.T, seg *Segment) {
	t.Helper()
	if err := seg.Finish(); err != nil {
		t.Fatalf("Finish(%q): %v", seg.Name(), err)
	}
}

func mustExclusive(t *testing.T, seg *Segment) time.Duration {
	t.Helper()
	d, err := seg.ExclusiveDuration()
	if err != nil {
		t.Fatalf("ExclusiveDuration(%q): %v", seg.Name(), err)
	}
	return d
}
