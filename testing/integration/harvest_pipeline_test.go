package integration

import (
	"context"
	"testing"
	"time"

	"github.com/zoobzio/apmz"
)

func runOrder(h *Harness, d time.Duration) {
	ctx, tx := h.Agent.StartTransaction(context.Background(), "WebTransaction/order")
	h.Step(ctx, "Datastore/orders/insert", d)
	_ = tx.End()
}

func TestHarvestAcrossOutage(t *testing.T) {
	h := NewHarness(t, apmz.DefaultConfig())

	runOrder(h, 250*time.Millisecond)
	runOrder(h, 500*time.Millisecond)

	h.SetFailing(true)
	if err := h.Harvest(); err == nil {
		t.Fatal("harvest should fail during outage")
	}
	if len(h.Delivered()) != 0 {
		t.Fatal("nothing should be delivered during outage")
	}
	if h.Logs.FilterMessage("harvest transmit failed, metrics merged back").Len() != 1 {
		t.Error("merge-back should be logged")
	}

	runOrder(h, 250*time.Millisecond)

	h.SetFailing(false)
	if err := h.Harvest(); err != nil {
		t.Fatalf("Harvest: %v", err)
	}

	got := h.Delivered()
	AssertMetric(t, got, "WebTransaction/order", "", 3, 1)
	AssertMetric(t, got, "Datastore/orders/insert", "WebTransaction/order", 3, 1)
	s := got[apmz.MetricSpec{Name: "Datastore/orders/insert", Scope: "WebTransaction/order"}]
	if s.Min != 250*time.Millisecond || s.Max != 500*time.Millisecond {
		t.Errorf("min/max = %v/%v, want 250ms/500ms", s.Min, s.Max)
	}
	if s.SumOfSquares() != 0.375 {
		t.Errorf("SumOfSquares = %v, want 0.375", s.SumOfSquares())
	}
}

func TestHarvestLoopOnFakeClock(t *testing.T) {
	h := NewHarness(t, apmz.Config{HarvestInterval: time.Minute})
	h.Agent.Start()

	runOrder(h, time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for len(h.Delivered()) == 0 && time.Now().Before(deadline) {
		h.Clock.Advance(time.Minute)
		time.Sleep(5 * time.Millisecond)
	}
	if len(h.Delivered()) == 0 {
		t.Fatal("periodic harvest did not deliver")
	}
}

func TestImplicitFinishReported(t *testing.T) {
	h := NewHarness(t, apmz.DefaultConfig())

	ctx, tx := h.Agent.StartTransaction(context.Background(), "WebTransaction/leak")
	_, _, _ = apmz.StartSegment(ctx, "External/never-finished")
	h.Clock.Advance(100 * time.Millisecond)
	_ = tx.End()

	if h.Logs.FilterMessage("segment not finished before transaction end").Len() != 1 {
		t.Error("implicit finish should be logged")
	}

	_ = h.Harvest()
	AssertMetric(t, h.Delivered(), "External/never-finished", "WebTransaction/leak", 1, 0.1)
}

func TestSegmentLimitGuardRail(t *testing.T) {
	h := NewHarness(t, apmz.Config{MaxSegments: 10})

	ctx, tx := h.Agent.StartTransaction(context.Background(), "WebTransaction/loop")
	created := 0
	for i := 0; i < 50; i++ {
		if _, seg, err := apmz.StartSegment(ctx, "Datastore/row"); err == nil {
			created++
			_ = seg.Finish()
		}
	}
	_ = tx.End()

	if created != 9 {
		t.Errorf("created %d segments, want 9 (root counts toward the limit)", created)
	}
}
