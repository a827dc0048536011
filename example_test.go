package apmz_test

import (
	"context"
	"fmt"
	"time"

	"github.com/zoobzio/apmz"
	"github.com/zoobzio/clockz"
)

func Example() {
	clock := clockz.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	agent := apmz.New(apmz.DefaultConfig(), apmz.WithClock(clock))
	defer agent.Close()

	ctx, tx := agent.StartTransaction(context.Background(), "WebTransaction/checkout")

	_, seg, _ := apmz.StartSegment(ctx, "Datastore/orders/select")
	clock.Advance(250 * time.Millisecond)
	_ = seg.Finish()

	clock.Advance(250 * time.Millisecond)
	_ = tx.End()

	s, _ := agent.Harvester().Snapshot().Lookup("Datastore/orders/select", "WebTransaction/checkout")
	data, _ := s.MarshalJSON()
	fmt.Println(string(data))

	root, _ := agent.Harvester().Snapshot().Lookup("WebTransaction/checkout", "")
	fmt.Println(root.Total, root.TotalExclusive)
	// Output:
	// [1,0.25,0.25,0.25,0.25,0.0625]
	// 500ms 250ms
}

func ExampleWithActiveSegment() {
	agent := apmz.New(apmz.DefaultConfig())
	defer agent.Close()

	ctx, tx := agent.StartTransaction(context.Background(), "OtherTransaction/job")
	defer tx.End()

	ctx, parent, _ := apmz.StartSegment(ctx, "Custom/parent")
	defer parent.Finish()

	// Work that should not nest under the current segment.
	detached := apmz.WithActiveSegment(ctx, nil)
	_, seg, _ := apmz.StartSegment(detached, "Custom/background")
	_ = seg.Finish()

	fmt.Println(seg.Parent().Name())
	// Output: OtherTransaction/job
}

func ExampleTraceCollector() {
	agent := apmz.New(apmz.DefaultConfig())
	defer agent.Close()

	collector := apmz.NewTraceCollector(16)
	collector.SetSyncMode(true)
	defer collector.Close()
	agent.OnTransactionEnd(collector.Handler())

	ctx, tx := agent.StartTransaction(context.Background(), "WebTransaction/search")
	for _, name := range []string{"External/index", "External/rank"} {
		_, seg, _ := apmz.StartSegment(ctx, name)
		_ = seg.Finish()
	}
	_ = tx.End()

	ts, _ := collector.Find(tx.ID())
	children, _ := ts.GetChildren(tx.Root().ID())
	for _, c := range children {
		fmt.Println(c.Name)
	}
	// Output:
	// External/index
	// External/rank
}
