package reliability

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/apmz"
)

// Agent lifecycle tests - verify startup, operation and cleanup of agents,
// their harvest loops and handler worker pools.

func TestAgentLifecycle(t *testing.T) {
	config := getReliabilityConfig()

	switch config.Level {
	case "basic":
		t.Run("startup_shutdown", testStartupShutdown)
		t.Run("close_with_open_transactions", testCloseWithOpenTransactions)
	case "stress":
		t.Run("rapid_cycling", testRapidCycling)
		t.Run("concurrent_lifecycle", func(t *testing.T) { testConcurrentLifecycle(t, config) })
	default:
		t.Skip("APMZ_RELIABILITY_LEVEL not set, skipping reliability tests")
	}
}

func testStartupShutdown(t *testing.T) {
	agent := apmz.New(apmz.Config{HarvestInterval: 10 * time.Millisecond})
	agent.Start()

	ctx, tx := agent.StartTransaction(context.Background(), "startup")
	_, seg, err := apmz.StartSegment(ctx, "child")
	if err != nil {
		t.Fatalf("StartSegment: %v", err)
	}
	_ = seg.Finish()
	_ = tx.End()

	if err := agent.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}

	// Post-close operations should not panic.
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("Panic after agent close: %v", r)
			}
		}()
		_, tx := agent.StartTransaction(context.Background(), "post-close")
		_ = tx.End()
		_ = agent.Close()
	}()
}

func testCloseWithOpenTransactions(t *testing.T) {
	agent := apmz.New(apmz.DefaultConfig())

	txs := make([]*apmz.Transaction, 50)
	for i := range txs {
		_, txs[i] = agent.StartTransaction(context.Background(), "open")
	}
	_ = agent.Close()

	// Transactions ending after Close still complete their trees.
	for _, tx := range txs {
		if err := tx.End(); err != nil {
			t.Errorf("End after Close: %v", err)
		}
	}
	s, _ := agent.Harvester().Snapshot().Lookup("open", "")
	if s.CallCount != 50 {
		t.Errorf("CallCount = %d, want 50", s.CallCount)
	}
}

func testRapidCycling(t *testing.T) {
	before := runtime.NumGoroutine()

	for i := 0; i < 200; i++ {
		agent := apmz.New(apmz.Config{HarvestInterval: time.Millisecond})
		_ = agent.EnableWorkerPool(2, 8)
		agent.OnTransactionEndAsync(func(*apmz.Transaction) {})
		agent.Start()

		_, tx := agent.StartTransaction(context.Background(), "cycle")
		_ = tx.End()
		_ = agent.Close()
	}

	runtime.GC()
	time.Sleep(50 * time.Millisecond)
	if leaked := runtime.NumGoroutine() - before; leaked > 10 {
		t.Errorf("goroutines grew by %d after rapid cycling", leaked)
	}
}

func testConcurrentLifecycle(t *testing.T, config ReliabilityConfig) {
	var ended atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < config.MaxGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agent := apmz.New(apmz.Config{HarvestInterval: 5 * time.Millisecond})
			agent.Start()
			defer agent.Close()

			for j := 0; j < 20; j++ {
				ctx, tx := agent.StartTransaction(context.Background(), "concurrent")
				_, seg, _ := apmz.StartSegment(ctx, "work")
				_ = seg.Finish()
				if tx.End() == nil {
					ended.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if want := int64(config.MaxGoroutines * 20); ended.Load() != want {
		t.Errorf("ended %d transactions, want %d", ended.Load(), want)
	}
}
