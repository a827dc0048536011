package main

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/zoobzio/apmz"
	"go.uber.org/zap"
)

var routes = []string{
	"WebTransaction/checkout",
	"WebTransaction/cart",
	"WebTransaction/search",
}

// workload drives synthetic transactions through the agent so the harvest
// and diagnostics surfaces have something to show.
type workload struct {
	agent    *apmz.Agent
	logger   *zap.Logger
	interval time.Duration
}

func (w *workload) run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.transaction(ctx)
		}
	}
}

func (w *workload) transaction(ctx context.Context) {
	ctx, tx := w.agent.StartTransaction(ctx, routes[rand.IntN(len(routes))])
	defer func() {
		if err := tx.End(); err != nil {
			w.logger.Warn("ending transaction", zap.Error(err))
		}
	}()

	w.step(ctx, "Custom/validate", 2*time.Millisecond)

	// Fan out to the datastore and an external service concurrently; each
	// branch nests its own segments under its own context.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dsCtx, seg, err := apmz.StartSegment(ctx, "Datastore/orders/select")
		if err != nil {
			return
		}
		_ = seg.AddAttribute("db.rows", rand.IntN(50))
		w.step(dsCtx, "Datastore/orders/decode", time.Millisecond)
		sleep(ctx, jitter(5*time.Millisecond))
		_ = seg.Finish()
	}()
	go func() {
		defer wg.Done()
		w.step(ctx, "External/payments/charge", jitter(8*time.Millisecond))
	}()
	wg.Wait()
}

func (w *workload) step(ctx context.Context, name string, d time.Duration) {
	_, seg, err := apmz.StartSegment(ctx, name)
	if err != nil {
		if !errors.Is(err, apmz.ErrSegmentLimit) {
			w.logger.Debug("segment not started", zap.String("segment", name), zap.Error(err))
		}
		return
	}
	sleep(ctx, d)
	_ = seg.Finish()
}

func jitter(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int64N(int64(base)))
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
