package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"signal-core/internal/signal"
	"signal-core/pkg/db"
)

// Result is delivered exactly once per submitted signal.
type Result struct {
	Outcome Outcome       `json:"outcome"`
	Err     error         `json:"-"`
	Latency time.Duration `json:"latency_ms"`
}

// Submit runs Dispatch on the worker pool. It blocks only while every worker
// is busy and returns ErrClosed after Close. The execution is detached from
// ctx cancellation so a caller that stops waiting does not abort a fill.
func (d *Dispatcher) Submit(ctx context.Context, sig signal.TradeSignal, settings db.Settings) (<-chan Result, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	select {
	case d.workerPool <- struct{}{}:
	case <-ctx.Done():
		d.wg.Done()
		return nil, ctx.Err()
	}

	resultCh := make(chan Result, 1)
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.workerPool }()
		defer close(resultCh)

		start := time.Now()
		out, err := d.Dispatch(runCtx, sig, settings)
		res := Result{Outcome: out, Err: err, Latency: time.Since(start)}
		d.log.Debug("submitted signal finished",
			zap.String("signal_id", sig.ID),
			zap.String("status", string(out.Status)),
			zap.Duration("latency", res.Latency))
		resultCh <- res
	}()
	return resultCh, nil
}

// Pending is the number of signals currently executing on the pool.
func (d *Dispatcher) Pending() int {
	return len(d.workerPool)
}

// Close rejects new submissions and waits for running ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
