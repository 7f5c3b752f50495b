// Package worker implements the size-and-latency bounded batch
// assembly loop of spec.md §4.3: pull items from a transport, batch
// them, invoke the prediction function once, and fan results back out.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pilot-net/dynabatch/pkg/transport"
	"github.com/pilot-net/dynabatch/pkg/types"
)

// PredictFunc is the prediction function contract of spec.md §6: an
// ordered slice of opaque payloads in, an ordered slice of opaque
// results of equal length out. It must not be invoked concurrently by
// a single Worker (see Run).
type PredictFunc func(ctx context.Context, batch []types.Payload) ([]types.Result, error)

// Config bounds batch assembly.
type Config struct {
	// BatchSize is the maximum number of items collected per predict
	// call.
	BatchSize int

	// MaxLatency bounds how long a cycle waits while assembling a
	// batch before invoking PredictFunc on whatever has arrived.
	MaxLatency time.Duration
}

// DefaultConfig mirrors the Python original's ThreadedStreamer/
// StreamWorker defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:  32,
		MaxLatency: 100 * time.Millisecond,
	}
}

// Worker pulls request items from a Transport, assembles them into
// bounded batches, and invokes Predict exactly once per batch.
type Worker struct {
	transport transport.Transport
	predict   PredictFunc
	config    Config
	logger    *slog.Logger

	// onBatch, if set, is called after each non-empty cycle with the
	// batch size and wall-clock duration. Used by internal/audit and
	// internal/metrics to observe the hot path without the worker
	// importing either package.
	onBatch func(size int, dur time.Duration, err error)
}

// New creates a Worker. predict must be non-nil.
func New(t transport.Transport, predict PredictFunc, config Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.MaxLatency <= 0 {
		config.MaxLatency = DefaultConfig().MaxLatency
	}
	return &Worker{
		transport: t,
		predict:   predict,
		config:    config,
		logger:    logger.With("component", "worker"),
	}
}

// OnBatch registers an observer invoked once per non-empty cycle.
func (w *Worker) OnBatch(fn func(size int, dur time.Duration, err error)) {
	w.onBatch = fn
}

// Run executes RunOnce forever until ctx is cancelled, sleeping
// briefly after an empty cycle to avoid a busy spin, per spec.md §4.3.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", "batch_size", w.config.BatchSize, "max_latency", w.config.MaxLatency)
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping", "reason", ctx.Err())
			return
		}
		handled := w.RunOnce(ctx)
		if handled == 0 {
			select {
			case <-time.After(time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
	}
}

// RunOnce implements one batch-assembly cycle per spec.md §4.3:
//
//  1. Record start time, initialize an empty batch.
//  2. Loop up to BatchSize times, each time receiving one item bounded
//     by MaxLatency, breaking on a timed-out receive or once the
//     cumulative elapsed time exceeds MaxLatency.
//  3. If the batch is empty, return 0.
//  4. Call PredictFunc exactly once with the payloads in arrival order.
//  5. Publish one response per item, addressed by the item's client_id.
//
// Returns the number of items handled (0 means no work this cycle).
func (w *Worker) RunOnce(ctx context.Context) int {
	start := time.Now()
	batch := make([]types.RequestItem, 0, w.config.BatchSize)

	for i := 0; i < w.config.BatchSize; i++ {
		remaining := w.config.MaxLatency - time.Since(start)
		if remaining <= 0 {
			break
		}
		recvCtx, cancel := context.WithTimeout(ctx, remaining)
		item, ok, err := w.transport.RecvRequest(recvCtx)
		cancel()
		if err != nil {
			w.logger.Warn("recv request failed", "error", err)
			break
		}
		if !ok {
			break
		}
		batch = append(batch, item)
		if time.Since(start) > w.config.MaxLatency {
			break
		}
	}

	if len(batch) == 0 {
		return 0
	}

	payloads := make([]types.Payload, len(batch))
	for i, item := range batch {
		payloads[i] = item.Payload
	}

	results, predictErr := w.predict(ctx, payloads)

	if predictErr == nil && len(results) != len(batch) {
		predictErr = errMismatchedResultCount(len(batch), len(results))
	}

	w.publish(ctx, batch, results, predictErr)

	dur := time.Since(start)
	w.logger.Info("batch cycle complete", "batch_size", len(batch), "duration", dur, "error", predictErr)
	if w.onBatch != nil {
		w.onBatch(len(batch), dur, predictErr)
	}
	return len(batch)
}

// publish sends one response per item. On a predict failure (the
// REDESIGN FLAGS decision in SPEC_FULL.md §5.1), every item in the
// batch gets an error response instead of the batch being silently
// dropped.
func (w *Worker) publish(ctx context.Context, batch []types.RequestItem, results []types.Result, predictErr error) {
	for i, item := range batch {
		resp := types.ResponseItem{TaskID: item.TaskID, RequestID: item.RequestID}
		if predictErr != nil {
			cause := predictErr.Error()
			resp.Err = &cause
		} else {
			resp.Result = results[i]
		}
		if err := w.transport.SendResponse(ctx, item.ClientID, resp); err != nil {
			w.logger.Warn("send response failed", "client_id", item.ClientID, "task_id", item.TaskID, "error", err)
		}
	}
}

func errMismatchedResultCount(want, got int) error {
	return fmt.Errorf("predict function returned %d results for a batch of %d", got, want)
}
