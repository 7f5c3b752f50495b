// Package streamer is the client-facing façade of spec.md §4.2: it
// assigns task/request ids, fans a submitted batch out to the
// transport, creates the Future, and runs a background collector that
// routes incoming results to the right Future.
package streamer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pilot-net/dynabatch/pkg/future"
	"github.com/pilot-net/dynabatch/pkg/transport"
	"github.com/pilot-net/dynabatch/pkg/types"
)

// DefaultTimeout is used by Predict, mirroring the Python original's
// 20-second default for _output.
const DefaultTimeout = 20 * time.Second

// reapInterval/reapAge bound how long an abandoned Future (one whose
// caller never called Await) lingers in the table.
const (
	reapInterval = 30 * time.Second
	reapAge      = 5 * time.Minute
)

// Config configures optional Streamer behavior.
type Config struct {
	// RateLimit, if non-zero, throttles Submit to at most this many
	// items per second as a client-side courtesy (spec.md's Non-goal
	// is dispatcher-enforced flow control; this is opt-in and local).
	RateLimit rate.Limit

	// RateBurst bounds the limiter's burst when RateLimit is set.
	RateBurst int
}

// Streamer is the client-side façade over a Transport.
type Streamer struct {
	clientID  types.ClientID
	transport transport.Transport
	table     *future.Table
	logger    *slog.Logger
	limiter   *rate.Limiter

	nextTaskID atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Streamer bound to t, generates a fresh client id, and
// starts the background collector and reaper goroutines. Call Close to
// stop them.
func New(t transport.Transport, cfg Config, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	clientID := types.ClientID(uuid.NewString())

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Streamer{
		clientID:  clientID,
		transport: t,
		table:     future.NewTable(),
		logger:    logger.With("component", "streamer", "client_id", string(clientID)),
		limiter:   limiter,
		cancel:    cancel,
	}

	s.wg.Add(2)
	go s.collectLoop(ctx)
	go s.reapLoop(ctx)

	return s
}

// ClientID returns this Streamer's generated identity.
func (s *Streamer) ClientID() types.ClientID { return s.clientID }

// Submit implements spec.md's _input: assigns a task id, sends one
// RequestItem per payload in input order, installs a Future of size
// len(batch), and returns it without waiting on any result. A nil or
// empty batch is rejected with types.ErrEmptyBatch; this Streamer
// never creates a zero-size Future.
func (s *Streamer) Submit(ctx context.Context, batch []types.Payload) (*future.Future, error) {
	if len(batch) == 0 {
		return nil, types.ErrEmptyBatch
	}
	if s.limiter != nil {
		if err := s.limiter.WaitN(ctx, len(batch)); err != nil {
			return nil, err
		}
	}

	taskID := types.TaskID(s.nextTaskID.Add(1) - 1)
	f := future.New(taskID, len(batch))
	s.table.Insert(f)

	for i, payload := range batch {
		item := types.RequestItem{
			ClientID:  s.clientID,
			TaskID:    taskID,
			RequestID: types.RequestID(i),
			Payload:   payload,
		}
		if err := s.transport.SendRequest(ctx, item); err != nil {
			return nil, err
		}
	}

	return f, nil
}

// Predict is the convenience wrapper of spec.md §4.2: Submit followed
// by an Await bounded by DefaultTimeout.
func (s *Streamer) Predict(ctx context.Context, batch []types.Payload) ([]types.Result, error) {
	f, err := s.Submit(ctx, batch)
	if err != nil {
		return nil, err
	}
	awaitCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	result, err := f.Await(awaitCtx)
	if err == nil {
		s.table.Remove(f.TaskID())
	}
	return result, err
}

// Await blocks on f bounded by timeout and removes f from the table on
// success, so repeated submitters don't leak table entries. Prefer
// this over calling f.Await directly so the Streamer's bookkeeping
// stays correct.
func (s *Streamer) Await(ctx context.Context, f *future.Future, timeout time.Duration) ([]types.Result, error) {
	awaitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	result, err := f.Await(awaitCtx)
	if err == nil {
		s.table.Remove(f.TaskID())
	}
	return result, err
}

// TaskStatus describes a task's state for a non-blocking Poll.
type TaskStatus string

const (
	// TaskPending means the Future is installed but not yet complete.
	TaskPending TaskStatus = "pending"
	// TaskDone means the Future has completed, successfully or not.
	TaskDone TaskStatus = "done"
	// TaskUnknown means no live Future exists for this task id (never
	// submitted by this Streamer, already polled to completion and
	// removed, or reaped after being abandoned).
	TaskUnknown TaskStatus = "unknown"
)

// Poll performs a non-blocking check of taskID's Future. Unlike Await,
// it never blocks: a Future that hasn't completed yet reports
// TaskPending with no results. A completed Future reports TaskDone,
// its results or error, and is removed from the table, mirroring
// Await's bookkeeping so a polled task doesn't linger.
func (s *Streamer) Poll(taskID types.TaskID) (status TaskStatus, results []types.Result, err error) {
	f, ok := s.table.Lookup(taskID)
	if !ok {
		return TaskUnknown, nil, nil
	}
	if !f.Done() {
		return TaskPending, nil, nil
	}
	// f.Done() is true, so f.done is already closed: this returns
	// immediately without blocking.
	results, err = f.Await(context.Background())
	s.table.Remove(taskID)
	return TaskDone, results, err
}

// Close stops the collector and reaper goroutines and closes the
// underlying transport.
func (s *Streamer) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.transport.Close()
}

// collectLoop is the background activity of spec.md §4.2: poll the
// transport with a ~1s bound, route each message to its Future, and
// silently drop messages for unknown task ids.
func (s *Streamer) collectLoop(ctx context.Context) {
	defer s.wg.Done()
	s.logger.Info("collector started")
	for {
		if ctx.Err() != nil {
			s.logger.Info("collector stopping")
			return
		}
		recvCtx, cancel := context.WithTimeout(ctx, time.Second)
		item, ok, err := s.transport.RecvResponse(recvCtx, s.clientID)
		cancel()
		if err != nil {
			s.logger.Warn("recv response failed", "error", err)
			continue
		}
		if !ok {
			continue
		}
		f, found := s.table.Lookup(item.TaskID)
		if !found {
			// Already completed and removed, or abandoned and reaped.
			continue
		}
		if item.Err != nil {
			f.Fail(*item.Err)
			continue
		}
		f.Append(item.RequestID, item.Result)
	}
}

// reapLoop periodically removes Futures whose caller never observed
// completion, per the Table.Reap contract.
func (s *Streamer) reapLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.table.Reap(reapAge); n > 0 {
				s.logger.Debug("reaped abandoned futures", "count", n)
			}
		}
	}
}
