// Package future provides the per-task completion object (Future) and
// its owning table (Table) described in spec.md §4.1/§3.
//
// The Python original gave a Future a weak back-reference to its
// owning cache so an abandoned Future didn't root the table. Go has no
// equivalent weak reference, so per spec.md §9 the relationship is
// inverted: Table owns every Future outright, the consumer removes its
// own entry on a successful Await, and Table.Reap ages out entries
// whose result never fully arrived (the caller walked away without
// ever calling Await).
package future

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pilot-net/dynabatch/pkg/types"
)

// Future collects out-of-order per-item results for one task and
// signals completion once all N results have arrived.
type Future struct {
	taskID types.TaskID
	size   int

	mu       sync.Mutex
	results  map[types.RequestID]types.Result
	failed   bool
	failCause string
	done     chan struct{}
	closed   bool
}

// New creates a Future expecting size results for taskID. size may be
// zero (see types.ErrEmptyBatch for the boundary this supports at the
// Streamer layer); a zero-size Future is immediately done.
func New(taskID types.TaskID, size int) *Future {
	f := &Future{
		taskID:  taskID,
		size:    size,
		results: make(map[types.RequestID]types.Result, size),
		done:    make(chan struct{}),
	}
	if size == 0 {
		close(f.done)
		f.closed = true
	}
	return f
}

// Append records the result for one request_id. It is safe to call
// concurrently with Await. At most `size` calls are expected, each
// with a distinct request_id in [0,size); calls past completion are
// ignored. Completes the Future once the Nth distinct result arrives.
func (f *Future) Append(requestID types.RequestID, result types.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	if _, dup := f.results[requestID]; dup {
		return
	}
	f.results[requestID] = result
	if len(f.results) >= f.size {
		f.closed = true
		close(f.done)
	}
}

// Fail marks the Future as failed because the worker's prediction
// function errored for the batch containing this task. Any result
// already appended is discarded — spec.md §4.1 never returns a partial
// result, and a predict failure gets no result at all.
func (f *Future) Fail(cause string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.failed = true
	f.failCause = cause
	f.closed = true
	close(f.done)
}

// TaskID returns the id of the task this Future tracks.
func (f *Future) TaskID() types.TaskID { return f.taskID }

// Done reports whether the Future has completed, successfully or not.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the Future completes or ctx is done, whichever
// comes first. On success it returns the results ordered by
// request_id ascending. A deadline expiring returns *types.ErrTimeout;
// a failed batch returns *types.ErrPredictionFailure.
func (f *Future) Await(ctx context.Context) ([]types.Result, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, &types.ErrTimeout{TaskID: f.taskID}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failed {
		return nil, &types.ErrPredictionFailure{TaskID: f.taskID, Cause: f.failCause}
	}

	ids := make([]types.RequestID, 0, len(f.results))
	for id := range f.results {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]types.Result, len(ids))
	for i, id := range ids {
		out[i] = f.results[id]
	}
	return out, nil
}

// entry pairs a Future with its insertion time, for the reaper.
type entry struct {
	future    *Future
	insertedAt time.Time
}

// Table is the FutureTable of spec.md §3: task_id -> Future, owned by
// the Streamer. Lookup on an unknown or already-removed task_id fails
// gracefully (ok=false) so the collector can drop the message, per
// spec.md §8 invariant 4.
type Table struct {
	mu      sync.Mutex
	entries map[types.TaskID]entry
}

// NewTable creates an empty FutureTable.
func NewTable() *Table {
	return &Table{entries: make(map[types.TaskID]entry)}
}

// Insert installs a newly created Future under its task id.
func (t *Table) Insert(f *Future) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[f.taskID] = entry{future: f, insertedAt: time.Now()}
}

// Lookup returns the Future for taskID, or ok=false if it is unknown
// (never created, already removed by a consumer, or reaped).
func (t *Table) Lookup(taskID types.TaskID) (f *Future, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[taskID]
	if !ok {
		return nil, false
	}
	return e.future, true
}

// Remove deletes the entry for taskID. Called by the consumer after a
// successful Await, or by Reap for abandoned entries.
func (t *Table) Remove(taskID types.TaskID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, taskID)
}

// Len returns the number of live entries, for diagnostics/metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Reap removes entries older than maxAge whose Future never completed
// (the caller abandoned Submit's Future without ever calling Await, so
// nothing would otherwise ever remove them). Completed-but-unread
// entries are also reaped past maxAge — a caller that let its Future
// finish without reading it gets the same ceiling.
func (t *Table) Reap(maxAge time.Duration) (reaped int) {
	cutoff := time.Now().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		if e.insertedAt.Before(cutoff) {
			delete(t.entries, id)
			reaped++
		}
	}
	return reaped
}
