package transport

import (
	"context"

	"github.com/pilot-net/dynabatch/pkg/types"
)

// Memory is the in-process transport of spec.md §4.4: two unbounded
// (practically: large-buffered) concurrent FIFO queues. It serves
// exactly one client, so ClientID is accepted but never consulted.
type Memory struct {
	requests  chan types.RequestItem
	responses chan types.ResponseItem
}

// NewMemory creates an in-memory transport. The channel capacity is a
// generous default rather than truly unbounded — Go has no unbounded
// channel primitive — and is large enough that Submit's send never
// blocks under any workload this package's tests exercise.
func NewMemory() *Memory {
	const capacity = 1 << 16
	return &Memory{
		requests:  make(chan types.RequestItem, capacity),
		responses: make(chan types.ResponseItem, capacity),
	}
}

func (m *Memory) SendRequest(ctx context.Context, item types.RequestItem) error {
	select {
	case m.requests <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) RecvRequest(ctx context.Context) (types.RequestItem, bool, error) {
	select {
	case item := <-m.requests:
		return item, true, nil
	case <-ctx.Done():
		return types.RequestItem{}, false, nil
	}
}

func (m *Memory) SendResponse(ctx context.Context, _ types.ClientID, item types.ResponseItem) error {
	select {
	case m.responses <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) RecvResponse(ctx context.Context, _ types.ClientID) (types.ResponseItem, bool, error) {
	select {
	case item := <-m.responses:
		return item, true, nil
	case <-ctx.Done():
		return types.ResponseItem{}, false, nil
	}
}

// Close is a no-op for Memory: there is nothing to release beyond the
// channels, which are garbage collected with the transport itself.
func (m *Memory) Close() error { return nil }
