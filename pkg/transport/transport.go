// Package transport moves request and response items between clients
// and the worker pool, per spec.md §4.4. Two implementations are
// provided: an in-memory transport (memory.go) and a Redis broker
// transport (broker.go). Both satisfy the same Transport interface so
// pkg/worker and pkg/streamer stay transport-agnostic.
package transport

import (
	"context"

	"github.com/pilot-net/dynabatch/pkg/types"
)

// Transport is the boundary between the batching core and whatever
// moves bytes around. All four operations take a context whose
// deadline/cancellation stands in for the Python original's bare
// timeout argument.
type Transport interface {
	// SendRequest enqueues one item for the worker pool.
	SendRequest(ctx context.Context, item types.RequestItem) error

	// RecvRequest pulls one item for the worker, blocking until one
	// arrives or ctx is done. ok=false on a context deadline/cancel,
	// never an error — a timed-out receive is the normal "no work yet"
	// case, not a failure.
	RecvRequest(ctx context.Context) (item types.RequestItem, ok bool, err error)

	// SendResponse delivers one result, addressed by ClientID.
	SendResponse(ctx context.Context, clientID types.ClientID, item types.ResponseItem) error

	// RecvResponse pulls one result addressed to clientID, blocking
	// until one arrives or ctx is done.
	RecvResponse(ctx context.Context, clientID types.ClientID) (item types.ResponseItem, ok bool, err error)

	// Close releases any background goroutines/connections. Safe to
	// call once per transport instance.
	Close() error
}
