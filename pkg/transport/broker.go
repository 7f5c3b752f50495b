package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/dynabatch/pkg/types"
)

// Redis key/channel naming, per spec.md §6.
const (
	requestQueueKey   = "request_queue"
	responseChanPrefix = "response_pb_"
)

func responseChannel(clientID types.ClientID) string {
	return responseChanPrefix + string(clientID)
}

// BrokerClient is the client side of the Redis broker transport
// (spec.md's "one client per UUID"). It LPUSHes requests onto the
// shared request_queue and subscribes to its own response_pb_<id>
// channel, mirroring the Python original's _RedisClient.
//
// RecvRequest/SendResponse are worker-side operations; calling them on
// a BrokerClient returns an error rather than silently doing nothing.
type BrokerClient struct {
	rdb      *redis.Client
	clientID types.ClientID
	pubsub   *redis.PubSub
	logger   *slog.Logger

	closeOnce sync.Once
}

// NewBrokerClient connects to redisURL and subscribes to clientID's
// response channel.
func NewBrokerClient(ctx context.Context, redisURL string, clientID types.ClientID, logger *slog.Logger) (*BrokerClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	ps := rdb.Subscribe(ctx, responseChannel(clientID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("subscribing to response channel: %w", err)
	}

	return &BrokerClient{
		rdb:      rdb,
		clientID: clientID,
		pubsub:   ps,
		logger:   logger.With("component", "broker_client", "client_id", string(clientID)),
	}, nil
}

func (c *BrokerClient) SendRequest(ctx context.Context, item types.RequestItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding request item: %w", err)
	}
	return c.rdb.LPush(ctx, requestQueueKey, data).Err()
}

func (c *BrokerClient) RecvRequest(ctx context.Context) (types.RequestItem, bool, error) {
	return types.RequestItem{}, false, fmt.Errorf("broker: RecvRequest is a worker-side operation")
}

func (c *BrokerClient) SendResponse(ctx context.Context, _ types.ClientID, _ types.ResponseItem) error {
	return fmt.Errorf("broker: SendResponse is a worker-side operation")
}

// RecvResponse blocks for up to ctx's remaining deadline for a message
// on this client's subscription. clientID must equal the id this
// BrokerClient was constructed with; it exists to satisfy the
// Transport interface's symmetric signature.
func (c *BrokerClient) RecvResponse(ctx context.Context, clientID types.ClientID) (types.ResponseItem, bool, error) {
	if clientID != c.clientID {
		return types.ResponseItem{}, false, fmt.Errorf("broker: client %q cannot receive for %q", c.clientID, clientID)
	}
	msg, err := c.pubsub.ReceiveMessage(ctx)
	if err != nil {
		// Context deadline/cancellation is the normal "nothing yet" path.
		return types.ResponseItem{}, false, nil
	}
	var item types.ResponseItem
	if err := json.Unmarshal([]byte(msg.Payload), &item); err != nil {
		c.logger.Warn("dropping malformed response message", "error", err)
		return types.ResponseItem{}, false, nil
	}
	return item, true, nil
}

func (c *BrokerClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.pubsub.Close()
		err = c.rdb.Close()
	})
	return err
}

// BrokerWorker is the worker side of the Redis broker transport
// (spec.md's _RedisServer). It runs a background receiver goroutine
// that BLPOPs the shared request_queue into a local buffered channel,
// per spec.md §5, so RecvRequest itself never blocks on the network.
//
// SendRequest/RecvResponse are client-side operations; calling them on
// a BrokerWorker returns an error.
type BrokerWorker struct {
	rdb    *redis.Client
	local  chan types.RequestItem
	logger *slog.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBrokerWorker connects to redisURL and starts the background
// receiver loop. queueDepth bounds the local buffer between the
// network and RecvRequest.
func NewBrokerWorker(ctx context.Context, redisURL string, queueDepth int, logger *slog.Logger) (*BrokerWorker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	w := &BrokerWorker{
		rdb:    rdb,
		local:  make(chan types.RequestItem, queueDepth),
		logger: logger.With("component", "broker_worker"),
		cancel: cancel,
	}
	w.wg.Add(1)
	go w.receiveLoop(loopCtx)
	return w, nil
}

func (w *BrokerWorker) receiveLoop(ctx context.Context) {
	defer w.wg.Done()
	w.logger.Info("broker receive loop started")
	for {
		if ctx.Err() != nil {
			return
		}
		// BLPOP with a bounded timeout keeps this loop responsive to
		// shutdown without busy-polling.
		res, err := w.rdb.BLPop(ctx, time.Second, requestQueueKey).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			w.logger.Warn("blpop failed, backing off", "error", err)
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}
		// res is [queue_name, value]
		if len(res) != 2 {
			continue
		}
		var item types.RequestItem
		if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
			w.logger.Warn("dropping malformed request message", "error", err)
			continue
		}
		select {
		case w.local <- item:
		case <-ctx.Done():
			return
		}
	}
}

func (w *BrokerWorker) SendRequest(ctx context.Context, _ types.RequestItem) error {
	return fmt.Errorf("broker: SendRequest is a client-side operation")
}

func (w *BrokerWorker) RecvRequest(ctx context.Context) (types.RequestItem, bool, error) {
	select {
	case item := <-w.local:
		return item, true, nil
	case <-ctx.Done():
		return types.RequestItem{}, false, nil
	}
}

func (w *BrokerWorker) SendResponse(ctx context.Context, clientID types.ClientID, item types.ResponseItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding response item: %w", err)
	}
	return w.rdb.Publish(ctx, responseChannel(clientID), data).Err()
}

func (w *BrokerWorker) RecvResponse(ctx context.Context, _ types.ClientID) (types.ResponseItem, bool, error) {
	return types.ResponseItem{}, false, fmt.Errorf("broker: RecvResponse is a client-side operation")
}

func (w *BrokerWorker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.cancel()
		w.wg.Wait()
		err = w.rdb.Close()
	})
	return err
}
