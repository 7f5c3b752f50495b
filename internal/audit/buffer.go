// Package audit provides a best-effort, after-the-fact execution
// history for completed batches. It is intentionally decoupled from
// the hot batching path in pkg/worker: a Recorder push is a
// fire-and-forget LPUSH, and a stalled or unavailable Postgres never
// blocks or fails a batch. spec.md's "no persisted state" constraint
// is about in-flight requests and Futures, which this package never
// touches — it only ever records batches that have already completed.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// keyBatchHistory is the Redis key for the write-ahead buffer of
	// completed-batch records.
	keyBatchHistory = "dynabatch:batch_history"

	// DefaultFlushBatchSize bounds how many records Flusher copies into
	// Postgres per tick.
	DefaultFlushBatchSize = 5000

	// DefaultFlushInterval is how often Flusher drains the buffer.
	DefaultFlushInterval = 2 * time.Second
)

// BatchRecord is one completed worker cycle, as observed by
// pkg/worker.Worker.OnBatch.
type BatchRecord struct {
	RecordedAt time.Time `json:"recorded_at"`
	BatchSize  int       `json:"batch_size"`
	DurationMS int64     `json:"duration_ms"`
	Succeeded  bool      `json:"succeeded"`
	Error      string    `json:"error,omitempty"`
}

// Recorder buffers BatchRecords in Redis ahead of a Flusher draining
// them into Postgres, mirroring the teacher's ResultBuffer design.
type Recorder struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRecorder creates a new Redis-backed batch recorder.
func NewRecorder(redisURL string, logger *slog.Logger) (*Recorder, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Recorder{client: client, logger: logger}, nil
}

// Record pushes a single batch record onto the buffer. It does not log
// failures itself; it returns them. Callers (pkg/worker.Worker.OnBatch)
// must never let audit trouble interrupt the batching loop, and nothing
// in this repo treats the error as anything but advisory: the worker
// binary's OnBatch hook logs it and carries on.
func (r *Recorder) Record(ctx context.Context, rec BatchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling batch record: %w", err)
	}
	if err := r.client.LPush(ctx, keyBatchHistory, data).Err(); err != nil {
		return fmt.Errorf("pushing batch record to redis: %w", err)
	}
	return nil
}

// Pop retrieves and removes up to maxRecords from the buffer, oldest
// first.
func (r *Recorder) Pop(ctx context.Context, maxRecords int) ([]BatchRecord, error) {
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, maxRecords)
	for i := 0; i < maxRecords; i++ {
		cmds[i] = pipe.RPop(ctx, keyBatchHistory)
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("popping batch records from redis: %w", err)
	}

	records := make([]BatchRecord, 0, maxRecords)
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			continue
		}
		var rec BatchRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			r.logger.Warn("failed to unmarshal batch record", "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Len returns the number of buffered records.
func (r *Recorder) Len(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, keyBatchHistory).Result()
}

// Close closes the Redis connection.
func (r *Recorder) Close() error {
	return r.client.Close()
}
