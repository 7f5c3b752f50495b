package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Flusher reads completed-batch records from the Redis buffer and
// writes them to Postgres in bulk via COPY.
type Flusher struct {
	recorder *Recorder
	pool     *pgxpool.Pool
	logger   *slog.Logger
	interval time.Duration
	batch    int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewFlusher creates a new batch history flusher.
func NewFlusher(recorder *Recorder, pool *pgxpool.Pool, logger *slog.Logger) *Flusher {
	return &Flusher{
		recorder: recorder,
		pool:     pool,
		logger:   logger.With("component", "audit_flusher"),
		interval: DefaultFlushInterval,
		batch:    DefaultFlushBatchSize,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background flushing loop.
func (f *Flusher) Start() {
	f.wg.Add(1)
	go f.run()
	f.logger.Info("audit flusher started", "interval", f.interval, "batch_size", f.batch)
}

// Stop stops the flusher and waits for completion.
func (f *Flusher) Stop() {
	close(f.stopCh)
	f.wg.Wait()
	f.logger.Info("audit flusher stopped")
}

func (f *Flusher) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			f.flush()
			return
		case <-ticker.C:
			f.flush()
		}
	}
}

func (f *Flusher) flush() {
	ctx := context.Background()

	size, err := f.recorder.Len(ctx)
	if err != nil {
		f.logger.Error("failed to get buffer size", "error", err)
		return
	}
	if size == 0 {
		return
	}

	records, err := f.recorder.Pop(ctx, f.batch)
	if err != nil {
		f.logger.Error("failed to pop from buffer", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	start := time.Now()

	if err := f.copyRecords(ctx, records); err != nil {
		f.logger.Error("failed to copy batch records to database",
			"error", err,
			"count", len(records),
		)
		// TODO: consider pushing failed records back to the buffer or a dead-letter list
		return
	}

	f.logger.Info("flushed batch history to database",
		"count", len(records),
		"remaining", size-int64(len(records)),
		"duration", time.Since(start),
	)
}

// copyRecords bulk-loads records via a temp table, matching the
// teacher's staging-table-then-insert pattern for high-throughput
// writes. batch_history's only unique key is its generated id, so the
// ON CONFLICT clause never fires: a record copied twice is stored as
// two rows.
func (f *Flusher) copyRecords(ctx context.Context, records []BatchRecord) error {
	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		CREATE TEMP TABLE batch_history_staging (
			recorded_at TIMESTAMPTZ NOT NULL,
			batch_size INTEGER NOT NULL,
			duration_ms BIGINT NOT NULL,
			succeeded BOOLEAN NOT NULL,
			error_message TEXT
		) ON COMMIT DROP
	`)
	if err != nil {
		return err
	}

	rows := make([][]any, len(records))
	for i, r := range records {
		var errMsg *string
		if r.Error != "" {
			errMsg = &r.Error
		}
		rows[i] = []any{r.RecordedAt, r.BatchSize, r.DurationMS, r.Succeeded, errMsg}
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"batch_history_staging"},
		[]string{"recorded_at", "batch_size", "duration_ms", "succeeded", "error_message"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO batch_history (recorded_at, batch_size, duration_ms, succeeded, error_message)
		SELECT recorded_at, batch_size, duration_ms, succeeded, error_message
		FROM batch_history_staging
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}
