// Package metrics provides dispatcher health and throughput metrics,
// combining host process stats with batching-specific counters fed by
// pkg/worker.Worker.OnBatch.
package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessHealth describes the dispatcher process itself.
type ProcessHealth struct {
	Status        string  `json:"status"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// BatchingHealth describes recent batch assembly throughput, computed
// over counters accumulated since process start.
type BatchingHealth struct {
	BatchesHandled   int64   `json:"batches_handled"`
	ItemsHandled     int64   `json:"items_handled"`
	FailedBatches    int64   `json:"failed_batches"`
	MeanBatchSize    float64 `json:"mean_batch_size"`
	MeanBatchLatency string  `json:"mean_batch_latency"`
}

// AuditHealth describes the best-effort batch history buffer, if
// enabled.
type AuditHealth struct {
	Enabled    bool  `json:"enabled"`
	Connected  bool  `json:"connected"`
	QueueDepth int64 `json:"queue_depth"`
}

// Health is a full snapshot, as served by internal/api's /v1/metrics
// endpoint.
type Health struct {
	Timestamp time.Time      `json:"timestamp"`
	Process   ProcessHealth  `json:"process"`
	Batching  BatchingHealth `json:"batching"`
	Audit     AuditHealth    `json:"audit"`
}

// AuditStatsProvider reports the depth of the pending audit buffer.
// internal/audit.Recorder satisfies this.
type AuditStatsProvider interface {
	Len(ctx context.Context) (int64, error)
}

// Collector gathers dispatcher metrics with caching, matching the
// teacher's 30-second TTL.
type Collector struct {
	auditBuf AuditStatsProvider // may be nil if audit is disabled

	startTime time.Time

	batchesHandled atomic.Int64
	itemsHandled   atomic.Int64
	failedBatches  atomic.Int64
	totalLatencyNS atomic.Int64

	mu            sync.RWMutex
	cachedHealth  *Health
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a new metrics collector. auditBuf may be nil if
// the audit feature is disabled.
func NewCollector(auditBuf AuditStatsProvider) *Collector {
	return &Collector{
		auditBuf:      auditBuf,
		startTime:     time.Now(),
		cacheDuration: 30 * time.Second,
	}
}

// Observe records one completed worker cycle. Wire this as
// worker.Worker.OnBatch.
func (c *Collector) Observe(size int, dur time.Duration, err error) {
	if size == 0 {
		return
	}
	c.batchesHandled.Add(1)
	c.itemsHandled.Add(int64(size))
	c.totalLatencyNS.Add(dur.Nanoseconds())
	if err != nil {
		c.failedBatches.Add(1)
	}
}

// Snapshot returns the current dispatcher health. Results are cached
// for 30 seconds to avoid hammering the audit backend with Len calls.
func (c *Collector) Snapshot(ctx context.Context) (*Health, error) {
	c.mu.RLock()
	if c.cachedHealth != nil && time.Now().Before(c.cacheExpiry) {
		health := *c.cachedHealth
		c.mu.RUnlock()
		return &health, nil
	}
	c.mu.RUnlock()

	health := c.collect(ctx)

	c.mu.Lock()
	c.cachedHealth = health
	c.cacheExpiry = time.Now().Add(c.cacheDuration)
	c.mu.Unlock()

	return health, nil
}

func (c *Collector) collect(ctx context.Context) *Health {
	health := &Health{
		Timestamp: time.Now(),
		Process:   c.collectProcessHealth(),
		Batching:  c.collectBatchingHealth(),
		Audit:     c.collectAuditHealth(ctx),
	}
	return health
}

func (c *Collector) collectProcessHealth() ProcessHealth {
	health := ProcessHealth{
		Status:        "healthy",
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			health.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := proc.MemoryPercent(); err == nil {
			health.MemoryPercent = float64(memPct)
		}
	}

	if health.MemoryPercent > 90 || health.CPUPercent > 90 {
		health.Status = "degraded"
	}

	return health
}

func (c *Collector) collectBatchingHealth() BatchingHealth {
	batches := c.batchesHandled.Load()
	items := c.itemsHandled.Load()
	failed := c.failedBatches.Load()
	totalLatency := time.Duration(c.totalLatencyNS.Load())

	health := BatchingHealth{
		BatchesHandled: batches,
		ItemsHandled:   items,
		FailedBatches:  failed,
	}
	if batches > 0 {
		health.MeanBatchSize = float64(items) / float64(batches)
		health.MeanBatchLatency = (totalLatency / time.Duration(batches)).String()
	} else {
		health.MeanBatchLatency = "0s"
	}
	return health
}

func (c *Collector) collectAuditHealth(ctx context.Context) AuditHealth {
	if c.auditBuf == nil {
		return AuditHealth{Enabled: false}
	}

	depth, err := c.auditBuf.Len(ctx)
	if err != nil {
		return AuditHealth{Enabled: true, Connected: false}
	}

	return AuditHealth{Enabled: true, Connected: true, QueueDepth: depth}
}
