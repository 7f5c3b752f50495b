// Command dispatcher-worker runs the batch assembly worker and its
// optional admin HTTP surface.
//
// # Usage
//
//	dispatcher-worker --config config.yaml
//
// # Configuration
//
// The worker is configured via a YAML config file (named by --config)
// and environment variables (DYNABATCH_*), which override the file.
// No command-line flag overrides individual config values. See
// internal/config for the full schema.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pilot-net/dynabatch/db/migrate"
	"github.com/pilot-net/dynabatch/internal/api"
	"github.com/pilot-net/dynabatch/internal/audit"
	"github.com/pilot-net/dynabatch/internal/auth"
	"github.com/pilot-net/dynabatch/internal/config"
	"github.com/pilot-net/dynabatch/internal/metrics"
	"github.com/pilot-net/dynabatch/internal/secrets"
	"github.com/pilot-net/dynabatch/pkg/streamer"
	"github.com/pilot-net/dynabatch/pkg/transport"
	"github.com/pilot-net/dynabatch/pkg/types"
	"github.com/pilot-net/dynabatch/pkg/worker"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		debug      = flag.Bool("debug", false, "enable debug logging")
		version    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("dispatcher-worker v0.1.0")
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	secretsCfg := secrets.ConfigFromEnv()
	secretsCfg.Backend = cfg.Secrets.Backend
	keyStore, err := secrets.NewKeyStore(secretsCfg, logger)
	if err != nil {
		logger.Warn("secrets backend unavailable, connection secrets must come from config", "error", err)
		keyStore = nil
	}

	if cfg.Transport.Kind == "broker" && cfg.Transport.RedisURL == "" && keyStore != nil {
		if v, err := keyStore.GetConnectionSecret(context.Background(), "redis_url"); err == nil && v != "" {
			cfg.Transport.RedisURL = v
		}
	}
	if cfg.Audit.Enabled && cfg.Audit.DatabaseURL == "" && keyStore != nil {
		if v, err := keyStore.GetConnectionSecret(context.Background(), "database_url"); err == nil && v != "" {
			cfg.Audit.DatabaseURL = v
		}
	}

	var t transport.Transport
	switch cfg.Transport.Kind {
	case "broker":
		if cfg.Transport.RedisURL == "" {
			logger.Error("transport.kind is broker but no redis_url is configured")
			os.Exit(1)
		}
		bw, err := transport.NewBrokerWorker(context.Background(), cfg.Transport.RedisURL, cfg.Transport.RequestQueueDepth, logger)
		if err != nil {
			logger.Error("failed to connect to broker", "error", err)
			os.Exit(1)
		}
		t = bw
		logger.Info("broker transport connected")
	default:
		t = transport.NewMemory()
		logger.Info("in-memory transport selected")
	}

	var auditRecorder *audit.Recorder
	var auditFlusher *audit.Flusher
	if cfg.Audit.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := pgxpool.New(ctx, cfg.Audit.DatabaseURL)
		cancel()
		if err != nil {
			logger.Warn("audit disabled - database connection failed", "error", err)
		} else {
			migCtx, migCancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if err := migrate.Run(migCtx, pool, logger); err != nil {
				logger.Error("database migration failed", "error", err)
				migCancel()
				os.Exit(1)
			}
			migCancel()

			auditRecorder, err = audit.NewRecorder(cfg.Transport.RedisURL, logger)
			if err != nil {
				logger.Warn("audit disabled - redis connection failed", "error", err)
			} else {
				auditFlusher = audit.NewFlusher(auditRecorder, pool, logger)
				auditFlusher.Start()
				logger.Info("audit history enabled")
			}
		}
	}

	metricsCollector := metrics.NewCollector(auditRecorder)

	onBatch := func(size int, dur time.Duration, predictErr error) {
		metricsCollector.Observe(size, dur, predictErr)
		if auditRecorder == nil {
			return
		}
		rec := audit.BatchRecord{
			RecordedAt: time.Now(),
			BatchSize:  size,
			DurationMS: dur.Milliseconds(),
			Succeeded:  predictErr == nil,
		}
		if predictErr != nil {
			rec.Error = predictErr.Error()
		}
		if err := auditRecorder.Record(context.Background(), rec); err != nil {
			logger.Warn("failed to record batch history", "error", err)
		}
	}

	w := worker.New(t, examplePredictFunc, worker.Config{
		BatchSize:  cfg.Worker.BatchSize,
		MaxLatency: cfg.Worker.MaxLatency,
	}, logger)
	w.OnBatch(onBatch)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	go w.Run(workerCtx)
	logger.Info("worker started", "batch_size", cfg.Worker.BatchSize, "max_latency", cfg.Worker.MaxLatency)

	// The admin API's /v1/predict path needs its own in-process
	// Streamer talking to the same transport, so operators can submit
	// work over HTTP without a dedicated client process.
	adminStreamer := streamer.New(t, streamer.Config{}, logger)

	var adminToken string
	var adminTokenHash string
	if cfg.Admin.AuthEnabled {
		adminToken, adminTokenHash, err = auth.GenerateAdminToken("dispatcher-worker")
		if err != nil {
			logger.Error("failed to generate admin token", "error", err)
			os.Exit(1)
		}
		logger.Info("admin auth enabled", "token", adminToken)
	}

	apiServer := api.NewServer(adminStreamer, metricsCollector, logger)
	authMiddleware := api.AdminAuthMiddleware(api.AdminAuthConfig{
		Enabled:   cfg.Admin.AuthEnabled,
		TokenHash: adminTokenHash,
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.Admin.ListenAddr,
		Handler:      authMiddleware(apiServer),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting admin server", "addr", cfg.Admin.ListenAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("admin server error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	workerCancel()
	_ = adminStreamer.Close()

	if auditFlusher != nil {
		auditFlusher.Stop()
	}
	if auditRecorder != nil {
		_ = auditRecorder.Close()
	}
	if keyStore != nil {
		_ = keyStore.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown error", "error", err)
	}

	_ = t.Close()

	logger.Info("shutdown complete")
}

// examplePredictFunc is a placeholder prediction function that echoes
// each payload back unchanged. Real deployments replace this with a
// call into a model server or in-process inference library.
func examplePredictFunc(ctx context.Context, batch []types.Payload) ([]types.Result, error) {
	results := make([]types.Result, len(batch))
	for i, p := range batch {
		results[i] = types.Result(p)
	}
	return results, nil
}
