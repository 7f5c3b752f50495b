// Package config handles dispatcher configuration loading and
// validation for both the worker and client processes.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
//  1. Environment variables (DYNABATCH_*, see ApplyEnv)
//  2. Config file (YAML)
//  3. Defaults
//
// No command-line flag overrides individual values; the worker's
// --config flag only names the file.
//
// # Example Config File
//
//	transport:
//	  kind: broker
//	  redis_url: redis://localhost:6379/0
//
//	worker:
//	  batch_size: 32
//	  max_latency: 100ms
//
//	audit:
//	  enabled: true
//	  database_url: postgres://localhost/dynabatch?sslmode=disable
//	  flush_interval: 2s
//	  flush_batch_size: 5000
//
//	secrets:
//	  backend: auto
//
//	admin:
//	  listen_addr: :8090
//	  auth_enabled: false
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete dispatcher configuration.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Worker    WorkerConfig    `yaml:"worker"`
	Audit     AuditConfig     `yaml:"audit"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Admin     AdminConfig     `yaml:"admin"`
}

// TransportConfig selects and configures the transport.
type TransportConfig struct {
	// Kind is "memory" or "broker".
	Kind string `yaml:"kind"`

	// RedisURL is used when Kind is "broker". If empty, the worker
	// falls back to internal/secrets for a connection secret named
	// "redis_url".
	RedisURL string `yaml:"redis_url,omitempty"`

	// RequestQueueDepth bounds the broker worker's local receive
	// buffer (see pkg/transport.NewBrokerWorker).
	RequestQueueDepth int `yaml:"request_queue_depth,omitempty"`
}

// WorkerConfig bounds batch assembly.
type WorkerConfig struct {
	BatchSize  int           `yaml:"batch_size"`
	MaxLatency time.Duration `yaml:"max_latency"`
}

// AuditConfig controls the best-effort batch execution history.
// FlushInterval and FlushBatchSize are parsed but not passed to the
// flusher, which always uses audit.DefaultFlushInterval and
// audit.DefaultFlushBatchSize.
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DatabaseURL     string        `yaml:"database_url,omitempty"`
	FlushInterval   time.Duration `yaml:"flush_interval,omitempty"`
	FlushBatchSize  int           `yaml:"flush_batch_size,omitempty"`
}

// SecretsConfig selects the secrets backend.
type SecretsConfig struct {
	// Backend is "1password", "local", or "auto".
	Backend string `yaml:"backend"`
}

// AdminConfig controls the optional HTTP admin/control surface.
type AdminConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	AuthEnabled bool   `yaml:"auth_enabled,omitempty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:              "memory",
			RequestQueueDepth: 1024,
		},
		Worker: WorkerConfig{
			BatchSize:  32,
			MaxLatency: 100 * time.Millisecond,
		},
		Audit: AuditConfig{
			Enabled:        false,
			FlushInterval:  2 * time.Second,
			FlushBatchSize: 5000,
		},
		Secrets: SecretsConfig{
			Backend: "auto",
		},
		Admin: AdminConfig{
			ListenAddr: ":8090",
		},
	}
}

// LoadFromFile loads configuration from a YAML file, layered over
// DefaultConfig.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays DYNABATCH_* environment variables onto cfg. Only
// the values most often overridden at deploy time are covered here,
// matching the teacher's env-override surface.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DYNABATCH_REDIS_URL"); v != "" {
		c.Transport.RedisURL = v
	}
	if v := os.Getenv("DYNABATCH_DATABASE_URL"); v != "" {
		c.Audit.DatabaseURL = v
	}
	if v := os.Getenv("DYNABATCH_SECRETS_BACKEND"); v != "" {
		c.Secrets.Backend = v
	}
}

// Validate checks that required configuration is present and
// internally consistent.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "memory", "broker":
	default:
		return fmt.Errorf("transport.kind must be \"memory\" or \"broker\", got %q", c.Transport.Kind)
	}
	// transport.redis_url may be empty here: the worker falls back to
	// internal/secrets for it at startup, so an empty value isn't an
	// error at the config layer.
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be positive")
	}
	if c.Worker.MaxLatency <= 0 {
		return fmt.Errorf("worker.max_latency must be positive")
	}
	if c.Audit.Enabled && c.Audit.DatabaseURL == "" {
		return fmt.Errorf("audit.database_url is required when audit.enabled is true")
	}
	return nil
}
