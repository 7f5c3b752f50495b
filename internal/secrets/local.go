package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LocalKeyStore resolves connection secrets from flat files on the
// local filesystem. This is intended for development and testing only.
//
// A secret named "redis_url" is read from <base_dir>/redis_url.secret.
type LocalKeyStore struct {
	baseDir string
	logger  *slog.Logger
}

// NewLocalKeyStore creates a new local filesystem-backed key store.
// If baseDir is empty, it defaults to ~/.dynabatch/keys.
func NewLocalKeyStore(baseDir string, logger *slog.Logger) (*LocalKeyStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".dynabatch", "keys")
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	logger.Info("using local key store", "path", baseDir)

	return &LocalKeyStore{
		baseDir: baseDir,
		logger:  logger,
	}, nil
}

// GetConnectionSecret reads a plain-text connection secret from
// <base_dir>/<name>.secret. Returns "", nil if the file doesn't exist.
func (ks *LocalKeyStore) GetConnectionSecret(ctx context.Context, name string) (string, error) {
	path := filepath.Join(ks.baseDir, name+".secret")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading connection secret %q: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Close releases any resources.
func (ks *LocalKeyStore) Close() error {
	return nil
}
