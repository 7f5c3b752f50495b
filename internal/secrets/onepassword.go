package secrets

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/1Password/connect-sdk-go/connect"
)

// OnePasswordKeyStore resolves connection secrets from 1Password using
// the Connect API.
//
// Configuration is passed in an OnePasswordConfig; this package does
// not read the corresponding environment variables itself:
//   - OP_CONNECT_HOST: URL of the 1Password Connect server
//   - OP_CONNECT_TOKEN: Access token for the Connect server
//   - OP_VAULT_ID: UUID of the vault to read secrets from
type OnePasswordKeyStore struct {
	client  connect.Client
	vaultID string
	logger  *slog.Logger
}

// OnePasswordConfig holds configuration for 1Password Connect.
type OnePasswordConfig struct {
	Host    string // OP_CONNECT_HOST
	Token   string // OP_CONNECT_TOKEN
	VaultID string // OP_VAULT_ID
}

// NewOnePasswordKeyStore creates a new 1Password-backed key store.
func NewOnePasswordKeyStore(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordKeyStore, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}

	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "dynabatch-dispatcher")

	return &OnePasswordKeyStore{
		client:  client,
		vaultID: cfg.VaultID,
		logger:  logger,
	}, nil
}

// GetConnectionSecret resolves a named plain-text connection secret
// stored as a 1Password Secure Note with a single "value" field.
func (ks *OnePasswordKeyStore) GetConnectionSecret(ctx context.Context, name string) (string, error) {
	items, err := ks.client.GetItemsByTitle(name, ks.vaultID)
	if err != nil {
		if isNotFoundError(err) {
			return "", nil
		}
		return "", fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return "", nil
	}

	item, err := ks.client.GetItem(items[0].ID, ks.vaultID)
	if err != nil {
		return "", fmt.Errorf("getting item: %w", err)
	}
	for _, field := range item.Fields {
		if field.ID == "value" {
			return field.Value, nil
		}
	}
	return "", nil
}

// Close releases any resources.
func (ks *OnePasswordKeyStore) Close() error {
	return nil
}

// isNotFoundError checks if an error is a "not found" error from 1Password.
func isNotFoundError(err error) bool {
	// The 1Password SDK returns different error types, check the message
	if err == nil {
		return false
	}
	errStr := err.Error()
	return contains(errStr, "not found") || contains(errStr, "404") || contains(errStr, "no items")
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(s) > 0 && containsHelper(s, substr))
}

func containsHelper(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
