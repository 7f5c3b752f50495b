package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// OnePasswordCLIKeyStore uses the 1Password CLI with Service Account authentication.
// This is the recommended approach for using 1Password Service Accounts in Go.
//
// Prerequisites:
//   - 1Password CLI (op) must be installed: https://developer.1password.com/docs/cli/
//   - Service Account token must be set: OP_SERVICE_ACCOUNT_TOKEN
type OnePasswordCLIKeyStore struct {
	token  string
	vault  string
	logger *slog.Logger
}

// opItem represents a 1Password item from the CLI.
type opItem struct {
	ID     string    `json:"id"`
	Title  string    `json:"title"`
	Fields []opField `json:"fields"`
}

type opField struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// NewOnePasswordCLIKeyStore creates a new key store using the 1Password CLI.
func NewOnePasswordCLIKeyStore(token, vault string, logger *slog.Logger) (*OnePasswordCLIKeyStore, error) {
	if token == "" {
		return nil, fmt.Errorf("1Password service account token is required")
	}

	ks := &OnePasswordCLIKeyStore{
		token:  token,
		vault:  vault,
		logger: logger,
	}

	// Verify CLI is installed and token works
	if err := ks.verifyAccess(); err != nil {
		return nil, fmt.Errorf("verifying 1Password access: %w", err)
	}

	logger.Info("initialized 1Password key store", "vault", vault)
	return ks, nil
}

// verifyAccess checks that the CLI is installed and the token is valid.
func (ks *OnePasswordCLIKeyStore) verifyAccess() error {
	// Check if op CLI is installed
	if _, err := exec.LookPath("op"); err != nil {
		return fmt.Errorf("1Password CLI (op) not found in PATH - install from https://developer.1password.com/docs/cli/")
	}

	// Test authentication by listing vaults
	_, err := ks.runOP("vault", "list", "--format=json")
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	return nil
}

// runOP executes an op CLI command with the service account token.
func (ks *OnePasswordCLIKeyStore) runOP(args ...string) ([]byte, error) {
	cmd := exec.Command("op", args...)
	cmd.Env = append(cmd.Environ(), "OP_SERVICE_ACCOUNT_TOKEN="+ks.token)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %s", err, stderr.String())
	}

	return stdout.Bytes(), nil
}

// GetConnectionSecret resolves a named plain-text connection secret
// stored as a 1Password Secure Note item with a "value" field.
func (ks *OnePasswordCLIKeyStore) GetConnectionSecret(ctx context.Context, name string) (string, error) {
	output, err := ks.runOP("item", "get", name, "--vault="+ks.vault, "--format=json")
	if err != nil {
		if isItemNotFound(err) {
			return "", nil
		}
		return "", err
	}

	var item opItem
	if err := json.Unmarshal(output, &item); err != nil {
		return "", fmt.Errorf("parsing item: %w", err)
	}
	for _, field := range item.Fields {
		if field.Label == "value" {
			return field.Value, nil
		}
	}
	return "", nil
}

// Close releases any resources.
func (ks *OnePasswordCLIKeyStore) Close() error {
	return nil
}

// isItemNotFound checks if an error indicates the item was not found.
func isItemNotFound(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "no item") ||
		strings.Contains(errStr, "doesn't exist")
}
