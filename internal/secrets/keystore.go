// Package secrets provides resolution of plain-text connection secrets
// (broker/database DSNs) referenced by internal/config when a value
// isn't set directly in the config file.
//
// This package defines a KeyStore interface for resolving named
// connection secrets. NewKeyStore selects either the 1Password CLI
// implementation (service-account token) or a local file-based
// fallback for development. A 1Password Connect implementation
// (NewOnePasswordKeyStore) is also provided; NewKeyStore never
// selects it.
package secrets

import (
	"context"
)

// KeyStore resolves named connection secrets.
type KeyStore interface {
	// GetConnectionSecret resolves a named plain-text connection
	// secret, e.g. "redis_url" or "database_url", as configured by
	// internal/config when the value isn't set directly in the config
	// file. Returns an empty string, nil if the secret isn't set.
	GetConnectionSecret(ctx context.Context, name string) (string, error)

	// Close releases any resources held by the key store.
	Close() error
}
