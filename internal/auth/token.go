// Package auth provides bearer-token authentication for the
// dispatcher's admin/control HTTP surface. This gates only
// internal/api's admin endpoints — it has nothing to do with the
// prediction data plane, which spec.md explicitly excludes from
// authentication.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// GenerateAdminToken generates a new admin token for a named operator
// account. Returns the plaintext token and its bcrypt hash; only the
// hash should be persisted.
func GenerateAdminToken(account string) (plaintext string, hash string, err error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("generating random bytes: %w", err)
	}

	prefix := account
	if len(prefix) > 6 {
		prefix = prefix[:6]
	}

	encoded := base64.URLEncoding.EncodeToString(randomBytes)
	plaintext = fmt.Sprintf("dynabatch_%s_%s", prefix, encoded)

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing admin token: %w", err)
	}

	return plaintext, string(hashBytes), nil
}

// VerifyAdminToken compares a plaintext admin token against a bcrypt
// hash.
func VerifyAdminToken(plaintext, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
