package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/pilot-net/dynabatch/internal/auth"
)

// AdminAuthConfig controls admin endpoint authentication behavior.
type AdminAuthConfig struct {
	// Enabled controls whether authentication is enforced. When false,
	// requests are logged but never rejected (grace period mode).
	Enabled bool

	// TokenHash is the bcrypt hash of the expected admin token, as
	// produced by internal/auth.GenerateAdminToken.
	TokenHash string

	Logger *slog.Logger
}

// AdminAuthMiddleware validates a bearer token against TokenHash before
// admin endpoints. It never gates /v1/healthz, which load balancers and
// orchestrators probe without credentials.
func AdminAuthMiddleware(config AdminAuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/v1/healthz" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				if config.Enabled {
					config.Logger.Warn("admin auth failed: missing credentials", "path", r.URL.Path)
					http.Error(w, "unauthorized: missing credentials", http.StatusUnauthorized)
					return
				}
				config.Logger.Debug("admin auth: missing credentials (grace period)", "path", r.URL.Path)
				next.ServeHTTP(w, r)
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			if !auth.VerifyAdminToken(token, config.TokenHash) {
				if config.Enabled {
					config.Logger.Warn("admin auth failed: invalid token", "path", r.URL.Path)
					http.Error(w, "unauthorized: invalid token", http.StatusUnauthorized)
					return
				}
				config.Logger.Warn("admin auth: invalid token (grace period - would reject)", "path", r.URL.Path)
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
