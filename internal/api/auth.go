package api

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"

	"github.com/geovera/agentd/internal/storage"
)

// keyPrefix is the fixed literal prefix every issued key carries. Keys
// without it are rejected before any store lookup.
const keyPrefix = "sk_char_"

// KeyStore looks up and touches issued API keys.
// Implemented by storage.Store.
type KeyStore interface {
	GetAPIKeyByHash(hashedKey string) (storage.APIKey, error)
	TouchAPIKey(hashedKey string) error
}

// KeyAuth authenticates requests against the hashed-key allowlist. The key
// arrives either as X-API-Key or as a bearer token; only its SHA-256 digest
// is ever compared or stored.
func KeyAuth(keys KeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("X-API-Key")
			if raw == "" {
				auth := r.Header.Get("Authorization")
				const bearer = "Bearer "
				if strings.HasPrefix(auth, bearer) {
					raw = auth[len(bearer):]
				}
			}

			if raw == "" {
				httpError(w, http.StatusUnauthorized, "authentication_error", "API key required")
				return
			}
			if !strings.HasPrefix(raw, keyPrefix) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid API key format")
				return
			}

			sum := sha256.Sum256([]byte(raw))
			hashed := hex.EncodeToString(sum[:])

			rec, err := keys.GetAPIKeyByHash(hashed)
			if err != nil || !rec.IsActive {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or revoked API key")
				return
			}

			// Last-used is telemetry; a failed touch never blocks the request.
			if err := keys.TouchAPIKey(hashed); err != nil {
				slog.Debug("touching API key", "error", err)
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HashKey returns the hex SHA-256 digest stored for a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
