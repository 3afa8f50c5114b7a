package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pleme-io/lspmux/internal/logger"
)

// Middleware gates an HTTP handler behind a bearer token looked up in store.
// It does not check project binding. The WebSocket handshake applies the
// project-match and permission checks itself at initialize time;
// Store.Authenticate bundles the same three checks in one call.
func Middleware(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hdr := r.Header.Get("Authorization")
			if !strings.HasPrefix(hdr, "Bearer ") {
				jsonError(w, "authentication required (Bearer token)", http.StatusUnauthorized)
				return
			}

			tokenID := strings.TrimPrefix(hdr, "Bearer ")
			token, err := store.ValidateToken(tokenID)
			if err != nil {
				logger.WithContext(r.Context()).Info("token validation failed", "token", maskToken(tokenID), "error", err)
				jsonError(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := WithContext(r.Context(), &AuthContext{Token: token})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    -32001,
			"message": message,
		},
	})
}

func maskToken(tokenID string) string {
	if len(tokenID) <= 12 {
		return "***"
	}
	return tokenID[:8] + "..." + tokenID[len(tokenID)-4:]
}
