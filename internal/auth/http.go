// ABOUTME: HTTP middleware enforcing bearer-token authentication on API routes
// ABOUTME: Extracts Authorization headers and verifies them against a Verifier

package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Middleware wraps an http.Handler and rejects requests that do not carry a
// valid bearer token. The verified subject is not threaded further; the
// gateway only needs a yes/no gate.
func Middleware(verifier Verifier, logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			unauthorized(w, "missing bearer token")
			return
		}

		if _, err := verifier.Verify(token); err != nil {
			logger.Debug("rejected request", "path", r.URL.Path, "error", err)
			unauthorized(w, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
