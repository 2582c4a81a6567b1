package auth

import (
	"crypto/hmac"
	"net/http"
	"strings"

	"github.com/arnavxdyt/dc-bot/internal/config"
)

// Middleware enforces the static bearer token shared with the command
// surface. Tenant identity arrives separately in X-Tenant-ID and is trusted
// once the token checks out.
func Middleware(cfg config.AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !validateBearer(r, cfg.BearerToken) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"Invalid API authentication.","details":null}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validateBearer(r *http.Request, token string) bool {
	if token == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	provided := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	return hmac.Equal([]byte(provided), []byte(token))
}
