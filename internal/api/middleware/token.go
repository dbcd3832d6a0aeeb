package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// tokenQueryParam carries the token for websocket clients that cannot set
// headers.
const tokenQueryParam = "access_token"

// RequireToken returns middleware that requires the local API bearer token.
// An empty token disables the check.
func RequireToken(token string, logger *slog.Logger) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				logger.Warn("api token rejected",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
				)
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || tok == "" {
			return "", false
		}
		return tok, true
	}
	if tok := r.URL.Query().Get(tokenQueryParam); tok != "" {
		return tok, true
	}
	return "", false
}
