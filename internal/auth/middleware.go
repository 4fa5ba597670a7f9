// Package auth guards the HTTP surfaces of matrix-sync with the API keys
// configured in MCP_API_KEYS.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/alexjbarnes/matrix-sync/internal/config"
)

type contextKey int

const (
	ctxCaller contextKey = iota
	ctxRemoteIP
)

// RequestCaller returns the name of the authenticated API key from the
// context, or "".
func RequestCaller(ctx context.Context) string {
	v, _ := ctx.Value(ctxCaller).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// Keys holds the accepted API keys by the SHA-256 of the key.
type Keys struct {
	byHash map[[sha256.Size]byte]string
}

// NewKeys indexes the configured API keys.
func NewKeys(entries []config.APIKeyEntry) *Keys {
	k := &Keys{byHash: make(map[[sha256.Size]byte]string, len(entries))}
	for _, e := range entries {
		k.byHash[sha256.Sum256([]byte(e.Key))] = e.Name
	}

	return k
}

// Validate returns the name of key, or "" when it is not accepted.
// Keys are looked up by hash and compared in constant time.
func (k *Keys) Validate(key string) string {
	sum := sha256.Sum256([]byte(key))

	for hash, name := range k.byHash {
		if subtle.ConstantTimeCompare(hash[:], sum[:]) == 1 {
			return name
		}
	}

	return ""
}

// Middleware returns HTTP middleware that requires a Bearer API key.
// Unauthenticated requests get a 401 with a WWW-Authenticate header.
func Middleware(keys *Keys, logger *slog.Logger) func(http.Handler) http.Handler {
	const (
		wwwAuthNoToken = `Bearer realm="matrix-sync"`
		wwwAuthInvalid = `Bearer realm="matrix-sync", error="invalid_token"`
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")

			name := ""
			if strings.HasPrefix(token, config.APIKeyPrefix) {
				name = keys.Validate(token)
			}

			if name == "" {
				logger.Debug("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated via API key",
				slog.String("caller", name),
				slog.String("ip", ip),
			)

			// Inject the caller into the request context so downstream
			// handlers (MCP tools) can log it.
			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxCaller, name)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
