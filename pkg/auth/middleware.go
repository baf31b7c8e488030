// Package auth gates the depot API behind a single shared credential and
// carries request identity through the context.
package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/depot/pkg/api"
)

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
	"/api/login",
	"/version",
}

// isPublicPath checks if the path should be accessible without auth.
// Downloads stay public so devices can fetch updates without a session.
func isPublicPath(path string) bool {
	if strings.HasPrefix(path, "/download/") {
		return true
	}
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware creates the credential gate. Bearer tokens are checked by
// tokens; HTTP Basic is checked against creds. When creds are not enabled
// every request passes. A nil tokens rejects Bearer auth.
func NewMiddleware(creds Credentials, tokens *TokenIssuer) func(http.Handler) http.Handler {
	logger := slog.Default().With("component", "auth")
	return func(next http.Handler) http.Handler {
		if !creds.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}

			scheme, value, ok := strings.Cut(authHeader, " ")
			if !ok {
				api.WriteUnauthorized(w, "Invalid Authorization header format")
				return
			}

			var principal *Principal
			switch strings.ToLower(scheme) {
			case "bearer":
				if tokens == nil {
					api.WriteUnauthorized(w, "Token authentication not configured")
					return
				}
				claims, err := tokens.Validate(strings.TrimSpace(value))
				if err != nil {
					logger.DebugContext(r.Context(), "token rejected", "error", err, "request_id", GetRequestID(r.Context()))
					api.WriteUnauthorized(w, "Invalid or expired token")
					return
				}
				principal = &Principal{Subject: claims.Subject, Method: "bearer"}
			case "basic":
				user, pass, ok := r.BasicAuth()
				if !ok || creds.Verify(user, pass) != nil {
					logger.InfoContext(r.Context(), "basic auth rejected", "user", user, "request_id", GetRequestID(r.Context()))
					api.WriteUnauthorized(w, "Invalid username or password")
					return
				}
				principal = &Principal{Subject: user, Method: "basic"}
			default:
				api.WriteUnauthorized(w, "Unsupported Authorization scheme (expected Bearer or Basic)")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}
