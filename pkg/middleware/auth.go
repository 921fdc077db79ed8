package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// AnonymousPrincipal owns every job when no API keys are configured
const AnonymousPrincipal = "anonymous"

type principalKey struct{}

// Auth resolves the calling principal from an API key. Keys are read from
// the X-API-Key header, a bearer token, or the api_key query parameter for
// browser streaming clients. With no keys configured every request runs as
// the anonymous principal.
func Auth(keys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(keys) == 0 {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), AnonymousPrincipal)))
				return
			}

			principal, ok := lookupKey(keys, apiKey(r))
			if !ok {
				slog.Warn("Rejected unauthenticated request",
					"method", r.Method,
					"path", r.URL.Path,
					"correlation_id", GetCorrelationID(r),
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeErrorBody(w, http.StatusUnauthorized, ErrorBody{
					Error:    "Unauthorized",
					Message:  "a valid API key is required",
					Category: "authorization",
				})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func apiKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("api_key")
}

func lookupKey(keys map[string]string, presented string) (string, bool) {
	if presented == "" {
		return "", false
	}
	for key, principal := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			return principal, true
		}
	}
	return "", false
}

// WithPrincipal stores the principal in ctx
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// Principal returns the principal carried by ctx, empty when absent
func Principal(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}
