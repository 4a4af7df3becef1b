// Package middleware provides HTTP middleware: service-token auth,
// per-client rate limiting, and request ids.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"querygrid/internal/auth"
	"querygrid/internal/domain"
)

type claimsKey struct{}

// WithClaims stores verified token claims in the context.
func WithClaims(ctx context.Context, c *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext extracts verified token claims from the context.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return c, ok
}

// Auth verifies the Authorization bearer token and stores its claims in
// the request context. Requests without a verifiable token are rejected.
func Auth(tokens *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeAuthError(w, domain.ErrUnauthorized(domain.CodeMissingServiceToken, "missing bearer service token"))
				return
			}
			claims, err := tokens.Verify(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				writeAuthError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    domain.ErrorCode(err),
			"message": err.Error(),
		},
	})
}
