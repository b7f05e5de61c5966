// Package middleware contains HTTP middleware for the agent's local API.
package middleware

import (
	"net/http"

	"appfleet/internal/auth"
)

// RequireToken middleware ensures the request carries a bearer token whose
// SHA-256 hash is tokenHash. An empty tokenHash disables the check.
func RequireToken(tokenHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if tokenHash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Missing authorization header", http.StatusUnauthorized)
				return
			}

			token, ok := auth.BearerToken(authHeader)
			if !ok {
				http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
				return
			}

			if !auth.Matches(token, tokenHash) {
				http.Error(w, "Invalid authorization token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
