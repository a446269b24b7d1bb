// ABOUTME: HTTP middleware for JWT authentication on relay endpoints
// ABOUTME: Extracts the bearer token, checks the account still exists, adds identity to context

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/2389/coven-a2a/internal/store"
)

// AccountLookup is the subset of store.Accounts the middleware needs.
type AccountLookup interface {
	GetAccount(ctx context.Context, address string) (*store.Account, error)
}

// ExtractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func ExtractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// HTTPAuthMiddleware creates an HTTP middleware that validates the session
// token and rejects tokens whose account has been deleted since issue.
func HTTPAuthMiddleware(accounts AccountLookup, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := ExtractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			address, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			if _, err := accounts.GetAccount(r.Context(), address); err != nil {
				http.Error(w, `{"error":"account not found"}`, http.StatusUnauthorized)
				return
			}

			ctx := WithAuth(r.Context(), &AuthContext{Address: address})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
