// ABOUTME: HTTP middleware for bearer JWT or trusted-header authentication on API endpoints
// ABOUTME: Confirms the account exists with the claimed role and adds AuthContext to the request

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/2389/parlor/internal/store"
)

// Headers read in trusted-header mode, set by an identity-aware proxy.
const (
	HeaderAccountID = "X-Parlor-Account"
	HeaderRole      = "X-Parlor-Role"
)

// AccountStore is the lookup the middleware uses to confirm an identity.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*store.Account, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
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

// confirm checks the claimed identity against the account table.
// Returns an error message (empty if allowed).
func confirm(ctx context.Context, accounts AccountStore, claims *Claims) string {
	acct, err := accounts.GetAccount(ctx, claims.AccountID)
	if err != nil {
		return "account not found"
	}
	if acct.Role != claims.Role {
		return "role does not match account"
	}
	return ""
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates JWT tokens.
func HTTPAuthMiddleware(accounts AccountStore, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			if errMsg = confirm(r.Context(), accounts, claims); errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			authCtx := &AuthContext{AccountID: claims.AccountID, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// TrustedHeaderMiddleware takes the identity from HeaderAccountID and
// HeaderRole. Only use it behind a proxy that sets and strips them.
func TrustedHeaderMiddleware(accounts AccountStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := &Claims{
				AccountID: strings.TrimSpace(r.Header.Get(HeaderAccountID)),
				Role:      store.Role(strings.TrimSpace(r.Header.Get(HeaderRole))),
			}
			if claims.AccountID == "" || !claims.Role.Valid() {
				http.Error(w, `{"error":"missing identity headers"}`, http.StatusUnauthorized)
				return
			}

			if errMsg := confirm(r.Context(), accounts, claims); errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			authCtx := &AuthContext{AccountID: claims.AccountID, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireRole creates an HTTP middleware that admits only the given roles.
// Must be used after HTTPAuthMiddleware or TrustedHeaderMiddleware.
func RequireRole(roles ...store.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}

			if !authCtx.HasRole(roles...) {
				http.Error(w, `{"error":"role not permitted"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
