// ABOUTME: HTTP API routing, JSON helpers, and the error-to-status mapping
// ABOUTME: Also serves account balance, ledger history, and admin account management

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/parlor/internal/auth"
	"github.com/2389/parlor/internal/conversation"
	"github.com/2389/parlor/internal/lock"
	"github.com/2389/parlor/internal/store"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 64 << 10

// defaultListLimit applies when ?limit is absent.
const defaultListLimit = 50

// routes registers every HTTP route. Health endpoints are open; everything
// under /api/ requires an authenticated account.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	operators := auth.RequireRole(store.RoleOperator)
	staff := auth.RequireRole(store.RoleOperator, store.RoleAdmin)
	admins := auth.RequireRole(store.RoleAdmin)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/accounts/me", g.handleMe)
	api.HandleFunc("GET /api/accounts/me/ledger", g.handleMyLedger)
	api.Handle("POST /api/admin/accounts", admins(http.HandlerFunc(g.handleCreateAccount)))
	api.Handle("POST /api/admin/accounts/{id}/grant", admins(http.HandlerFunc(g.handleGrant)))

	api.HandleFunc("GET /api/conversations", g.handleListConversations)
	api.HandleFunc("POST /api/conversations", g.handleStartConversation)
	api.HandleFunc("GET /api/conversations/{id}", g.handleGetConversation)
	api.HandleFunc("DELETE /api/conversations/{id}", g.handleDeleteConversation)
	api.HandleFunc("GET /api/conversations/{id}/messages", g.handleListMessages)
	api.HandleFunc("POST /api/conversations/{id}/messages", g.handleSendMessage)
	api.HandleFunc("GET /api/conversations/{id}/events", g.handleEvents)

	api.HandleFunc("GET /api/conversations/{id}/lock", g.handleLockStatus)
	api.Handle("POST /api/conversations/{id}/lock", operators(http.HandlerFunc(g.handleAcquireLock)))
	api.Handle("POST /api/conversations/{id}/unlock", operators(http.HandlerFunc(g.handleReleaseLock)))
	api.Handle("GET /api/conversations/{id}/followups", staff(http.HandlerFunc(g.handleListFollowups)))

	mux.Handle("/api/", g.authenticate(api))
	return mux
}

// authenticate picks the identity mode: bearer JWTs when a secret is
// configured, otherwise trusted proxy headers.
func (g *Gateway) authenticate(next http.Handler) http.Handler {
	if g.verifier != nil {
		return auth.HTTPAuthMiddleware(g.store, g.verifier)(next)
	}
	return auth.TrustedHeaderMiddleware(g.store)(next)
}

// actorFrom converts the request's AuthContext into a service Actor.
func actorFrom(r *http.Request) conversation.Actor {
	a := auth.MustFromContext(r.Context())
	return conversation.Actor{AccountID: a.AccountID, Role: a.Role}
}

// statusFor maps service errors to HTTP statuses and client-safe messages.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, store.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient funds"
	case errors.Is(err, conversation.ErrLockRequired):
		return http.StatusForbidden, "conversation lock required"
	case errors.Is(err, conversation.ErrForbidden), errors.Is(err, lock.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, conversation.ErrInvalid):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrAccountExists):
		return http.StatusConflict, "account already exists"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// writeError maps err and writes it. Unexpected errors are logged since
// the client only sees a generic message.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	g.sendJSONError(w, status, msg)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

// writeJSON writes v as a JSON response.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to encode response", "error", err)
	}
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", conversation.ErrInvalid, err)
	}
	return nil
}

// parseLimit reads ?limit, defaulting when absent.
func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", conversation.ErrInvalid)
	}
	return n, nil
}

// handleMe returns the caller's account, including its balance.
func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	acct, err := g.store.GetAccount(r.Context(), actorFrom(r).AccountID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, acct)
}

// handleMyLedger returns the caller's most recent balance changes.
func (g *Gateway) handleMyLedger(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultListLimit)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	entries, err := g.ledger.History(r.Context(), actorFrom(r).AccountID, limit)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*store.LedgerEntry{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// CreateAccountRequest is the body of POST /api/admin/accounts.
type CreateAccountRequest struct {
	ID          string     `json:"id,omitempty"`
	Role        store.Role `json:"role"`
	DisplayName string     `json:"display_name"`
	Bio         string     `json:"bio,omitempty"`
	Grant       int64      `json:"grant,omitempty"`
}

func (g *Gateway) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if !req.Role.Valid() {
		g.sendJSONError(w, http.StatusBadRequest, "role must be one of user, operator, persona, admin")
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "display_name is required")
		return
	}
	if req.Grant < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "grant must be non-negative")
		return
	}

	acct := &store.Account{
		ID:          strings.TrimSpace(req.ID),
		Role:        req.Role,
		DisplayName: strings.TrimSpace(req.DisplayName),
		Bio:         req.Bio,
		Balance:     req.Grant,
	}
	if err := g.store.CreateAccount(r.Context(), acct); err != nil {
		g.writeError(w, r, err)
		return
	}

	g.logger.Info("account created",
		"account_id", acct.ID,
		"role", acct.Role,
		"created_by", actorFrom(r).AccountID)
	g.writeJSON(w, http.StatusCreated, acct)
}

// GrantRequest is the body of POST /api/admin/accounts/{id}/grant.
type GrantRequest struct {
	Coins int64 `json:"coins"`
}

func (g *Gateway) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.Coins <= 0 {
		g.sendJSONError(w, http.StatusBadRequest, "coins must be positive")
		return
	}

	accountID := r.PathValue("id")
	balance, err := g.ledger.Credit(r.Context(), accountID, req.Coins, store.ReasonGrant)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"balance":    balance,
	})
}
