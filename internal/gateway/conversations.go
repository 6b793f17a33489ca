// ABOUTME: HTTP handlers for conversations, messages, operator locks, and pending followups
// ABOUTME: Message sends honor Idempotency-Key so retried posts are never charged twice

package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/2389/parlor/internal/conversation"
	"github.com/2389/parlor/internal/dedupe"
	"github.com/2389/parlor/internal/followup"
	"github.com/2389/parlor/internal/store"
)

// StartConversationRequest is the body of POST /api/conversations.
type StartConversationRequest struct {
	ParticipantID string `json:"participant_id"`
}

// SendMessageRequest is the body of POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Body string            `json:"body"`
	Kind store.MessageKind `json:"kind,omitempty"`
}

// LockResponse describes a granted or refreshed operator lock.
type LockResponse struct {
	LockedBy   string    `json:"locked_by"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LockStatusResponse is returned by GET /api/conversations/{id}/lock.
// Both fields are null when the conversation is unlocked.
type LockStatusResponse struct {
	LockedBy   *string    `json:"locked_by"`
	HolderName *string    `json:"holder_name"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultListLimit)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	convs, err := g.conversation.List(r.Context(), actorFrom(r), limit)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// handleStartConversation returns 201 for a new conversation and 200 when
// the pair already had one.
func (g *Gateway) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	var req StartConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}

	conv, created, err := g.conversation.Start(r.Context(), actorFrom(r), strings.TrimSpace(req.ParticipantID))
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	g.writeJSON(w, status, conv)
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.conversation.Get(r.Context(), actorFrom(r), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := g.conversation.Delete(r.Context(), actorFrom(r), r.PathValue("id")); err != nil {
		g.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultListLimit)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	msgs, err := g.conversation.History(r.Context(), actorFrom(r), r.PathValue("id"), limit)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleSendMessage records a message from the caller. A repeated
// Idempotency-Key from the same account inside the replay window is
// rejected with 409 before anything is debited.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	actor := actorFrom(r)

	var idemKey string
	if k := strings.TrimSpace(r.Header.Get("Idempotency-Key")); k != "" {
		idemKey = dedupe.Key(actor.AccountID, k)
		if g.dedupe.CheckAndMark(idemKey) {
			g.logger.Debug("duplicate send rejected", "account_id", actor.AccountID, "idempotency_key", k)
			g.sendJSONError(w, http.StatusConflict, "duplicate request")
			return
		}
	}

	msg, err := g.conversation.Send(r.Context(), conversation.SendRequest{
		ConversationID: r.PathValue("id"),
		Actor:          actor,
		Body:           req.Body,
		Kind:           req.Kind,
	})
	if err != nil {
		// Nothing was committed, so the key may be retried.
		if idemKey != "" {
			g.dedupe.Forget(idemKey)
		}
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

// handleAcquireLock grants or refreshes the caller's lock. A lock held by
// another operator is a 409 naming the holder, not an error.
func (g *Gateway) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	id := r.PathValue("id")
	if _, err := g.conversation.Get(r.Context(), actor, id); err != nil {
		g.writeError(w, r, err)
		return
	}

	res, err := g.locks.Acquire(r.Context(), id, actor.AccountID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if !res.Granted {
		g.writeJSON(w, http.StatusConflict, map[string]string{
			"error":     "conversation is locked by another operator",
			"locked_by": res.Holder,
		})
		return
	}
	g.writeJSON(w, http.StatusOK, LockResponse{
		LockedBy:   res.Holder,
		AcquiredAt: res.AcquiredAt,
		ExpiresAt:  res.AcquiredAt.Add(g.locks.TTL()),
	})
}

func (g *Gateway) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	id := r.PathValue("id")
	if _, err := g.conversation.Get(r.Context(), actor, id); err != nil {
		g.writeError(w, r, err)
		return
	}

	if err := g.locks.Release(r.Context(), id, actor.AccountID); err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]bool{"released": true})
}

// handleLockStatus reports the current holder. Reading clears an expired lock.
func (g *Gateway) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.conversation.CanView(r.Context(), actorFrom(r), id); err != nil {
		g.writeError(w, r, err)
		return
	}

	st, err := g.locks.Status(r.Context(), id)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	var resp LockStatusResponse
	if st.Locked {
		resp.LockedBy = &st.Holder
		resp.ExpiresAt = &st.ExpiresAt
		if holder, err := g.store.GetAccount(r.Context(), st.Holder); err == nil {
			resp.HolderName = &holder.DisplayName
		}
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleListFollowups(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.conversation.CanView(r.Context(), actorFrom(r), id); err != nil {
		g.writeError(w, r, err)
		return
	}

	pending := []followup.Followup{}
	if g.followups != nil {
		pending = append(pending, g.followups.Pending(id)...)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"followups": pending})
}
