// ABOUTME: Tests for the HTTP API handlers against a real SQLite store
// ABOUTME: Covers billing statuses, idempotent sends, operator locks, admin accounts, and followups

package gateway

import (
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parlor/internal/followup"
	"github.com/2389/parlor/internal/store"
)

type messageResponse struct {
	Message store.Message `json:"message"`
}

// startConversation opens a conversation between a user and a persona and
// returns its id.
func (h *harness) startConversation(t *testing.T, userID, personaID string) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/conversations", h.token(t, userID, store.RoleUser),
		StartConversationRequest{ParticipantID: personaID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[store.Conversation](t, rec).ID
}

func (h *harness) balance(t *testing.T, id string) int64 {
	t.Helper()
	acct, err := h.gw.store.GetAccount(t.Context(), id)
	require.NoError(t, err)
	return acct.Balance
}

func TestAPI_Conversations(t *testing.T) {
	h := newHarness(t)
	h.account(t, "u1", store.RoleUser, "Uma", 0)
	h.account(t, "u2", store.RoleUser, "Ugo", 0)
	h.account(t, "p1", store.RolePersona, "Pia", 0)
	userTok := h.token(t, "u1", store.RoleUser)

	convID := h.startConversation(t, "u1", "p1")

	t.Run("start again returns the same conversation", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/conversations", userTok, StartConversationRequest{ParticipantID: "p1"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, convID, decode[store.Conversation](t, rec).ID)
	})

	t.Run("start with yourself is invalid", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/conversations", userTok, StartConversationRequest{ParticipantID: "u1"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("start with unknown account", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/conversations", userTok, StartConversationRequest{ParticipantID: "ghost"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/conversations", userTok, map[string]string{"participant": "p1"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("participant reads metadata", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/api/conversations/"+convID, userTok, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		conv := decode[store.Conversation](t, rec)
		assert.True(t, conv.HasParticipant("p1"))
		assert.Nil(t, conv.LockedBy)
	})

	t.Run("stranger is forbidden", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/api/conversations/"+convID, h.token(t, "u2", store.RoleUser), nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/api/conversations", userTok, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[struct {
			Conversations []store.Conversation `json:"conversations"`
		}](t, rec)
		require.Len(t, body.Conversations, 1)
		assert.Equal(t, convID, body.Conversations[0].ID)

		rec = h.do(t, http.MethodGet, "/api/conversations", h.token(t, "u2", store.RoleUser), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"conversations":[]}`, rec.Body.String())
	})

	t.Run("bad limit", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/api/conversations?limit=abc", userTok, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAPI_DeleteConversation(t *testing.T) {
	h := newHarness(t)
	h.account(t, "u1", store.RoleUser, "Uma", 100)
	h.account(t, "u2", store.RoleUser, "Ugo", 0)
	h.account(t, "p1", store.RolePersona, "Pia", 0)
	convID := h.startConversation(t, "u1", "p1")

	rec := h.do(t, http.MethodPost, "/api/conversations/"+convID+"/messages", h.token(t, "p1", store.RolePersona),
		SendMessageRequest{Body: "hey there"})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, h.gw.followups.Pending(convID), 1)

	rec = h.do(t, http.MethodDelete, "/api/conversations/"+convID, h.token(t, "u2", store.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/conversations/"+convID, h.token(t, "u1", store.RoleUser), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.Empty(t, h.gw.followups.Pending(convID), "delete cancels pending nudges")

	rec = h.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages", h.token(t, "u1", store.RoleUser), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_SendMessage_DebitsSender(t *testing.T) {
	h := newHarness(t)
	h.account(t, "u1", store.RoleUser, "Uma", 100)
	h.account(t, "p1", store.RolePersona, "Pia", 0)
	convID := h.startConversation(t, "u1", "p1")
	userTok := h.token(t, "u1", store.RoleUser)

	rec := h.do(t, http.MethodPost, "/api/conversations/"+convID+"/messages", userTok,
		SendMessageRequest{Body: "hello"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	msg := decode[messageResponse](t, rec).Message
	assert.Equal(t, "u1", msg.SenderID)
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, store.KindText, msg.Kind)
	assert.Equal(t, int64(5), msg.Cost)
	assert.Equal(t, int64(95), h.balance(t, "u1"))

	rec = h.do(t, http.MethodPost, "/api/conversations/"+convID+"/messages", userTok,
		SendMessageRequest{Body: "a rose", Kind: store.KindGift})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(70), h.balance(t, "u1"))

	rec = h.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages", userTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[struct {
		Messages []store.Message `json:"messages"`
	}](t, rec)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "hello", history.Messages[0].Body)
	assert.Equal(t, "a rose", history.Messages[1].Body)
	assert.True(t, history.Messages[1].SentAt.After(history.Messages[0].SentAt))

	rec = h.do(t, http.MethodGet, "/api/accounts/me/ledger", userTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ledger := decode[struct {
		Entries []store.LedgerEntry `json:"entries"`
	}](t, rec)
	require.Len(t, ledger.Entries, 3, "initial grant plus two debits")
	assert.Equal(t, int64(-25), ledger.Entries[0].Delta)
	assert.Equal(t, int64(70), ledger.Entries[0].BalanceAfter)
}

func TestAPI_SendMessage_InsufficientFunds(t *testing.T) {
	h := newHarness(t)
	h.account(t, "u1", store.RoleUser, "Uma", 3)
	h.account(t, "p1", store.RolePersona, "Pia", 0)
	convID := h.startConversation(t, "u1", "p1")
	userTok := h.token(t, "u1", store.RoleUser)

	rec := h.do(t, http.MethodPost, "/api/conversations/"+convID+"/messages", userTok,
		SendMessageRequest{Body: "hello"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.JSONEq(t, `{"error":"insufficient funds"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	assert.Equal(t, int64(3), h.balance(t, "u1"))
	rec = h.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages", userTok, nil)
	assert.JSONEq(t, `{"messages":[]}`, rec.Body.String())
}

func TestAPI_SendMessage_Errors(t *testing.T) {
	h := newHarness(t)
	h.account(t, "u1", store.RoleUser, "Uma", 100)
	h.account(t, "u2", store.RoleUser, "Ugo", 100)
	h.account(t, "p1", store.RolePersona, "Pia", 0)
	convID := h.startConversation(t, "u1", "p1")

	tests := []struct {
		name   string
		token  string
		path   string
		body   any
		status int
	}{
		{"unknown conversation", h.token(t, "u1", store.RoleUser), "/api/conversations/nope/messages", SendMessageRequest{Body: "hi"}, http.StatusNotFound},
		{"not a participant", h.token(t, "u2", store.RoleUser), "/api/conversations/" + convID + "/messages", SendMessageRequest{Body: "hi"}, http.StatusForbidden},
		{"empty body", h.token(t, "u1", store.RoleUser), "/api/conversations/" + convID + "/messages", SendMessageRequest{Body: "  "}, http.StatusBadRequest},
		{"unknown kind", h.token(t, "u1", store.RoleUser), "/api/conversations/" + convID + "/messages", SendMessageRequest{Body: "hi", Kind: "video"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	assert.Equal(t, int64(100), h.balance(t, "u1"))
	assert.Equal(t, int64(100), h.balance(t, "u2"))
}

func TestAPI_SendMessage_IdempotencyKey(t *testing.T) {
	h := newHarness(t)
	h.account(t, "u1", store.RoleUser, "Uma", 100)
	h.account(t, "p1", store.RolePersona, "Pia", 0)
	convID := h.startConversation(t, "u1", "p1")
	userTok := h.token(t, "u1", store.RoleUser)
	path := "/api/conversations/" + convID + "/messages"

	rec := h.do(t, http.MethodPost, path, userTok, SendMessageRequest{Body: "hello"}, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodPost, path, userTok, SendMessageRequest{Body: "hello"}, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, int64(95), h.balance(t, "u1"), "replay is not charged")

	rec = h.do(t, http.MethodPost, path, userTok, SendMessageRequest{Body: "hello again"}, "Idempotency-Key", "k-2")
	require.Equal(t, http.StatusCreated, rec.Code)

	// The replay window is bounded.
	h.clock.Advance(11 * time.Minute)
	rec = h.do(t, http.MethodPost, path, userTok, SendMessageRequest{Body: "hello"}, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(85), h.balance(t, "u1"))
}

func TestAPI_SendMessage_FailedSendFreesIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	h.account(t, "u1", store.RoleUser, "Uma", 0)
	h.account(t, "p1", store.RolePersona, "Pia", 0)
	h.account(t, "a1", store.RoleAdmin, "Ada", 0)
	convID := h.startConversation(t, "u1", "p1")
	userTok := h.token(t, "u1", store.RoleUser)
	path := "/api/conversations/" + convID + "/messages"

	rec := h.do(t, http.MethodPost, path, userTok, SendMessageRequest{Body: "hello"}, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/admin/accounts/u1/grant", h.token(t, "a1", store.RoleAdmin), GrantRequest{Coins: 10})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, path, userTok, SendMessageRequest{Body: "hello"}, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(5), h.balance(t, "u1"))
}

func TestAPI_ConcurrentSendsNeverOverdraw(t *testing.T) {
	h := newHarness(t)
	h.account(t, "u1", store.RoleUser, "Uma", 12)
	h.account(t, "p1", store.RolePersona, "Pia", 0)
	convID := h.startConversation(t, "u1", "p1")
	userTok := h.token(t, "u1", store.RoleUser)

	var mu sync.Mutex
	codes := map[int]int{}
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Go(func() {
			rec := h.do(t, http.MethodPost, "/api/conversations/"+convID+"/messages", userTok,
				SendMessageRequest{Body: fmt.Sprintf("msg %d", i)})
			mu.Lock()
			codes[rec.Code]++
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.Equal(t, 2, codes[http.StatusCreated])
	assert.Equal(t, 3, codes[http.StatusPaymentRequired])
	assert.Equal(t, int64(2), h.balance(t, "u1"))
}

func TestAPI_OperatorLocks(t *testing.T) {
	h := newHarness(t)
	h.account(t, "u1", store.RoleUser, "Uma", 100)
	h.account(t, "p1", store.RolePersona, "Pia", 0)
	h.account(t, "op1", store.RoleOperator, "Olivia", 0)
	h.account(t, "op2", store.RoleOperator, "Otto", 0)
	convID := h.startConversation(t, "u1", "p1")
	op1 := h.token(t, "op1", store.RoleOperator)
	op2 := h.token(t, "op2", store.RoleOperator)
	base := "/api/conversations/" + convID

	rec := h.do(t, http.MethodGet, base+"/lock", op1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"locked_by":null,"holder_name":null}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, base+"/lock", op1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	granted := decode[LockResponse](t, rec)
	assert.Equal(t, "op1", granted.LockedBy)
	assert.WithinDuration(t, testEpoch, granted.AcquiredAt, 0)
	assert.WithinDuration(t, testEpoch.Add(h.gw.locks.TTL()), granted.ExpiresAt, 0)

	rec = h.do(t, http.MethodPost, base+"/lock", op2, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "op1", decode[map[string]string](t, rec)["locked_by"])

	rec = h.do(t, http.MethodPost, base+"/unlock", op2, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodGet, base+"/lock", h.token(t, "u1", store.RoleUser), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[LockStatusResponse](t, rec)
	require.NotNil(t, status.LockedBy)
	require.NotNil(t, status.HolderName)
	assert.Equal(t, "op1", *status.LockedBy)
	assert.Equal(t, "Olivia", *status.HolderName)

	rec = h.do(t, http.MethodPost, base+"/unlock", op1, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, base+"/lock", op2, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "op2", decode[LockResponse](t, rec).LockedBy)
}

func TestAPI_LockRoleAndExistence(t *testing.T) {
	h := newHarness(t)
	h.account(t, "u1", store.RoleUser, "Uma", 100)
	h.account(t, "p1", store.RolePersona, "Pia", 0)
	h.account(t, "op1", store.RoleOperator, "Olivia", 0)
	convID := h.startConversation(t, "u1", "p1")

	rec := h.do(t, http.MethodPost, "/api/conversations/"+convID+"/lock", h.token(t, "u1", store.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/conversations/missing/lock", h.token(t, "op1", store.RoleOperator), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/conversations/missing/lock", h.token(t, "op1", store.RoleOperator), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_LockExpiresOnRead(t *testing.T) {
	h := newHarness(t)
	h.account(t, "u1", store.RoleUser, "Uma", 100)
	h.account(t, "p1", store.RolePersona, "Pia", 0)
	h.account(t, "op1", store.RoleOperator, "Olivia", 0)
	h.account(t, "op2", store.RoleOperator, "Otto", 0)
	convID := h.startConversation(t, "u1", "p1")
	base := "/api/conversations/" + convID

	rec := h.do(t, http.MethodPost, base+"/lock", h.token(t, "op1", store.RoleOperator), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	h.clock.Advance(h.gw.locks.TTL() + time.Second)

	rec = h.do(t, http.MethodGet, base+"/lock", h.token(t, "op2", store.RoleOperator), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"locked_by":null,"holder_name":null}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, base+"/lock", h.token(t, "op2", store.RoleOperator), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "op2", decode[LockResponse](t, rec).LockedBy)
}

func TestAPI_OperatorSendRequiresLock(t *testing.T) {
	h := newHarness(t)
	h.account(t, "u1", store.RoleUser, "Uma", 100)
	h.account(t, "p1", store.RolePersona, "Pia", 0)
	h.account(t, "op1", store.RoleOperator, "Olivia", 0)
	convID := h.startConversation(t, "u1", "p1")
	op1 := h.token(t, "op1", store.RoleOperator)
	base := "/api/conversations/" + convID

	rec := h.do(t, http.MethodPost, base+"/messages", op1, SendMessageRequest{Body: "hi, it's Pia"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"conversation lock required"}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, base+"/lock", op1, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, base+"/messages", op1, SendMessageRequest{Body: "hi, it's Pia"})
	require.Equal(t, http.StatusCreated, rec.Code)
	msg := decode[messageResponse](t, rec).Message
	assert.Equal(t, "p1", msg.SenderID, "operators write as the persona")
	assert.Zero(t, msg.Cost)
	assert.Zero(t, h.balance(t, "op1"))

	rec = h.do(t, http.MethodGet, base+"/followups", op1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[struct {
		Followups []followup.Followup `json:"followups"`
	}](t, rec)
	require.Len(t, pending.Followups, 1)
	assert.Equal(t, 1, pending.Followups[0].Attempt)
	assert.WithinDuration(t, testEpoch.Add(30*time.Minute), pending.Followups[0].FireAt, 0)
}

func TestAPI_FollowupsAccess(t *testing.T) {
	h := newHarness(t)
	h.account(t, "u1", store.RoleUser, "Uma", 100)
	h.account(t, "p1", store.RolePersona, "Pia", 0)
	h.account(t, "a1", store.RoleAdmin, "Ada", 0)
	convID := h.startConversation(t, "u1", "p1")
	path := "/api/conversations/" + convID + "/followups"

	rec := h.do(t, http.MethodGet, path, h.token(t, "u1", store.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodGet, path, h.token(t, "a1", store.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"followups":[]}`, rec.Body.String())

	// A user reply cancels the nudge armed by the persona message.
	rec = h.do(t, http.MethodPost, "/api/conversations/"+convID+"/messages", h.token(t, "p1", store.RolePersona),
		SendMessageRequest{Body: "miss me?"})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, h.gw.followups.Pending(convID), 1)

	rec = h.do(t, http.MethodPost, "/api/conversations/"+convID+"/messages", h.token(t, "u1", store.RoleUser),
		SendMessageRequest{Body: "always"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, h.gw.followups.Pending(convID))
}

func TestAPI_AdminAccounts(t *testing.T) {
	h := newHarness(t)
	h.account(t, "a1", store.RoleAdmin, "Ada", 0)
	h.account(t, "u1", store.RoleUser, "Uma", 0)
	adminTok := h.token(t, "a1", store.RoleAdmin)

	rec := h.do(t, http.MethodPost, "/api/admin/accounts", adminTok, CreateAccountRequest{
		Role:        store.RolePersona,
		DisplayName: "Pia",
		Bio:         "likes hiking",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[store.Account](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, store.RolePersona, created.Role)

	rec = h.do(t, http.MethodPost, "/api/admin/accounts", adminTok, CreateAccountRequest{
		ID: "u2", Role: store.RoleUser, DisplayName: "Ugo", Grant: 50,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(50), h.balance(t, "u2"))

	rec = h.do(t, http.MethodPost, "/api/admin/accounts", adminTok, CreateAccountRequest{
		ID: "u2", Role: store.RoleUser, DisplayName: "Ugo again",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/admin/accounts", adminTok, CreateAccountRequest{Role: "king", DisplayName: "K"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/admin/accounts", h.token(t, "u1", store.RoleUser), CreateAccountRequest{
		Role: store.RoleAdmin, DisplayName: "Me",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/admin/accounts/u2/grant", adminTok, GrantRequest{Coins: 25})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(75), decode[map[string]any](t, rec)["balance"])

	rec = h.do(t, http.MethodPost, "/api/admin/accounts/ghost/grant", adminTok, GrantRequest{Coins: 25})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/admin/accounts/u2/grant", adminTok, GrantRequest{Coins: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
