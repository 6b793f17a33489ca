// ABOUTME: Data types and sentinel errors for parlor persistence
// ABOUTME: Defines Account, LedgerEntry, Conversation, Message and the write request shapes

package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInsufficientFunds is returned when a debit would drive a balance negative
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrDuplicateConversation is returned when a conversation already exists for a participant pair
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrAccountExists is returned when creating an account whose ID is taken
var ErrAccountExists = errors.New("account already exists")

// ErrSuperseded is returned by a guarded message write when the latest
// message in the conversation already comes from the guarded sender.
var ErrSuperseded = errors.New("superseded by newer message")

// Role is the kind of account behind a principal.
type Role string

const (
	RoleUser     Role = "user"     // paying human
	RoleOperator Role = "operator" // human answering on behalf of personas
	RolePersona  Role = "persona"  // synthetic account
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleOperator, RolePersona, RoleAdmin:
		return true
	}
	return false
}

// Account is a participant identity with its coin balance.
// Balance is only ever changed through Debit, Credit, or CommitMessage.
type Account struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"display_name"`
	Bio         string    `json:"bio,omitempty"`
	Balance     int64     `json:"balance"`
	CreatedAt   time.Time `json:"created_at"`
}

// LedgerEntry records one balance change. Delta is negative for debits.
type LedgerEntry struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	Delta        int64     `json:"delta"`
	Reason       string    `json:"reason"`
	MessageID    string    `json:"message_id,omitempty"` // set when the change paid for a message
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// Ledger entry reasons
const (
	ReasonMessage = "message"
	ReasonGrant   = "grant"
	ReasonRefund  = "refund"
	ReasonDebit   = "debit"
)

// Conversation is a two-party chat. LockedBy and LockTime are either both
// set or both nil.
type Conversation struct {
	ID             string     `json:"id"`
	ParticipantA   string     `json:"participant_a"`
	ParticipantB   string     `json:"participant_b"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	LockedBy       *string    `json:"locked_by"`
	LockTime       *time.Time `json:"lock_time"`
}

// HasParticipant reports whether accountID is one of the two parties.
func (c *Conversation) HasParticipant(accountID string) bool {
	return c.ParticipantA == accountID || c.ParticipantB == accountID
}

// Counterpart returns the other party, or "" if accountID is not a participant.
func (c *Conversation) Counterpart(accountID string) string {
	switch accountID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	}
	return ""
}

// MessageKind constants
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindGift  MessageKind = "gift"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	return k == KindText || k == KindImage || k == KindGift
}

// Message is a single persisted chat message. SentAt is stamped by the
// store at commit time and never decreases within a conversation.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Body           string      `json:"body"`
	Kind           MessageKind `json:"kind"`
	Cost           int64       `json:"cost"`
	SentAt         time.Time   `json:"sent_at"`
}

// NewMessage describes a message write. Cost is debited from SenderID in
// the same transaction that inserts the message.
type NewMessage struct {
	ConversationID string
	SenderID       string
	Body           string
	Kind           MessageKind
	Cost           int64

	// UnlessLatestFrom, when set, abandons the write with ErrSuperseded if
	// the newest message in the conversation was sent by this account.
	UnlessLatestFrom string
}

// LockState is the current holder of a conversation lock.
type LockState struct {
	Holder     string
	AcquiredAt time.Time
}
