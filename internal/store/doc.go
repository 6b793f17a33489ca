// Package store provides persistent storage for parlor using SQLite.
//
// # Data Models
//
//   - Account: a user, operator, persona, or admin with a coin balance
//   - LedgerEntry: one balance change, negative for debits
//   - Conversation: a two-party chat carrying the operator lock fields
//   - Message: a single chat message with its kind and cost
//
// SQLiteStore implements everything in one struct. Consumers declare the
// narrow interface they need (see ledger, lock, conversation, followup).
//
// # Concurrency
//
// The pool is capped at one connection and every balance or lock change is a
// single conditional UPDATE:
//
//	UPDATE accounts SET balance = balance - ? WHERE id = ? AND balance >= ?
//	UPDATE conversations SET locked_by = ? ... WHERE locked_by IS NULL OR ...
//
// A zero-row result is the failure signal, so two callers can never both
// pass a check that only one of them should.
//
// CommitMessage is the only write path for messages. It debits, stamps
// sent_at strictly after the conversation's last activity, inserts, and
// bumps last_activity_at in one transaction.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrInsufficientFunds: debit larger than the balance
//   - ErrDuplicateConversation: pair already has a conversation
//   - ErrAccountExists: account ID taken
//   - ErrSuperseded: guarded write lost to a newer message
//
// Use NewSQLiteStore(":memory:") or a t.TempDir() path for tests.
package store
