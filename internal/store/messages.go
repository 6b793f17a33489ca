// ABOUTME: Message persistence for SQLiteStore
// ABOUTME: CommitMessage debits, stamps, inserts, and bumps activity in one transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CommitMessage persists a message. In one transaction it:
//   - abandons with ErrSuperseded if UnlessLatestFrom sent the newest message
//   - debits Cost from SenderID, failing with ErrInsufficientFunds
//   - stamps SentAt strictly after the conversation's last activity
//   - inserts the message and advances last_activity_at
//
// Nothing is written when any step fails.
func (s *SQLiteStore) CommitMessage(ctx context.Context, nm NewMessage) (*Message, error) {
	if nm.Cost < 0 {
		return nil, fmt.Errorf("message cost must be non-negative, got %d", nm.Cost)
	}
	kind := nm.Kind
	if kind == "" {
		kind = KindText
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid message kind %q", kind)
	}

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: nm.ConversationID,
		SenderID:       nm.SenderID,
		Body:           nm.Body,
		Kind:           kind,
		Cost:           nm.Cost,
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var lastActivity int64
		err := tx.QueryRowContext(ctx,
			`SELECT last_activity_at FROM conversations WHERE id = ?`, nm.ConversationID,
		).Scan(&lastActivity)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading conversation: %w", err)
		}

		if nm.UnlessLatestFrom != "" {
			var latest string
			err := tx.QueryRowContext(ctx, `
				SELECT sender_id FROM messages
				WHERE conversation_id = ?
				ORDER BY sent_at DESC, rowid DESC
				LIMIT 1
			`, nm.ConversationID).Scan(&latest)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("reading latest message: %w", err)
			}
			if latest == nm.UnlessLatestFrom {
				return ErrSuperseded
			}
		}

		if nm.Cost > 0 {
			if _, err := s.debit(ctx, tx, nm.SenderID, nm.Cost, ReasonMessage, msg.ID); err != nil {
				return err
			}
		}

		sentAt := s.clock.Now().UTC().UnixNano()
		if sentAt <= lastActivity {
			sentAt = lastActivity + 1
		}
		msg.SentAt = fromNanos(sentAt)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, body, kind, cost, sent_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, msg.ID, msg.ConversationID, msg.SenderID, msg.Body, string(msg.Kind), msg.Cost, sentAt); err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET last_activity_at = ? WHERE id = ?`, sentAt, nm.ConversationID,
		); err != nil {
			return fmt.Errorf("updating last activity: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("committed message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"sender", msg.SenderID,
		"cost", msg.Cost,
	)
	return msg, nil
}

// GetMessages retrieves messages for a conversation.
// Messages are returned in chronological order (oldest first).
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		// Take the N most recent, then flip back to ascending
		query = `
			SELECT id, conversation_id, sender_id, body, kind, cost, sent_at
			FROM (
				SELECT id, conversation_id, sender_id, body, kind, cost, sent_at, rowid AS rid
				FROM messages
				WHERE conversation_id = ?
				ORDER BY sent_at DESC, rowid DESC
				LIMIT ?
			)
			ORDER BY sent_at ASC, rid ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT id, conversation_id, sender_id, body, kind, cost, sent_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY sent_at ASC, rowid ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// GetLatestMessage returns the newest message in a conversation.
// Returns ErrNotFound if the conversation has no messages.
func (s *SQLiteStore) GetLatestMessage(ctx context.Context, conversationID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, body, kind, cost, sent_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at DESC, rowid DESC
		LIMIT 1
	`, conversationID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

// CountMessagesFrom counts messages sent by senderID in a conversation.
func (s *SQLiteStore) CountMessagesFrom(ctx context.Context, conversationID, senderID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND sender_id = ?`,
		conversationID, senderID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var kind string
	var sentAt int64
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Body, &kind, &msg.Cost, &sentAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning message row: %w", err)
	}
	msg.Kind = MessageKind(kind)
	msg.SentAt = fromNanos(sentAt)
	return &msg, nil
}
