// ABOUTME: Conversation persistence and the per-conversation operator lock
// ABOUTME: Lock transitions are compare-and-set UPDATEs so acquire/release never race

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const conversationColumns = `id, participant_a, participant_b, created_at, last_activity_at, locked_by, lock_time`

// CreateConversation inserts a new conversation between two distinct accounts.
// Returns ErrDuplicateConversation if the pair already has one, in either order.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.ParticipantA == conv.ParticipantB {
		return fmt.Errorf("conversation participants must differ")
	}
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	now := s.clock.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = conv.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, pair_key, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		conv.ID,
		conv.ParticipantA,
		conv.ParticipantB,
		pairKey(conv.ParticipantA, conv.ParticipantB),
		formatTime(conv.CreatedAt),
		conv.LastActivityAt.UnixNano(),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "a", conv.ParticipantA, "b", conv.ParticipantB)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
}

// GetConversationByParticipants finds the conversation between two accounts,
// regardless of argument order.
func (s *SQLiteStore) GetConversationByParticipants(ctx context.Context, a, b string) (*Conversation, error) {
	return scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE pair_key = ?`, pairKey(a, b)))
}

// ListConversations returns conversations involving accountID, most recently
// active first. If limit is 0 or negative, all are returned.
func (s *SQLiteStore) ListConversations(ctx context.Context, accountID string, limit int) ([]*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY last_activity_at DESC
	`
	args := []any{accountID, accountID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

// DeleteConversation removes a conversation and all of its messages.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting conversation: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		s.logger.Debug("deleted conversation", "id", id)
		return nil
	})
}

// AcquireLock grants the conversation lock to operatorID when it is free,
// already held by operatorID (refreshing lock_time), or held by someone whose
// lock_time is before expiredBefore. On conflict it returns granted=false and
// the current holder.
func (s *SQLiteStore) AcquireLock(ctx context.Context, conversationID, operatorID string, expiredBefore time.Time) (LockState, bool, error) {
	now := s.clock.Now().UTC()

	var state LockState
	var granted bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE conversations SET locked_by = ?, lock_time = ?
			WHERE id = ?
			  AND (locked_by IS NULL OR locked_by = ? OR lock_time < ?)
		`, operatorID, now.UnixNano(), conversationID, operatorID, expiredBefore.UnixNano())
		if err != nil {
			return fmt.Errorf("acquiring lock: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 1 {
			granted = true
			state = LockState{Holder: operatorID, AcquiredAt: now}
			return nil
		}

		var holder sql.NullString
		var lockTime sql.NullInt64
		err = tx.QueryRowContext(ctx,
			`SELECT locked_by, lock_time FROM conversations WHERE id = ?`, conversationID,
		).Scan(&holder, &lockTime)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading lock holder: %w", err)
		}
		state = LockState{Holder: holder.String, AcquiredAt: fromNanos(lockTime.Int64)}
		return nil
	})
	return state, granted, err
}

// ReleaseLock clears the lock if operatorID holds it. Returns released=false
// when the lock is free or held by someone else.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, conversationID, operatorID string) (bool, error) {
	var released bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE conversations SET locked_by = NULL, lock_time = NULL
			WHERE id = ? AND locked_by = ?
		`, conversationID, operatorID)
		if err != nil {
			return fmt.Errorf("releasing lock: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 1 {
			released = true
			return nil
		}
		return conversationExists(ctx, tx, conversationID)
	})
	return released, err
}

// ClearExpiredLock clears one conversation's lock if its lock_time is before
// expiredBefore. Reports whether a lock was cleared.
func (s *SQLiteStore) ClearExpiredLock(ctx context.Context, conversationID string, expiredBefore time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET locked_by = NULL, lock_time = NULL
		WHERE id = ? AND locked_by IS NOT NULL AND lock_time < ?
	`, conversationID, expiredBefore.UnixNano())
	if err != nil {
		return false, fmt.Errorf("clearing expired lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n == 1, nil
}

// ClearExpiredLocks clears every lock whose lock_time is before expiredBefore
// and returns the IDs of the conversations it unlocked.
func (s *SQLiteStore) ClearExpiredLocks(ctx context.Context, expiredBefore time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE conversations SET locked_by = NULL, lock_time = NULL
		WHERE locked_by IS NOT NULL AND lock_time < ?
		RETURNING id
	`, expiredBefore.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("clearing expired locks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning cleared lock: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cleared locks: %w", err)
	}
	return ids, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var createdAt string
	var lastActivity int64
	var lockedBy sql.NullString
	var lockTime sql.NullInt64

	err := row.Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB, &createdAt, &lastActivity, &lockedBy, &lockTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.LastActivityAt = fromNanos(lastActivity)
	if lockedBy.Valid && lockTime.Valid {
		holder := lockedBy.String
		at := fromNanos(lockTime.Int64)
		conv.LockedBy = &holder
		conv.LockTime = &at
	}
	return &conv, nil
}

func conversationExists(ctx context.Context, q execer, id string) error {
	var exists int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking conversation: %w", err)
	}
	return nil
}
