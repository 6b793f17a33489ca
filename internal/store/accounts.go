// ABOUTME: Account and ledger persistence for SQLiteStore
// ABOUTME: Balance changes are conditional single-statement updates paired with a ledger row

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateAccount inserts a new account. ID and CreatedAt are filled in when empty.
// Returns ErrAccountExists if the ID is taken.
func (s *SQLiteStore) CreateAccount(ctx context.Context, acct *Account) error {
	if !acct.Role.Valid() {
		return fmt.Errorf("invalid role %q", acct.Role)
	}
	if acct.Balance < 0 {
		return fmt.Errorf("initial balance must be non-negative")
	}
	if acct.ID == "" {
		acct.ID = uuid.New().String()
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = s.clock.Now().UTC()
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, role, display_name, bio, balance, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, acct.ID, string(acct.Role), acct.DisplayName, acct.Bio, acct.Balance, formatTime(acct.CreatedAt))
		if err != nil {
			if isConstraintViolation(err) {
				return ErrAccountExists
			}
			return fmt.Errorf("inserting account: %w", err)
		}

		if acct.Balance > 0 {
			if err := s.insertLedgerEntry(ctx, tx, &LedgerEntry{
				AccountID:    acct.ID,
				Delta:        acct.Balance,
				Reason:       ReasonGrant,
				BalanceAfter: acct.Balance,
			}); err != nil {
				return err
			}
		}

		s.logger.Debug("created account", "id", acct.ID, "role", acct.Role)
		return nil
	})
}

// GetAccount retrieves an account by ID.
// Returns ErrNotFound if the account doesn't exist.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	var acct Account
	var role, createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, role, display_name, bio, balance, created_at
		FROM accounts WHERE id = ?
	`, id).Scan(&acct.ID, &role, &acct.DisplayName, &acct.Bio, &acct.Balance, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}

	acct.Role = Role(role)
	acct.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &acct, nil
}

// ListAccounts returns accounts with the given role, or all accounts when role is empty.
func (s *SQLiteStore) ListAccounts(ctx context.Context, role Role) ([]*Account, error) {
	query := `SELECT id, role, display_name, bio, balance, created_at FROM accounts`
	var args []any
	if role != "" {
		query += ` WHERE role = ?`
		args = append(args, string(role))
	}
	query += ` ORDER BY rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		var acct Account
		var r, createdAt string
		if err := rows.Scan(&acct.ID, &r, &acct.DisplayName, &acct.Bio, &acct.Balance, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning account row: %w", err)
		}
		acct.Role = Role(r)
		if acct.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		accounts = append(accounts, &acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating account rows: %w", err)
	}
	return accounts, nil
}

// Debit subtracts amount from the account balance and records a ledger entry.
// The check and the subtraction are one conditional UPDATE, so concurrent
// debits can never overdraw. Returns the new balance.
func (s *SQLiteStore) Debit(ctx context.Context, accountID string, amount int64, reason string) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit amount must be non-negative, got %d", amount)
	}

	var balance int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		balance, err = s.debit(ctx, tx, accountID, amount, reason, "")
		return err
	})
	return balance, err
}

// Credit adds amount to the account balance and records a ledger entry.
func (s *SQLiteStore) Credit(ctx context.Context, accountID string, amount int64, reason string) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("credit amount must be non-negative, got %d", amount)
	}

	var balance int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE accounts SET balance = balance + ? WHERE id = ? RETURNING balance
		`, amount, accountID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("crediting account: %w", err)
		}
		if amount == 0 {
			return nil
		}
		return s.insertLedgerEntry(ctx, tx, &LedgerEntry{
			AccountID:    accountID,
			Delta:        amount,
			Reason:       reason,
			BalanceAfter: balance,
		})
	})
	return balance, err
}

// debit is the single place balances decrease. It runs inside the caller's
// transaction and fails with ErrInsufficientFunds without touching the row
// when the balance is short.
func (s *SQLiteStore) debit(ctx context.Context, q execer, accountID string, amount int64, reason, messageID string) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx, `
		UPDATE accounts SET balance = balance - ?
		WHERE id = ? AND balance >= ?
		RETURNING balance
	`, amount, accountID, amount).Scan(&balance)

	if errors.Is(err, sql.ErrNoRows) {
		var exists int
		probe := q.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = ?`, accountID).Scan(&exists)
		if errors.Is(probe, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		if probe != nil {
			return 0, fmt.Errorf("checking account: %w", probe)
		}
		return 0, ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("debiting account: %w", err)
	}

	if amount > 0 {
		if err := s.insertLedgerEntry(ctx, q, &LedgerEntry{
			AccountID:    accountID,
			Delta:        -amount,
			Reason:       reason,
			MessageID:    messageID,
			BalanceAfter: balance,
		}); err != nil {
			return 0, err
		}
	}
	return balance, nil
}

func (s *SQLiteStore) insertLedgerEntry(ctx context.Context, q execer, e *LedgerEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, delta, reason, message_id, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.AccountID, e.Delta, e.Reason, nullString(e.MessageID), e.BalanceAfter, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting ledger entry: %w", err)
	}
	return nil
}

// ListLedgerEntries returns the most recent entries for an account, newest first.
// If limit is 0 or negative, all entries are returned.
func (s *SQLiteStore) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]*LedgerEntry, error) {
	query := `
		SELECT id, account_id, delta, reason, message_id, balance_after, created_at
		FROM ledger_entries
		WHERE account_id = ?
		ORDER BY rowid DESC
	`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var messageID sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.Reason, &messageID, &e.BalanceAfter, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning ledger row: %w", err)
		}
		e.MessageID = messageID.String
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ledger rows: %w", err)
	}
	return entries, nil
}
