// ABOUTME: BalanceLedger owns per-account coin balances
// ABOUTME: Exposes atomic conditional debit and unconditional credit over the store

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/parlor/internal/store"
)

// Store is the persistence the ledger needs.
type Store interface {
	Debit(ctx context.Context, accountID string, amount int64, reason string) (int64, error)
	Credit(ctx context.Context, accountID string, amount int64, reason string) (int64, error)
	GetAccount(ctx context.Context, id string) (*store.Account, error)
	ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]*store.LedgerEntry, error)
}

// Ledger is the only component allowed to change balances outside of a
// message commit. Callers never read a balance and write it back.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a Ledger. Pass nil logger for default.
func New(s Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  s,
		logger: logger.With("component", "ledger"),
	}
}

// Debit subtracts amount if and only if the balance covers it.
// Returns store.ErrInsufficientFunds otherwise, leaving the balance untouched.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount int64, reason string) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit amount must be non-negative, got %d", amount)
	}
	bal, err := l.store.Debit(ctx, accountID, amount, reason)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			l.logger.Info("debit refused", "account_id", accountID, "amount", amount)
		}
		return 0, err
	}
	l.logger.Debug("debited", "account_id", accountID, "amount", amount, "balance", bal, "reason", reason)
	return bal, nil
}

// Credit adds amount to the balance, for grants and refunds.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int64, reason string) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("credit amount must be non-negative, got %d", amount)
	}
	bal, err := l.store.Credit(ctx, accountID, amount, reason)
	if err != nil {
		return 0, err
	}
	l.logger.Info("credited", "account_id", accountID, "amount", amount, "balance", bal, "reason", reason)
	return bal, nil
}

// Balance returns the current balance.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// History returns the most recent ledger entries, newest first.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]*store.LedgerEntry, error) {
	return l.store.ListLedgerEntries(ctx, accountID, limit)
}
