// ABOUTME: LockCoordinator grants, releases, and expires per-conversation operator locks
// ABOUTME: Expiry is enforced both lazily on Status and by a periodic sweep loop

package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/parlor/internal/clock"
	"github.com/2389/parlor/internal/realtime"
	"github.com/2389/parlor/internal/store"
)

// DefaultTTL is how long a lock lives without being refreshed.
const DefaultTTL = 2 * time.Minute

// ErrForbidden is returned when an operator releases a lock it does not hold.
var ErrForbidden = errors.New("lock is not held by caller")

// Store is the persistence the coordinator needs. The lock columns are
// only ever changed through these calls.
type Store interface {
	AcquireLock(ctx context.Context, conversationID, operatorID string, expiredBefore time.Time) (store.LockState, bool, error)
	ReleaseLock(ctx context.Context, conversationID, operatorID string) (bool, error)
	ClearExpiredLock(ctx context.Context, conversationID string, expiredBefore time.Time) (bool, error)
	ClearExpiredLocks(ctx context.Context, expiredBefore time.Time) ([]string, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
}

// Publisher receives lock transitions for live clients.
type Publisher interface {
	Publish(channel string, event *realtime.Event) error
}

// Result is the outcome of Acquire. A conflict is a normal result, not an error.
type Result struct {
	Granted    bool
	Holder     string
	AcquiredAt time.Time
}

// Status describes a conversation's lock after expiry has been applied.
type Status struct {
	Locked     bool
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Config configures a Coordinator. Zero values take defaults.
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration // defaults to TTL
	Clock         clock.Clock
	Publisher     Publisher
	Logger        *slog.Logger
}

// Coordinator owns the operator lock state machine:
// UNLOCKED -> LOCKED(holder, acquiredAt) -> UNLOCKED via release or expiry.
type Coordinator struct {
	store         Store
	publisher     Publisher
	clock         clock.Clock
	ttl           time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
}

// New creates a Coordinator.
func New(s Store, cfg Config) *Coordinator {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.TTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		store:         s,
		publisher:     cfg.Publisher,
		clock:         cfg.Clock,
		ttl:           cfg.TTL,
		sweepInterval: cfg.SweepInterval,
		logger:        cfg.Logger.With("component", "lock"),
	}
}

// TTL returns the configured lock lifetime.
func (c *Coordinator) TTL() time.Duration { return c.ttl }

// expiredBefore is the cutoff: a lock taken before it has lived longer than TTL.
func (c *Coordinator) expiredBefore() time.Time {
	return c.clock.Now().Add(-c.ttl)
}

// Acquire grants the lock when it is free, expired, or already held by
// operatorID (which refreshes it). Exactly one of several concurrent
// callers on a free lock is granted.
func (c *Coordinator) Acquire(ctx context.Context, conversationID, operatorID string) (Result, error) {
	state, granted, err := c.store.AcquireLock(ctx, conversationID, operatorID, c.expiredBefore())
	if err != nil {
		return Result{}, fmt.Errorf("acquiring lock: %w", err)
	}

	res := Result{Granted: granted, Holder: state.Holder, AcquiredAt: state.AcquiredAt}
	if !granted {
		c.logger.Debug("lock conflict",
			"conversation_id", conversationID,
			"operator_id", operatorID,
			"holder", state.Holder)
		return res, nil
	}

	c.logger.Info("lock acquired", "conversation_id", conversationID, "operator_id", operatorID)
	c.publish(realtime.EventLockAcquired, conversationID, map[string]any{
		"locked_by":  operatorID,
		"lock_time":  state.AcquiredAt,
		"expires_at": state.AcquiredAt.Add(c.ttl),
	})
	return res, nil
}

// Release clears the lock if operatorID holds it, otherwise ErrForbidden.
func (c *Coordinator) Release(ctx context.Context, conversationID, operatorID string) error {
	released, err := c.store.ReleaseLock(ctx, conversationID, operatorID)
	if err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	if !released {
		return ErrForbidden
	}

	c.logger.Info("lock released", "conversation_id", conversationID, "operator_id", operatorID)
	c.publish(realtime.EventLockReleased, conversationID, map[string]any{
		"released_by": operatorID,
		"reason":      "released",
	})
	return nil
}

// Status reports the current lock. An expired lock is cleared before the
// answer is computed, so a read can itself unlock the conversation.
func (c *Coordinator) Status(ctx context.Context, conversationID string) (Status, error) {
	cleared, err := c.store.ClearExpiredLock(ctx, conversationID, c.expiredBefore())
	if err != nil {
		return Status{}, fmt.Errorf("clearing expired lock: %w", err)
	}
	if cleared {
		c.logger.Info("lock expired on read", "conversation_id", conversationID)
		c.publish(realtime.EventLockReleased, conversationID, map[string]any{"reason": "expired"})
	}

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Status{}, err
	}
	if conv.LockedBy == nil || conv.LockTime == nil {
		return Status{}, nil
	}
	return Status{
		Locked:     true,
		Holder:     *conv.LockedBy,
		AcquiredAt: *conv.LockTime,
		ExpiresAt:  conv.LockTime.Add(c.ttl),
	}, nil
}

// Holds reports whether operatorID currently holds an unexpired lock.
func (c *Coordinator) Holds(ctx context.Context, conversationID, operatorID string) (bool, error) {
	st, err := c.Status(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return st.Locked && st.Holder == operatorID, nil
}

// SweepExpired clears every expired lock regardless of read traffic and
// returns how many were cleared.
func (c *Coordinator) SweepExpired(ctx context.Context) (int, error) {
	ids, err := c.store.ClearExpiredLocks(ctx, c.expiredBefore())
	if err != nil {
		return 0, fmt.Errorf("sweeping expired locks: %w", err)
	}
	for _, id := range ids {
		c.publish(realtime.EventLockReleased, id, map[string]any{"reason": "expired"})
	}
	if len(ids) > 0 {
		c.logger.Info("swept expired locks", "count", len(ids))
	}
	return len(ids), nil
}

// Run sweeps every SweepInterval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	c.logger.Info("lock sweeper started", "interval", c.sweepInterval, "ttl", c.ttl)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("lock sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("lock sweep failed", "error", err)
			}
		}
	}
}

func (c *Coordinator) publish(typ realtime.EventType, conversationID string, data any) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(conversationID, realtime.NewEvent(typ, conversationID, data)); err != nil {
		c.logger.Warn("failed to publish lock event",
			"conversation_id", conversationID,
			"type", typ,
			"error", err)
	}
}
