// ABOUTME: FollowupScheduler keeps cancellable nudge timers keyed by (conversation, attempt)
// ABOUTME: On fire it re-checks the conversation, generates a nudge, and escalates once to attempt 2

package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/parlor/internal/clock"
	"github.com/2389/parlor/internal/content"
	"github.com/2389/parlor/internal/store"
)

// Defaults for Config zero values.
const (
	DefaultFirstDelay  = 30 * time.Minute
	DefaultSecondDelay = 4 * time.Hour
	DefaultFireTimeout = 30 * time.Second
)

// MaxAttempt is the last nudge in a chain. Nothing is scheduled after it.
const MaxAttempt = 2

// Messenger is the message service as the scheduler uses it.
type Messenger interface {
	Participants(ctx context.Context, conversationID string) (personaID, humanID string, ok bool, err error)
	ComposeRequest(ctx context.Context, conversationID, personaID string, purpose content.Purpose, attempt int) (content.Request, error)
	SendNudge(ctx context.Context, conversationID, personaID, humanID, body string) (*store.Message, error)
}

// Store is the read side the fire handler re-checks before sending.
type Store interface {
	GetLatestMessage(ctx context.Context, conversationID string) (*store.Message, error)
}

// Config configures a Scheduler. Zero values take defaults.
type Config struct {
	SecondDelay time.Duration // delay of attempt 2 after attempt 1 is sent
	FireTimeout time.Duration // bound on one fire's generation and send
	Clock       clock.Clock
	Generator   content.Generator
	Logger      *slog.Logger
}

// Followup describes an armed nudge.
type Followup struct {
	ConversationID string    `json:"conversation_id"`
	Attempt        int       `json:"attempt"`
	FireAt         time.Time `json:"fire_at"`
}

type key struct {
	conversationID string
	attempt        int
}

type pending struct {
	key
	fireAt    time.Time
	timer     *clock.Timer
	cancelled atomic.Bool
}

// Scheduler owns every pending nudge in this process. The registry is
// in memory only: pending nudges do not survive a restart.
type Scheduler struct {
	store       Store
	messenger   Messenger
	generator   content.Generator
	clock       clock.Clock
	secondDelay time.Duration
	fireTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[key]*pending
	closed  bool

	ctx      context.Context
	stop     context.CancelFunc
	inflight sync.WaitGroup

	sent atomic.Int64
}

// New creates a Scheduler.
func New(s Store, m Messenger, cfg Config) *Scheduler {
	if cfg.SecondDelay <= 0 {
		cfg.SecondDelay = DefaultSecondDelay
	}
	if cfg.FireTimeout <= 0 {
		cfg.FireTimeout = DefaultFireTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Generator == nil {
		cfg.Generator = content.None{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		store:       s,
		messenger:   m,
		generator:   cfg.Generator,
		clock:       cfg.Clock,
		secondDelay: cfg.SecondDelay,
		fireTimeout: cfg.FireTimeout,
		logger:      cfg.Logger.With("component", "followup"),
		pending:     make(map[key]*pending),
		ctx:         ctx,
		stop:        stop,
	}
}

// Schedule arms attempt for conversationID after delay, replacing any
// pending timer for the same attempt. Non-positive delays fire on the
// next clock tick.
func (s *Scheduler) Schedule(conversationID string, attempt int, delay time.Duration) {
	if attempt < 1 || attempt > MaxAttempt {
		s.logger.Warn("ignoring out of range followup attempt",
			"conversation_id", conversationID, "attempt", attempt)
		return
	}
	if delay <= 0 {
		delay = time.Nanosecond
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	k := key{conversationID, attempt}
	if old, ok := s.pending[k]; ok {
		old.cancelled.Store(true)
		old.timer.Stop()
	}
	p := &pending{key: k, fireAt: s.clock.Now().Add(delay)}
	p.timer = s.clock.AfterFunc(delay, func() { s.fire(p) })
	s.pending[k] = p

	s.logger.Debug("followup scheduled",
		"conversation_id", conversationID,
		"attempt", attempt,
		"fire_at", p.fireAt)
}

// Cancel clears the given attempts for a conversation, or all of them when
// none are named. Cancelling something that is not pending is a no-op.
func (s *Scheduler) Cancel(conversationID string, attempts ...int) {
	if len(attempts) == 0 {
		attempts = []int{1, 2}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, attempt := range attempts {
		k := key{conversationID, attempt}
		p, ok := s.pending[k]
		if !ok {
			continue
		}
		p.cancelled.Store(true)
		p.timer.Stop()
		delete(s.pending, k)
		s.logger.Debug("followup cancelled", "conversation_id", conversationID, "attempt", attempt)
	}
}

// Pending lists armed followups for a conversation, by attempt.
func (s *Scheduler) Pending(conversationID string) []Followup {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Followup
	for k, p := range s.pending {
		if k.conversationID == conversationID {
			out = append(out, Followup{ConversationID: k.conversationID, Attempt: k.attempt, FireAt: p.fireAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out
}

// Len returns how many followups are armed across all conversations.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Sent returns how many nudges this scheduler has delivered.
func (s *Scheduler) Sent() int64 {
	return s.sent.Load()
}

// Close cancels every pending followup and waits for fires in progress.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for k, p := range s.pending {
		p.cancelled.Store(true)
		p.timer.Stop()
		delete(s.pending, k)
	}
	s.mu.Unlock()

	s.stop()
	s.inflight.Wait()
}

// fire runs when p's timer elapses.
func (s *Scheduler) fire(p *pending) {
	s.mu.Lock()
	if s.closed || p.cancelled.Load() || s.pending[p.key] != p {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()
	defer s.release(p)

	log := s.logger.With("conversation_id", p.conversationID, "attempt", p.attempt)

	ctx, cancel := context.WithTimeout(s.ctx, s.fireTimeout)
	defer cancel()

	sent, err := s.nudge(ctx, p, log)
	if err != nil {
		log.Warn("followup failed", "error", err)
		return
	}
	if !sent {
		return
	}
	s.sent.Add(1)

	if p.attempt < MaxAttempt && !p.cancelled.Load() {
		s.Schedule(p.conversationID, p.attempt+1, s.secondDelay)
	}
}

// nudge re-checks the conversation and sends one follow-up. It reports
// whether a message was actually written.
func (s *Scheduler) nudge(ctx context.Context, p *pending, log *slog.Logger) (bool, error) {
	personaID, humanID, ok, err := s.messenger.Participants(ctx, p.conversationID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("conversation gone")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolving participants: %w", err)
	}
	if !ok {
		log.Debug("no persona in conversation")
		return false, nil
	}

	latest, err := s.store.GetLatestMessage(ctx, p.conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading latest message: %w", err)
	}
	if latest.SenderID == humanID {
		log.Debug("human already replied")
		return false, nil
	}

	req, err := s.messenger.ComposeRequest(ctx, p.conversationID, personaID, content.PurposeNudge, p.attempt)
	if err != nil {
		return false, err
	}
	text, err := s.generator.Generate(ctx, req)
	if errors.Is(err, content.ErrUnavailable) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("generating nudge: %w", err)
	}
	if text == "" {
		return false, nil
	}

	// A cancel may have landed while the generator ran.
	if p.cancelled.Load() {
		log.Debug("followup cancelled mid-flight")
		return false, nil
	}

	msg, err := s.messenger.SendNudge(ctx, p.conversationID, personaID, humanID, text)
	if errors.Is(err, store.ErrSuperseded) {
		log.Debug("nudge superseded by human reply")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sending nudge: %w", err)
	}

	log.Info("followup sent", "message_id", msg.ID)
	return true, nil
}

// release drops p from the registry unless it has been replaced.
func (s *Scheduler) release(p *pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[p.key] == p {
		delete(s.pending, p.key)
	}
}
