// ABOUTME: MessageService is the single write path for conversation messages
// ABOUTME: Send = debit + persist in one transaction, then publish, then automated reply and nudge bookkeeping

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/2389/parlor/internal/clock"
	"github.com/2389/parlor/internal/content"
	"github.com/2389/parlor/internal/realtime"
	"github.com/2389/parlor/internal/store"
)

// MaxBodyLength is the longest message body accepted, in characters.
const MaxBodyLength = 4000

var (
	// ErrForbidden is returned when the caller may not act on a conversation.
	ErrForbidden = errors.New("forbidden")
	// ErrLockRequired is returned when an operator sends without holding the lock.
	ErrLockRequired = errors.New("operator must hold the conversation lock")
	// ErrInvalid wraps request validation failures.
	ErrInvalid = errors.New("invalid request")
	// ErrTransientDependency marks content generation and publish failures.
	// These are logged at the boundary and never returned to a sender.
	ErrTransientDependency = errors.New("transient dependency failure")
)

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	GetAccount(ctx context.Context, id string) (*store.Account, error)

	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetConversationByParticipants(ctx context.Context, a, b string) (*store.Conversation, error)
	ListConversations(ctx context.Context, accountID string, limit int) ([]*store.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	CommitMessage(ctx context.Context, nm store.NewMessage) (*store.Message, error)
	GetMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
	CountMessagesFrom(ctx context.Context, conversationID, senderID string) (int, error)
}

// Publisher fans events out to live clients.
type Publisher interface {
	Publish(channel string, event *realtime.Event) error
}

// LockChecker reports whether an operator currently holds a conversation's lock.
type LockChecker interface {
	Holds(ctx context.Context, conversationID, operatorID string) (bool, error)
}

// Followups is the nudge scheduler as seen from the send path.
type Followups interface {
	Schedule(conversationID string, attempt int, delay time.Duration)
	Cancel(conversationID string, attempts ...int)
}

// Actor is the authenticated caller as supplied by the identity layer.
type Actor struct {
	AccountID string
	Role      store.Role
}

// Origin says which path produced a message.
type Origin string

const (
	OriginHuman     Origin = "human"
	OriginOperator  Origin = "operator"
	OriginPersona   Origin = "persona"
	OriginAutoReply Origin = "auto_reply"
	OriginNudge     Origin = "nudge"
)

// Config configures a Service. Zero values take defaults.
type Config struct {
	// Costs is the coin price per message kind for human senders.
	Costs        map[store.MessageKind]int64
	HistoryLimit int
	FirstDelay   time.Duration // nudge attempt 1 delay after a persona message
	ReplyDelay   time.Duration
	ReplyJitter  time.Duration
	// DisableAutoReply turns off the automated persona reply to human sends.
	DisableAutoReply bool

	Clock     clock.Clock
	Generator content.Generator
	Humanizer *content.Humanizer // used for reply jitter; nil means no jitter
	Publisher Publisher
	Locks     LockChecker
	Logger    *slog.Logger
}

// Service is the central conversation layer. Every message, whoever sends
// it, is recorded through Send's single path so that a conversation's
// messages are totally ordered by sentAt.
type Service struct {
	store     ConversationStore
	publisher Publisher
	locks     LockChecker
	generator content.Generator
	humanizer *content.Humanizer
	clock     clock.Clock
	logger    *slog.Logger

	costs            map[store.MessageKind]int64
	historyLimit     int
	firstDelay       time.Duration
	replyDelay       time.Duration
	replyJitter      time.Duration
	disableAutoReply bool

	mu        sync.RWMutex
	followups Followups

	// background owns the lifetime of automated replies, which outlive
	// the request that triggered them.
	background context.Context
	stop       context.CancelFunc
	inflight   sync.WaitGroup
}

// Default tuning for Config zero values.
const (
	DefaultHistoryLimit = 20
	DefaultFirstDelay   = 30 * time.Minute
)

// New creates a new MessageService
func New(s ConversationStore, cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.FirstDelay <= 0 {
		cfg.FirstDelay = DefaultFirstDelay
	}
	if cfg.Generator == nil {
		cfg.Generator = content.None{}
	}
	costs := make(map[store.MessageKind]int64, len(cfg.Costs))
	for k, v := range cfg.Costs {
		costs[k] = v
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Service{
		store:            s,
		publisher:        cfg.Publisher,
		locks:            cfg.Locks,
		generator:        cfg.Generator,
		humanizer:        cfg.Humanizer,
		clock:            cfg.Clock,
		logger:           cfg.Logger.With("component", "conversation"),
		costs:            costs,
		historyLimit:     cfg.HistoryLimit,
		firstDelay:       cfg.FirstDelay,
		replyDelay:       cfg.ReplyDelay,
		replyJitter:      cfg.ReplyJitter,
		disableAutoReply: cfg.DisableAutoReply,
		background:       ctx,
		stop:             stop,
	}
}

// SetFollowups attaches the nudge scheduler. The scheduler itself sends
// through the service, so it is wired after construction.
func (s *Service) SetFollowups(f Followups) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followups = f
}

func (s *Service) scheduler() Followups {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.followups
}

// Wait blocks until all in-flight automated replies have finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// Close cancels in-flight automated replies and waits for them to exit.
func (s *Service) Close() {
	s.stop()
	s.inflight.Wait()
}

// SendRequest is a message send from an authenticated caller.
type SendRequest struct {
	ConversationID string
	Actor          Actor
	Body           string
	Kind           store.MessageKind // defaults to text
}

// Send records a message from the caller and runs the post-send workflow.
//
// Users pay the configured cost for the kind; personas send for free;
// operators send as the conversation's persona, for free, and only while
// they hold the conversation lock. Nothing is persisted or published when
// the debit fails.
func (s *Service) Send(ctx context.Context, req SendRequest) (*store.Message, error) {
	kind := req.Kind
	if kind == "" {
		kind = store.KindText
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown message kind %q", ErrInvalid, kind)
	}
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return nil, fmt.Errorf("%w: body is required", ErrInvalid)
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return nil, fmt.Errorf("%w: body exceeds %d characters", ErrInvalid, MaxBodyLength)
	}

	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	p := outgoing{conv: conv, body: body, kind: kind}
	switch req.Actor.Role {
	case store.RoleUser:
		if !conv.HasParticipant(req.Actor.AccountID) {
			return nil, ErrForbidden
		}
		p.sender = req.Actor.AccountID
		p.cost = s.costs[kind]
		p.origin = OriginHuman
	case store.RolePersona:
		if !conv.HasParticipant(req.Actor.AccountID) {
			return nil, ErrForbidden
		}
		p.sender = req.Actor.AccountID
		p.origin = OriginPersona
	case store.RoleOperator:
		persona, _, err := s.participants(ctx, conv)
		if err != nil {
			return nil, err
		}
		if persona == nil {
			return nil, ErrForbidden
		}
		if s.locks == nil {
			return nil, ErrLockRequired
		}
		held, err := s.locks.Holds(ctx, conv.ID, req.Actor.AccountID)
		if err != nil {
			return nil, fmt.Errorf("checking lock: %w", err)
		}
		if !held {
			return nil, ErrLockRequired
		}
		p.sender = persona.ID
		p.origin = OriginOperator
	default:
		return nil, ErrForbidden
	}

	return s.send(ctx, p)
}

// SendNudge records a follow-up from personaID. The write is abandoned with
// store.ErrSuperseded if humanID sent the latest message, checked inside the
// same transaction as the insert.
func (s *Service) SendNudge(ctx context.Context, conversationID, personaID, humanID, body string) (*store.Message, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return s.send(ctx, outgoing{
		conv:         conv,
		sender:       personaID,
		body:         body,
		kind:         store.KindText,
		origin:       OriginNudge,
		unlessLatest: humanID,
	})
}

// outgoing is a resolved send: sender, price and origin are decided.
type outgoing struct {
	conv         *store.Conversation
	sender       string
	body         string
	kind         store.MessageKind
	cost         int64
	origin       Origin
	unlessLatest string
}

func (s *Service) send(ctx context.Context, p outgoing) (*store.Message, error) {
	// 1+2. Debit and persist in one transaction
	msg, err := s.store.CommitMessage(ctx, store.NewMessage{
		ConversationID:   p.conv.ID,
		SenderID:         p.sender,
		Body:             p.body,
		Kind:             p.kind,
		Cost:             p.cost,
		UnlessLatestFrom: p.unlessLatest,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("message recorded",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"sender_id", msg.SenderID,
		"origin", p.origin,
		"cost", msg.Cost)

	// 3. Publish; the commit stands regardless
	s.publish(realtime.EventMessageCreated, msg.ConversationID, msg)

	// 4-6. Automation bookkeeping
	followups := s.scheduler()
	switch p.origin {
	case OriginHuman:
		if followups != nil {
			followups.Cancel(msg.ConversationID)
		}
		s.maybeAutoReply(p.conv, msg.SenderID)
	case OriginOperator, OriginPersona, OriginAutoReply:
		// A fresh persona message restarts the nudge chain.
		if followups != nil {
			followups.Cancel(msg.ConversationID, 2)
			followups.Schedule(msg.ConversationID, 1, s.firstDelay)
		}
	}

	return msg, nil
}

func (s *Service) publish(typ realtime.EventType, conversationID string, data any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(conversationID, realtime.NewEvent(typ, conversationID, data)); err != nil {
		s.logger.Warn("publish failed",
			"conversation_id", conversationID,
			"event", typ,
			"error", fmt.Errorf("%w: %w", ErrTransientDependency, err))
	}
}

// maybeAutoReply starts the automated persona reply if the human's
// counterpart is a persona. It never blocks the caller.
func (s *Service) maybeAutoReply(conv *store.Conversation, humanID string) {
	if s.disableAutoReply {
		return
	}
	if _, ok := s.generator.(content.None); ok {
		return
	}
	personaID := conv.Counterpart(humanID)
	if personaID == "" {
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := s.autoReply(s.background, conv.ID, personaID); err != nil {
			s.logger.Warn("automated reply failed",
				"conversation_id", conv.ID,
				"persona_id", personaID,
				"error", err)
		}
	}()
}

func (s *Service) autoReply(ctx context.Context, conversationID, personaID string) error {
	persona, err := s.store.GetAccount(ctx, personaID)
	if err != nil {
		return fmt.Errorf("loading counterpart: %w", err)
	}
	if persona.Role != store.RolePersona {
		return nil
	}

	delay := s.replyDelay
	if s.humanizer != nil {
		delay = s.humanizer.Jitter(s.replyDelay, s.replyJitter)
	}
	if delay > 0 {
		select {
		case <-s.clock.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("reloading conversation: %w", err)
	}
	req, err := s.ComposeRequest(ctx, conv.ID, personaID, content.PurposeReply, 0)
	if err != nil {
		return err
	}
	text, err := s.generator.Generate(ctx, req)
	if errors.Is(err, content.ErrUnavailable) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: generating reply: %w", ErrTransientDependency, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		s.logger.Debug("generator returned no reply", "conversation_id", conversationID)
		return nil
	}

	// Several quick human messages start several replies; the first to
	// commit wins and the rest see the persona already answered.
	_, err = s.send(ctx, outgoing{
		conv:         conv,
		sender:       personaID,
		body:         text,
		kind:         store.KindText,
		origin:       OriginAutoReply,
		unlessLatest: personaID,
	})
	if errors.Is(err, store.ErrSuperseded) {
		s.logger.Debug("automated reply superseded", "conversation_id", conversationID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	return nil
}

// ComposeRequest gathers the persona profile, recent history and engagement
// stage the content generator needs.
func (s *Service) ComposeRequest(ctx context.Context, conversationID, personaID string, purpose content.Purpose, attempt int) (content.Request, error) {
	persona, err := s.store.GetAccount(ctx, personaID)
	if err != nil {
		return content.Request{}, fmt.Errorf("loading persona: %w", err)
	}
	msgs, err := s.store.GetMessages(ctx, conversationID, s.historyLimit)
	if err != nil {
		return content.Request{}, fmt.Errorf("loading history: %w", err)
	}
	sent, err := s.store.CountMessagesFrom(ctx, conversationID, personaID)
	if err != nil {
		return content.Request{}, fmt.Errorf("counting persona messages: %w", err)
	}

	history := make([]content.Line, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, content.Line{FromPersona: m.SenderID == personaID, Body: m.Body})
	}
	return content.Request{
		Persona: content.Persona{ID: persona.ID, DisplayName: persona.DisplayName, Bio: persona.Bio},
		History: history,
		Stage:   content.StageFor(sent),
		Purpose: purpose,
		Attempt: attempt,
	}, nil
}

// participants returns the persona and the other participant of conv. The
// persona is nil when neither side is one.
func (s *Service) participants(ctx context.Context, conv *store.Conversation) (persona, other *store.Account, err error) {
	a, err := s.store.GetAccount(ctx, conv.ParticipantA)
	if err != nil {
		return nil, nil, fmt.Errorf("loading participant: %w", err)
	}
	b, err := s.store.GetAccount(ctx, conv.ParticipantB)
	if err != nil {
		return nil, nil, fmt.Errorf("loading participant: %w", err)
	}
	switch {
	case a.Role == store.RolePersona:
		return a, b, nil
	case b.Role == store.RolePersona:
		return b, a, nil
	default:
		return nil, nil, nil
	}
}

// Participants resolves the persona and human sides of a conversation.
// ok is false when the conversation has no persona.
func (s *Service) Participants(ctx context.Context, conversationID string) (personaID, humanID string, ok bool, err error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", "", false, err
	}
	persona, other, err := s.participants(ctx, conv)
	if err != nil || persona == nil {
		return "", "", false, err
	}
	return persona.ID, other.ID, true, nil
}
