// ABOUTME: In-memory per-conversation fan-out bus for live events
// ABOUTME: Delivery is at-most-once to current subscribers; slow subscribers drop events

package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// ErrClosed is returned when joining or publishing on a closed bus.
var ErrClosed = errors.New("realtime bus closed")

// EventType names a live event.
type EventType string

const (
	EventMessageCreated      EventType = "message.created"
	EventLockAcquired        EventType = "lock.acquired"
	EventLockReleased        EventType = "lock.released"
	EventConversationDeleted EventType = "conversation.deleted"
)

// Event is one live notification on a conversation channel. Data is
// serialized as-is by transports.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	At             time.Time `json:"at"`
	Data           any       `json:"data,omitempty"`
}

// NewEvent builds an event with a fresh ID stamped at now.
func NewEvent(typ EventType, conversationID string, data any) *Event {
	return &Event{
		ID:             uuid.New().String(),
		Type:           typ,
		ConversationID: conversationID,
		At:             time.Now().UTC(),
		Data:           data,
	}
}

// Bus provides pub/sub keyed by channel (a conversation ID). There is no
// replay buffer: persisted history is the source of truth and clients
// re-fetch it on reconnect.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // channel -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "realtime"),
	}
}

// Join registers a subscriber on channel. It returns the receive side and a
// subscription ID for Leave. The subscription is removed when ctx is done.
func (b *Bus) Join(ctx context.Context, channel string) (<-chan *Event, string, error) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, "", ErrClosed
	}
	if _, ok := b.subscribers[channel]; !ok {
		b.subscribers[channel] = make(map[string]chan *Event)
	}
	b.subscribers[channel][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber joined", "channel", channel, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Leave(channel, subID)
	}()

	return ch, subID, nil
}

// Publish delivers an event to every current subscriber of channel.
// Non-blocking: a subscriber whose buffer is full misses the event.
func (b *Bus) Publish(channel string, event *Event) error {
	// Sends happen under the read lock so Leave cannot close a channel
	// mid-send; they never block.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for subID, ch := range b.subscribers[channel] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"channel", channel,
				"sub_id", subID,
				"event_id", event.ID,
				"type", event.Type)
		}
	}
	return nil
}

// Leave removes a subscription and closes its channel. Unknown IDs are ignored.
func (b *Bus) Leave(channel, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[channel]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, channel)
	}

	b.logger.Debug("subscriber left", "channel", channel, "sub_id", subID)
}

// Subscribers reports how many subscribers are joined to channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[channel])
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for channel, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, channel)
	}

	b.logger.Debug("bus closed")
}
