// ABOUTME: Thread-safe TTL cache of Idempotency-Key values seen on message sends
// ABOUTME: A replayed key inside the TTL is reported as a duplicate so the send is not charged twice

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/parlor/internal/clock"
)

// Defaults used by the gateway.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 10000
)

// cacheEntry stores the timestamp and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache provides a thread-safe, TTL-based, size-limited set of seen keys.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // List of keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source. Tests pass a fake clock.
func WithClock(c clock.Clock) Option {
	return func(cache *Cache) { cache.clock = c }
}

// New creates a new dedupe cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clock.Real(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	ticker := c.clock.NewTicker(time.Minute)
	go c.cleanup(ticker)
	return c
}

// Key scopes an idempotency key to the account that sent it, so two
// accounts can never collide.
func Key(accountID, idempotencyKey string) string {
	return accountID + "\x1f" + idempotencyKey
}

// Check returns true if the key has been seen and is not expired.
func (c *Cache) Check(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	if !ok {
		return false
	}
	return c.clock.Now().Sub(entry.timestamp) < c.ttl
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen (duplicate), false if it's new and now marked.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if ok && c.clock.Now().Sub(entry.timestamp) < c.ttl {
		return true
	}

	c.markLocked(key)
	return false
}

// Mark records that a key has been seen. If the cache is at capacity,
// the oldest entry is evicted to make room.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Forget removes a key so a request that failed can be retried with it.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}

// markLocked is the internal mark implementation. Must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := c.clock.Now()

	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
