// Package datacache holds the per-session application data cache: a TTL-bound
// key/value store with a fixed capacity and strict FIFO eviction.
package datacache

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 50
)

// Observer receives cache events. metrics.DataCache implements it.
type Observer interface {
	Hit()
	Miss()
	Eviction()
	Expiration()
}

type nopObserver struct{}

func (nopObserver) Hit()        {}
func (nopObserver) Miss()       {}
func (nopObserver) Eviction()   {}
func (nopObserver) Expiration() {}

type Options struct {
	MaxEntries int
	DefaultTTL time.Duration
	Now        func() time.Time
	Observer   Observer
}

// entry is a node of the insertion-order queue. head is the newest key, tail the oldest.
type entry[V any] struct {
	key      string
	value    V
	storedAt time.Time
	ttl      time.Duration
	prev     *entry[V]
	next     *entry[V]
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl
}

type Cache[V any] struct {
	mu         sync.Mutex
	items      map[string]*entry[V]
	head       *entry[V]
	tail       *entry[V]
	maxEntries int
	defaultTTL time.Duration
	now        func() time.Time
	obs        Observer
	closed     bool

	sf singleflight.Group
}

func New[V any](opts Options) *Cache[V] {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Cache[V]{
		items:      make(map[string]*entry[V], opts.MaxEntries),
		maxEntries: opts.MaxEntries,
		defaultTTL: opts.DefaultTTL,
		now:        opts.Now,
		obs:        opts.Observer,
	}
}

// Get returns the value for key if present and not expired. An expired entry is
// removed as a side effect.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items[key]
	if !ok {
		c.obs.Miss()
		return zero, false
	}

	if e.expired(c.now()) {
		c.unlink(e)
		delete(c.items, key)
		c.obs.Expiration()
		c.obs.Miss()
		return zero, false
	}

	c.obs.Hit()
	return e.value, true
}

func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, 0)
}

// SetWithTTL stores value under key. ttl <= 0 selects the default TTL.
// Overwriting a key keeps its place in the eviction queue.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	now := c.now()
	if e, ok := c.items[key]; ok {
		e.value = value
		e.storedAt = now
		e.ttl = ttl
		return
	}

	if len(c.items) >= c.maxEntries {
		c.evictOldest()
	}

	e := &entry[V]{
		key:      key,
		value:    value,
		storedAt: now,
		ttl:      ttl,
	}
	c.items[key] = e
	c.pushFront(e)
}

func (c *Cache[V]) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return
	}
	c.unlink(e)
	delete(c.items, key)
}

func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// Close disposes the cache. Entries are dropped and later writes are ignored.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	c.closed = true
}

// Len counts stored entries, including expired ones not yet accessed.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys lists keys from oldest to newest insertion.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for e := c.tail; e != nil; e = e.prev {
		keys = append(keys, e.key)
	}
	return keys
}

func (c *Cache[V]) reset() {
	c.items = make(map[string]*entry[V], c.maxEntries)
	c.head = nil
	c.tail = nil
}

func (c *Cache[V]) pushFront(e *entry[V]) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache[V]) unlink(e *entry[V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *Cache[V]) evictOldest() {
	if c.tail == nil {
		return
	}
	oldest := c.tail
	c.unlink(oldest)
	delete(c.items, oldest.key)
	c.obs.Eviction()
}
