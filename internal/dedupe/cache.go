// ABOUTME: TTL and size bounded cache of record fingerprints already persisted
// ABOUTME: Lets repeated scroll passes skip store round-trips for unchanged messages

package dedupe

import (
	"container/list"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Reaction is the part of a reaction that participates in a fingerprint.
type Reaction struct {
	Emoji string
	Count int
}

// Fingerprint identifies one observed state of a message: its identity, its
// content, and its reaction counts. Any change yields a different fingerprint.
func Fingerprint(sourceID int64, externalID, content, contentRaw string, reactions []Reaction) string {
	sorted := append([]Reaction(nil), reactions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Emoji < sorted[j].Emoji })

	var b strings.Builder
	b.WriteString(strconv.FormatInt(sourceID, 10))
	b.WriteByte(0)
	b.WriteString(externalID)
	b.WriteByte(0)
	b.WriteString(content)
	b.WriteByte(0)
	b.WriteString(contentRaw)
	for _, r := range sorted {
		b.WriteByte(0)
		b.WriteString(r.Emoji)
		b.WriteByte('=')
		b.WriteString(strconv.Itoa(r.Count))
	}

	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

type cacheEntry struct {
	marked  time.Time
	element *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited set of fingerprints.
// A doubly-linked list keeps insertion order for O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache. A background goroutine periodically drops expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Check reports whether key was marked and has not expired.
func (c *Cache) Check(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	if !ok {
		return false
	}
	return c.now().Sub(entry.marked) < c.ttl
}

// CheckAndMark atomically checks and marks key. It returns true when the key
// was already present, false when it was new and is now marked.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if ok && c.now().Sub(entry.marked) < c.ttl {
		return true
	}

	c.markLocked(key)
	return false
}

// Mark records key, evicting the oldest entry when full.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Forget removes key so the next observation is processed again. The runner
// calls it when persisting a marked record fails.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := c.now()

	if entry, exists := c.seen[key]; exists {
		entry.marked = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		marked:  now,
		element: elem,
	}
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
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

func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.seen {
		if now.Sub(entry.marked) >= c.ttl {
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
