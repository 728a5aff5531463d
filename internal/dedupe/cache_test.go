// ABOUTME: Tests for the fingerprint cache used to skip redundant record upserts
// ABOUTME: Validates TTL expiration, size limits, eviction order, Forget, and fingerprints

package dedupe

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCache(ttl time.Duration, size int) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, size)
	c.now = clock.now
	return c, clock
}

func TestCache_Check_NotSeen(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Check("never-seen-key"))
}

func TestCache_CheckAndMark(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("fp-1"), "first observation is new")
	assert.True(t, cache.CheckAndMark("fp-1"), "second observation is a duplicate")
	assert.True(t, cache.Check("fp-1"))
}

func TestCache_Expiry(t *testing.T) {
	cache, clock := newTestCache(10*time.Minute, 100)
	defer cache.Close()

	cache.Mark("fp")
	clock.advance(9 * time.Minute)
	assert.True(t, cache.Check("fp"))

	clock.advance(time.Minute)
	assert.False(t, cache.Check("fp"))
	assert.False(t, cache.CheckAndMark("fp"), "expired entries count as new")
	assert.True(t, cache.Check("fp"))
}

func TestCache_Forget(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 100)
	defer cache.Close()

	cache.Mark("fp")
	cache.Forget("fp")
	assert.False(t, cache.Check("fp"))
	assert.Equal(t, 0, cache.Len())

	// Forgetting an unknown key is a no-op.
	cache.Forget("missing")
}

func TestCache_EvictionOrder(t *testing.T) {
	cache, clock := newTestCache(5*time.Minute, 3)
	defer cache.Close()

	cache.Mark("first")
	clock.advance(time.Second)
	cache.Mark("second")
	clock.advance(time.Second)
	cache.Mark("third")

	// Re-marking moves "first" to the back of the eviction order.
	cache.Mark("first")
	cache.Mark("fourth")

	assert.True(t, cache.Check("first"))
	assert.False(t, cache.Check("second"), "oldest untouched entry is evicted")
	assert.True(t, cache.Check("third"))
	assert.True(t, cache.Check("fourth"))
	assert.Equal(t, 3, cache.Len())
}

func TestCache_Cleanup(t *testing.T) {
	cache, clock := newTestCache(time.Minute, 100)
	defer cache.Close()

	cache.Mark("a")
	cache.Mark("b")
	clock.advance(2 * time.Minute)
	cache.Mark("c")

	cache.runCleanup()
	assert.Equal(t, 1, cache.Len())
	assert.True(t, cache.Check("c"))
}

func TestCache_CheckAndMark_Atomic(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 100)
	defer cache.Close()

	const numGoroutines = 100

	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("contested") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), wins, "exactly one goroutine should see the key as new")
}

func TestCache_Close(t *testing.T) {
	cache := New(5*time.Minute, 100)
	cache.Mark("before-close")
	assert.True(t, cache.Check("before-close"))

	cache.Close()
	cache.Close()
}

func TestFingerprint(t *testing.T) {
	base := Fingerprint(1, "m1", "hello", "<p>hello</p>", []Reaction{{"👍", 2}, {"🎉", 1}})

	assert.Len(t, base, 32)
	assert.Equal(t, base, Fingerprint(1, "m1", "hello", "<p>hello</p>", []Reaction{{"🎉", 1}, {"👍", 2}}),
		"reaction order does not matter")

	assert.NotEqual(t, base, Fingerprint(2, "m1", "hello", "<p>hello</p>", []Reaction{{"👍", 2}, {"🎉", 1}}))
	assert.NotEqual(t, base, Fingerprint(1, "m1", "hello!", "<p>hello</p>", []Reaction{{"👍", 2}, {"🎉", 1}}))
	assert.NotEqual(t, base, Fingerprint(1, "m1", "hello", "<p>hello</p>", []Reaction{{"👍", 3}, {"🎉", 1}}))
	assert.NotEqual(t, base, Fingerprint(1, "m1", "hello", "<p>hello</p>", nil))

	// Field boundaries are unambiguous.
	assert.NotEqual(t, Fingerprint(1, "ab", "c", "", nil), Fingerprint(1, "a", "bc", "", nil))
}
