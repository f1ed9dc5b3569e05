// ABOUTME: Tests for the dedupe cache
// ABOUTME: Validates TTL expiry with a fake clock, eviction order, sweeping and concurrency

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache[K comparable](t *testing.T, ttl time.Duration, size int) (*Cache[K], *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)}
	c := New[K](ttl, size, time.Hour)
	c.mu.Lock()
	c.now = clock.Now
	c.mu.Unlock()
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_CheckAndMark(t *testing.T) {
	c, clock := newTestCache[string](t, time.Minute, 10)

	assert.False(t, c.Check("call-1"))
	assert.False(t, c.CheckAndMark("call-1"), "first sighting")
	assert.True(t, c.CheckAndMark("call-1"), "repeat inside window")
	assert.True(t, c.Check("call-1"))

	clock.Advance(time.Minute)
	assert.False(t, c.Check("call-1"), "expired at ttl")
	assert.False(t, c.CheckAndMark("call-1"), "expired keys are marked again")
}

func TestCache_EvictsOldest(t *testing.T) {
	c, clock := newTestCache[int](t, time.Hour, 3)

	for i := 1; i <= 3; i++ {
		c.Mark(i)
		clock.Advance(time.Second)
	}
	c.Mark(1) // refresh moves 1 to the back
	c.Mark(4)

	assert.False(t, c.Check(2), "oldest evicted")
	assert.True(t, c.Check(1))
	assert.True(t, c.Check(3))
	assert.True(t, c.Check(4))
	assert.Equal(t, 3, c.Len())
}

func TestCache_SweepAndForget(t *testing.T) {
	c, clock := newTestCache[string](t, time.Minute, 10)

	c.Mark("a")
	clock.Advance(30 * time.Second)
	c.Mark("b")
	clock.Advance(45 * time.Second)
	c.sweep()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Check("b"))

	c.Forget("b")
	assert.Equal(t, 0, c.Len())
	c.Forget("missing")
}

func TestCache_CloseTwice(t *testing.T) {
	c := New[string](time.Minute, 10, 0)
	c.Close()
	c.Close()
}

func TestCache_ConcurrentCheckAndMark(t *testing.T) {
	c, _ := newTestCache[string](t, time.Minute, 100)

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.CheckAndMark("same") {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), firsts.Load(), "exactly one caller sees the key as new")
}
