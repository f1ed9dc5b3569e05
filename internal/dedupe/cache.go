// ABOUTME: Thread-safe TTL set for suppressing repeated work within a time window
// ABOUTME: Bounded in size with oldest-first eviction; keys are any comparable type

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry[K comparable] struct {
	marked  time.Time
	element *list.Element
}

// Cache is a TTL-bounded, size-limited set of recently seen keys.
type Cache[K comparable] struct {
	mu      sync.Mutex
	seen    map[K]*entry[K]
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a cache. A background goroutine sweeps expired keys every
// sweep interval; zero means one minute.
func New[K comparable](ttl time.Duration, maxSize int, sweep time.Duration) *Cache[K] {
	if sweep <= 0 {
		sweep = time.Minute
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache[K]{
		seen:    make(map[K]*entry[K]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop(sweep)
	return c
}

// Check reports whether key was marked within the TTL.
func (c *Cache[K]) Check(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.seen[key]
	return ok && c.now().Sub(e.marked) < c.ttl
}

// CheckAndMark marks key and reports whether it was already live.
func (c *Cache[K]) CheckAndMark(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok && c.now().Sub(e.marked) < c.ttl {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records key as seen now.
func (c *Cache[K]) Mark(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Forget removes key.
func (c *Cache[K]) Forget(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache[K]) markLocked(key K) {
	now := c.now()
	if e, ok := c.seen[key]; ok {
		e.marked = now
		c.order.MoveToBack(e.element)
		return
	}
	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(K))
		}
	}
	c.seen[key] = &entry[K]{marked: now, element: c.order.PushBack(key)}
}

func (c *Cache[K]) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Cache[K]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, e := range c.seen {
		if now.Sub(e.marked) >= c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (c *Cache[K]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
