// Package version derives monotonically comparable entity versions
// from last-modified timestamps. A version is the timestamp expressed
// as milliseconds since the Unix epoch; the clock guarantees that two
// writes to the same entity never receive the same version even when
// they land within one wall-clock tick.
package version

import (
	"sync"
	"time"
)

// Of maps a timestamp to its version number. Strictly monotonic in
// the timestamp, no side effects.
func Of(t time.Time) int64 {
	return t.UnixMilli()
}

// Clock issues per-entity write timestamps. It remembers the last
// version handed out for each entity and bumps by one millisecond when
// the wall clock has not advanced past it, so sequential writes always
// produce strictly increasing versions. Callers serialize writes per
// entity (the sync processor holds a per-entity lock), the clock's own
// mutex only protects the map.
type Clock struct {
	now  func() time.Time
	last map[string]int64
	mu   sync.Mutex
}

// NewClock creates a clock backed by time.Now.
func NewClock() *Clock {
	return &Clock{
		now:  time.Now,
		last: make(map[string]int64),
	}
}

// NewClockAt creates a clock with an injected time source. Used in
// tests to pin the wall clock.
func NewClockAt(now func() time.Time) *Clock {
	return &Clock{
		now:  now,
		last: make(map[string]int64),
	}
}

// Stamp returns the write timestamp for the given entity key. The
// result is strictly later than both floor (typically the entity's
// current UpdatedAt) and any stamp previously issued for the key.
func (c *Clock) Stamp(key string, floor time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.now().UnixMilli()
	if fv := floor.UnixMilli(); !floor.IsZero() && v <= fv {
		v = fv + 1
	}
	if lv, ok := c.last[key]; ok && v <= lv {
		v = lv + 1
	}
	c.last[key] = v

	return time.UnixMilli(v).UTC()
}

// Forget drops the bookkeeping for an entity. Called after a delete so
// the map does not grow with dead entities; a recreated entity starts
// fresh from the wall clock.
func (c *Clock) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.last, key)
}
