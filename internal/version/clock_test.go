package version

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOf(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, ts.UnixMilli(), Of(ts))
	assert.Greater(t, Of(ts.Add(time.Millisecond)), Of(ts))
	assert.Equal(t, Of(ts), Of(ts.Add(500*time.Microsecond))) // sub-millisecond precision is dropped
}

func TestClock_StampMonotonicWithinTick(t *testing.T) {
	// Frozen wall clock: every Stamp sees the same instant
	frozen := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewClockAt(func() time.Time { return frozen })

	first := c.Stamp("proj/fb-1", time.Time{})
	second := c.Stamp("proj/fb-1", time.Time{})
	third := c.Stamp("proj/fb-1", time.Time{})

	assert.Equal(t, frozen.UnixMilli(), Of(first))
	assert.Equal(t, Of(first)+1, Of(second))
	assert.Equal(t, Of(second)+1, Of(third))
}

func TestClock_StampRespectsFloor(t *testing.T) {
	frozen := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewClockAt(func() time.Time { return frozen })

	// Entity was last written ahead of the wall clock (e.g. clock skew
	// after restart); the stamp must still advance past it
	floor := frozen.Add(5 * time.Second)
	stamp := c.Stamp("proj/fb-1", floor)

	assert.Equal(t, Of(floor)+1, Of(stamp))
}

func TestClock_StampIndependentKeys(t *testing.T) {
	frozen := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewClockAt(func() time.Time { return frozen })

	a := c.Stamp("proj/fb-a", time.Time{})
	b := c.Stamp("proj/fb-b", time.Time{})

	// Different entities do not push each other forward
	assert.Equal(t, Of(a), Of(b))
}

func TestClock_Forget(t *testing.T) {
	frozen := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewClockAt(func() time.Time { return frozen })

	c.Stamp("proj/fb-1", time.Time{})
	c.Stamp("proj/fb-1", time.Time{})
	c.Forget("proj/fb-1")

	// A recreated entity starts from the wall clock again
	stamp := c.Stamp("proj/fb-1", time.Time{})
	assert.Equal(t, frozen.UnixMilli(), Of(stamp))
}

func TestClock_WallClockAdvances(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewClockAt(func() time.Time {
		now = now.Add(10 * time.Millisecond)
		return now
	})

	first := c.Stamp("k", time.Time{})
	second := c.Stamp("k", time.Time{})

	// No bumping needed when real time moved on
	assert.Equal(t, Of(first)+10, Of(second))
}
