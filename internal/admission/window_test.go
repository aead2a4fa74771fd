package admission

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestWindowLimitSequence(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Unix(1000, 0))
	w := NewWindow(WindowConfig{Window: time.Minute}, clock)
	ctx := context.Background()

	wantRemaining := []int{4, 3, 2, 1, 0}
	for i, want := range wantRemaining {
		d, err := w.Hit(ctx, "cred-1", 5)
		require.NoError(t, err)
		require.True(t, d.Allowed, "call %d should be allowed", i+1)
		require.Equal(t, want, d.Remaining, "call %d remaining", i+1)
	}

	d, err := w.Hit(ctx, "cred-1", 5)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
	require.Greater(t, d.ResetIn, time.Duration(0))
}

func TestWindowBoundaryReset(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Unix(1000, 0))
	w := NewWindow(WindowConfig{Window: time.Minute}, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := w.Hit(ctx, "k", 3)
		require.NoError(t, err)
	}
	d, err := w.Hit(ctx, "k", 3)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// Crossing the boundary resets the count to 1, not 0.
	clock.Advance(time.Minute)
	d, err = w.Hit(ctx, "k", 3)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 2, d.Remaining)
}

func TestWindowKeysAreIndependent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Unix(1000, 0))
	w := NewWindow(WindowConfig{Window: time.Minute}, clock)
	ctx := context.Background()

	d, err := w.Hit(ctx, "a", 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = w.Hit(ctx, "a", 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	d, err = w.Hit(ctx, "b", 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestWindowSweepDropsExpired(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Unix(1000, 0))
	w := NewWindow(WindowConfig{Window: time.Second, SweepEvery: time.Second}, clock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := w.Hit(ctx, fmt.Sprintf("k%d", i), 5)
		require.NoError(t, err)
	}
	require.Equal(t, 10, w.Len())

	clock.Advance(2 * time.Second)
	_, err := w.Hit(ctx, "fresh", 5)
	require.NoError(t, err)
	require.Equal(t, 1, w.Len())
}

func TestWindowCapEvictsSoonestToExpire(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Unix(1000, 0))
	w := NewWindow(WindowConfig{
		Window:     time.Minute,
		SweepEvery: time.Hour, // keep the sweep out of the way
		MaxEntries: 2,
	}, clock)
	ctx := context.Background()

	_, err := w.Hit(ctx, "oldest", 5)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = w.Hit(ctx, "middle", 5)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = w.Hit(ctx, "newest", 5)
	require.NoError(t, err)

	require.Equal(t, 2, w.Len())

	// "oldest" had the soonest resetAt, so it was the eviction victim. A
	// fresh hit on it starts a new window.
	d, err := w.Hit(ctx, "oldest", 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// "newest" survived: second hit counts against the same window.
	d, err = w.Hit(ctx, "newest", 2)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
}
