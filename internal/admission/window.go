// Package admission implements credential validation and its fixed-window
// counters: per-credential rate limiting and the brute-force guard.
package admission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mediafetch/fetchq/internal/download"
)

// WindowConfig controls one fixed-window counter store.
type WindowConfig struct {
	Window     time.Duration
	SweepEvery time.Duration
	MaxEntries int
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

// Window is a process-local fixed-window counter store. Counters reset hard
// at window boundaries rather than sliding, which permits up to ~2x burst at
// the boundary; that imprecision is retained deliberately. Counters reset on
// restart, so a multi-instance deployment gets per-instance limits unless
// the Redis backend is configured instead.
type Window struct {
	mu        sync.Mutex
	cfg       WindowConfig
	entries   map[string]*windowEntry
	lastSweep time.Time
	clock     download.Clock
}

// NewWindow constructs a counter store.
func NewWindow(cfg WindowConfig, clock download.Clock) *Window {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 30 * time.Second
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	return &Window{
		cfg:       cfg,
		entries:   make(map[string]*windowEntry),
		lastSweep: clock.Now(),
		clock:     clock,
	}
}

// Hit counts one request against key and decides whether it fits the limit.
// Crossing the window boundary atomically resets the count to 1.
func (w *Window) Hit(_ context.Context, key string, limit int) (download.WindowDecision, error) {
	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.sweepMaybe(now)

	e, ok := w.entries[key]
	if !ok || !now.Before(e.resetAt) {
		e = &windowEntry{count: 1, resetAt: now.Add(w.cfg.Window)}
		w.entries[key] = e
		w.evictOverCap(key)
		return download.WindowDecision{
			Allowed:   true,
			Remaining: limit - 1,
			ResetIn:   e.resetAt.Sub(now),
		}, nil
	}

	if e.count >= limit {
		return download.WindowDecision{
			Allowed:   false,
			Remaining: 0,
			ResetIn:   e.resetAt.Sub(now),
		}, nil
	}

	e.count++
	return download.WindowDecision{
		Allowed:   true,
		Remaining: limit - e.count,
		ResetIn:   e.resetAt.Sub(now),
	}, nil
}

// Len reports the number of live entries. Intended for tests and metrics.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// sweepMaybe removes expired entries, throttled so the scan runs at most
// once per SweepEvery. The sweep rides the hot path; there is no background
// timer to leak.
func (w *Window) sweepMaybe(now time.Time) {
	if now.Sub(w.lastSweep) < w.cfg.SweepEvery {
		return
	}
	for key, e := range w.entries {
		if !now.Before(e.resetAt) {
			delete(w.entries, key)
		}
	}
	w.lastSweep = now
}

// evictOverCap drops entries soonest-to-expire-first until the map is back
// under MaxEntries, never evicting keep.
func (w *Window) evictOverCap(keep string) {
	over := len(w.entries) - w.cfg.MaxEntries
	if over <= 0 {
		return
	}
	type victim struct {
		key     string
		resetAt time.Time
	}
	victims := make([]victim, 0, len(w.entries))
	for key, e := range w.entries {
		if key == keep {
			continue
		}
		victims = append(victims, victim{key: key, resetAt: e.resetAt})
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].resetAt.Before(victims[j].resetAt)
	})
	for i := 0; i < over && i < len(victims); i++ {
		delete(w.entries, victims[i].key)
	}
}
