// Package rediswindow provides a Redis-backed fixed-window counter store so
// rate-limit and brute-force windows are shared across instances instead of
// degrading to per-instance limits.
package rediswindow

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mediafetch/fetchq/internal/download"
)

const keyPrefix = "fetchq:window:"

// Window implements download.WindowStore on Redis. Expiry handles both the
// window boundary reset and entry eviction, so there is no sweep to run.
type Window struct {
	client *redis.Client
	window time.Duration
}

// New constructs a Redis-backed window store. It pings the server so a
// misconfigured deployment fails at startup, where the caller can fall back
// to process-local windows.
func New(ctx context.Context, client *redis.Client, window time.Duration) (*Window, error) {
	if window <= 0 {
		window = time.Minute
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Window{client: client, window: window}, nil
}

// Hit counts one request against key. INCR and ExpireNX run in one
// transaction: the first hit in a window sets the expiry, later hits reuse
// it, and the key vanishing at expiry is the hard boundary reset.
func (w *Window) Hit(ctx context.Context, key string, limit int) (download.WindowDecision, error) {
	rkey := keyPrefix + key

	pipe := w.client.TxPipeline()
	incr := pipe.Incr(ctx, rkey)
	pipe.ExpireNX(ctx, rkey, w.window)
	ttl := pipe.PTTL(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return download.WindowDecision{}, fmt.Errorf("window hit %q: %w", key, err)
	}

	count := int(incr.Val())
	resetIn := ttl.Val()
	if resetIn < 0 {
		resetIn = w.window
	}

	if count > limit {
		return download.WindowDecision{Allowed: false, Remaining: 0, ResetIn: resetIn}, nil
	}
	return download.WindowDecision{
		Allowed:   true,
		Remaining: limit - count,
		ResetIn:   resetIn,
	}, nil
}
