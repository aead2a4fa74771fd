package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mediafetch/fetchq/internal/clock/system"
	"github.com/mediafetch/fetchq/internal/download"
	"github.com/mediafetch/fetchq/internal/metrics"
	"github.com/mediafetch/fetchq/internal/queue"
)

type poolFixture struct {
	pool *Pool
	q    *queue.Queue
	reg  *metrics.Registry
	proc *procFixture
}

func newPoolFixture(t *testing.T, cfg Config, pcfg ProcessorConfig) *poolFixture {
	t.Helper()
	proc := newProcFixture(t, pcfg)
	q := queue.New(queue.Config{MaxDepth: 100})
	reg := metrics.New(metrics.Config{})
	pool := NewPool(q, proc.proc, reg, system.New(), cfg, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Close(ctx)
	})
	return &poolFixture{pool: pool, q: q, reg: reg, proc: proc}
}

func submitJob(t *testing.T, q *queue.Queue, id string) {
	t.Helper()
	job := testJob()
	job.ID = id
	res := q.Submit(job)
	require.True(t, res.Accepted)
}

func TestPoolProcessesSubmittedJobs(t *testing.T) {
	t.Parallel()

	f := newPoolFixture(t, Config{Concurrency: 2, DequeueJobs: 1000, GracePeriod: time.Second}, ProcessorConfig{})
	require.NoError(t, f.pool.Start(context.Background()))

	for i := 0; i < 5; i++ {
		submitJob(t, f.q, string(rune('a'+i)))
	}

	require.Eventually(t, func() bool {
		return f.proc.notifier.deliveredCount() == 5
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return f.reg.Snapshot().ProcessedCount == 5
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		completed, failed := f.q.History()
		return len(completed) == 5 && len(failed) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolRetriesTransientFailuresOnce(t *testing.T) {
	t.Parallel()

	f := newPoolFixture(t,
		Config{Concurrency: 1, DequeueJobs: 1000, GracePeriod: time.Second, MaxAttempts: 2, BackoffDelay: 10 * time.Millisecond},
		ProcessorConfig{ScrapeTimeout: 20 * time.Millisecond})
	f.proc.scraper.run = func(ctx context.Context, call int) (download.MediaInfo, error) {
		if call == 1 {
			<-ctx.Done() // first attempt times out
			return download.MediaInfo{}, ctx.Err()
		}
		return okScrape(ctx, call)
	}
	require.NoError(t, f.pool.Start(context.Background()))

	submitJob(t, f.q, "retry-1")

	require.Eventually(t, func() bool {
		return f.proc.notifier.deliveredCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, f.proc.scraper.callCount())
	require.Equal(t, int64(1), f.reg.Snapshot().ProcessedCount)
	require.Equal(t, int64(0), f.reg.Snapshot().FailedCount)

	// Attempts are separated by at least the configured backoff delay.
	times := f.proc.scraper.callTimes()
	require.Len(t, times, 2)
	require.GreaterOrEqual(t, times[1].Sub(times[0]), 10*time.Millisecond)
}

func TestPoolTerminalFailureNotifiesAndCounts(t *testing.T) {
	t.Parallel()

	f := newPoolFixture(t,
		Config{Concurrency: 1, DequeueJobs: 1000, GracePeriod: time.Second, MaxAttempts: 2, BackoffDelay: 5 * time.Millisecond},
		ProcessorConfig{})
	f.proc.scraper.run = func(ctx context.Context, call int) (download.MediaInfo, error) {
		return download.MediaInfo{}, errors.New("extractor rejected the url")
	}
	require.NoError(t, f.pool.Start(context.Background()))

	submitJob(t, f.q, "fail-1")

	require.Eventually(t, func() bool {
		_, ok := f.proc.notifier.lastNotice()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	notice, _ := f.proc.notifier.lastNotice()
	require.Equal(t, "SCRAPE_FAILED", notice.Code)
	// Deterministic scrape failures are not retried.
	require.Equal(t, 1, f.proc.scraper.callCount())

	require.Eventually(t, func() bool {
		snap := f.reg.Snapshot()
		return snap.FailedCount == 1 && snap.ErrorsByType["SCRAPE_FAILED"] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolPauseStopsDequeues(t *testing.T) {
	t.Parallel()

	f := newPoolFixture(t, Config{Concurrency: 2, DequeueJobs: 1000, GracePeriod: time.Second}, ProcessorConfig{})
	require.NoError(t, f.pool.Start(context.Background()))

	f.pool.Pause()
	require.Equal(t, StatePaused, f.pool.State())

	submitJob(t, f.q, "parked-1")
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, f.proc.notifier.deliveredCount())
	require.Equal(t, 1, f.q.Depth())

	f.pool.Resume()
	require.Eventually(t, func() bool {
		return f.proc.notifier.deliveredCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolLifecycleTransitions(t *testing.T) {
	t.Parallel()

	f := newPoolFixture(t, Config{Concurrency: 1, DequeueJobs: 1000, GracePeriod: time.Second}, ProcessorConfig{})
	require.Equal(t, StateUninitialized, f.pool.State())

	require.NoError(t, f.pool.Start(context.Background()))
	require.Equal(t, StateReady, f.pool.State())
	require.Error(t, f.pool.Start(context.Background()))

	// Pause before start is a no-op; pause after start parks the pool.
	f.pool.Pause()
	require.Equal(t, StatePaused, f.pool.State())
	f.pool.Pause()
	require.Equal(t, StatePaused, f.pool.State())

	ctx := context.Background()
	require.NoError(t, f.pool.Close(ctx))
	require.Equal(t, StateClosed, f.pool.State())
	require.NoError(t, f.pool.Close(ctx)) // idempotent
	require.ErrorIs(t, f.pool.Start(ctx), ErrPoolClosed)
}

func TestPoolCloseForceTerminatesAfterGrace(t *testing.T) {
	t.Parallel()

	f := newPoolFixture(t,
		Config{Concurrency: 1, DequeueJobs: 1000, GracePeriod: 50 * time.Millisecond},
		ProcessorConfig{ScrapeTimeout: time.Hour})
	started := make(chan struct{})
	f.proc.scraper.run = func(ctx context.Context, call int) (download.MediaInfo, error) {
		close(started)
		<-ctx.Done() // hangs until force terminate
		return download.MediaInfo{}, ctx.Err()
	}
	require.NoError(t, f.pool.Start(context.Background()))

	submitJob(t, f.q, "stuck-1")
	<-started

	done := make(chan struct{})
	go func() {
		_ = f.pool.Close(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return after grace period")
	}
}

func TestPoolStartWithoutQueueDegrades(t *testing.T) {
	t.Parallel()

	proc := newProcFixture(t, ProcessorConfig{})
	pool := NewPool(nil, proc.proc, metrics.New(metrics.Config{}), system.New(), Config{}, zap.NewNop())
	require.ErrorIs(t, pool.Start(context.Background()), ErrNoQueue)
	require.Equal(t, StateUninitialized, pool.State())
	require.NoError(t, pool.Close(context.Background()))
}
