package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSuccessRateDefaultsTo100(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	snap := r.Snapshot()
	require.Equal(t, float64(100), snap.SuccessRate())
	require.Zero(t, snap.ProcessedCount)
	require.Zero(t, snap.FailedCount)
}

func TestSuccessRate(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	for i := 0; i < 3; i++ {
		r.ObserveSuccess(10 * time.Millisecond)
	}
	r.ObserveFailure("SCRAPE_FAILED")

	snap := r.Snapshot()
	require.Equal(t, int64(3), snap.ProcessedCount)
	require.Equal(t, int64(1), snap.FailedCount)
	require.InDelta(t, 75.0, snap.SuccessRate(), 0.001)
	require.Equal(t, int64(1), snap.ErrorsByType["SCRAPE_FAILED"])
}

func TestRollingAverageIsBounded(t *testing.T) {
	t.Parallel()

	r := New(Config{SampleSize: 3})
	r.ObserveSuccess(100 * time.Millisecond)
	r.ObserveSuccess(100 * time.Millisecond)
	r.ObserveSuccess(100 * time.Millisecond)
	// Pushes the first sample out of the window.
	r.ObserveSuccess(400 * time.Millisecond)

	snap := r.Snapshot()
	require.InDelta(t, 200.0, snap.RollingAverageProcessingTimeMs, 0.001)
}

func TestQueueDepthRingAndPeak(t *testing.T) {
	t.Parallel()

	r := New(Config{DepthWindow: 3})
	for _, d := range []int{1, 5, 2, 3} {
		r.ObserveQueueDepth(d)
	}

	snap := r.Snapshot()
	require.Equal(t, []int{5, 2, 3}, snap.QueueDepthHistory)
	require.Equal(t, 5, snap.PeakQueueDepth)
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	r.ObserveFailure("TIMEOUT")
	r.ObserveQueueDepth(7)

	snap := r.Snapshot()
	snap.ErrorsByType["TIMEOUT"] = 99
	snap.QueueDepthHistory[0] = 99

	again := r.Snapshot()
	require.Equal(t, int64(1), again.ErrorsByType["TIMEOUT"])
	require.Equal(t, 7, again.QueueDepthHistory[0])
}
