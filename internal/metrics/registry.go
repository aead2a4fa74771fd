// Package metrics maintains in-process pipeline statistics behind an
// immutable snapshot.
package metrics

import (
	"sync"
	"time"
)

// Default bounds for the rolling windows.
const (
	DefaultSampleSize  = 100
	DefaultDepthWindow = 300
)

// Config bounds the rolling sample and the queue-depth ring.
type Config struct {
	SampleSize  int
	DepthWindow int
}

// Registry accumulates counters and bounded rolling stats. All mutation
// goes through its methods; readers only ever see Snapshot copies.
type Registry struct {
	mu           sync.Mutex
	cfg          Config
	processed    int64
	failed       int64
	durations    []time.Duration // ring, most recent SampleSize samples
	durationsPos int
	durationsLen int
	errorsByType map[string]int64
	depthHistory []int // ring
	depthPos     int
	depthLen     int
	peakDepth    int
}

// Snapshot is a point-in-time copy of the registry. Mutating it does not
// affect the registry.
type Snapshot struct {
	ProcessedCount                 int64            `json:"processed_count"`
	FailedCount                    int64            `json:"failed_count"`
	RollingAverageProcessingTimeMs float64          `json:"rolling_average_processing_time_ms"`
	ErrorsByType                   map[string]int64 `json:"errors_by_type"`
	QueueDepthHistory              []int            `json:"queue_depth_history"`
	PeakQueueDepth                 int              `json:"peak_queue_depth"`
}

// SuccessRate returns the percentage of processed jobs that succeeded.
// With no outcomes yet it reports 100, not a misleading 0.
func (s Snapshot) SuccessRate() float64 {
	total := s.ProcessedCount + s.FailedCount
	if total == 0 {
		return 100
	}
	return float64(s.ProcessedCount) / float64(total) * 100
}

// New constructs a Registry.
func New(cfg Config) *Registry {
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = DefaultSampleSize
	}
	if cfg.DepthWindow <= 0 {
		cfg.DepthWindow = DefaultDepthWindow
	}
	return &Registry{
		cfg:          cfg,
		durations:    make([]time.Duration, cfg.SampleSize),
		errorsByType: make(map[string]int64),
		depthHistory: make([]int, cfg.DepthWindow),
	}
}

// ObserveSuccess counts one successful job and folds its processing time
// into the rolling sample.
func (r *Registry) ObserveSuccess(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed++
	r.durations[r.durationsPos] = d
	r.durationsPos = (r.durationsPos + 1) % r.cfg.SampleSize
	if r.durationsLen < r.cfg.SampleSize {
		r.durationsLen++
	}
}

// ObserveFailure counts one terminal failure under its error type.
func (r *Registry) ObserveFailure(errType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
	r.errorsByType[errType]++
}

// ObserveQueueDepth records the current queue depth into the bounded ring
// and tracks the peak.
func (r *Registry) ObserveQueueDepth(depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depthHistory[r.depthPos] = depth
	r.depthPos = (r.depthPos + 1) % r.cfg.DepthWindow
	if r.depthLen < r.cfg.DepthWindow {
		r.depthLen++
	}
	if depth > r.peakDepth {
		r.peakDepth = depth
	}
}

// Snapshot copies the current state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var avgMs float64
	if r.durationsLen > 0 {
		var sum time.Duration
		for i := 0; i < r.durationsLen; i++ {
			sum += r.durations[i]
		}
		avgMs = float64(sum.Milliseconds()) / float64(r.durationsLen)
	}

	errs := make(map[string]int64, len(r.errorsByType))
	for k, v := range r.errorsByType {
		errs[k] = v
	}

	depths := make([]int, 0, r.depthLen)
	if r.depthLen == r.cfg.DepthWindow {
		// Ring is full: oldest entry sits at the write position.
		depths = append(depths, r.depthHistory[r.depthPos:]...)
		depths = append(depths, r.depthHistory[:r.depthPos]...)
	} else {
		depths = append(depths, r.depthHistory[:r.depthLen]...)
	}

	return Snapshot{
		ProcessedCount:                 r.processed,
		FailedCount:                    r.failed,
		RollingAverageProcessingTimeMs: avgMs,
		ErrorsByType:                   errs,
		QueueDepthHistory:              depths,
		PeakQueueDepth:                 r.peakDepth,
	}
}
