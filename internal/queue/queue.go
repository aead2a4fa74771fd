// Package queue implements the bounded, priority-aware job queue with
// backpressure.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/mediafetch/fetchq/internal/download"
)

// Config bounds the queue and its retained history.
type Config struct {
	MaxDepth         int
	HistoryCompleted int
	HistoryFailed    int
}

// SubmitResult reports whether a job was accepted; Reason is set on
// rejection (currently only BACKPRESSURE).
type SubmitResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type queuedJob struct {
	job *download.Job
	seq uint64
}

// jobHeap orders by priority (lower first) with FIFO tie-break by
// submission sequence.
type jobHeap []queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Payload.Priority != h[j].job.Payload.Priority {
		return h[i].job.Payload.Priority < h[j].job.Payload.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(queuedJob)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// HistoryEntry is one retained terminal outcome, kept for observability.
type HistoryEntry struct {
	Job        download.Job `json:"job"`
	Error      string       `json:"error,omitempty"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Queue is a bounded priority queue. Submit never blocks: it accepts
// immediately or rejects with BACKPRESSURE once the depth cap is reached.
type Queue struct {
	mu      sync.Mutex
	jobs    jobHeap
	seq     uint64
	cfg     Config
	closed  bool
	notify  chan struct{}
	peak    int
	history struct {
		completed []HistoryEntry
		failed    []HistoryEntry
	}
}

// New constructs a Queue.
func New(cfg Config) *Queue {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 100
	}
	if cfg.HistoryCompleted <= 0 {
		cfg.HistoryCompleted = 50
	}
	if cfg.HistoryFailed <= 0 {
		cfg.HistoryFailed = 50
	}
	q := &Queue{
		cfg:    cfg,
		notify: make(chan struct{}, 1),
	}
	heap.Init(&q.jobs)
	return q
}

// Submit offers a job to the queue without blocking the caller.
func (q *Queue) Submit(job *download.Job) SubmitResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.jobs) >= q.cfg.MaxDepth {
		return SubmitResult{Accepted: false, Reason: download.ReasonBackpressure}
	}

	q.seq++
	heap.Push(&q.jobs, queuedJob{job: job, seq: q.seq})
	if len(q.jobs) > q.peak {
		q.peak = len(q.jobs)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return SubmitResult{Accepted: true}
}

// Dequeue pops the highest-priority job, blocking until one is available,
// the context finishes, or the queue closes.
func (q *Queue) Dequeue(ctx context.Context) (*download.Job, error) {
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			item := heap.Pop(&q.jobs).(queuedJob)
			if len(q.jobs) > 0 {
				// More work pending: keep the signal alive for other workers.
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return item.job, nil
		}
		if q.closed {
			q.mu.Unlock()
			// Chain the wakeup so every blocked worker observes the close.
			select {
			case q.notify <- struct{}{}:
			default:
			}
			return nil, download.ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// Depth reports the number of pending jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// PeakDepth reports the highest depth observed since construction.
func (q *Queue) PeakDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peak
}

// Close rejects all future submissions and wakes blocked Dequeue callers.
// Pending jobs already accepted remain drainable.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// RecordCompleted retains a terminal success for observability, pruning the
// oldest entry unconditionally once over the cap.
func (q *Queue) RecordCompleted(job *download.Job, finishedAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.history.completed = appendBounded(q.history.completed, HistoryEntry{
		Job:        *job,
		FinishedAt: finishedAt,
	}, q.cfg.HistoryCompleted)
}

// RecordFailed retains a terminal failure with its last error.
func (q *Queue) RecordFailed(job *download.Job, errText string, finishedAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.history.failed = appendBounded(q.history.failed, HistoryEntry{
		Job:        *job,
		Error:      errText,
		FinishedAt: finishedAt,
	}, q.cfg.HistoryFailed)
}

// History returns copies of the retained completed and failed entries.
func (q *Queue) History() (completed, failed []HistoryEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	completed = append([]HistoryEntry(nil), q.history.completed...)
	failed = append([]HistoryEntry(nil), q.history.failed...)
	return completed, failed
}

func appendBounded(entries []HistoryEntry, e HistoryEntry, limit int) []HistoryEntry {
	entries = append(entries, e)
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}
