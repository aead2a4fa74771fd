package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mediafetch/fetchq/internal/download"
	"github.com/mediafetch/fetchq/internal/metrics"
	"github.com/mediafetch/fetchq/internal/queue"
	"github.com/mediafetch/fetchq/internal/telemetry"
)

// State is the pool lifecycle phase.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateProcessing
	StatePaused
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StatePaused:
		return "paused"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrPoolClosed is returned by lifecycle calls after Close.
var ErrPoolClosed = errors.New("worker: pool closed")

// ErrNoQueue is returned by Start when no queue backend is available. The
// pool stays disabled instead of crashing the process.
var ErrNoQueue = errors.New("worker: queue unavailable")

// Config sizes the pool and its dequeue throttle.
type Config struct {
	Concurrency   int
	DequeueJobs   int           // dequeues allowed per DequeueWindow, across the pool
	DequeueWindow time.Duration
	GracePeriod   time.Duration // how long Close waits for in-flight jobs
	MaxAttempts   int
	BackoffDelay  time.Duration
}

// Pool drains the queue with a fixed set of workers. Dequeues are globally
// rate limited; pausing parks workers between jobs without dropping anything
// already in flight.
type Pool struct {
	queue   *queue.Queue
	proc    *Processor
	metrics *metrics.Registry
	clock   download.Clock
	logger  *zap.Logger
	cfg     Config
	limiter *rate.Limiter

	mu        sync.Mutex
	state     State
	active    int
	resume    chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	jobCtx    context.Context
	jobCancel context.CancelFunc
	dqCtx     context.Context
	dqCancel  context.CancelFunc
	wg        sync.WaitGroup
}

// NewPool constructs a Pool. Start must be called before jobs flow.
func NewPool(q *queue.Queue, proc *Processor, reg *metrics.Registry, clock download.Clock, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.DequeueJobs <= 0 {
		cfg.DequeueJobs = 30
	}
	if cfg.DequeueWindow <= 0 {
		cfg.DequeueWindow = time.Minute
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.BackoffDelay <= 0 {
		cfg.BackoffDelay = time.Second
	}
	limit := rate.Every(cfg.DequeueWindow / time.Duration(cfg.DequeueJobs))
	return &Pool{
		queue:   q,
		proc:    proc,
		metrics: reg,
		clock:   clock,
		logger:  logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.DequeueJobs),
		state:   StateUninitialized,
	}
}

// Start launches the workers. It is a one-shot transition out of
// StateUninitialized.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return ErrPoolClosed
	}
	if p.state != StateUninitialized {
		return errors.New("worker: pool already started")
	}
	if p.queue == nil {
		return ErrNoQueue
	}

	p.runCtx, p.runCancel = context.WithCancel(ctx)
	// Jobs survive cancellation of the start context; only a post-grace
	// force terminate cuts them off.
	p.jobCtx, p.jobCancel = context.WithCancel(context.Background())
	p.dqCtx, p.dqCancel = context.WithCancel(p.runCtx)
	p.state = StateReady

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Int("dequeue_jobs", p.cfg.DequeueJobs),
		zap.Duration("dequeue_window", p.cfg.DequeueWindow))
	return nil
}

// State reports the current lifecycle phase. A pool with any job in flight
// reports StateProcessing.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateReady && p.active > 0 {
		return StateProcessing
	}
	return p.state
}

// Pause stops new dequeues. In-flight jobs run to completion. Idempotent.
func (p *Pool) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateReady {
		return
	}
	p.state = StatePaused
	p.resume = make(chan struct{})
	p.dqCancel() // unblock workers waiting in Dequeue
	p.logger.Info("worker pool paused")
}

// Resume reopens dequeues after Pause. Idempotent.
func (p *Pool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePaused {
		return
	}
	p.state = StateReady
	p.dqCtx, p.dqCancel = context.WithCancel(p.runCtx)
	close(p.resume)
	p.resume = nil
	p.logger.Info("worker pool resumed")
}

// Close stops dequeues, waits up to the grace period for in-flight jobs,
// then force-cancels whatever remains. Idempotent; the first call wins.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	started := p.state != StateUninitialized
	p.state = StateClosed
	if p.resume != nil {
		close(p.resume)
		p.resume = nil
	}
	if started {
		p.dqCancel()
		p.runCancel()
	}
	p.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.cfg.GracePeriod)
	defer timer.Stop()
	defer p.jobCancel()

	select {
	case <-done:
		p.logger.Info("worker pool drained")
		return nil
	case <-timer.C:
		p.logger.Warn("grace period elapsed, terminating in-flight jobs",
			zap.Duration("grace", p.cfg.GracePeriod))
	case <-ctx.Done():
		p.logger.Warn("shutdown context cancelled, terminating in-flight jobs")
	}

	p.jobCancel()
	<-done
	return nil
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	log := p.logger.With(zap.Int("worker", id))

	for {
		if err := p.gate(); err != nil {
			return
		}
		job, err := p.queue.Dequeue(p.dequeueContext())
		if err != nil {
			switch {
			case errors.Is(err, download.ErrQueueClosed):
				return
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				continue // paused or closing; gate decides
			default:
				log.Error("dequeue failed", zap.Error(err))
				continue
			}
		}
		p.runJob(log, job)
	}
}

// gate parks the worker while paused and enforces the pool-wide dequeue
// throttle. Returns non-nil only when the pool is done.
func (p *Pool) gate() error {
	for {
		p.mu.Lock()
		switch p.state {
		case StateClosed:
			p.mu.Unlock()
			return ErrPoolClosed
		case StatePaused:
			resume := p.resume
			done := p.runCtx.Done()
			p.mu.Unlock()
			select {
			case <-done:
				return ErrPoolClosed
			case <-resume:
			}
		default:
			runCtx := p.runCtx
			p.mu.Unlock()
			return p.limiter.Wait(runCtx)
		}
	}
}

func (p *Pool) dequeueContext() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dqCtx
}

func (p *Pool) runJob(log *zap.Logger, job *download.Job) {
	p.setActive(1)
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()
	defer p.setActive(-1)

	start := p.clock.Now()
	platform := download.PlatformFromURL(job.Payload.URL)
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = p.cfg.MaxAttempts
	}
	if job.BackoffDelay <= 0 {
		job.BackoffDelay = p.cfg.BackoffDelay
	}

	for {
		job.Attempts++
		jerr := p.proc.Process(p.jobCtx, job)
		if jerr == nil {
			elapsed := p.clock.Now().Sub(start)
			p.metrics.ObserveSuccess(elapsed)
			telemetry.ObserveJob("succeeded", platform, elapsed)
			p.queue.RecordCompleted(job, p.clock.Now())
			log.Info("job completed",
				zap.String("job_id", job.ID),
				zap.String("platform", platform),
				zap.Int("attempts", job.Attempts),
				zap.Duration("elapsed", elapsed))
			return
		}

		if jerr.Retryable() && job.Attempts < job.MaxAttempts && p.jobCtx.Err() == nil {
			log.Warn("job attempt failed, retrying",
				zap.String("job_id", job.ID),
				zap.String("code", string(jerr.Code)),
				zap.Int("attempt", job.Attempts),
				zap.Duration("backoff", job.BackoffDelay),
				zap.Error(jerr))
			if p.sleep(job.BackoffDelay) {
				continue
			}
			// Force shutdown landed mid-backoff; fall through to terminal.
		}

		p.failJob(log, job, jerr, start, platform)
		return
	}
}

func (p *Pool) failJob(log *zap.Logger, job *download.Job, jerr *download.JobError, start time.Time, platform string) {
	elapsed := p.clock.Now().Sub(start)
	p.proc.Fail(job, jerr)
	p.metrics.ObserveFailure(string(jerr.Code))
	telemetry.ObserveJob("failed", platform, elapsed)
	p.queue.RecordFailed(job, jerr.Error(), p.clock.Now())
	log.Error("job failed",
		zap.String("job_id", job.ID),
		zap.String("platform", platform),
		zap.String("code", string(jerr.Code)),
		zap.Int("attempts", job.Attempts),
		zap.Error(jerr))
}

// sleep waits out the backoff delay unless the job context dies first.
func (p *Pool) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-p.jobCtx.Done():
		return false
	}
}

func (p *Pool) setActive(delta int) {
	p.mu.Lock()
	p.active += delta
	p.mu.Unlock()
}
