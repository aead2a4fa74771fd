// Package shutdown runs an ordered, idempotent shutdown sequence.
package shutdown

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Step is one named shutdown action. Steps run in registration order;
// a failing step is logged and the sequence continues.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Coordinator executes registered steps exactly once, no matter how many
// callers race into Shutdown.
type Coordinator struct {
	mu      sync.Mutex
	steps   []Step
	once    sync.Once
	timeout time.Duration
	logger  *zap.Logger
}

// New constructs a Coordinator. timeout bounds the whole sequence.
func New(timeout time.Duration, logger *zap.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Coordinator{timeout: timeout, logger: logger}
}

// Register appends a step. Registration after Shutdown has started is a
// silent no-op.
func (c *Coordinator) Register(name string, run func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, Step{Name: name, Run: run})
}

// Shutdown runs the sequence. Only the first call does work; later calls
// return immediately.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		c.mu.Lock()
		steps := make([]Step, len(c.steps))
		copy(steps, c.steps)
		c.mu.Unlock()

		c.logger.Info("shutdown started", zap.Int("steps", len(steps)))
		for _, step := range steps {
			start := time.Now()
			if err := step.Run(ctx); err != nil {
				c.logger.Warn("shutdown step failed",
					zap.String("step", step.Name),
					zap.Duration("elapsed", time.Since(start)),
					zap.Error(err))
				continue
			}
			c.logger.Info("shutdown step done",
				zap.String("step", step.Name),
				zap.Duration("elapsed", time.Since(start)))
		}
		c.logger.Info("shutdown complete")
	})
}
