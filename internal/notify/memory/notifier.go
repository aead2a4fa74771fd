// Package memory provides an in-process notifier. It backs development
// mode and the degraded path taken when Pub/Sub is unreachable at startup.
package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mediafetch/fetchq/internal/download"
)

// Delivery is one retained delivery.
type Delivery struct {
	Target  string
	Payload download.DeliveryPayload
}

// Notice is one retained failure notice.
type Notice struct {
	Target string
	Notice download.FailureNotice
}

// Notifier implements download.Notifier by retaining a bounded tail of
// messages and logging each one.
type Notifier struct {
	mu         sync.Mutex
	deliveries []Delivery
	notices    []Notice
	limit      int
	logger     *zap.Logger
}

// New constructs a Notifier retaining at most limit messages per kind.
func New(limit int, logger *zap.Logger) *Notifier {
	if limit <= 0 {
		limit = 100
	}
	return &Notifier{limit: limit, logger: logger}
}

// Deliver implements download.Notifier.
func (n *Notifier) Deliver(ctx context.Context, target string, payload download.DeliveryPayload) error {
	n.mu.Lock()
	n.deliveries = append(n.deliveries, Delivery{Target: target, Payload: payload})
	if len(n.deliveries) > n.limit {
		n.deliveries = n.deliveries[len(n.deliveries)-n.limit:]
	}
	n.mu.Unlock()
	n.logger.Info("delivery",
		zap.String("target", target),
		zap.String("job_id", payload.JobID),
		zap.String("title", payload.Media.Title))
	return nil
}

// Notify implements download.Notifier.
func (n *Notifier) Notify(ctx context.Context, target string, notice download.FailureNotice) error {
	n.mu.Lock()
	n.notices = append(n.notices, Notice{Target: target, Notice: notice})
	if len(n.notices) > n.limit {
		n.notices = n.notices[len(n.notices)-n.limit:]
	}
	n.mu.Unlock()
	n.logger.Info("failure notice",
		zap.String("target", target),
		zap.String("job_id", notice.JobID),
		zap.String("code", notice.Code))
	return nil
}

// Deliveries returns the retained deliveries, oldest first.
func (n *Notifier) Deliveries() []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Delivery, len(n.deliveries))
	copy(out, n.deliveries)
	return out
}

// Notices returns the retained failure notices, oldest first.
func (n *Notifier) Notices() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notice, len(n.notices))
	copy(out, n.notices)
	return out
}
