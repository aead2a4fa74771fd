// Package pubsub implements a Google Cloud Pub/Sub notifier. Delivery
// consumers (bot frontends, webhooks) subscribe to the topic and fan
// messages out to their own transports.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/mediafetch/fetchq/internal/download"
)

// Message attribute keys consumers route on.
const (
	attrKind   = "kind"
	attrTarget = "target"

	kindDelivery = "delivery"
	kindFailure  = "failure"
)

// Config names the topic deliveries are published to.
type Config struct {
	ProjectID string
	TopicName string
}

// Notifier implements download.Notifier on a Pub/Sub topic.
type Notifier struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// New connects to Pub/Sub and binds the topic.
func New(ctx context.Context, cfg Config) (*Notifier, error) {
	if cfg.ProjectID == "" || cfg.TopicName == "" {
		return nil, fmt.Errorf("pubsub project_id and topic_name are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	return &Notifier{
		client: client,
		topic:  client.Topic(cfg.TopicName),
	}, nil
}

// Deliver implements download.Notifier.
func (n *Notifier) Deliver(ctx context.Context, target string, payload download.DeliveryPayload) error {
	return n.publish(ctx, kindDelivery, target, payload)
}

// Notify implements download.Notifier.
func (n *Notifier) Notify(ctx context.Context, target string, notice download.FailureNotice) error {
	return n.publish(ctx, kindFailure, target, notice)
}

func (n *Notifier) publish(ctx context.Context, kind, target string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	result := n.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			attrKind:   kind,
			attrTarget: target,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish %s message: %w", kind, err)
	}
	return nil
}

// Close flushes pending publishes and releases the client.
func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	if n.topic != nil {
		n.topic.Stop()
	}
	if n.client != nil {
		if err := n.client.Close(); err != nil {
			return fmt.Errorf("pubsub client close failed: %w", err)
		}
	}
	return nil
}
