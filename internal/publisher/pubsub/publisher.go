// Package pubsub implements a Google Cloud Pub/Sub completion-event
// publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
)

// Publisher wraps a Pub/Sub publisher client. Downstream analysis pipelines
// subscribe to the topic to learn about freshly captured domains.
type Publisher struct {
	publisher *pubsub.Publisher
	runID     string
}

// New creates a Publisher for the provided topic publisher. The run ID is
// attached to every message as an attribute so consumers can group events
// by harvest run.
func New(publisher *pubsub.Publisher, runID string) *Publisher {
	return &Publisher{publisher: publisher, runID: runID}
}

// Publish marshals the payload to JSON and publishes it. The topic argument
// is informational; the wrapped client is already bound to its topic.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"run_id": p.runID},
	}
	result := p.publisher.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}
