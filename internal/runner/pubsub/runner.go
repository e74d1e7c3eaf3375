// Package pubsub hands work descriptors to the external worker over Google
// Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/pricegrid/orchestrator/internal/dispatcher"
)

// Runner publishes work descriptors to a Pub/Sub topic the scrape worker
// subscribes to.
type Runner struct {
	topic *pubsub.Topic
}

// New creates a Runner for the given project and topic.
func New(ctx context.Context, projectID, topicID string) (*Runner, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check pubsub topic %q: %w", topicID, err)
	}
	if !ok {
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	return &Runner{topic: topic}, nil
}

// NewWithTopic wraps an existing topic handle (primarily for testing).
func NewWithTopic(topic *pubsub.Topic) *Runner {
	return &Runner{topic: topic}
}

// Dispatch marshals the descriptor to JSON and publishes it, blocking until
// the server acknowledges so the caller knows the handoff really happened.
func (r *Runner) Dispatch(ctx context.Context, d dispatcher.WorkDescriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal work descriptor: %w", err)
	}
	result := r.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"job_key":    d.JobKey,
			"session_id": fmt.Sprintf("%d", d.SessionID),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish work descriptor: %w", err)
	}
	return nil
}

// Stop flushes pending publishes; call on shutdown.
func (r *Runner) Stop() {
	r.topic.Stop()
}
