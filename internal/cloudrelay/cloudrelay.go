// Package cloudrelay mirrors fused-position frames and audit blocks to a
// Google Cloud Pub/Sub topic for durable, cross-service delivery to shore
// systems beyond this process (results processing, post-race analysis).
package cloudrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// Relay publishes race events to a Pub/Sub topic, creating it on first use
// if it does not already exist.
type Relay struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	log    *slog.Logger
}

// New connects to projectID and ensures topicID exists, enabling
// per-session ordering so a single race's events are delivered in order.
func New(ctx context.Context, projectID, topicID string, log *slog.Logger) (*Relay, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "cloudrelay")

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("cloudrelay: pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("cloudrelay: topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("cloudrelay: CreateTopic: %w", err)
		}
		log.Info("cloudrelay: created pub/sub topic", "topic", topicID)
	}
	topic.EnableMessageOrdering = true

	log.Info("cloudrelay: connected", "project", projectID, "topic", topicID)
	return &Relay{client: client, topic: topic, log: log}, nil
}

// PublishPositions publishes one epoch's fused-position frame, ordered by
// session so a downstream consumer never observes epochs out of sequence.
func (r *Relay) PublishPositions(ctx context.Context, sessionID string, frame interface{}) {
	r.publish(ctx, "uwb.positions.fused", sessionID, frame)
}

// PublishAuditBlock publishes a newly appended audit block.
func (r *Relay) PublishAuditBlock(ctx context.Context, sessionID string, block interface{}) {
	r.publish(ctx, "race.audit.block", sessionID, block)
}

func (r *Relay) publish(ctx context.Context, eventType, orderingKey string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		r.log.Warn("cloudrelay: marshal failed", "event_type", eventType, "error", err)
		return
	}

	msg := &pubsub.Message{
		Data:        payload,
		OrderingKey: orderingKey,
		Attributes: map[string]string{
			"event_type": eventType,
			"published":  time.Now().UTC().Format(time.RFC3339),
		},
	}

	result := r.topic.Publish(ctx, msg)
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			r.log.Warn("cloudrelay: publish failed", "event_type", eventType, "error", err)
		}
	}()
}

// Close flushes pending publishes and releases the client.
func (r *Relay) Close() error {
	r.topic.Stop()
	return r.client.Close()
}
