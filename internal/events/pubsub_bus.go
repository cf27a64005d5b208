package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// DurableBus wraps the in-memory Bus and also publishes every event to a
// Google Cloud Pub/Sub topic for durable, cross-service delivery.
//
// Fan-out strategy:
//   - Pub/Sub: durable, at-least-once delivery to downstream consumers
//   - In-memory: immediate push to live subscribers
type DurableBus struct {
	*Bus // embedded; Subscribe/Unsubscribe still work

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *slog.Logger
}

// NewDurableBus creates a Pub/Sub-backed event bus.
// It creates the topic if it does not exist.
func NewDurableBus(projectID, topicID string, logger *slog.Logger) (*DurableBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}

	// Per-agent ordering is enough for the audit trail
	topic.EnableMessageOrdering = true

	if logger == nil {
		logger = slog.Default()
	}
	bus := &DurableBus{
		Bus:    NewBus(logger),
		client: client,
		topic:  topic,
		logger: logger.With("component", "events.pubsub"),
	}

	bus.logger.Info("Connected to Pub/Sub topic",
		"project", projectID, "topic", topicID)
	return bus, nil
}

// Emit creates an event, publishes it to Pub/Sub, and fans out to the
// in-memory subscribers.
func (db *DurableBus) Emit(eventType, severity, agent string, details map[string]interface{}) {
	event := NewEvent(eventType, severity, agent, details)
	db.publishDurable(event)
	db.Bus.Publish(event)
}

// publishDurable serializes the event and publishes it as a Pub/Sub message.
// Attributes mirror the envelope fields for server-side filtering.
func (db *DurableBus) publishDurable(event *Event) {
	payload, err := event.JSON()
	if err != nil {
		db.logger.Warn("Failed to marshal event", "id", event.ID, "error", err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"type":     event.Type,
			"severity": event.Severity,
			"agent":    event.Agent,
			"id":       event.ID,
			"time":     event.Time.Format(time.RFC3339Nano),
		},
		OrderingKey: event.Agent,
	}

	result := db.topic.Publish(context.Background(), msg)

	// Non-blocking: check the result off the hot path
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			db.logger.Warn("Pub/Sub publish failed", "id", event.ID, "error", err)
		}
	}()
}

// Close gracefully shuts down the Pub/Sub client.
func (db *DurableBus) Close() error {
	db.topic.Stop()
	if err := db.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// HealthCheck verifies the Pub/Sub topic is reachable.
func (db *DurableBus) HealthCheck(ctx context.Context) error {
	exists, err := db.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

var _ Emitter = (*DurableBus)(nil)
