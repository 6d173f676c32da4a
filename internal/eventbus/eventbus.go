// Package eventbus publishes best-effort lifecycle events. Grounded on
// integrations/loyverse/internal/events/publisher.go (DomainEvent envelope,
// kafka.Writer with LeastBytes balancer and Snappy compression), narrowed to
// the single run.finished concern named by §4.3.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// EventType identifies the kind of lifecycle event published.
type EventType string

const (
	EventRunFinished EventType = "run.finished"
)

// DomainEvent is the envelope every published event carries.
type DomainEvent struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
	Source        string          `json:"source"`
}

// Publisher publishes DomainEvents to Kafka. A nil *Publisher is valid and
// makes Publish a no-op, so callers can wire it unconditionally whether or
// not Kafka is configured for this deployment.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	if len(brokers) == 0 {
		return nil
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:        kafka.TCP(brokers...),
			Topic:       topic,
			Balancer:    &kafka.LeastBytes{},
			Compression: kafka.Snappy,
		},
	}
}

// PublishRunFinished emits a run.finished event. Publish failures are the
// caller's responsibility to log; they never affect the run's persisted
// status, which remains the single source of truth (§4.3).
func (p *Publisher) PublishRunFinished(ctx context.Context, runID, status string) error {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(map[string]string{"run_id": runID, "status": status})
	if err != nil {
		return fmt.Errorf("eventbus: marshaling event data: %w", err)
	}

	event := DomainEvent{
		ID:            uuid.NewString(),
		Type:          EventRunFinished,
		AggregateID:   runID,
		AggregateType: "ingest_run",
		Timestamp:     time.Now().UTC(),
		Data:          data,
		Source:        "ingestd",
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventbus: marshaling event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(runID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "source", Value: []byte(event.Source)},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
