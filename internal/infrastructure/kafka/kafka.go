// Package kafka publishes sync domain events to a Kafka topic.
//
// Events are optional: when Kafka is disabled the publisher is never
// created and the emitting components skip publishing.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/config"
)

// Event types.
const (
	EventSyncCompleted   = "sync.completed"
	EventConflictCreated = "conflict.created"
	EventQueueFailed     = "queue.failed"
)

const defaultTopic = "graysync.events"

// ErrDisabled indicates Kafka is disabled in config.
var ErrDisabled = errors.New("kafka: disabled in configuration")

// Event is one domain event. Integration ID is the message key so a
// consumer sees one integration's events in order.
type Event struct {
	Type           string         `json:"type"`
	OrganizationID string         `json:"organization_id"`
	IntegrationID  string         `json:"integration_id"`
	Data           map[string]any `json:"data,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes events synchronously to one topic.
type Publisher struct {
	writer messageWriter
	topic  string
	now    func() time.Time
}

// NewPublisher creates a publisher for cfg. The writer connects lazily on
// the first publish.
func NewPublisher(cfg config.KafkaConfig) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = defaultTopic
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newPublisher(writer, topic), nil
}

func newPublisher(w messageWriter, topic string) *Publisher {
	return &Publisher{writer: w, topic: topic, now: time.Now}
}

// Publish encodes and writes ev.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	msg, err := p.message(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing %s: %w", ev.Type, err)
	}
	return nil
}

func (p *Publisher) message(ev Event) (kafka.Message, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encoding %s event: %w", ev.Type, err)
	}
	return kafka.Message{
		Key:   []byte(ev.IntegrationID),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "organization_id", Value: []byte(ev.OrganizationID)},
		},
	}, nil
}

// Topic returns the destination topic.
func (p *Publisher) Topic() string {
	return p.topic
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
