// Package kafka forwards audit events to a Kafka topic as JSON records keyed
// by subject, so every event for one credential lands on the same partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"credtrust/internal/platform/kafka/producer"
	audit "credtrust/pkg/platform/audit"
)

// Producer is the subset of the platform producer the sink needs.
type Producer interface {
	Produce(ctx context.Context, msg *producer.Message) error
}

type Sink struct {
	producer Producer
	topic    string
}

func New(p Producer, topic string) *Sink {
	if p == nil {
		panic("audit kafka sink: producer is required")
	}
	return &Sink{producer: p, topic: topic}
}

func (s *Sink) Append(ctx context.Context, event audit.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	return s.producer.Produce(ctx, &producer.Message{
		Topic: s.topic,
		Key:   []byte(event.Subject),
		Value: value,
		Headers: map[string]string{
			"action":   event.Action,
			"category": string(event.Category),
		},
	})
}
