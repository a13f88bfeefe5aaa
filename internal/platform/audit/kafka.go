package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ehr/bloodbank/internal/platform/kafka"
)

// Publisher is the subset of kafka.Producer the sinks need.
type Publisher interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink publishes events as JSON keyed by event ID.
type KafkaSink struct {
	pub   Publisher
	topic string
}

func NewKafkaSink(pub Publisher, topic string) *KafkaSink {
	return &KafkaSink{pub: pub, topic: topic}
}

func (s *KafkaSink) Record(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return s.pub.Publish(ctx, kafka.Message{
		Topic: s.topic,
		Key:   []byte(evt.ID.String()),
		Value: payload,
		Headers: map[string]string{
			"category": string(evt.Category),
			"action":   evt.Action,
		},
	})
}
