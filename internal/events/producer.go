// Package events publishes processing activity to Kafka: one topic for
// per-stage attempts and one for committed record links.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"citation-linker/internal/models"
)

// Publisher is the side of Producer the orchestrator needs.
type Publisher interface {
	WriteAttempt(ctx context.Context, ev models.AttemptEvent) error
	WriteLink(ctx context.Context, ev models.LinkEvent) error
}

// Producer wraps two Kafka writers, one per topic.
type Producer struct {
	attempts MessageWriter
	links    MessageWriter
}

// NewProducer creates a producer for the given broker and topics.
func NewProducer(broker, attemptsTopic, linksTopic string) *Producer {
	makeWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:                   kafka.TCP(broker),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: false,
		}
	}
	return &Producer{
		attempts: makeWriter(attemptsTopic),
		links:    makeWriter(linksTopic),
	}
}

// NewProducerWithWriters builds a producer using custom writers (tests).
func NewProducerWithWriters(attempts, links MessageWriter) *Producer {
	return &Producer{attempts: attempts, links: links}
}

// Close shuts down both writers, returning the first error seen.
func (p *Producer) Close() error {
	err := p.attempts.Close()
	if cerr := p.links.Close(); err == nil {
		err = cerr
	}
	return err
}

// WriteAttempt publishes an AttemptEvent keyed by record id.
func (p *Producer) WriteAttempt(ctx context.Context, ev models.AttemptEvent) error {
	return write(ctx, p.attempts, ev.RecordID, ev)
}

// WriteLink publishes a LinkEvent keyed by record id.
func (p *Producer) WriteLink(ctx context.Context, ev models.LinkEvent) error {
	return write(ctx, p.links, ev.RecordID, ev)
}

func write(ctx context.Context, w MessageWriter, key string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now().UTC(),
	})
}
