// Package redpanda publishes job lifecycle events to Redpanda/Kafka.
// Publishing is best-effort: callers log and continue on failure.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/scribehq/notegen/internal/domain"
)

// TopicJobEvents carries every job lifecycle transition.
const TopicJobEvents = "notegen-job-events"

type produceClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Producer implements domain.EventPublisher on a franz-go client.
type Producer struct {
	client produceClient
	topic  string
	logger *slog.Logger
}

// NewProducer connects to the brokers and ensures the events topic exists.
func NewProducer(brokers []string, logger *slog.Logger) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.producer: no seed brokers provided")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.producer: client: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, TopicJobEvents, 1, 1); err != nil {
		// The topic may already exist or be auto-created broker-side.
		logger.Warn("job events topic creation failed",
			slog.String("topic", TopicJobEvents),
			slog.String("error", err.Error()),
		)
	}

	return &Producer{client: client, topic: TopicJobEvents, logger: logger}, nil
}

// PublishJobEvent emits one lifecycle transition, keyed by job id so events
// for a job stay ordered within a partition.
func (p *Producer) PublishJobEvent(ctx domain.Context, ev domain.JobEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=events.publish: marshal: %w", err)
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.JobID),
		Value: b,
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=events.publish: %w", err)
	}
	return nil
}

// Close flushes and releases the underlying client.
func (p *Producer) Close() {
	p.client.Close()
}
