// Package kafka wraps the franz-go client for the broker side of the
// delivery pipeline.
package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is an async Kafka producer. Delivery outcomes arrive on the
// promise passed to Produce, so callers own their own success and
// failure accounting.
type Producer struct {
	client *kgo.Client
	logger *slog.Logger
}

// NewProducer creates a Kafka producer for the given brokers.
func NewProducer(brokers []string, logger *slog.Logger) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger.With("component", "kafka-producer"),
	}, nil
}

// Produce sends the record asynchronously; promise runs once the broker
// acknowledges or the send fails.
func (p *Producer) Produce(ctx context.Context, record *kgo.Record, promise func(*kgo.Record, error)) {
	p.client.Produce(ctx, record, promise)
}

// Flush blocks until all buffered records are delivered or ctx ends.
func (p *Producer) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

// Close flushes and closes the underlying client.
func (p *Producer) Close() {
	p.client.Close()
	p.logger.Info("Kafka producer closed")
}
