package settlement

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/coreledger/payments/internal/shared/domain/events"
)

// ConsumerConfig holds configuration for the settlement consumer.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
}

// Consumer consumes authorization events and dispatches to handlers.
type Consumer struct {
	client   *kgo.Client
	registry *HandlerRegistry
	config   ConsumerConfig
	logger   *slog.Logger
}

// NewConsumer creates a consumer-group client over the given topics.
func NewConsumer(registry *HandlerRegistry, config ConsumerConfig, logger *slog.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(config.Brokers...),
		kgo.ConsumerGroup(config.GroupID),
		kgo.ConsumeTopics(config.Topics...),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		client:   client,
		registry: registry,
		config:   config,
		logger:   logger.With("component", "settlement-consumer"),
	}, nil
}

// Start begins consuming events and blocks until context is cancelled.
// Offsets commit only after a batch is processed, so a crash replays
// events instead of losing them.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting settlement consumer",
		"group_id", c.config.GroupID,
		"topics", c.config.Topics,
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("settlement consumer stopping")
			return nil
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				c.logger.Error("fetch error",
					"topic", err.Topic,
					"partition", err.Partition,
					"error", err.Err,
				)
			}
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			c.processRecord(ctx, record)
		})

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			c.logger.Error("failed to commit offsets", "error", err)
		}
	}
}

// processRecord processes a single Kafka record. Malformed records are
// logged and skipped; handler failures are logged and left to the next
// delivery.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) {
	logger := c.logger.With(
		"topic", record.Topic,
		"partition", record.Partition,
		"offset", record.Offset,
	)

	var event events.Envelope
	if err := json.Unmarshal(record.Value, &event); err != nil {
		logger.Error("failed to deserialize event", "error", err)
		return
	}

	logger = logger.With(
		"event_id", event.EventID,
		"event_type", event.EventType,
		"aggregate_id", event.AggregateID,
	)

	if err := c.registry.Dispatch(ctx, &event); err != nil {
		logger.Error("failed to handle event", "error", err)
		return
	}

	logger.Debug("event processed successfully")
}

// Close releases consumer resources.
func (c *Consumer) Close() error {
	c.client.Close()
	c.logger.Info("settlement consumer closed")
	return nil
}
