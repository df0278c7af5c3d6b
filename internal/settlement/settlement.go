// Package settlement consumes authorization events from the broker and
// settles the corresponding payments. Processing is idempotent: a
// redelivered event finds the authorization already settled and does
// nothing, so at-least-once delivery upstream stays safe.
package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coreledger/payments/internal/shared/domain/events"
)

// Config holds configuration for the settlement service.
type Config struct {
	Brokers       []string
	ConsumerGroup string
}

// RunningService represents a started settlement service.
type RunningService struct {
	// Shutdown stops the consumer gracefully.
	Shutdown func(ctx context.Context) error
}

// Start wires the settlement handler to a consumer group on the
// authorizations topic and begins consuming.
func Start(ctx context.Context, cfg Config, store Store, logger *slog.Logger) (*RunningService, error) {
	logger = logger.With("service", "settlement")

	registry := NewHandlerRegistry(logger)
	registry.Register(events.TypePaymentAuthorized, NewAuthorizedHandler(store, logger))

	consumer, err := NewConsumer(
		registry,
		ConsumerConfig{
			Brokers: cfg.Brokers,
			GroupID: cfg.ConsumerGroup,
			Topics:  []string{events.TopicAuthorizations},
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create settlement consumer: %w", err)
	}

	go func() {
		if err := consumer.Start(ctx); err != nil {
			logger.Error("settlement consumer error", "error", err)
		}
	}()

	return &RunningService{
		Shutdown: func(shutdownCtx context.Context) error {
			logger.Info("shutting down settlement service")
			return consumer.Close()
		},
	}, nil
}
