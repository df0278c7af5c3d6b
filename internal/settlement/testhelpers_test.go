package settlement

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/coreledger/payments/internal/payments"
	"github.com/coreledger/payments/internal/shared/domain/events"
)

// mockStore implements Store for testing.
type mockStore struct {
	MarkSettledFn func(ctx context.Context, authorizationID uuid.UUID, event *events.Envelope) (*payments.Authorization, error)
}

func (m *mockStore) MarkSettled(ctx context.Context, authorizationID uuid.UUID, event *events.Envelope) (*payments.Authorization, error) {
	return m.MarkSettledFn(ctx, authorizationID, event)
}

// mockEventHandler implements EventHandler for testing.
type mockEventHandler struct {
	HandleFn func(ctx context.Context, event *events.Envelope) error
}

func (m *mockEventHandler) Handle(ctx context.Context, event *events.Envelope) error {
	return m.HandleFn(ctx, event)
}
