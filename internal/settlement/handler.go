package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofrs/uuid/v5"

	"github.com/coreledger/payments/internal/payments"
	"github.com/coreledger/payments/internal/shared/domain/events"
	"github.com/coreledger/payments/internal/shared/shard"
)

// Store transitions authorizations to settled on their home shard. The
// settled event must commit in the same transaction as the update. A
// (nil, nil) return means the row was not in a settleable state.
type Store interface {
	MarkSettled(ctx context.Context, authorizationID uuid.UUID, event *events.Envelope) (*payments.Authorization, error)
}

// EventHandler processes one event.
type EventHandler interface {
	Handle(ctx context.Context, event *events.Envelope) error
}

// HandlerRegistry dispatches events to handlers by event type.
type HandlerRegistry struct {
	handlers map[events.Type]EventHandler
	logger   *slog.Logger
}

func NewHandlerRegistry(logger *slog.Logger) *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[events.Type]EventHandler),
		logger:   logger.With("component", "handler-registry"),
	}
}

// Register adds a handler for the given event type.
func (r *HandlerRegistry) Register(eventType events.Type, handler EventHandler) {
	r.handlers[eventType] = handler
	r.logger.Info("registered handler", "event_type", eventType)
}

// Dispatch routes an event to its handler. Events with no handler are
// skipped, not failed.
func (r *HandlerRegistry) Dispatch(ctx context.Context, event *events.Envelope) error {
	handler, ok := r.handlers[event.EventType]
	if !ok {
		r.logger.Debug("no handler for event type", "event_type", event.EventType)
		return nil
	}
	return handler.Handle(ctx, event)
}

// AuthorizedHandler settles payment.authorized events.
type AuthorizedHandler struct {
	store  Store
	logger *slog.Logger
}

func NewAuthorizedHandler(store Store, logger *slog.Logger) *AuthorizedHandler {
	return &AuthorizedHandler{
		store:  store,
		logger: logger.With("handler", "authorized"),
	}
}

// Handle settles the authorization named by the event. The merchant ID
// in the payload selects the shard; the update and the settled event
// commit together. Events for rows already past authorized are skipped.
func (h *AuthorizedHandler) Handle(ctx context.Context, event *events.Envelope) error {
	var payload events.AuthorizationPayload
	if err := event.ParsePayload(&payload); err != nil {
		h.logger.Error("malformed authorization payload",
			"event_id", event.EventID,
			"error", err,
		)
		// Unparseable payloads never become parseable; don't retry.
		return nil
	}

	authID, err := uuid.FromString(payload.AuthorizationID)
	if err != nil {
		h.logger.Error("invalid authorization id in payload",
			"event_id", event.EventID,
			"authorization_id", payload.AuthorizationID,
			"error", err,
		)
		return nil
	}

	ctx = shard.WithKey(ctx, shard.DeriveFromMerchant(payload.MerchantID))

	settled, err := events.NewEnvelope(events.TypePaymentSettled, "authorization", authID.String(), events.SettlementPayload{
		AuthorizationID: authID.String(),
		MerchantID:      payload.MerchantID,
		AmountCents:     payload.AmountCents,
		Currency:        payload.Currency,
	}, events.Metadata{Source: "settlement", SchemaVersion: 1})
	if err != nil {
		return fmt.Errorf("failed to build settled event: %w", err)
	}

	auth, err := h.store.MarkSettled(ctx, authID, settled)
	if err != nil {
		return fmt.Errorf("failed to settle authorization: %w", err)
	}
	if auth == nil {
		h.logger.Debug("authorization not settleable, skipping",
			"event_id", event.EventID,
			"authorization_id", authID,
		)
		return nil
	}

	h.logger.Info("authorization settled",
		"authorization_id", auth.ID,
		"merchant_id", auth.MerchantID,
		"amount_cents", auth.AmountCents,
	)
	return nil
}
