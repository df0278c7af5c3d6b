// Package payments implements the merchant-facing authorize and refund
// operations. Each mutation commits on the merchant's shard in one
// transaction with its outbox event and the idempotency record holding
// its response, so retries replay instead of re-executing.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/coreledger/payments/internal/idempotency"
	"github.com/coreledger/payments/internal/shared/domain/clock"
	"github.com/coreledger/payments/internal/shared/domain/events"
	"github.com/coreledger/payments/internal/shared/shard"
)

const (
	actionAuthorize = "authorize"
	actionRefund    = "refund"
)

// RatePolicy is the per-action request budget. A capacity of zero or
// below disables the limit for that action.
type RatePolicy struct {
	Capacity int
	Window   time.Duration
}

// ServiceConfig carries the request-path policies.
type ServiceConfig struct {
	AuthorizeRate RatePolicy
	RefundRate    RatePolicy
}

// AuthorizeRequest captures a new payment authorization.
type AuthorizeRequest struct {
	MerchantID     string `json:"merchant_id"`
	IdempotencyKey string `json:"idempotency_key"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
}

// RefundRequest refunds a previously created authorization.
type RefundRequest struct {
	MerchantID      string `json:"merchant_id"`
	IdempotencyKey  string `json:"idempotency_key"`
	AuthorizationID string `json:"authorization_id"`
	Reason          string `json:"reason,omitempty"`
}

// AuthorizeResponse is the serialized body stored for an authorization.
type AuthorizeResponse struct {
	AuthorizationID string `json:"authorization_id"`
	Status          string `json:"status"`
}

// RefundResponse is the serialized body stored for a refund.
type RefundResponse struct {
	AuthorizationID string `json:"authorization_id"`
	Status          string `json:"status"`
}

// Result is the outcome handed back to the transport layer. Replayed
// marks responses served from the idempotency cache.
type Result struct {
	Status   int
	Body     []byte
	Replayed bool
}

// Service is the merchant-facing payments API.
type Service struct {
	store     Store
	responses ResponseCache
	gate      RateGate
	cfg       ServiceConfig
	logger    *slog.Logger
}

func NewService(store Store, responses ResponseCache, gate RateGate, cfg ServiceConfig, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		responses: responses,
		gate:      gate,
		cfg:       cfg,
		logger:    logger.With("component", "payments"),
	}
}

// Authorize creates an authorization for the merchant. A repeated
// idempotency key replays the original response without touching the
// ledger again.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) (*Result, error) {
	if err := validateAuthorize(req); err != nil {
		return nil, err
	}

	if res, err := s.replay(ctx, req.MerchantID, req.IdempotencyKey); res != nil || err != nil {
		return res, err
	}

	if err := s.checkRate(ctx, actionAuthorize, req.MerchantID, s.cfg.AuthorizeRate); err != nil {
		return nil, err
	}

	ctx = shard.WithKey(ctx, shard.DeriveFromMerchant(req.MerchantID))

	auth := &Authorization{
		ID:          uuid.Must(uuid.NewV7()),
		MerchantID:  req.MerchantID,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		Status:      StatusAuthorized,
		CreatedAt:   clock.Now(),
	}

	event, err := events.NewEnvelope(events.TypePaymentAuthorized, "authorization", auth.ID.String(), events.AuthorizationPayload{
		AuthorizationID: auth.ID.String(),
		MerchantID:      auth.MerchantID,
		AmountCents:     auth.AmountCents,
		Currency:        auth.Currency,
		Status:          auth.Status,
	}, events.Metadata{Source: "payments", SchemaVersion: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to build authorization event: %w", err)
	}

	body, err := json.Marshal(AuthorizeResponse{
		AuthorizationID: auth.ID.String(),
		Status:          auth.Status,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize response: %w", err)
	}

	// The response record rides in the same transaction as the
	// authorization and its event: a crash can never leave a committed
	// authorization that a retried request would re-execute.
	stored, err := s.store.CreateAuthorization(ctx, auth, event, &idempotency.Record{
		MerchantID:     req.MerchantID,
		IdempotencyKey: req.IdempotencyKey,
		Status:         201,
		Response:       body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization: %w", err)
	}

	s.logger.Info("authorization created",
		"authorization_id", auth.ID,
		"merchant_id", auth.MerchantID,
		"amount_cents", auth.AmountCents)

	s.responses.Mirror(ctx, stored)
	return &Result{Status: stored.Status, Body: stored.Response}, nil
}

// Refund marks an authorization refunded. Only existing, not yet
// refunded authorizations are eligible; anything else returns
// ErrNotRefundable.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	if err := validateRefund(req); err != nil {
		return nil, err
	}

	authID, err := uuid.FromString(req.AuthorizationID)
	if err != nil {
		return nil, &ValidationError{Reason: "invalid authorization id"}
	}

	if res, err := s.replay(ctx, req.MerchantID, req.IdempotencyKey); res != nil || err != nil {
		return res, err
	}

	if err := s.checkRate(ctx, actionRefund, req.MerchantID, s.cfg.RefundRate); err != nil {
		return nil, err
	}

	ctx = shard.WithKey(ctx, shard.DeriveFromMerchant(req.MerchantID))

	event, err := events.NewEnvelope(events.TypePaymentRefunded, "authorization", authID.String(), events.RefundPayload{
		AuthorizationID: authID.String(),
		MerchantID:      req.MerchantID,
		Reason:          req.Reason,
	}, events.Metadata{Source: "payments", SchemaVersion: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to build refund event: %w", err)
	}

	body, err := json.Marshal(RefundResponse{
		AuthorizationID: authID.String(),
		Status:          StatusRefunded,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize response: %w", err)
	}

	auth, stored, err := s.store.MarkRefunded(ctx, authID, event, &idempotency.Record{
		MerchantID:     req.MerchantID,
		IdempotencyKey: req.IdempotencyKey,
		Status:         200,
		Response:       body,
	})
	if err != nil {
		if errors.Is(err, ErrNotRefundable) {
			return nil, ErrNotRefundable
		}
		return nil, fmt.Errorf("failed to refund authorization: %w", err)
	}

	// auth is nil when a concurrent request with the same key won the
	// race; the winner's stored response is what the caller sees.
	if auth != nil {
		s.logger.Info("authorization refunded",
			"authorization_id", auth.ID,
			"merchant_id", auth.MerchantID)
	}

	s.responses.Mirror(ctx, stored)
	return &Result{Status: stored.Status, Body: stored.Response}, nil
}

// AuthorizationView is the read model returned by Get.
type AuthorizationView struct {
	AuthorizationID string `json:"authorization_id"`
	MerchantID      string `json:"merchant_id"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
}

// Get loads an authorization from the merchant's shard.
func (s *Service) Get(ctx context.Context, merchantID, authorizationID string) (*AuthorizationView, error) {
	if merchantID == "" {
		return nil, &ValidationError{Reason: "merchant_id is required"}
	}
	authID, err := uuid.FromString(authorizationID)
	if err != nil {
		return nil, &ValidationError{Reason: "invalid authorization id"}
	}

	ctx = shard.WithKey(ctx, shard.DeriveFromMerchant(merchantID))

	auth, err := s.store.Find(ctx, authID)
	if err != nil {
		return nil, err
	}
	return &AuthorizationView{
		AuthorizationID: auth.ID.String(),
		MerchantID:      auth.MerchantID,
		AmountCents:     auth.AmountCents,
		Currency:        auth.Currency,
		Status:          auth.Status,
	}, nil
}

// replay serves a previously recorded response, or (nil, nil) when the
// key is new.
func (s *Service) replay(ctx context.Context, merchantID, key string) (*Result, error) {
	rec, err := s.responses.Find(ctx, merchantID, key)
	if err != nil {
		if errors.Is(err, idempotency.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &Result{Status: rec.Status, Body: rec.Response, Replayed: true}, nil
}

func (s *Service) checkRate(ctx context.Context, action, merchantID string, policy RatePolicy) error {
	decision, err := s.gate.Allow(ctx, action, merchantID, policy.Capacity, policy.Window)
	if err != nil {
		return fmt.Errorf("rate limit check failed: %w", err)
	}
	if !decision.Allowed {
		return &RateLimitedError{RetryAfter: decision.RetryAfter}
	}
	return nil
}

func validateAuthorize(req AuthorizeRequest) error {
	switch {
	case req.MerchantID == "":
		return &ValidationError{Reason: "merchant_id is required"}
	case req.IdempotencyKey == "":
		return &ValidationError{Reason: "idempotency_key is required"}
	case req.AmountCents <= 0:
		return &ValidationError{Reason: "amount_cents must be positive"}
	case len(req.Currency) != 3:
		return &ValidationError{Reason: "currency must be a 3-letter code"}
	}
	return nil
}

func validateRefund(req RefundRequest) error {
	switch {
	case req.MerchantID == "":
		return &ValidationError{Reason: "merchant_id is required"}
	case req.IdempotencyKey == "":
		return &ValidationError{Reason: "idempotency_key is required"}
	case req.AuthorizationID == "":
		return &ValidationError{Reason: "authorization_id is required"}
	}
	return nil
}
