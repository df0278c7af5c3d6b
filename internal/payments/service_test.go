package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreledger/payments/internal/idempotency"
	"github.com/coreledger/payments/internal/ratelimit"
	"github.com/coreledger/payments/internal/shared/domain/events"
	"github.com/coreledger/payments/internal/shared/shard"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testConfig() ServiceConfig {
	return ServiceConfig{
		AuthorizeRate: RatePolicy{Capacity: 100, Window: time.Minute},
		RefundRate:    RatePolicy{Capacity: 20, Window: time.Minute},
	}
}

func authorizeReq() AuthorizeRequest {
	return AuthorizeRequest{
		MerchantID:     "MERCHANT-123",
		IdempotencyKey: "idem-key-1",
		AmountCents:    1250,
		Currency:       "USD",
	}
}

func TestAuthorize_Success(t *testing.T) {
	var capturedAuth *Authorization
	var capturedEvent *events.Envelope
	var capturedRec *idempotency.Record
	var capturedShard shard.Key
	store := &mockStore{
		CreateAuthorizationFn: func(ctx context.Context, auth *Authorization, event *events.Envelope, rec *idempotency.Record) (*idempotency.Record, error) {
			capturedAuth = auth
			capturedEvent = event
			capturedRec = rec
			capturedShard = shard.FromContext(ctx)
			return rec, nil
		},
	}
	cache := &mockResponseCache{}

	svc := NewService(store, cache, &mockGate{}, testConfig(), testLogger())
	res, err := svc.Authorize(context.Background(), authorizeReq())
	require.NoError(t, err)

	assert.Equal(t, 201, res.Status)
	assert.False(t, res.Replayed)

	require.NotNil(t, capturedAuth)
	assert.Equal(t, "MERCHANT-123", capturedAuth.MerchantID)
	assert.Equal(t, int64(1250), capturedAuth.AmountCents)
	assert.Equal(t, StatusAuthorized, capturedAuth.Status)
	assert.False(t, capturedAuth.ID.IsNil())

	assert.Equal(t, shard.DeriveFromMerchant("MERCHANT-123"), capturedShard,
		"write must land on the merchant's shard")

	require.NotNil(t, capturedEvent)
	assert.Equal(t, events.TypePaymentAuthorized, capturedEvent.EventType)
	assert.Equal(t, capturedAuth.ID.String(), capturedEvent.AggregateID)

	// The response record travels into the mutation itself, so it can
	// only commit together with the authorization.
	require.NotNil(t, capturedRec)
	assert.Equal(t, "idem-key-1", capturedRec.IdempotencyKey)
	assert.Equal(t, 201, capturedRec.Status)

	var body AuthorizeResponse
	require.NoError(t, json.Unmarshal(res.Body, &body))
	assert.Equal(t, capturedAuth.ID.String(), body.AuthorizationID)
	assert.Equal(t, StatusAuthorized, body.Status)

	require.Len(t, cache.mirrored, 1, "the committed record is mirrored to the fast tier")
	assert.Equal(t, capturedRec, cache.mirrored[0])
}

func TestAuthorize_ReplaysRecordedResponse(t *testing.T) {
	cache := &mockResponseCache{
		FindFn: func(ctx context.Context, merchantID, key string) (*idempotency.Record, error) {
			return &idempotency.Record{
				MerchantID:     merchantID,
				IdempotencyKey: key,
				Status:         201,
				Response:       []byte(`{"authorization_id":"original"}`),
			}, nil
		},
	}
	store := &mockStore{
		CreateAuthorizationFn: func(ctx context.Context, auth *Authorization, event *events.Envelope, rec *idempotency.Record) (*idempotency.Record, error) {
			t.Fatal("store must not be touched on replay")
			return nil, nil
		},
	}
	gate := &mockGate{
		AllowFn: func(ctx context.Context, action, subject string, capacity int, window time.Duration) (ratelimit.Decision, error) {
			t.Fatal("rate gate must not be consulted on replay")
			return ratelimit.Decision{}, nil
		},
	}

	svc := NewService(store, cache, gate, testConfig(), testLogger())
	res, err := svc.Authorize(context.Background(), authorizeReq())
	require.NoError(t, err)

	assert.True(t, res.Replayed)
	assert.Equal(t, 201, res.Status)
	assert.JSONEq(t, `{"authorization_id":"original"}`, string(res.Body))
}

func TestAuthorize_RateLimited(t *testing.T) {
	gate := &mockGate{
		AllowFn: func(ctx context.Context, action, subject string, capacity int, window time.Duration) (ratelimit.Decision, error) {
			assert.Equal(t, "authorize", action)
			assert.Equal(t, "MERCHANT-123", subject)
			assert.Equal(t, 100, capacity)
			assert.Equal(t, time.Minute, window)
			return ratelimit.Decision{Allowed: false, RetryAfter: 17 * time.Second}, nil
		},
	}
	store := &mockStore{
		CreateAuthorizationFn: func(ctx context.Context, auth *Authorization, event *events.Envelope, rec *idempotency.Record) (*idempotency.Record, error) {
			t.Fatal("store must not be touched when rate limited")
			return nil, nil
		},
	}

	svc := NewService(store, &mockResponseCache{}, gate, testConfig(), testLogger())
	_, err := svc.Authorize(context.Background(), authorizeReq())

	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, 17*time.Second, limited.RetryAfter)
}

func TestAuthorize_Validation(t *testing.T) {
	svc := NewService(&mockStore{}, &mockResponseCache{}, &mockGate{}, testConfig(), testLogger())

	tests := []struct {
		name   string
		mutate func(*AuthorizeRequest)
	}{
		{"missing merchant", func(r *AuthorizeRequest) { r.MerchantID = "" }},
		{"missing idempotency key", func(r *AuthorizeRequest) { r.IdempotencyKey = "" }},
		{"zero amount", func(r *AuthorizeRequest) { r.AmountCents = 0 }},
		{"negative amount", func(r *AuthorizeRequest) { r.AmountCents = -500 }},
		{"bad currency", func(r *AuthorizeRequest) { r.Currency = "DOLLARS" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := authorizeReq()
			tt.mutate(&req)
			_, err := svc.Authorize(context.Background(), req)
			assert.Error(t, err)
		})
	}
}

func TestAuthorize_DuplicateRaceReturnsFirstResponse(t *testing.T) {
	// Two requests with the same key race past the replay check; the
	// store rolls the loser's mutation back and resolves to the winner's
	// record, which must be what the loser hands back.
	first := &idempotency.Record{
		Status:   201,
		Response: []byte(`{"authorization_id":"winner"}`),
	}
	store := &mockStore{
		CreateAuthorizationFn: func(ctx context.Context, auth *Authorization, event *events.Envelope, rec *idempotency.Record) (*idempotency.Record, error) {
			return first, nil
		},
	}

	svc := NewService(store, &mockResponseCache{}, &mockGate{}, testConfig(), testLogger())
	res, err := svc.Authorize(context.Background(), authorizeReq())
	require.NoError(t, err)

	assert.Equal(t, 201, res.Status)
	assert.JSONEq(t, `{"authorization_id":"winner"}`, string(res.Body))
}

func TestAuthorize_StoreErrorPropagates(t *testing.T) {
	store := &mockStore{
		CreateAuthorizationFn: func(ctx context.Context, auth *Authorization, event *events.Envelope, rec *idempotency.Record) (*idempotency.Record, error) {
			return nil, fmt.Errorf("shard unavailable")
		},
	}

	cache := &mockResponseCache{}
	svc := NewService(store, cache, &mockGate{}, testConfig(), testLogger())
	_, err := svc.Authorize(context.Background(), authorizeReq())
	assert.ErrorContains(t, err, "shard unavailable")
	assert.Empty(t, cache.mirrored, "a rolled-back mutation must leave no cached response")
}

func TestAuthorize_CacheLookupErrorPropagates(t *testing.T) {
	cache := &mockResponseCache{
		FindFn: func(ctx context.Context, merchantID, key string) (*idempotency.Record, error) {
			return nil, fmt.Errorf("durable idempotency lookup failed")
		},
	}

	svc := NewService(&mockStore{}, cache, &mockGate{}, testConfig(), testLogger())
	_, err := svc.Authorize(context.Background(), authorizeReq())
	assert.Error(t, err)
}

func refundReq(authID uuid.UUID) RefundRequest {
	return RefundRequest{
		MerchantID:      "MERCHANT-123",
		IdempotencyKey:  "refund-key-1",
		AuthorizationID: authID.String(),
		Reason:          "customer request",
	}
}

func TestRefund_Success(t *testing.T) {
	authID := uuid.Must(uuid.NewV7())

	var capturedID uuid.UUID
	var capturedEvent *events.Envelope
	var capturedRec *idempotency.Record
	var capturedShard shard.Key
	store := &mockStore{
		MarkRefundedFn: func(ctx context.Context, id uuid.UUID, event *events.Envelope, rec *idempotency.Record) (*Authorization, *idempotency.Record, error) {
			capturedID = id
			capturedEvent = event
			capturedRec = rec
			capturedShard = shard.FromContext(ctx)
			return &Authorization{
				ID:         id,
				MerchantID: "MERCHANT-123",
				Status:     StatusRefunded,
			}, rec, nil
		},
	}

	svc := NewService(store, &mockResponseCache{}, &mockGate{}, testConfig(), testLogger())
	res, err := svc.Refund(context.Background(), refundReq(authID))
	require.NoError(t, err)

	assert.Equal(t, 200, res.Status)
	assert.Equal(t, authID, capturedID)
	assert.Equal(t, shard.DeriveFromMerchant("MERCHANT-123"), capturedShard)

	require.NotNil(t, capturedEvent)
	assert.Equal(t, events.TypePaymentRefunded, capturedEvent.EventType)

	var payload events.RefundPayload
	require.NoError(t, json.Unmarshal(capturedEvent.Payload, &payload))
	assert.Equal(t, "customer request", payload.Reason)

	require.NotNil(t, capturedRec, "the response record must ride in the refund transaction")
	assert.Equal(t, "refund-key-1", capturedRec.IdempotencyKey)

	var body RefundResponse
	require.NoError(t, json.Unmarshal(res.Body, &body))
	assert.Equal(t, StatusRefunded, body.Status)
}

func TestRefund_DuplicateRaceReturnsWinner(t *testing.T) {
	// The store reports a raced duplicate by rolling the transition back
	// and returning the winner's record with no authorization.
	winner := &idempotency.Record{
		Status:   200,
		Response: []byte(`{"status":"refunded"}`),
	}
	store := &mockStore{
		MarkRefundedFn: func(ctx context.Context, id uuid.UUID, event *events.Envelope, rec *idempotency.Record) (*Authorization, *idempotency.Record, error) {
			return nil, winner, nil
		},
	}

	svc := NewService(store, &mockResponseCache{}, &mockGate{}, testConfig(), testLogger())
	res, err := svc.Refund(context.Background(), refundReq(uuid.Must(uuid.NewV7())))
	require.NoError(t, err)

	assert.Equal(t, 200, res.Status)
	assert.JSONEq(t, `{"status":"refunded"}`, string(res.Body))
}

func TestRefund_NotRefundable(t *testing.T) {
	store := &mockStore{
		MarkRefundedFn: func(ctx context.Context, id uuid.UUID, event *events.Envelope, rec *idempotency.Record) (*Authorization, *idempotency.Record, error) {
			return nil, nil, ErrNotRefundable
		},
	}

	svc := NewService(store, &mockResponseCache{}, &mockGate{}, testConfig(), testLogger())
	_, err := svc.Refund(context.Background(), refundReq(uuid.Must(uuid.NewV7())))
	assert.ErrorIs(t, err, ErrNotRefundable)
}

func TestRefund_InvalidAuthorizationID(t *testing.T) {
	svc := NewService(&mockStore{}, &mockResponseCache{}, &mockGate{}, testConfig(), testLogger())

	req := refundReq(uuid.Must(uuid.NewV7()))
	req.AuthorizationID = "not-a-uuid"

	_, err := svc.Refund(context.Background(), req)
	assert.ErrorContains(t, err, "invalid authorization id")
}

func TestRefund_UsesRefundRatePolicy(t *testing.T) {
	var capturedAction string
	var capturedCapacity int
	gate := &mockGate{
		AllowFn: func(ctx context.Context, action, subject string, capacity int, window time.Duration) (ratelimit.Decision, error) {
			capturedAction = action
			capturedCapacity = capacity
			return ratelimit.Decision{Allowed: true}, nil
		},
	}
	store := &mockStore{
		MarkRefundedFn: func(ctx context.Context, id uuid.UUID, event *events.Envelope, rec *idempotency.Record) (*Authorization, *idempotency.Record, error) {
			return &Authorization{ID: id, Status: StatusRefunded}, rec, nil
		},
	}

	svc := NewService(store, &mockResponseCache{}, gate, testConfig(), testLogger())
	_, err := svc.Refund(context.Background(), refundReq(uuid.Must(uuid.NewV7())))
	require.NoError(t, err)

	assert.Equal(t, "refund", capturedAction)
	assert.Equal(t, 20, capturedCapacity)
}

func TestRateLimitedError_Message(t *testing.T) {
	err := &RateLimitedError{RetryAfter: 42 * time.Second}
	assert.ErrorContains(t, errors.New(err.Error()), "42s")
}

func TestGet_Success(t *testing.T) {
	authID := uuid.Must(uuid.NewV7())

	var capturedShard shard.Key
	store := &mockStore{
		FindFn: func(ctx context.Context, id uuid.UUID) (*Authorization, error) {
			capturedShard = shard.FromContext(ctx)
			return &Authorization{
				ID:          id,
				MerchantID:  "MERCHANT-123",
				AmountCents: 1250,
				Currency:    "USD",
				Status:      StatusSettled,
			}, nil
		},
	}

	svc := NewService(store, &mockResponseCache{}, &mockGate{}, testConfig(), testLogger())
	view, err := svc.Get(context.Background(), "MERCHANT-123", authID.String())
	require.NoError(t, err)

	assert.Equal(t, authID.String(), view.AuthorizationID)
	assert.Equal(t, StatusSettled, view.Status)
	assert.Equal(t, shard.DeriveFromMerchant("MERCHANT-123"), capturedShard,
		"lookup must run on the merchant's shard")
}

func TestGet_NotFound(t *testing.T) {
	svc := NewService(&mockStore{}, &mockResponseCache{}, &mockGate{}, testConfig(), testLogger())
	_, err := svc.Get(context.Background(), "MERCHANT-123", uuid.Must(uuid.NewV7()).String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_InvalidID(t *testing.T) {
	svc := NewService(&mockStore{}, &mockResponseCache{}, &mockGate{}, testConfig(), testLogger())

	var validation *ValidationError
	_, err := svc.Get(context.Background(), "MERCHANT-123", "not-a-uuid")
	assert.ErrorAs(t, err, &validation)

	_, err = svc.Get(context.Background(), "", uuid.Must(uuid.NewV7()).String())
	assert.ErrorAs(t, err, &validation)
}
