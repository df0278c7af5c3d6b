package payments

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/coreledger/payments/internal/idempotency"
	"github.com/coreledger/payments/internal/ratelimit"
	"github.com/coreledger/payments/internal/shared/domain/events"
)

// mockStore implements Store for testing. The zero value accepts every
// mutation and echoes the record it was given.
type mockStore struct {
	CreateAuthorizationFn func(ctx context.Context, auth *Authorization, event *events.Envelope, rec *idempotency.Record) (*idempotency.Record, error)
	MarkRefundedFn        func(ctx context.Context, authorizationID uuid.UUID, event *events.Envelope, rec *idempotency.Record) (*Authorization, *idempotency.Record, error)
	FindFn                func(ctx context.Context, authorizationID uuid.UUID) (*Authorization, error)
}

func (m *mockStore) CreateAuthorization(ctx context.Context, auth *Authorization, event *events.Envelope, rec *idempotency.Record) (*idempotency.Record, error) {
	if m.CreateAuthorizationFn == nil {
		return rec, nil
	}
	return m.CreateAuthorizationFn(ctx, auth, event, rec)
}

func (m *mockStore) MarkRefunded(ctx context.Context, authorizationID uuid.UUID, event *events.Envelope, rec *idempotency.Record) (*Authorization, *idempotency.Record, error) {
	if m.MarkRefundedFn == nil {
		return &Authorization{ID: authorizationID, Status: StatusRefunded}, rec, nil
	}
	return m.MarkRefundedFn(ctx, authorizationID, event, rec)
}

func (m *mockStore) Find(ctx context.Context, authorizationID uuid.UUID) (*Authorization, error) {
	if m.FindFn == nil {
		return nil, ErrNotFound
	}
	return m.FindFn(ctx, authorizationID)
}

// mockResponseCache implements ResponseCache for testing. The zero
// value misses on Find and records what Mirror was handed.
type mockResponseCache struct {
	FindFn   func(ctx context.Context, merchantID, idempotencyKey string) (*idempotency.Record, error)
	MirrorFn func(ctx context.Context, rec *idempotency.Record)

	mirrored []*idempotency.Record
}

func (m *mockResponseCache) Find(ctx context.Context, merchantID, idempotencyKey string) (*idempotency.Record, error) {
	if m.FindFn == nil {
		return nil, idempotency.ErrNotFound
	}
	return m.FindFn(ctx, merchantID, idempotencyKey)
}

func (m *mockResponseCache) Mirror(ctx context.Context, rec *idempotency.Record) {
	m.mirrored = append(m.mirrored, rec)
	if m.MirrorFn != nil {
		m.MirrorFn(ctx, rec)
	}
}

// mockGate implements RateGate for testing. The zero value allows
// everything.
type mockGate struct {
	AllowFn func(ctx context.Context, action, subject string, capacity int, window time.Duration) (ratelimit.Decision, error)
}

func (m *mockGate) Allow(ctx context.Context, action, subject string, capacity int, window time.Duration) (ratelimit.Decision, error) {
	if m.AllowFn == nil {
		return ratelimit.Decision{Allowed: true}, nil
	}
	return m.AllowFn(ctx, action, subject, capacity, window)
}
