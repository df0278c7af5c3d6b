package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/coreledger/payments/internal/idempotency"
	"github.com/coreledger/payments/internal/ratelimit"
	"github.com/coreledger/payments/internal/shared/domain/events"
)

// Authorization statuses. Transitions are authorized -> settled and
// authorized -> refunded; settled authorizations may also be refunded.
const (
	StatusAuthorized = "authorized"
	StatusSettled    = "settled"
	StatusRefunded   = "refunded"
)

var (
	// ErrNotRefundable is returned when the authorization does not exist
	// or is already refunded.
	ErrNotRefundable = errors.New("payments: authorization not refundable")
)

// ValidationError marks a request the caller can fix.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "payments: " + e.Reason
}

// RateLimitedError is returned when a merchant has exhausted its request
// budget for the current window.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("payments: rate limit exceeded, retry after %s", e.RetryAfter)
}

// Authorization is a captured payment authorization.
type Authorization struct {
	ID          uuid.UUID
	MerchantID  string
	AmountCents int64
	Currency    string
	Status      string
	CreatedAt   time.Time
}

// Store persists authorizations together with their outbox events and
// idempotency records in a single transaction on the merchant's shard.
// The returned record is the externally observable response for the
// key: the caller's own on first write, the winner's when a concurrent
// duplicate committed first (in which case the mutation was rolled
// back; MarkRefunded then returns a nil authorization).
type Store interface {
	CreateAuthorization(ctx context.Context, auth *Authorization, event *events.Envelope, rec *idempotency.Record) (*idempotency.Record, error)
	MarkRefunded(ctx context.Context, authorizationID uuid.UUID, event *events.Envelope, rec *idempotency.Record) (*Authorization, *idempotency.Record, error)
	Find(ctx context.Context, authorizationID uuid.UUID) (*Authorization, error)
}

// ErrNotFound is returned when an authorization does not exist.
var ErrNotFound = errors.New("payments: authorization not found")

// ResponseCache replays previously recorded responses and mirrors
// freshly committed ones into the fast tier. The durable write itself
// happens inside the Store transaction.
type ResponseCache interface {
	Find(ctx context.Context, merchantID, idempotencyKey string) (*idempotency.Record, error)
	Mirror(ctx context.Context, rec *idempotency.Record)
}

// RateGate decides whether a request is within the merchant's budget.
type RateGate interface {
	Allow(ctx context.Context, operation, subject string, capacity int, window time.Duration) (ratelimit.Decision, error)
}
