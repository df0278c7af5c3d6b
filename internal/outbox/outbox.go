// Package outbox drives at-least-once delivery of domain events. Events
// are appended to a per-shard outbox table inside the producing business
// transaction; a polling scheduler claims pending rows under pessimistic
// locks and hands them to a circuit-breaker-protected publisher. A row
// is marked published only after confirmed broker acceptance, so a crash
// anywhere between claim and confirmation results in redelivery, never
// loss.
package outbox

import (
	"context"
	"time"

	"github.com/coreledger/payments/internal/shared/domain/events"
	"github.com/coreledger/payments/internal/shared/shard"
)

// Entry is one claimed outbox row awaiting delivery.
type Entry struct {
	// ID is the shard-local monotonic row identity.
	ID int64

	// Shard the row was read from. Captured as plain data so async
	// completion callbacks can re-establish the shard without relying
	// on ambient state surviving the broker round trip.
	Shard shard.Key

	// Envelope is the deserialized event payload.
	Envelope *events.Envelope

	// RetryCount after the claim that produced this entry.
	RetryCount int

	// CreatedAt orders dispatch within a shard.
	CreatedAt time.Time
}

// Store reads and manages outbox rows for the shard carried by the
// context. This interface is owned by the outbox package; the postgres
// adapter implements it.
type Store interface {
	// ClaimBatch selects up to limit eligible rows (unpublished, under
	// the retry budget, past the retry interval) in creation order,
	// locking them against concurrent claimers and bumping their retry
	// accounting in the same transaction.
	ClaimBatch(ctx context.Context, limit, maxRetries int, retryInterval time.Duration) ([]Entry, error)

	// MarkPublished flips the published flag. Published rows are never
	// mutated again.
	MarkPublished(ctx context.Context, id int64) error

	// IncrementRetry bumps the retry count for a row whose dispatch
	// failed before reaching the broker.
	IncrementRetry(ctx context.Context, id int64) error

	// DeadLetters returns unpublished rows that exhausted their retry
	// budget. They are reported for operator attention, never escalated
	// automatically.
	DeadLetters(ctx context.Context, maxRetries int) ([]Entry, error)
}

// EventPublisher submits one entry toward the broker. Implementations
// must not block on broker acknowledgement.
type EventPublisher interface {
	Publish(ctx context.Context, entry Entry) error
}
