package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/coreledger/payments/internal/shared/domain/events"
	"github.com/coreledger/payments/internal/shared/shard"
)

// mockStore implements Store with overridable functions.
type mockStore struct {
	ClaimBatchFn     func(ctx context.Context, limit, maxRetries int, retryInterval time.Duration) ([]Entry, error)
	MarkPublishedFn  func(ctx context.Context, id int64) error
	IncrementRetryFn func(ctx context.Context, id int64) error
	DeadLettersFn    func(ctx context.Context, maxRetries int) ([]Entry, error)
}

func (m *mockStore) ClaimBatch(ctx context.Context, limit, maxRetries int, retryInterval time.Duration) ([]Entry, error) {
	if m.ClaimBatchFn != nil {
		return m.ClaimBatchFn(ctx, limit, maxRetries, retryInterval)
	}
	return nil, nil
}

func (m *mockStore) MarkPublished(ctx context.Context, id int64) error {
	if m.MarkPublishedFn != nil {
		return m.MarkPublishedFn(ctx, id)
	}
	return nil
}

func (m *mockStore) IncrementRetry(ctx context.Context, id int64) error {
	if m.IncrementRetryFn != nil {
		return m.IncrementRetryFn(ctx, id)
	}
	return nil
}

func (m *mockStore) DeadLetters(ctx context.Context, maxRetries int) ([]Entry, error) {
	if m.DeadLettersFn != nil {
		return m.DeadLettersFn(ctx, maxRetries)
	}
	return nil, nil
}

// mockPublisher implements EventPublisher.
type mockPublisher struct {
	PublishFn func(ctx context.Context, entry Entry) error
}

func (m *mockPublisher) Publish(ctx context.Context, entry Entry) error {
	if m.PublishFn != nil {
		return m.PublishFn(ctx, entry)
	}
	return nil
}

// fakeProducer invokes the promise synchronously with a configurable
// outcome, optionally after a delay to simulate a slow broker.
type fakeProducer struct {
	err      error
	delay    time.Duration
	produced []*kgo.Record
}

func (f *fakeProducer) Produce(ctx context.Context, record *kgo.Record, promise func(*kgo.Record, error)) {
	f.produced = append(f.produced, record)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	promise(record, f.err)
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testEntry(t *testing.T, id int64, key shard.Key) Entry {
	t.Helper()
	envelope, err := events.NewEnvelope(
		events.TypePaymentAuthorized, "authorization", "MERCHANT-456",
		json.RawMessage(`{"amount_cents": 1250}`),
		events.Metadata{Source: "test", SchemaVersion: 1},
	)
	if err != nil {
		t.Fatalf("failed to build envelope: %v", err)
	}
	return Entry{ID: id, Shard: key, Envelope: envelope, RetryCount: 1, CreatedAt: time.Now().UTC()}
}
