package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coreledger/payments/internal/outbox"
	"github.com/coreledger/payments/internal/shared/domain/clock"
	"github.com/coreledger/payments/internal/shared/domain/events"
	"github.com/coreledger/payments/internal/shared/shard"
)

// OutboxRepo implements outbox.Store using PostgreSQL. All operations
// resolve their connection from the shard carried by the context.
type OutboxRepo struct {
	router *shard.Router
	logger *slog.Logger
}

// NewOutboxRepo creates a new OutboxRepo.
func NewOutboxRepo(router *shard.Router, logger *slog.Logger) *OutboxRepo {
	return &OutboxRepo{
		router: router,
		logger: logger.With("repository", "outbox"),
	}
}

// Insert appends an event inside the caller's transaction, so the event
// commits or rolls back together with the business mutation.
func (r *OutboxRepo) Insert(ctx context.Context, tx pgx.Tx, event *events.Envelope) error {
	// Serialize the entire event envelope as the payload
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	query := `
		INSERT INTO outbox_events (event_id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = tx.Exec(ctx, query,
		event.EventID,
		event.AggregateType,
		event.AggregateID,
		string(event.EventType),
		payload,
		event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert into outbox: %w", err)
	}

	r.logger.Debug("event inserted into outbox",
		"event_id", event.EventID,
		"event_type", event.EventType,
		"shard", shard.FromContext(ctx).String(),
	)

	return nil
}

// ClaimBatch selects eligible rows under FOR UPDATE NOWAIT and bumps
// their retry accounting in the same short transaction. A concurrent
// claimer holding the locks surfaces as a lock_not_available error for
// the scheduler's bounded retry.
func (r *OutboxRepo) ClaimBatch(ctx context.Context, limit, maxRetries int, retryInterval time.Duration) ([]outbox.Entry, error) {
	key := shard.FromContext(ctx)
	now := clock.Now()
	cutoff := now.Add(-retryInterval)

	tx, err := r.router.Pool(ctx).Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		SELECT id, payload, retry_count, created_at
		FROM outbox_events
		WHERE published = FALSE
		  AND retry_count < $1
		  AND (last_retry_at IS NULL OR last_retry_at < $2)
		ORDER BY created_at ASC
		LIMIT $3
		FOR UPDATE NOWAIT
	`

	rows, err := tx.Query(ctx, query, maxRetries, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}

	entries, poisoned, err := scanEntries(rows, key)
	if err != nil {
		return nil, err
	}

	if len(poisoned) > 0 {
		// The rows stay in the table for inspection; the bump below ages
		// them into dead letters instead of re-claiming them forever.
		r.logger.Error("undecodable outbox payloads skipped",
			"outbox_ids", poisoned,
			"shard", key.String(),
		)
	}

	if len(entries) == 0 && len(poisoned) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, 0, len(entries)+len(poisoned))
	for i := range entries {
		ids = append(ids, entries[i].ID)
	}
	ids = append(ids, poisoned...)

	// Claiming counts as an attempt: the bump paces redelivery through
	// the retry-interval filter and drives dead-letter detection no
	// matter how the dispatch fails downstream.
	_, err = tx.Exec(ctx, `
		UPDATE outbox_events
		SET retry_count = retry_count + 1, last_retry_at = $1
		WHERE id = ANY($2)
	`, now, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to bump retry accounting: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	for i := range entries {
		entries[i].RetryCount++
	}

	return entries, nil
}

// MarkPublished flips the published flag exactly once; a row already
// published is left alone.
func (r *OutboxRepo) MarkPublished(ctx context.Context, id int64) error {
	query := `UPDATE outbox_events SET published = TRUE WHERE id = $1 AND published = FALSE`

	result, err := r.router.Pool(ctx).Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}

	if result.RowsAffected() == 0 {
		r.logger.Warn("outbox row already published or missing", "outbox_id", id)
	}

	return nil
}

// IncrementRetry bumps the retry count for a row whose dispatch failed
// before reaching the broker.
func (r *OutboxRepo) IncrementRetry(ctx context.Context, id int64) error {
	query := `
		UPDATE outbox_events
		SET retry_count = retry_count + 1, last_retry_at = $1
		WHERE id = $2 AND published = FALSE
	`

	_, err := r.router.Pool(ctx).Exec(ctx, query, clock.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}

	return nil
}

// DeadLetters returns unpublished rows past the retry budget.
func (r *OutboxRepo) DeadLetters(ctx context.Context, maxRetries int) ([]outbox.Entry, error) {
	query := `
		SELECT id, payload, retry_count, created_at
		FROM outbox_events
		WHERE published = FALSE AND retry_count >= $1
		ORDER BY created_at ASC
	`

	rows, err := r.router.Pool(ctx).Query(ctx, query, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}

	entries, poisoned, err := scanEntries(rows, shard.FromContext(ctx))
	if len(poisoned) > 0 {
		r.logger.Error("undecodable payloads among dead letters, operator attention required",
			"outbox_ids", poisoned,
		)
	}
	return entries, err
}

// scanEntries drains rows into entries, deserializing each envelope. A
// row whose stored payload no longer decodes must not poison the whole
// batch: its id is returned separately and the row itself is skipped.
func scanEntries(rows pgx.Rows, key shard.Key) ([]outbox.Entry, []int64, error) {
	defer rows.Close()

	var entries []outbox.Entry
	var poisoned []int64
	for rows.Next() {
		var entry outbox.Entry
		var payloadBytes []byte

		if err := rows.Scan(&entry.ID, &payloadBytes, &entry.RetryCount, &entry.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}

		var envelope events.Envelope
		if err := json.Unmarshal(payloadBytes, &envelope); err != nil {
			poisoned = append(poisoned, entry.ID)
			continue
		}
		entry.Envelope = &envelope
		entry.Shard = key

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating outbox rows: %w", err)
	}

	return entries, poisoned, nil
}

// Ensure OutboxRepo implements outbox.Store
var _ outbox.Store = (*OutboxRepo)(nil)
