package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/coreledger/payments/internal/idempotency"
	"github.com/coreledger/payments/internal/shared/domain/clock"
	"github.com/coreledger/payments/internal/shared/shard"
)

// IdempotencyRepo implements idempotency.DurableStore using PostgreSQL.
// Records live on the merchant's shard, resolved from the context.
type IdempotencyRepo struct {
	router *shard.Router
	logger *slog.Logger
}

// NewIdempotencyRepo creates a new IdempotencyRepo.
func NewIdempotencyRepo(router *shard.Router, logger *slog.Logger) *IdempotencyRepo {
	return &IdempotencyRepo{
		router: router,
		logger: logger.With("repository", "idempotency"),
	}
}

// errIdempotencyConflict signals that another transaction already
// committed a record for the key. The caller must roll back its own
// mutation and serve the winner's record instead.
var errIdempotencyConflict = errors.New("idempotency key already recorded")

// InsertTx writes the record inside the caller's transaction, so the
// record commits or rolls back together with the business mutation it
// answers for. An already-recorded key aborts the transaction with
// errIdempotencyConflict rather than producing a second side effect.
func (r *IdempotencyRepo) InsertTx(ctx context.Context, tx pgx.Tx, rec *idempotency.Record) (*idempotency.Record, error) {
	stored := *rec
	stored.CreatedAt = clock.Now()

	query := `
		INSERT INTO idempotency_records (merchant_id, idempotency_key, status, response, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (merchant_id, idempotency_key) DO NOTHING
	`

	tag, err := tx.Exec(ctx, query,
		stored.MerchantID,
		stored.IdempotencyKey,
		stored.Status,
		stored.Response,
		stored.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Debug("idempotency record already stored",
			"merchant_id", rec.MerchantID,
		)
		return nil, errIdempotencyConflict
	}

	return &stored, nil
}

// Find returns the record for (merchantID, key), or idempotency.ErrNotFound.
func (r *IdempotencyRepo) Find(ctx context.Context, merchantID, key string) (*idempotency.Record, error) {
	query := `
		SELECT merchant_id, idempotency_key, status, response, created_at
		FROM idempotency_records
		WHERE merchant_id = $1 AND idempotency_key = $2
	`

	var rec idempotency.Record
	err := r.router.Pool(ctx).QueryRow(ctx, query, merchantID, key).Scan(
		&rec.MerchantID,
		&rec.IdempotencyKey,
		&rec.Status,
		&rec.Response,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, idempotency.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query idempotency record: %w", err)
	}

	return &rec, nil
}

// Ensure IdempotencyRepo implements idempotency.DurableStore
var _ idempotency.DurableStore = (*IdempotencyRepo)(nil)
