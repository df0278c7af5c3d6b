package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/coreledger/payments/internal/idempotency"
	"github.com/coreledger/payments/internal/payments"
	"github.com/coreledger/payments/internal/shared/domain/clock"
	"github.com/coreledger/payments/internal/shared/domain/events"
	"github.com/coreledger/payments/internal/shared/shard"
)

// AuthorizationRepo persists authorizations on the shard carried by the
// request context. Every state change commits in the same transaction
// as its outbox event and, for client-initiated mutations, the
// idempotency record answering for it: either all three land or none do.
type AuthorizationRepo struct {
	router *shard.Router
	outbox *OutboxRepo
	idem   *IdempotencyRepo
	logger *slog.Logger
}

func NewAuthorizationRepo(router *shard.Router, outbox *OutboxRepo, idem *IdempotencyRepo, logger *slog.Logger) *AuthorizationRepo {
	return &AuthorizationRepo{
		router: router,
		outbox: outbox,
		idem:   idem,
		logger: logger.With("component", "authorization_repo"),
	}
}

// CreateAuthorization inserts the authorization, its outbox event and
// the idempotency record atomically. When a concurrent request with the
// same key committed first, the whole transaction rolls back and the
// winner's record is returned, so the same key can never produce a
// second authorization.
func (r *AuthorizationRepo) CreateAuthorization(ctx context.Context, auth *payments.Authorization, event *events.Envelope, rec *idempotency.Record) (*idempotency.Record, error) {
	pool := r.router.Pool(ctx)

	var stored *idempotency.Record
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO authorizations (id, merchant_id, amount_cents, currency, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)`,
			auth.ID, auth.MerchantID, auth.AmountCents, auth.Currency, auth.Status, auth.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert authorization: %w", err)
		}
		if err := r.outbox.Insert(ctx, tx, event); err != nil {
			return err
		}
		stored, err = r.idem.InsertTx(ctx, tx, rec)
		return err
	})
	if err != nil {
		if errors.Is(err, errIdempotencyConflict) {
			return r.idem.Find(ctx, rec.MerchantID, rec.IdempotencyKey)
		}
		return nil, err
	}
	return stored, nil
}

// MarkSettled moves an authorized row to settled and enqueues the event
// in the same transaction. Already-settled or refunded rows are left
// untouched and reported as (nil, nil) so redelivered messages stay
// harmless.
func (r *AuthorizationRepo) MarkSettled(ctx context.Context, authorizationID uuid.UUID, event *events.Envelope) (*payments.Authorization, error) {
	auth, _, err := r.transition(ctx, authorizationID, event, nil,
		[]string{payments.StatusAuthorized}, payments.StatusSettled)
	return auth, err
}

// MarkRefunded moves an authorized or settled row to refunded, with the
// refund event and idempotency record in the same transaction. Missing
// or already-refunded rows return payments.ErrNotRefundable. A raced
// duplicate key rolls the transition back and returns the winner's
// record with a nil authorization.
func (r *AuthorizationRepo) MarkRefunded(ctx context.Context, authorizationID uuid.UUID, event *events.Envelope, rec *idempotency.Record) (*payments.Authorization, *idempotency.Record, error) {
	auth, stored, err := r.transition(ctx, authorizationID, event, rec,
		[]string{payments.StatusAuthorized, payments.StatusSettled}, payments.StatusRefunded)
	if err != nil {
		if errors.Is(err, errIdempotencyConflict) {
			winner, ferr := r.idem.Find(ctx, rec.MerchantID, rec.IdempotencyKey)
			if ferr != nil {
				return nil, nil, ferr
			}
			return nil, winner, nil
		}
		return nil, nil, err
	}
	if auth == nil {
		return nil, nil, payments.ErrNotRefundable
	}
	return auth, stored, nil
}

// Find loads an authorization by ID, or returns payments.ErrNotFound.
func (r *AuthorizationRepo) Find(ctx context.Context, authorizationID uuid.UUID) (*payments.Authorization, error) {
	var auth payments.Authorization
	err := r.router.Pool(ctx).QueryRow(ctx, `
		SELECT id, merchant_id, amount_cents, currency, status, created_at
		FROM authorizations
		WHERE id = $1`, authorizationID,
	).Scan(&auth.ID, &auth.MerchantID, &auth.AmountCents, &auth.Currency, &auth.Status, &auth.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payments.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load authorization: %w", err)
	}
	return &auth, nil
}

// transition performs a guarded status update. It returns the updated
// row, or nil when no row matched the guard. A non-nil rec is written
// in the same transaction after the guard succeeded.
func (r *AuthorizationRepo) transition(ctx context.Context, authorizationID uuid.UUID, event *events.Envelope, rec *idempotency.Record, from []string, to string) (*payments.Authorization, *idempotency.Record, error) {
	var auth *payments.Authorization
	var stored *idempotency.Record
	err := pgx.BeginFunc(ctx, r.router.Pool(ctx), func(tx pgx.Tx) error {
		var row payments.Authorization
		err := tx.QueryRow(ctx, `
			UPDATE authorizations
			SET status = $1, updated_at = $2
			WHERE id = $3 AND status = ANY($4)
			RETURNING id, merchant_id, amount_cents, currency, status, created_at`,
			to, clock.Now(), authorizationID, from,
		).Scan(&row.ID, &row.MerchantID, &row.AmountCents, &row.Currency, &row.Status, &row.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.Info("authorization transition skipped",
				"authorization_id", authorizationID,
				"target_status", to)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to update authorization: %w", err)
		}

		auth = &row
		if err := r.outbox.Insert(ctx, tx, event); err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		stored, err = r.idem.InsertTx(ctx, tx, rec)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return auth, stored, nil
}

var _ payments.Store = (*AuthorizationRepo)(nil)
