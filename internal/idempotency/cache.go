// Package idempotency maps a (merchant, client-supplied key) pair to the
// response it first produced, so retried client requests replay that
// response instead of repeating the financial side effect. Lookups go
// through a fast Redis tier backed by a durable Postgres tier. The
// durable record is written in the same database transaction as the
// mutation it answers for, so the two commit or roll back together; the
// first committed write wins, permanently.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNotFound is returned by stores when no record exists for a key.
var ErrNotFound = errors.New("idempotency record not found")

// Record is one stored response. Once written it is immutable.
type Record struct {
	MerchantID     string    `json:"merchant_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Status         int       `json:"status"`
	Response       []byte    `json:"response"`
	CreatedAt      time.Time `json:"created_at"`
}

// DurableStore is the Postgres-backed tier. Writes do not go through
// this interface: the durable record commits inside the same database
// transaction as the mutation it answers for, and Mirror refreshes the
// fast tier afterwards.
type DurableStore interface {
	Find(ctx context.Context, merchantID, key string) (*Record, error)
}

// FastStore is the Redis-backed tier. A miss is (nil, false, nil);
// errors are reported but treated as misses by the cache.
type FastStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Cache is the two-tier idempotency cache.
type Cache struct {
	fast    FastStore
	durable DurableStore
	ttl     time.Duration
	logger  *slog.Logger
}

// NewCache creates a cache over the two tiers. ttl bounds how long the
// fast tier mirrors a record.
func NewCache(fast FastStore, durable DurableStore, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		fast:    fast,
		durable: durable,
		ttl:     ttl,
		logger:  logger.With("component", "idempotency"),
	}
}

// Find returns the stored record for (merchantID, key), or ErrNotFound.
// The fast tier is consulted first; a durable hit is backfilled into the
// fast tier. Fast-tier failures degrade to durable lookups.
func (c *Cache) Find(ctx context.Context, merchantID, key string) (*Record, error) {
	cacheKey := fastKey(merchantID, key)

	data, ok, err := c.fast.Get(ctx, cacheKey)
	if err != nil {
		c.logger.Warn("fast tier lookup failed, falling back to durable store", "error", err)
	} else if ok {
		var rec Record
		if err := json.Unmarshal(data, &rec); err == nil {
			return &rec, nil
		}
		c.logger.Warn("corrupt fast tier entry, falling back to durable store", "key", cacheKey)
	}

	rec, err := c.durable.Find(ctx, merchantID, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("durable idempotency lookup failed: %w", err)
	}

	c.backfill(ctx, cacheKey, rec)
	return rec, nil
}

// Mirror refreshes the fast tier with a record that is already durable,
// typically one committed inside a business transaction. Best-effort.
func (c *Cache) Mirror(ctx context.Context, rec *Record) {
	c.backfill(ctx, fastKey(rec.MerchantID, rec.IdempotencyKey), rec)
}

// backfill mirrors a record into the fast tier. Failures are logged
// only: the durable tier remains authoritative.
func (c *Cache) backfill(ctx context.Context, cacheKey string, rec *Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		c.logger.Warn("failed to marshal record for fast tier", "error", err)
		return
	}
	if err := c.fast.Set(ctx, cacheKey, data, c.ttl); err != nil {
		c.logger.Warn("failed to backfill fast tier", "key", cacheKey, "error", err)
	}
}

func fastKey(merchantID, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", merchantID, key)
}
