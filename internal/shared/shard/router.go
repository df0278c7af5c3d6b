package shard

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Router resolves the connection pool for the shard carried by a
// context. It holds one pool per physical database and has no business
// logic of its own.
type Router struct {
	pools map[Key]*pgxpool.Pool
}

// NewRouter creates a router over the given pools. Every shard key must
// have a pool.
func NewRouter(pools map[Key]*pgxpool.Pool) (*Router, error) {
	for _, k := range All() {
		if pools[k] == nil {
			return nil, fmt.Errorf("missing pool for %s", k)
		}
	}
	return &Router{pools: pools}, nil
}

// Pool returns the pool for the shard carried by ctx, falling back to
// the default shard when none is set.
func (r *Router) Pool(ctx context.Context) *pgxpool.Pool {
	return r.pools[FromContext(ctx)]
}

// PoolFor returns the pool for an explicit shard key. Invalid keys fall
// back to the default shard rather than failing.
func (r *Router) PoolFor(k Key) *pgxpool.Pool {
	if !k.Valid() {
		k = DefaultKey
	}
	return r.pools[k]
}

// Close closes every pool.
func (r *Router) Close() {
	for _, pool := range r.pools {
		pool.Close()
	}
}
