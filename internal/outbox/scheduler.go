package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/coreledger/payments/internal/shared/shard"
)

// SchedulerConfig holds configuration for the polling scheduler.
type SchedulerConfig struct {
	BatchSize     int
	MaxRetries    int
	RetryInterval time.Duration
	PollInterval  time.Duration
	InitialDelay  time.Duration
}

const (
	// Lock-conflict retries within one cycle: 10ms, 20ms, 40ms, then
	// give up until the next tick so other shards are not starved.
	lockRetryInitialInterval = 10 * time.Millisecond
	lockRetryMaxAttempts     = 3
)

// Scheduler polls each assigned shard on a fixed cadence and dispatches
// claimed rows to the publisher. Shards are polled sequentially in fixed
// priority order within a cycle; different scheduler instances coordinate
// through row locks alone.
type Scheduler struct {
	store     Store
	publisher EventPublisher
	shards    []shard.Key
	config    SchedulerConfig
	logger    *slog.Logger
}

// NewScheduler creates a scheduler over the given shards.
func NewScheduler(store Store, publisher EventPublisher, shards []shard.Key, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		publisher: publisher,
		shards:    shards,
		config:    cfg,
		logger:    logger.With("component", "outbox-scheduler"),
	}
}

// Start runs poll cycles until the context is cancelled. Cycle failures
// are logged and never stop the ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("starting outbox scheduler",
		"shards", len(s.shards),
		"batch_size", s.config.BatchSize,
		"poll_interval", s.config.PollInterval,
		"initial_delay", s.config.InitialDelay,
	)

	select {
	case <-time.After(s.config.InitialDelay):
	case <-ctx.Done():
		return nil
	}

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("outbox scheduler stopped")
			return nil
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle polls every assigned shard once, in priority order.
func (s *Scheduler) runCycle(ctx context.Context) {
	for _, key := range s.shards {
		if ctx.Err() != nil {
			return
		}
		s.pollShard(ctx, key)
	}
}

// pollShard claims and dispatches one batch for a single shard. The
// shard selection lives only in the derived context, so it is released
// on every exit path when the function returns.
func (s *Scheduler) pollShard(ctx context.Context, key shard.Key) {
	logger := s.logger.With("shard", key.String())

	defer func() {
		if r := recover(); r != nil {
			logger.Error("poll cycle panicked", "panic", r)
		}
	}()

	cctx := shard.WithKey(ctx, key)

	entries, err := s.claimWithRetry(cctx)
	if err != nil {
		logger.Error("failed to claim outbox batch", "error", err)
		return
	}

	if len(entries) > 0 {
		logger.Debug("claimed outbox batch", "count", len(entries))
	}

	for _, entry := range entries {
		if err := s.publisher.Publish(cctx, entry); err != nil {
			// The send was never issued (e.g. serialization failure).
			// Bump the retry count synchronously so the row is not
			// silently stuck.
			logger.Error("failed to dispatch entry",
				"outbox_id", entry.ID,
				"event_id", entry.Envelope.EventID,
				"error", err,
			)
			if err := s.store.IncrementRetry(cctx, entry.ID); err != nil {
				logger.Error("failed to increment retry count", "outbox_id", entry.ID, "error", err)
			}
		}
	}

	s.reportDeadLetters(cctx, logger)
}

// claimWithRetry retries claim attempts that lost a row-lock race,
// backing off exponentially. Any other error aborts immediately.
func (s *Scheduler) claimWithRetry(ctx context.Context) ([]Entry, error) {
	var entries []Entry

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = lockRetryInitialInterval
	b.RandomizationFactor = 0
	b.Multiplier = 2

	op := func() error {
		var err error
		entries, err = s.store.ClaimBatch(ctx, s.config.BatchSize, s.config.MaxRetries, s.config.RetryInterval)
		if err == nil {
			return nil
		}
		if isLockConflict(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(b, ctx), lockRetryMaxAttempts)); err != nil {
		return nil, err
	}
	return entries, nil
}

// reportDeadLetters logs rows that exhausted their retry budget. The
// core never escalates them further.
func (s *Scheduler) reportDeadLetters(ctx context.Context, logger *slog.Logger) {
	dead, err := s.store.DeadLetters(ctx, s.config.MaxRetries)
	if err != nil {
		logger.Error("failed to query dead letters", "error", err)
		return
	}

	for _, entry := range dead {
		logger.Error("dead letter: event exhausted retry budget, operator attention required",
			"outbox_id", entry.ID,
			"event_id", entry.Envelope.EventID,
			"event_type", entry.Envelope.EventType,
			"retry_count", entry.RetryCount,
			"created_at", entry.CreatedAt,
		)
	}
}

// isLockConflict reports whether the error is a row-lock acquisition
// failure from FOR UPDATE NOWAIT.
func isLockConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 55P03 is lock_not_available
		return pgErr.Code == "55P03"
	}
	return false
}
