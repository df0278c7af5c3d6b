package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/coreledger/payments/internal/shared/shard"
)

// Producer is the broker client surface the publisher needs. Satisfied
// by kafka.Producer (and by kgo.Client directly).
type Producer interface {
	Produce(ctx context.Context, record *kgo.Record, promise func(*kgo.Record, error))
}

// BreakerConfig holds circuit breaker tuning for the broker.
type BreakerConfig struct {
	// FailureRateThreshold is the failure ratio that opens the breaker
	// once MinimumCalls have been observed.
	FailureRateThreshold float64

	// OpenWait is how long the breaker stays open before permitting
	// trial calls.
	OpenWait time.Duration

	// HalfOpenCalls is the number of trial calls permitted while
	// half-open; that many consecutive successes close the breaker.
	HalfOpenCalls int

	// MinimumCalls must be observed before the failure rate can trip
	// the breaker.
	MinimumCalls int

	// SlowCallDuration marks a completed send as slow. Slow sends never
	// abort the in-flight delivery; whether they count toward opening
	// depends on SlowCallRateThreshold.
	SlowCallDuration time.Duration

	// SlowCallRateThreshold is the slow-call ratio, measured over the
	// counting window, at or above which a slow completion is reported
	// to the breaker as a failure. Zero counts every slow call.
	SlowCallRateThreshold float64

	// CountingWindow bounds how long outcomes count toward the failure
	// rate while the breaker is closed. Counts older than the window
	// are discarded, so the rate reflects recent broker health rather
	// than the whole process history.
	CountingWindow time.Duration
}

// Publisher sends outbox entries to the broker behind a circuit
// breaker. Publish is non-blocking: the send completes on a broker
// callback which records the breaker outcome and, on success, marks the
// row published. The publisher never retries; redelivery belongs to the
// scheduler's next cycle.
type Publisher struct {
	producer Producer
	store    Store
	breaker  *gobreaker.TwoStepCircuitBreaker
	config   BreakerConfig
	logger   *slog.Logger

	// Slow-call accounting over the counting window.
	slowMu    sync.Mutex
	slowSince time.Time
	slowTotal int
	slowCalls int
}

// NewPublisher creates a publisher wrapping the given producer.
func NewPublisher(producer Producer, store Store, cfg BreakerConfig, logger *slog.Logger) *Publisher {
	logger = logger.With("component", "outbox-publisher")

	breaker := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "broker-publish",
		MaxRequests: uint32(cfg.HalfOpenCalls),
		// Interval starts a fresh closed-state counting generation, so a
		// long healthy history cannot dilute the failure rate of a
		// broker that just went down.
		Interval: cfg.CountingWindow,
		Timeout:  cfg.OpenWait,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cfg.MinimumCalls) {
				return false
			}
			failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRate >= cfg.FailureRateThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Publisher{
		producer: producer,
		store:    store,
		breaker:  breaker,
		config:   cfg,
		logger:   logger,
	}
}

// State exposes the breaker state for monitoring.
func (p *Publisher) State() gobreaker.State {
	return p.breaker.State()
}

// observeCompletion records one completed send in the slow-call window
// and reports whether the windowed slow rate has reached the threshold.
// The window restarts in step with the breaker's counting window.
func (p *Publisher) observeCompletion(slow bool) bool {
	p.slowMu.Lock()
	defer p.slowMu.Unlock()

	now := time.Now()
	if p.slowSince.IsZero() || (p.config.CountingWindow > 0 && now.Sub(p.slowSince) > p.config.CountingWindow) {
		p.slowSince = now
		p.slowTotal = 0
		p.slowCalls = 0
	}

	p.slowTotal++
	if slow {
		p.slowCalls++
	}
	return float64(p.slowCalls)/float64(p.slowTotal) >= p.config.SlowCallRateThreshold
}

// Publish serializes the entry and issues an asynchronous broker send.
// A returned error means the send was never issued (the caller should
// bump the row's retry count); a nil return with the breaker open means
// the row was left untouched for the next poll cycle.
func (p *Publisher) Publish(ctx context.Context, entry Entry) error {
	value, err := json.Marshal(entry.Envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", entry.Envelope.EventID, err)
	}

	done, err := p.breaker.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Fail fast without contacting the broker. The row stays
			// unpublished; the retry-interval filter paces re-attempts.
			p.logger.Debug("publish not permitted by circuit breaker",
				"outbox_id", entry.ID,
				"event_id", entry.Envelope.EventID,
				"state", p.breaker.State().String(),
			)
			return nil
		}
		return fmt.Errorf("circuit breaker rejected call: %w", err)
	}

	record := &kgo.Record{
		Topic: entry.Envelope.EventType.Topic(),
		Key:   []byte(entry.Envelope.AggregateID), // partition by aggregate for ordering
		Value: value,
	}

	// Capture as plain data: the promise runs on a broker client
	// goroutine, outside the caller's ambient shard context.
	outboxID := entry.ID
	shardKey := entry.Shard
	eventID := entry.Envelope.EventID
	start := time.Now()

	p.producer.Produce(ctx, record, func(r *kgo.Record, err error) {
		elapsed := time.Since(start)
		logger := p.logger.With(
			"outbox_id", outboxID,
			"event_id", eventID,
			"topic", record.Topic,
			"elapsed", elapsed,
		)

		if err != nil {
			p.observeCompletion(false)
			done(false)
			logger.Error("broker send failed, row stays unpublished", "error", err)
			return
		}

		if elapsed > p.config.SlowCallDuration {
			// The send succeeded, so the row is marked published, but a
			// degraded broker counts toward opening once slow calls
			// dominate the window.
			done(!p.observeCompletion(true))
			logger.Warn("broker send exceeded slow-call threshold")
		} else {
			p.observeCompletion(false)
			done(true)
		}

		// Re-establish the shard from captured data before touching the
		// outbox row.
		cctx := shard.WithKey(context.Background(), shardKey)
		if err := p.store.MarkPublished(cctx, outboxID); err != nil {
			// The row will be claimed and sent again; consumers are
			// idempotent, so duplicate delivery is safe.
			logger.Error("failed to mark row published", "error", err)
			return
		}

		logger.Debug("event published")
	})

	return nil
}
