// Package outbox moves committed ledger events from the outbox table to the
// message broker.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/juanarayafonsec/magenta-sub000/internal/broker"
	"github.com/juanarayafonsec/magenta-sub000/internal/ledger"
)

// Recorder observes relay progress.
type Recorder interface {
	OutboxPublished(eventType string)
	OutboxFailed(eventType string)
}

type noopRecorder struct{}

func (noopRecorder) OutboxPublished(string) {}
func (noopRecorder) OutboxFailed(string)    {}

const maxBackoff = 30 * time.Second

// Relay publishes pending outbox rows in creation order and stamps them once
// the broker accepted them. Delivery is at least once; consumers dedupe by
// eventId.
type Relay struct {
	source   ledger.OutboxSource
	producer broker.Producer
	logger   *slog.Logger
	metrics  Recorder
	interval time.Duration
	batch    int
	now      func() time.Time
}

// Option customises a Relay.
type Option func(*Relay)

// WithInterval sets the idle poll interval.
func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatchSize sets how many rows one read fetches.
func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithMetrics attaches a Recorder.
func WithMetrics(m Recorder) Option {
	return func(r *Relay) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithClock overrides the publish timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRelay creates a relay from source to producer.
func NewRelay(source ledger.OutboxSource, producer broker.Producer, logger *slog.Logger, opts ...Option) *Relay {
	r := &Relay{
		source:   source,
		producer: producer,
		logger:   logger,
		metrics:  noopRecorder{},
		interval: 500 * time.Millisecond,
		batch:    100,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Drain publishes until the outbox is empty and returns how many rows were
// published. It stops at the first publish failure so later events of the
// same player are not sent ahead of it.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		events, err := r.source.PendingOutbox(ctx, r.batch)
		if err != nil {
			return total, fmt.Errorf("read outbox: %w", err)
		}
		if len(events) == 0 {
			return total, nil
		}

		sent := make([]uuid.UUID, 0, len(events))
		var publishErr error
		for _, ev := range events {
			if err := r.producer.Publish(ctx, ev.RoutingKey, partitionKey(ev.Payload), ev.Payload); err != nil {
				r.metrics.OutboxFailed(ev.EventType)
				publishErr = fmt.Errorf("publish event %s: %w", ev.ID, err)
				break
			}
			r.metrics.OutboxPublished(ev.EventType)
			sent = append(sent, ev.ID)
		}

		if len(sent) > 0 {
			if err := r.source.MarkPublished(ctx, sent, r.now()); err != nil {
				return total, fmt.Errorf("mark published: %w", err)
			}
			total += len(sent)
		}
		if publishErr != nil {
			return total, publishErr
		}
		if len(events) < r.batch {
			return total, nil
		}
	}
}

// Start drains on every tick until ctx ends, backing off exponentially while
// the broker or the database keeps failing.
func (r *Relay) Start(ctx context.Context) {
	r.logger.Info("outbox relay started", slog.Duration("interval", r.interval), slog.Int("batch", r.batch))
	wait := r.interval
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("outbox relay stopped")
			return
		case <-timer.C:
		}

		n, err := r.Drain(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			wait = backoff(wait, r.interval)
			r.logger.Error("outbox drain failed",
				slog.Int("published", n),
				slog.Duration("retry_in", wait),
				slog.Any("error", err),
			)
			continue
		}
		if n > 0 {
			r.logger.Debug("outbox drained", slog.Int("published", n))
		}
		wait = r.interval
	}
}

func backoff(current, base time.Duration) time.Duration {
	if current < base {
		current = base
	}
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// partitionKey extracts playerId from an event payload so a player's events
// share a partition. Payloads without one fall back to the default balancer.
func partitionKey(payload []byte) string {
	var envelope struct {
		PlayerID *int64 `json:"playerId"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.PlayerID == nil {
		return ""
	}
	return strconv.FormatInt(*envelope.PlayerID, 10)
}
