package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldKey     = "key"
	fieldPayload = "payload"
)

// RedisProducer appends messages to a Redis stream named after the topic.
type RedisProducer struct {
	client *redis.Client
	maxLen int64
}

// NewRedisProducer creates a stream producer. maxLen > 0 trims each stream
// approximately to that length.
func NewRedisProducer(client *redis.Client, maxLen int64) *RedisProducer {
	return &RedisProducer{client: client, maxLen: maxLen}
}

// Publish runs XADD.
func (p *RedisProducer) Publish(ctx context.Context, topic, key string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{
			fieldKey:     key,
			fieldPayload: payload,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %s: %w", topic, err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (p *RedisProducer) Close() error { return nil }

// RedisConsumer reads streams through a consumer group. Entries whose handler
// fails stay pending and are re-read from the consumer's pending list.
type RedisConsumer struct {
	client *redis.Client
	group  string
	name   string
	block  time.Duration
	batch  int64
	logger *slog.Logger
}

// RedisConsumerOption customises a RedisConsumer.
type RedisConsumerOption func(*RedisConsumer)

// WithBlock sets how long one XREADGROUP waits for new entries.
func WithBlock(d time.Duration) RedisConsumerOption {
	return func(c *RedisConsumer) {
		if d > 0 {
			c.block = d
		}
	}
}

// WithBatch sets how many entries one read returns.
func WithBatch(n int64) RedisConsumerOption {
	return func(c *RedisConsumer) {
		if n > 0 {
			c.batch = n
		}
	}
}

// NewRedisConsumer creates a member name of consumer group group.
func NewRedisConsumer(client *redis.Client, group, name string, logger *slog.Logger, opts ...RedisConsumerOption) *RedisConsumer {
	c := &RedisConsumer{
		client: client,
		group:  group,
		name:   name,
		block:  2 * time.Second,
		batch:  16,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consume blocks until ctx ends. It starts with the consumer's own pending
// entries so work left unacknowledged by a previous run is retried first.
func (c *RedisConsumer) Consume(ctx context.Context, topics []string, handler Handler) error {
	for _, topic := range topics {
		err := c.client.XGroupCreateMkStream(ctx, topic, c.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", c.group, topic, err)
		}
	}
	c.logger.Info("redis stream consumer started", slog.String("group", c.group), slog.String("consumer", c.name), slog.Any("topics", topics))

	start := "0"
	var delay time.Duration
	for {
		if ctx.Err() != nil {
			return nil
		}
		streams := make([]string, 0, 2*len(topics))
		streams = append(streams, topics...)
		for range topics {
			streams = append(streams, start)
		}

		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  streams,
			Count:    c.batch,
			Block:    c.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			start = ">"
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("redis stream read failed", slog.Any("error", err))
			if sleepWithContext(ctx, time.Second) != nil {
				return nil
			}
			continue
		}

		delivered, failed := 0, false
		for _, stream := range res {
			for _, entry := range stream.Messages {
				delivered++
				if !c.handle(ctx, stream.Stream, entry, handler) {
					failed = true
				}
			}
		}

		switch {
		case failed:
			start = "0"
			delay = nextDelay(delay)
			if sleepWithContext(ctx, delay) != nil {
				return nil
			}
		case start == "0" && delivered == 0:
			start = ">"
			delay = 0
		default:
			delay = 0
		}
	}
}

// handle reports whether the entry was acknowledged.
func (c *RedisConsumer) handle(ctx context.Context, topic string, entry redis.XMessage, handler Handler) bool {
	payload, ok := entry.Values[fieldPayload].(string)
	if !ok {
		c.logger.Error("stream entry without payload dropped", slog.String("topic", topic), slog.String("id", entry.ID))
		c.ack(ctx, topic, entry.ID)
		return true
	}
	key, _ := entry.Values[fieldKey].(string)

	msg := Message{ID: entry.ID, Topic: topic, Key: key, Payload: []byte(payload)}
	if err := handler(ctx, msg); err != nil {
		c.logger.Warn("message handling failed", slog.String("topic", topic), slog.String("id", entry.ID), slog.Any("error", err))
		return false
	}
	c.ack(ctx, topic, entry.ID)
	return true
}

// ack survives cancellation of ctx so handled entries are not redelivered.
func (c *RedisConsumer) ack(ctx context.Context, topic, id string) {
	if err := c.client.XAck(context.WithoutCancel(ctx), topic, c.group, id).Err(); err != nil {
		c.logger.Error("redis stream ack failed", slog.String("topic", topic), slog.String("id", id), slog.Any("error", err))
	}
}

// Close is a no-op; the client is owned by the caller.
func (c *RedisConsumer) Close() error { return nil }
