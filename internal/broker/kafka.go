package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaProducer publishes with a hash balancer so a key always lands on the
// same partition.
type KafkaProducer struct {
	writer *kafka.Writer
}

// NewKafkaProducer creates a producer for brokers. Topics are chosen per
// message.
func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
	}
}

// Publish writes one message and waits for every in-sync replica.
func (p *KafkaProducer) Publish(ctx context.Context, topic, key string, payload []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("kafka publish %s: %w", topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads topics as a member of a consumer group and commits an
// offset only after its handler succeeds.
type KafkaConsumer struct {
	brokers []string
	groupID string
	logger  *slog.Logger

	mu     sync.Mutex
	reader *kafka.Reader
}

// NewKafkaConsumer creates a group consumer.
func NewKafkaConsumer(brokers []string, groupID string, logger *slog.Logger) *KafkaConsumer {
	return &KafkaConsumer{brokers: brokers, groupID: groupID, logger: logger}
}

// Consume blocks until ctx ends. A failing message is retried in place with
// backoff, which holds back its partition rather than skipping it.
func (c *KafkaConsumer) Consume(ctx context.Context, topics []string, handler Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.brokers,
		GroupID:     c.groupID,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	c.mu.Lock()
	c.reader = reader
	c.mu.Unlock()
	defer reader.Close()

	c.logger.Info("kafka consumer started", slog.String("group", c.groupID), slog.Any("topics", topics))

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			c.logger.Error("kafka fetch failed", slog.Any("error", err))
			if sleepWithContext(ctx, time.Second) != nil {
				return nil
			}
			continue
		}

		msg := Message{
			ID:      fmt.Sprintf("%d/%d", m.Partition, m.Offset),
			Topic:   m.Topic,
			Key:     string(m.Key),
			Payload: m.Value,
		}
		if !c.deliver(ctx, msg, handler) {
			return nil
		}
		if err := reader.CommitMessages(context.WithoutCancel(ctx), m); err != nil {
			c.logger.Error("kafka commit failed", slog.String("id", msg.ID), slog.Any("error", err))
		}
	}
}

// deliver runs handler until it succeeds. It reports false when ctx ended
// first.
func (c *KafkaConsumer) deliver(ctx context.Context, msg Message, handler Handler) bool {
	var delay time.Duration
	for {
		err := handler(ctx, msg)
		if err == nil {
			return true
		}
		delay = nextDelay(delay)
		c.logger.Warn("message handling failed",
			slog.String("topic", msg.Topic),
			slog.String("id", msg.ID),
			slog.Duration("retry_in", delay),
			slog.Any("error", err),
		)
		if sleepWithContext(ctx, delay) != nil {
			return false
		}
	}
}

// Close stops the reader of a running Consume.
func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
