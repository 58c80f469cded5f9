// Package broker carries ledger events between the wallet and its peers over
// Kafka or Redis Streams.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message is one record read from a topic.
type Message struct {
	// ID is the transport position: "partition/offset" for Kafka, the entry id
	// for Redis Streams.
	ID      string
	Topic   string
	Key     string
	Payload []byte
}

// Handler processes one message. A nil return acknowledges it; an error
// leaves it for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Producer publishes payloads to a topic. key selects the partition so one
// player's events stay ordered.
type Producer interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Close() error
}

// Consumer delivers messages from topics to a handler until ctx ends.
type Consumer interface {
	Consume(ctx context.Context, topics []string, handler Handler) error
	Close() error
}

// Kind names a transport.
type Kind string

const (
	KindKafka Kind = "kafka"
	KindRedis Kind = "redis"
)

// ErrUnknownKind is returned for an unsupported transport name.
var ErrUnknownKind = errors.New("unknown broker kind")

// ParseKind validates a transport name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindKafka, KindRedis:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

const (
	minRedeliveryDelay = 200 * time.Millisecond
	maxRedeliveryDelay = 5 * time.Second
)

func nextDelay(d time.Duration) time.Duration {
	if d <= 0 {
		return minRedeliveryDelay
	}
	d *= 2
	if d > maxRedeliveryDelay {
		return maxRedeliveryDelay
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
