package infra

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/juanarayafonsec/magenta-sub000/internal/broker"
	"github.com/juanarayafonsec/magenta-sub000/internal/config"
	"github.com/juanarayafonsec/magenta-sub000/internal/logging"
)

// streamMaxLen bounds each Redis stream; consumers ack long before entries age out.
const streamMaxLen = 100_000

// NewBroker builds the producer and consumer of the transport cfg.Broker names.
func NewBroker(cfg config.Config, cache *redis.Client, logger *slog.Logger) (broker.Producer, broker.Consumer, error) {
	kind, err := broker.ParseKind(cfg.Broker)
	if err != nil {
		return nil, nil, err
	}
	switch kind {
	case broker.KindKafka:
		return broker.NewKafkaProducer(cfg.KafkaBrokers),
			broker.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, logging.Component(logger, "kafka")),
			nil
	default:
		if cache == nil {
			return nil, nil, fmt.Errorf("redis broker requires a redis client")
		}
		return broker.NewRedisProducer(cache, streamMaxLen),
			broker.NewRedisConsumer(cache, cfg.StreamGroup, consumerName(cfg.AppName), logging.Component(logger, "streams")),
			nil
	}
}

// PingKafka dials the first reachable broker.
func PingKafka(ctx context.Context, brokers []string) error {
	var lastErr error
	for _, addr := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		return fmt.Errorf("no kafka brokers configured")
	}
	return fmt.Errorf("dial kafka: %w", lastErr)
}

// consumerName identifies this process inside a stream consumer group so its
// pending entries survive a restart on the same host.
func consumerName(app string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return app
	}
	return app + "@" + host
}
