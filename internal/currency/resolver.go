package currency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/juanarayafonsec/magenta-sub000/internal/ledger"
)

// ErrUnknownNetwork is returned for a (currency, network) pair or id that has
// no reference row.
var ErrUnknownNetwork = errors.New("unknown currency network")

const cachePrefix = "currency:v1:"

// Source loads currency networks from the system of record.
type Source interface {
	Lookup(ctx context.Context, currency, network string) (ledger.CurrencyNetwork, error)
	ByID(ctx context.Context, id int64) (ledger.CurrencyNetwork, error)
}

// Resolver maps (currency, network) pairs to currency networks. Hits are kept
// in process for the life of the resolver and, when a Redis client is
// configured, shared across instances with a TTL.
type Resolver struct {
	source Source
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.RWMutex
	byKey map[string]ledger.CurrencyNetwork
	byID  map[int64]ledger.CurrencyNetwork
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithRedis adds a shared second-level cache.
func WithRedis(client *redis.Client, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = client
		r.ttl = ttl
	}
}

// WithLogger sets the logger used for cache failures.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver builds a resolver over source.
func NewResolver(source Source, opts ...Option) *Resolver {
	r := &Resolver{
		source: source,
		logger: slog.Default(),
		byKey:  make(map[string]ledger.CurrencyNetwork),
		byID:   make(map[int64]ledger.CurrencyNetwork),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Normalize upper-cases and trims a currency or network name.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Resolve returns the currency network for the pair.
func (r *Resolver) Resolve(ctx context.Context, currency, network string) (ledger.CurrencyNetwork, error) {
	currency, network = Normalize(currency), Normalize(network)
	if currency == "" || network == "" {
		return ledger.CurrencyNetwork{}, fmt.Errorf("%w: currency and network are required", ErrUnknownNetwork)
	}
	key := currency + ":" + network

	r.mu.RLock()
	cn, ok := r.byKey[key]
	r.mu.RUnlock()
	if ok {
		return cn, nil
	}

	if cn, ok := r.fromCache(ctx, "pair:"+key); ok {
		r.remember(cn)
		return cn, nil
	}

	cn, err := r.source.Lookup(ctx, currency, network)
	if err != nil {
		return ledger.CurrencyNetwork{}, err
	}
	r.remember(cn)
	r.toCache(ctx, cn)
	return cn, nil
}

// ByID returns the currency network with the given id.
func (r *Resolver) ByID(ctx context.Context, id int64) (ledger.CurrencyNetwork, error) {
	r.mu.RLock()
	cn, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		return cn, nil
	}

	if cn, ok := r.fromCache(ctx, "id:"+strconv.FormatInt(id, 10)); ok {
		r.remember(cn)
		return cn, nil
	}

	cn, err := r.source.ByID(ctx, id)
	if err != nil {
		return ledger.CurrencyNetwork{}, err
	}
	r.remember(cn)
	r.toCache(ctx, cn)
	return cn, nil
}

func (r *Resolver) remember(cn ledger.CurrencyNetwork) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[cn.Currency+":"+cn.Network] = cn
	r.byID[cn.ID] = cn
}

func (r *Resolver) fromCache(ctx context.Context, key string) (ledger.CurrencyNetwork, bool) {
	if r.cache == nil {
		return ledger.CurrencyNetwork{}, false
	}
	raw, err := r.cache.Get(ctx, cachePrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("currency cache read failed", slog.String("key", key), slog.Any("error", err))
		}
		return ledger.CurrencyNetwork{}, false
	}
	var cn ledger.CurrencyNetwork
	if err := json.Unmarshal(raw, &cn); err != nil {
		r.logger.Warn("currency cache entry corrupt", slog.String("key", key), slog.Any("error", err))
		return ledger.CurrencyNetwork{}, false
	}
	return cn, true
}

func (r *Resolver) toCache(ctx context.Context, cn ledger.CurrencyNetwork) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(cn)
	if err != nil {
		return
	}
	pipe := r.cache.Pipeline()
	pipe.Set(ctx, cachePrefix+"pair:"+cn.Currency+":"+cn.Network, raw, r.ttl)
	pipe.Set(ctx, cachePrefix+"id:"+strconv.FormatInt(cn.ID, 10), raw, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("currency cache write failed", slog.Int64("currency_network_id", cn.ID), slog.Any("error", err))
	}
}
