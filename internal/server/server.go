package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/juanarayafonsec/magenta-sub000/internal/broker"
	"github.com/juanarayafonsec/magenta-sub000/internal/config"
	"github.com/juanarayafonsec/magenta-sub000/internal/currency"
	"github.com/juanarayafonsec/magenta-sub000/internal/inbox"
	"github.com/juanarayafonsec/magenta-sub000/internal/ledger"
	"github.com/juanarayafonsec/magenta-sub000/internal/logging"
	"github.com/juanarayafonsec/magenta-sub000/internal/metrics"
	"github.com/juanarayafonsec/magenta-sub000/internal/outbox"
	"github.com/juanarayafonsec/magenta-sub000/internal/routes"
	"github.com/juanarayafonsec/magenta-sub000/internal/wallet"
)

// Server wraps the Fiber application, the outbox relay and the inbox consumer.
type Server struct {
	app      *fiber.App
	cfg      config.Config
	logger   *slog.Logger
	relay    *outbox.Relay
	producer broker.Producer
	consumer broker.Consumer
	inbox    *inbox.Dispatcher
}

// Options carries the optional collaborators of New. A nil Producer and
// Consumer disables the background workers.
type Options struct {
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Producer broker.Producer
	Consumer broker.Consumer
	Metrics  *metrics.Metrics
}

// New builds the wallet service graph and delegates route wiring to
// routes.Setup. Without a database it runs on the in-memory ledger.
func New(cfg config.Config, opts Options, logger *slog.Logger) (*Server, error) {
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	resolverOpts := []currency.Option{currency.WithLogger(logging.Component(logger, "currency"))}
	if opts.Cache != nil {
		resolverOpts = append(resolverOpts, currency.WithRedis(opts.Cache, cfg.CurrencyCacheTTL))
	}
	writerOpts := []ledger.WriterOption{
		ledger.WithRetry(cfg.TxMaxAttempts, cfg.TxRetryDelay),
		ledger.WithHooks(m),
	}

	var (
		deps       wallet.Deps
		outboxSrc  ledger.OutboxSource
		inboxStore inbox.Store
	)
	if opts.DB != nil {
		resolver := currency.NewResolver(currency.NewPostgresSource(opts.DB), resolverOpts...)
		deps = wallet.NewPostgresDeps(opts.DB, resolver, logger, m, writerOpts...)
		outboxSrc = ledger.NewPostgresStore(opts.DB)
		inboxStore = inbox.NewPostgresStore(opts.DB)
	} else {
		resolver := currency.NewResolver(currency.NewStaticSource(DevNetworks()...), resolverOpts...)
		var store *ledger.MemoryStore
		deps, store = wallet.NewMemoryDeps(resolver, logger, writerOpts...)
		deps.Metrics = m
		outboxSrc = store
		inboxStore = inbox.NewMemoryStore()
	}
	svc := wallet.NewService(deps)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	err := routes.Setup(app, routes.Deps{
		Cfg:     cfg,
		DB:      opts.DB,
		Cache:   opts.Cache,
		Logger:  logger,
		Metrics: m,
		Wallet:  wallet.NewHandler(svc),
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		app:      app,
		cfg:      cfg,
		logger:   logger,
		producer: opts.Producer,
		consumer: opts.Consumer,
		inbox:    inbox.NewDispatcher(inboxStore, svc, logging.Component(logger, "inbox"), m),
	}
	if opts.Producer != nil {
		s.relay = outbox.NewRelay(outboxSrc, opts.Producer, logging.Component(logger, "outbox"),
			outbox.WithInterval(cfg.OutboxPoll),
			outbox.WithBatchSize(cfg.OutboxBatch),
			outbox.WithMetrics(m),
		)
	}
	return s, nil
}

// DevNetworks is the reference data served when no database is configured.
func DevNetworks() []ledger.CurrencyNetwork {
	return []ledger.CurrencyNetwork{
		{ID: 1, Currency: "USDT", Network: "TRON", Decimals: 6},
		{ID: 2, Currency: "USDT", Network: "ETHEREUM", Decimals: 6},
		{ID: 3, Currency: "BTC", Network: "BITCOIN", Decimals: 8},
		{ID: 4, Currency: "ETH", Network: "ETHEREUM", Decimals: 18},
	}
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// RunWorkers drains the outbox and consumes inbound events until ctx ends or
// the consumer fails.
func (s *Server) RunWorkers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if s.relay != nil {
		g.Go(func() error {
			s.relay.Start(ctx)
			return nil
		})
	}
	if s.consumer != nil {
		g.Go(func() error {
			if err := s.consumer.Consume(ctx, s.inbox.Topics(), s.inbox.Handle); err != nil {
				return fmt.Errorf("inbox consumer: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown gracefully stops the HTTP server and closes the broker clients.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consumer: %w", err))
		}
	}
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer: %w", err))
		}
	}
	return errors.Join(errs...)
}

// App exposes the Fiber application for in-process tests.
func (s *Server) App() *fiber.App { return s.app }
