package wallet

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juanarayafonsec/magenta-sub000/internal/ledger"
)

// Ledger runs units of work. *ledger.Writer implements it.
type Ledger interface {
	Run(ctx context.Context, fn func(ctx context.Context, u *ledger.Unit) error) error
}

// BalanceReader serves the read side. ledger.Store implementations satisfy it.
type BalanceReader interface {
	PlayerBalances(ctx context.Context, playerID int64) ([]ledger.PlayerBalance, error)
	Reconcile(ctx context.Context) ([]ledger.Drift, error)
}

// Networks resolves currency reference data. *currency.Resolver implements it.
type Networks interface {
	Resolve(ctx context.Context, currency, network string) (ledger.CurrencyNetwork, error)
	ByID(ctx context.Context, id int64) (ledger.CurrencyNetwork, error)
}

// Recorder observes command outcomes. *metrics.Metrics implements it.
type Recorder interface {
	CommandCompleted(command, outcome string, elapsed time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) CommandCompleted(string, string, time.Duration) {}

// Deps is the capability set every command handler composes.
type Deps struct {
	Ledger   Ledger
	Balances BalanceReader
	Networks Networks
	Guard    ledger.Guard
	Logger   *slog.Logger
	Metrics  Recorder
}

// NewMemoryDeps wires a service over an in-memory ledger serving networks,
// for tests and local runs without Postgres.
func NewMemoryDeps(resolver Networks, logger *slog.Logger, opts ...ledger.WriterOption) (Deps, *ledger.MemoryStore) {
	store := ledger.NewMemoryStore()
	return Deps{
		Ledger:   ledger.NewWriter(store, logger, opts...),
		Balances: store,
		Networks: resolver,
		Guard:    ledger.NewGuard(),
		Logger:   logger,
	}, store
}

// NewPostgresDeps wires a service over the Postgres ledger.
func NewPostgresDeps(db *pgxpool.Pool, resolver Networks, logger *slog.Logger, metrics Recorder, opts ...ledger.WriterOption) Deps {
	store := ledger.NewPostgresStore(db)
	return Deps{
		Ledger:   ledger.NewWriter(store, logger, opts...),
		Balances: store,
		Networks: resolver,
		Guard:    ledger.NewGuard(),
		Logger:   logger,
		Metrics:  metrics,
	}
}
