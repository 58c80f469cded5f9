// Package cmd holds the walletctl subcommands.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/juanarayafonsec/magenta-sub000/internal/config"
	"github.com/juanarayafonsec/magenta-sub000/internal/currency"
	"github.com/juanarayafonsec/magenta-sub000/internal/infra"
	"github.com/juanarayafonsec/magenta-sub000/internal/logging"
	"github.com/juanarayafonsec/magenta-sub000/internal/wallet"
)

var rootCmd = &cobra.Command{
	Use:   "walletctl",
	Short: "Operator tooling for the wallet ledger",
	Long: `walletctl runs maintenance tasks against the wallet ledger database:
balance reconciliation, player balance lookups and manual outbox drains.
It reads the same environment (and .env file) as the API.`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure. SIGINT
// cancels the command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(reconcileCmd, balancesCmd, outboxCmd)
}

// env is what every subcommand connects to.
type env struct {
	cfg    config.Config
	logger *slog.Logger
	db     *pgxpool.Pool
	cache  *redis.Client
}

func connect(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.AppName)

	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.AppName+"-ctl")
	if err != nil {
		return nil, err
	}
	cache, err := infra.NewRedisClient(ctx, cfg.RedisURL, cfg.AppName+"-ctl")
	if err != nil {
		db.Close()
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, db: db, cache: cache}, nil
}

func (e *env) close() {
	e.cache.Close()
	e.db.Close()
}

func (e *env) service() *wallet.Service {
	resolver := currency.NewResolver(
		currency.NewPostgresSource(e.db),
		currency.WithRedis(e.cache, e.cfg.CurrencyCacheTTL),
		currency.WithLogger(e.logger),
	)
	return wallet.NewService(wallet.NewPostgresDeps(e.db, resolver, e.logger, nil))
}
