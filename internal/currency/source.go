package currency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juanarayafonsec/magenta-sub000/internal/ledger"
)

// StaticSource serves a fixed list of currency networks.
type StaticSource struct {
	networks []ledger.CurrencyNetwork
}

// NewStaticSource normalises the names of networks and serves them.
func NewStaticSource(networks ...ledger.CurrencyNetwork) *StaticSource {
	out := make([]ledger.CurrencyNetwork, len(networks))
	for i, cn := range networks {
		cn.Currency = Normalize(cn.Currency)
		cn.Network = Normalize(cn.Network)
		out[i] = cn
	}
	return &StaticSource{networks: out}
}

func (s *StaticSource) Lookup(_ context.Context, currency, network string) (ledger.CurrencyNetwork, error) {
	currency, network = Normalize(currency), Normalize(network)
	for _, cn := range s.networks {
		if cn.Currency == currency && cn.Network == network {
			return cn, nil
		}
	}
	return ledger.CurrencyNetwork{}, fmt.Errorf("%w: %s on %s", ErrUnknownNetwork, currency, network)
}

func (s *StaticSource) ByID(_ context.Context, id int64) (ledger.CurrencyNetwork, error) {
	for _, cn := range s.networks {
		if cn.ID == id {
			return cn, nil
		}
	}
	return ledger.CurrencyNetwork{}, fmt.Errorf("%w: id %d", ErrUnknownNetwork, id)
}

// PostgresSource reads the currency_networks reference table.
type PostgresSource struct {
	db *pgxpool.Pool
}

// NewPostgresSource constructs a Postgres-backed source.
func NewPostgresSource(db *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) Lookup(ctx context.Context, currency, network string) (ledger.CurrencyNetwork, error) {
	const query = `
        SELECT id, currency_code, network_name, decimals
        FROM currency_networks
        WHERE upper(currency_code) = $1 AND upper(network_name) = $2`
	cn, err := scanNetwork(s.db.QueryRow(ctx, query, Normalize(currency), Normalize(network)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.CurrencyNetwork{}, fmt.Errorf("%w: %s on %s", ErrUnknownNetwork, currency, network)
	}
	return cn, err
}

func (s *PostgresSource) ByID(ctx context.Context, id int64) (ledger.CurrencyNetwork, error) {
	const query = `SELECT id, currency_code, network_name, decimals FROM currency_networks WHERE id = $1`
	cn, err := scanNetwork(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.CurrencyNetwork{}, fmt.Errorf("%w: id %d", ErrUnknownNetwork, id)
	}
	return cn, err
}

func scanNetwork(row pgx.Row) (ledger.CurrencyNetwork, error) {
	var cn ledger.CurrencyNetwork
	if err := row.Scan(&cn.ID, &cn.Currency, &cn.Network, &cn.Decimals); err != nil {
		return ledger.CurrencyNetwork{}, err
	}
	cn.Currency = Normalize(cn.Currency)
	cn.Network = Normalize(cn.Network)
	return cn, nil
}
