package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the ledger in PostgreSQL. Every unit of work runs in
// a serializable transaction.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed ledger store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// InTx implements Store.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) // nolint:errcheck

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// classify maps contention failures onto ErrConflict so Writer.Run retries.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
	}
	return err
}

// PlayerBalances implements Store.
func (s *PostgresStore) PlayerBalances(ctx context.Context, playerID int64) ([]PlayerBalance, error) {
	const query = `
        SELECT a.currency_network_id, b.balance_minor, b.reserved_minor, b.cashable_minor, b.updated_at
        FROM accounts a
        INNER JOIN account_balances b ON b.account_id = a.account_id
        WHERE a.player_id = $1 AND a.account_type = $2
        ORDER BY a.currency_network_id`
	rows, err := s.db.Query(ctx, query, playerID, string(AccountMain))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlayerBalance
	for rows.Next() {
		var pb PlayerBalance
		if err := rows.Scan(&pb.CurrencyNetworkID, &pb.BalanceMinor, &pb.ReservedMinor, &pb.CashableMinor, &pb.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, pb)
	}
	return out, rows.Err()
}

// Reconcile implements Store.
func (s *PostgresStore) Reconcile(ctx context.Context) ([]Drift, error) {
	const query = `
        SELECT b.account_id, b.balance_minor, r.replayed
        FROM account_balances b
        CROSS JOIN LATERAL (
            SELECT COALESCE(SUM(CASE WHEN p.direction = 'CREDIT' THEN p.amount_minor ELSE -p.amount_minor END), 0)::bigint AS replayed
            FROM ledger_postings p
            WHERE p.account_id = b.account_id
        ) r
        WHERE b.balance_minor <> r.replayed
        ORDER BY b.account_id`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drifts []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.AccountID, &d.CachedMinor, &d.ReplayedMinor); err != nil {
			return nil, err
		}
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}

// PendingOutbox implements OutboxSource. Rows come back in append order;
// seq is drawn after the unit holds its balance locks, so events of one
// player follow commit order.
func (s *PostgresStore) PendingOutbox(ctx context.Context, limit int) ([]OutboxEvent, error) {
	const query = `
        SELECT seq, id, event_type, routing_key, payload, created_at
        FROM outbox_events
        WHERE published_at IS NULL
        ORDER BY seq
        LIMIT $1`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		var ev OutboxEvent
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.EventType, &ev.RoutingKey, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkPublished implements OutboxSource.
func (s *PostgresStore) MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `UPDATE outbox_events SET published_at = $2
        WHERE id = ANY($1::uuid[]) AND published_at IS NULL`, uuidStrings(ids), at)
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ReserveIdempotencyKey(ctx context.Context, source, key string, txID uuid.UUID) (uuid.UUID, bool, error) {
	tag, err := t.tx.Exec(ctx, `INSERT INTO idempotency_keys (source, idempotency_key, tx_id)
        VALUES ($1, $2, $3)
        ON CONFLICT (source, idempotency_key) DO NOTHING`, source, key, txID)
	if err != nil {
		return uuid.Nil, false, err
	}
	if tag.RowsAffected() == 1 {
		return txID, true, nil
	}

	var existing uuid.UUID
	if err := t.tx.QueryRow(ctx, `SELECT tx_id FROM idempotency_keys
        WHERE source = $1 AND idempotency_key = $2`, source, key).Scan(&existing); err != nil {
		return uuid.Nil, false, err
	}
	return existing, false, nil
}

func (t *pgTx) EnsureAccount(ctx context.Context, key AccountKey) (Account, error) {
	const query = `
        WITH ins AS (
            INSERT INTO accounts (player_id, currency_network_id, account_type, status)
            VALUES ($1, $2, $3, $4)
            ON CONFLICT (player_id, currency_network_id, account_type) DO NOTHING
            RETURNING account_id, status
        )
        SELECT account_id, status FROM ins
        UNION ALL
        SELECT account_id, status FROM accounts
        WHERE player_id = $1 AND currency_network_id = $2 AND account_type = $3
        LIMIT 1`
	acc := Account{PlayerID: key.PlayerID, CurrencyNetworkID: key.CurrencyNetworkID, Type: key.Type}
	if err := t.tx.QueryRow(ctx, query, key.PlayerID, key.CurrencyNetworkID, string(key.Type), AccountStatusActive).
		Scan(&acc.ID, &acc.Status); err != nil {
		return Account{}, err
	}
	if _, err := t.tx.Exec(ctx, `INSERT INTO account_balances (account_id) VALUES ($1)
        ON CONFLICT (account_id) DO NOTHING`, acc.ID); err != nil {
		return Account{}, err
	}
	return acc, nil
}

func (t *pgTx) LockBalances(ctx context.Context, accountIDs []int64) ([]AccountState, error) {
	const query = `
        SELECT a.account_id, a.player_id, a.currency_network_id, a.account_type, a.status,
               b.balance_minor, b.reserved_minor, b.cashable_minor, b.updated_at
        FROM account_balances b
        INNER JOIN accounts a ON a.account_id = b.account_id
        WHERE b.account_id = ANY($1)
        ORDER BY b.account_id
        FOR UPDATE OF b`
	rows, err := t.tx.Query(ctx, query, accountIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccountState
	for rows.Next() {
		var st AccountState
		var accType string
		if err := rows.Scan(&st.Account.ID, &st.Account.PlayerID, &st.Account.CurrencyNetworkID, &accType, &st.Account.Status,
			&st.Balance.BalanceMinor, &st.Balance.ReservedMinor, &st.Balance.CashableMinor, &st.Balance.UpdatedAt); err != nil {
			return nil, err
		}
		st.Account.Type = AccountType(accType)
		st.Balance.AccountID = st.Account.ID
		out = append(out, st)
	}
	return out, rows.Err()
}

func (t *pgTx) FindTransaction(ctx context.Context, ref string, types ...TxType) (Transaction, []Posting, error) {
	const query = `
        SELECT tx_id, tx_type, COALESCE(external_ref, ''), metadata, created_at
        FROM ledger_transactions
        WHERE external_ref = $1 AND ($2::text[] IS NULL OR tx_type = ANY($2::text[]))
        ORDER BY created_at, tx_id
        LIMIT 1`
	var filter []string
	for _, tt := range types {
		filter = append(filter, string(tt))
	}

	var tx Transaction
	var txType string
	if err := t.tx.QueryRow(ctx, query, ref, filter).Scan(&tx.ID, &txType, &tx.ExternalRef, &tx.Metadata, &tx.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, nil, ErrTransactionNotFound
		}
		return Transaction{}, nil, err
	}
	tx.Type = TxType(txType)

	rows, err := t.tx.Query(ctx, `SELECT account_id, direction, amount_minor, created_at
        FROM ledger_postings WHERE tx_id = $1 ORDER BY posting_id`, tx.ID)
	if err != nil {
		return Transaction{}, nil, err
	}
	defer rows.Close()

	var postings []Posting
	for rows.Next() {
		p := Posting{TransactionID: tx.ID}
		var dir string
		if err := rows.Scan(&p.AccountID, &dir, &p.AmountMinor, &p.CreatedAt); err != nil {
			return Transaction{}, nil, err
		}
		p.Direction = Direction(dir)
		postings = append(postings, p)
	}
	return tx, postings, rows.Err()
}

func (t *pgTx) InsertTransaction(ctx context.Context, tx Transaction) error {
	metadata := tx.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO ledger_transactions (tx_id, tx_type, external_ref, metadata, created_at)
        VALUES ($1, $2, NULLIF($3, ''), $4, $5)`, tx.ID, string(tx.Type), tx.ExternalRef, metadata, tx.CreatedAt)
	return err
}

func (t *pgTx) InsertPostings(ctx context.Context, postings []Posting) error {
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"ledger_postings"},
		[]string{"tx_id", "account_id", "direction", "amount_minor", "created_at"},
		pgx.CopyFromSlice(len(postings), func(i int) ([]any, error) {
			p := postings[i]
			return []any{p.TransactionID, p.AccountID, string(p.Direction), p.AmountMinor, p.CreatedAt}, nil
		}),
	)
	return err
}

func (t *pgTx) SaveBalances(ctx context.Context, balances []Balance) error {
	batch := &pgx.Batch{}
	for _, b := range balances {
		batch.Queue(`UPDATE account_balances
            SET balance_minor = $2, reserved_minor = $3, cashable_minor = $4, updated_at = $5
            WHERE account_id = $1`, b.AccountID, b.BalanceMinor, b.ReservedMinor, b.CashableMinor, b.UpdatedAt)
	}
	br := t.tx.SendBatch(ctx, batch)
	defer br.Close() // nolint:errcheck

	for _, b := range balances {
		tag, err := br.Exec()
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("%w: %d", ErrAccountNotFound, b.AccountID)
		}
	}
	return br.Close()
}

func (t *pgTx) AppendOutbox(ctx context.Context, events ...OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(`INSERT INTO outbox_events (id, event_type, routing_key, payload, created_at)
            VALUES ($1, $2, $3, $4, $5)`, ev.ID, ev.EventType, ev.RoutingKey, ev.Payload, ev.CreatedAt)
	}
	br := t.tx.SendBatch(ctx, batch)
	defer br.Close() // nolint:errcheck

	for range events {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return br.Close()
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
