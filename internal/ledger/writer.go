package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxAttempts = 5
	defaultRetryDelay  = 50 * time.Millisecond
	maxRetryDelay      = time.Second
)

// Hooks observes committed writes and contention. *metrics.Metrics implements it.
type Hooks interface {
	TransactionCommitted(txType TxType)
	ConflictRetried()
}

type noopHooks struct{}

func (noopHooks) TransactionCommitted(TxType) {}
func (noopHooks) ConflictRetried()            {}

// Writer is the only component that mutates ledger state. Each Run is one
// serializable unit of work, retried from scratch on serialization conflicts.
type Writer struct {
	store       Store
	logger      *slog.Logger
	hooks       Hooks
	maxAttempts int
	retryDelay  time.Duration
	now         func() time.Time
}

// WriterOption customises a Writer.
type WriterOption func(*Writer)

// WithRetry bounds conflict retries. attempts includes the first try.
func WithRetry(attempts int, delay time.Duration) WriterOption {
	return func(w *Writer) {
		if attempts > 0 {
			w.maxAttempts = attempts
		}
		if delay > 0 {
			w.retryDelay = delay
		}
	}
}

// WithHooks registers an observer for commits and retries.
func WithHooks(h Hooks) WriterOption {
	return func(w *Writer) {
		if h != nil {
			w.hooks = h
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWriter builds a ledger writer over store.
func NewWriter(store Store, logger *slog.Logger, opts ...WriterOption) *Writer {
	w := &Writer{
		store:       store,
		logger:      logger,
		hooks:       noopHooks{},
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes fn inside one serializable transaction. fn may be invoked more
// than once; it must not perform side effects outside the unit.
func (w *Writer) Run(ctx context.Context, fn func(ctx context.Context, u *Unit) error) error {
	delay := w.retryDelay
	for attempt := 1; ; attempt++ {
		var unit *Unit
		err := w.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			unit = newUnit(tx, w.now().UTC())
			return fn(ctx, unit)
		})
		if err == nil {
			if unit != nil && unit.written != "" {
				w.hooks.TransactionCommitted(unit.written)
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		if attempt >= w.maxAttempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		w.hooks.ConflictRetried()
		if w.logger != nil {
			w.logger.Warn("ledger transaction conflict, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", err),
			)
		}
		if err := sleepWithContext(ctx, delay); err != nil {
			return err
		}
		if delay < maxRetryDelay {
			delay *= 2
		}
	}
}

// Entry describes one ledger transaction to write.
type Entry struct {
	Type        TxType
	ExternalRef string
	Metadata    map[string]any
	Postings    []Posting

	// NoOverdraft lists accounts whose balance may not end below zero.
	NoOverdraft []int64

	// Network labels the balance-change events; every account in the entry
	// must belong to it.
	Network       CurrencyNetwork
	CorrelationID string

	// Events are appended to the outbox after the balance-change events.
	Events []OutboxEvent
}

// Unit is the handle a command holds while its transaction is open.
type Unit struct {
	tx       Tx
	id       uuid.UUID
	now      time.Time
	accounts map[int64]Account
	written  TxType
}

func newUnit(tx Tx, now time.Time) *Unit {
	return &Unit{tx: tx, id: uuid.New(), now: now, accounts: make(map[int64]Account)}
}

// TransactionID is the id the unit's ledger transaction will carry.
func (u *Unit) TransactionID() uuid.UUID { return u.id }

// Now is the timestamp shared by everything the unit writes.
func (u *Unit) Now() time.Time { return u.now }

// ReserveIdempotencyKey passes through to storage; use Guard.CheckOrReserve.
func (u *Unit) ReserveIdempotencyKey(ctx context.Context, source, key string, txID uuid.UUID) (uuid.UUID, bool, error) {
	return u.tx.ReserveIdempotencyKey(ctx, source, key, txID)
}

// EnsureAccounts finds or creates the accounts of types for a player on a
// currency network. House types are bound to the system player.
func (u *Unit) EnsureAccounts(ctx context.Context, playerID, currencyNetworkID int64, types ...AccountType) (Bindings, error) {
	b := make(Bindings, len(types))
	for _, t := range types {
		if _, done := b[t]; done {
			continue
		}
		owner := playerID
		if t.IsHouse() {
			owner = SystemPlayerID
		}
		acc, err := u.ensure(ctx, AccountKey{PlayerID: owner, CurrencyNetworkID: currencyNetworkID, Type: t})
		if err != nil {
			return nil, err
		}
		b[t] = acc.ID
	}
	return b, nil
}

// Balance reads an ensured account's cached balance under lock.
func (u *Unit) Balance(ctx context.Context, accountID int64) (Balance, error) {
	states, err := u.tx.LockBalances(ctx, []int64{accountID})
	if err != nil {
		return Balance{}, err
	}
	if len(states) == 0 {
		return Balance{}, fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
	}
	return states[0].Balance, nil
}

// FindTransaction looks up an earlier transaction by external reference.
func (u *Unit) FindTransaction(ctx context.Context, ref string, types ...TxType) (Transaction, []Posting, error) {
	return u.tx.FindTransaction(ctx, ref, types...)
}

// Write persists e atomically with its balance updates and outbox events and
// returns the transaction id. A unit writes at most one transaction.
func (u *Unit) Write(ctx context.Context, e Entry) (uuid.UUID, error) {
	if u.written != "" {
		return uuid.Nil, fmt.Errorf("unit already wrote a %s transaction", u.written)
	}
	if err := CheckBalanced(e.Postings); err != nil {
		return uuid.Nil, err
	}

	ids, err := u.lockSet(ctx, e)
	if err != nil {
		return uuid.Nil, err
	}
	states, err := u.tx.LockBalances(ctx, ids)
	if err != nil {
		return uuid.Nil, fmt.Errorf("lock balances: %w", err)
	}
	if len(states) != len(ids) {
		return uuid.Nil, fmt.Errorf("%w: locked %d of %d accounts", ErrAccountNotFound, len(states), len(ids))
	}

	postings := make([]Posting, len(e.Postings))
	for i, p := range e.Postings {
		p.TransactionID = u.id
		p.CreatedAt = u.now
		postings[i] = p
	}

	balances, err := ApplyPostings(states, postings, u.now)
	if err != nil {
		return uuid.Nil, err
	}
	byID := make(map[int64]Balance, len(balances))
	for _, b := range balances {
		byID[b.AccountID] = b
	}
	for _, id := range e.NoOverdraft {
		if b, ok := byID[id]; ok && b.BalanceMinor < 0 {
			return uuid.Nil, fmt.Errorf("%w: account %d short by %d", ErrInsufficientFunds, id, -b.BalanceMinor)
		}
	}

	metadata := e.Metadata
	if e.CorrelationID != "" {
		metadata = withCorrelation(metadata, e.CorrelationID)
	}
	header := Transaction{ID: u.id, Type: e.Type, ExternalRef: e.ExternalRef, Metadata: metadata, CreatedAt: u.now}
	if err := u.tx.InsertTransaction(ctx, header); err != nil {
		return uuid.Nil, fmt.Errorf("insert transaction: %w", err)
	}
	if err := u.tx.InsertPostings(ctx, postings); err != nil {
		return uuid.Nil, fmt.Errorf("insert postings: %w", err)
	}
	if err := u.tx.SaveBalances(ctx, balances); err != nil {
		return uuid.Nil, fmt.Errorf("save balances: %w", err)
	}

	events, err := u.balanceEvents(states, byID, e)
	if err != nil {
		return uuid.Nil, err
	}
	events = append(events, e.Events...)
	if err := u.tx.AppendOutbox(ctx, events...); err != nil {
		return uuid.Nil, fmt.Errorf("append outbox: %w", err)
	}

	u.written = e.Type
	return u.id, nil
}

func (u *Unit) ensure(ctx context.Context, key AccountKey) (Account, error) {
	for _, acc := range u.accounts {
		if acc.Key() == key {
			return acc, nil
		}
	}
	acc, err := u.tx.EnsureAccount(ctx, key)
	if err != nil {
		return Account{}, fmt.Errorf("ensure %s account for player %d: %w", key.Type, key.PlayerID, err)
	}
	u.accounts[acc.ID] = acc
	return acc, nil
}

// lockSet returns the sorted ids to lock for e: every posted account plus the
// MAIN / WITHDRAW_HOLD sibling of any posted MAIN or WITHDRAW_HOLD account, so
// reserved amounts always derive from the current hold balance.
func (u *Unit) lockSet(ctx context.Context, e Entry) ([]int64, error) {
	set := make(map[int64]struct{})
	for _, p := range e.Postings {
		acc, ok := u.accounts[p.AccountID]
		if !ok {
			return nil, fmt.Errorf("%w: %d was not ensured in this unit", ErrAccountNotFound, p.AccountID)
		}
		if e.Network.ID != 0 && acc.CurrencyNetworkID != e.Network.ID {
			return nil, fmt.Errorf("account %d is on currency network %d, entry is on %d", acc.ID, acc.CurrencyNetworkID, e.Network.ID)
		}
		set[acc.ID] = struct{}{}

		var sibling AccountType
		switch acc.Type {
		case AccountMain:
			sibling = AccountWithdrawHold
		case AccountWithdrawHold:
			sibling = AccountMain
		default:
			continue
		}
		sib, err := u.ensure(ctx, AccountKey{PlayerID: acc.PlayerID, CurrencyNetworkID: acc.CurrencyNetworkID, Type: sibling})
		if err != nil {
			return nil, err
		}
		set[sib.ID] = struct{}{}
	}

	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (u *Unit) balanceEvents(states []AccountState, byID map[int64]Balance, e Entry) ([]OutboxEvent, error) {
	changes := make(map[int64][]BalanceChange)
	var players []int64
	for _, st := range states {
		acc := st.Account
		if acc.Type != AccountMain || acc.PlayerID == SystemPlayerID {
			continue
		}
		b := byID[acc.ID]
		if _, seen := changes[acc.PlayerID]; !seen {
			players = append(players, acc.PlayerID)
		}
		changes[acc.PlayerID] = append(changes[acc.PlayerID], BalanceChange{
			Currency:      e.Network.Currency,
			Network:       e.Network.Network,
			BalanceMinor:  b.BalanceMinor,
			CashableMinor: b.CashableMinor,
			ReservedMinor: b.ReservedMinor,
		})
	}

	events := make([]OutboxEvent, 0, len(players))
	for _, playerID := range players {
		id := uuid.New()
		ev, err := NewOutboxEvent(EventBalanceChanged, id, u.now, BalanceChangedEvent{
			EventID:       id,
			OccurredAt:    u.now,
			PlayerID:      playerID,
			CorrelationID: e.CorrelationID,
			Changes:       changes[playerID],
		})
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func withCorrelation(metadata map[string]any, correlationID string) map[string]any {
	out := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out["correlation_id"] = correlationID
	return out
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
