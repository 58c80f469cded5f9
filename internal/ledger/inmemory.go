package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memState struct {
	nextAccountID int64
	nextOutboxSeq int64
	accounts      map[int64]Account
	accountKeys   map[AccountKey]int64
	balances      map[int64]Balance
	transactions  map[uuid.UUID]Transaction
	txOrder       []uuid.UUID
	txByRef       map[string][]uuid.UUID
	postings      []Posting
	postingsByTx  map[uuid.UUID][]Posting
	idempotency   map[string]uuid.UUID
	outbox        []OutboxEvent
}

func newMemState() *memState {
	return &memState{
		accounts:     make(map[int64]Account),
		accountKeys:  make(map[AccountKey]int64),
		balances:     make(map[int64]Balance),
		transactions: make(map[uuid.UUID]Transaction),
		txByRef:      make(map[string][]uuid.UUID),
		postingsByTx: make(map[uuid.UUID][]Posting),
		idempotency:  make(map[string]uuid.UUID),
	}
}

// MemoryStore is a concurrency-safe in-memory ledger store useful for unit
// tests and local development. Units of work run one at a time; each stages
// its writes next to the committed state and merges them only on commit, so
// a unit costs what it touches rather than the size of the history.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// InTx implements Store.
func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := newMemTx(m.state)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// PlayerBalances implements Store.
func (m *MemoryStore) PlayerBalances(_ context.Context, playerID int64) ([]PlayerBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PlayerBalance
	for id, acc := range m.state.accounts {
		if acc.PlayerID != playerID || acc.Type != AccountMain {
			continue
		}
		b := m.state.balances[id]
		out = append(out, PlayerBalance{
			CurrencyNetworkID: acc.CurrencyNetworkID,
			BalanceMinor:      b.BalanceMinor,
			ReservedMinor:     b.ReservedMinor,
			CashableMinor:     b.CashableMinor,
			UpdatedAt:         b.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CurrencyNetworkID < out[j].CurrencyNetworkID })
	return out, nil
}

// Reconcile implements Store.
func (m *MemoryStore) Reconcile(_ context.Context) ([]Drift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	replayed, err := ReplayBalances(m.state.postings)
	if err != nil {
		return nil, err
	}
	var drifts []Drift
	for id, b := range m.state.balances {
		if b.BalanceMinor != replayed[id] {
			drifts = append(drifts, Drift{AccountID: id, CachedMinor: b.BalanceMinor, ReplayedMinor: replayed[id]})
		}
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].AccountID < drifts[j].AccountID })
	return drifts, nil
}

// PendingOutbox implements OutboxSource.
func (m *MemoryStore) PendingOutbox(_ context.Context, limit int) ([]OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []OutboxEvent
	for _, ev := range m.state.outbox {
		if ev.PublishedAt != nil {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkPublished implements OutboxSource.
func (m *MemoryStore) MarkPublished(_ context.Context, ids []uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for i := range m.state.outbox {
		if _, ok := want[m.state.outbox[i].ID]; ok && m.state.outbox[i].PublishedAt == nil {
			ts := at
			m.state.outbox[i].PublishedAt = &ts
		}
	}
	return nil
}

// memTx reads through to the committed state and keeps its own writes
// aside until commit.
type memTx struct {
	base *memState

	nextAccountID int64
	nextOutboxSeq int64
	accounts      map[int64]Account
	accountKeys   map[AccountKey]int64
	balances      map[int64]Balance
	transactions  map[uuid.UUID]Transaction
	txOrder       []uuid.UUID
	postings      []Posting
	idempotency   map[string]uuid.UUID
	outbox        []OutboxEvent
}

func newMemTx(base *memState) *memTx {
	return &memTx{
		base:          base,
		nextAccountID: base.nextAccountID,
		nextOutboxSeq: base.nextOutboxSeq,
		accounts:      make(map[int64]Account),
		accountKeys:   make(map[AccountKey]int64),
		balances:      make(map[int64]Balance),
		transactions:  make(map[uuid.UUID]Transaction),
		idempotency:   make(map[string]uuid.UUID),
	}
}

func (t *memTx) commit() {
	st := t.base
	st.nextAccountID = t.nextAccountID
	st.nextOutboxSeq = t.nextOutboxSeq
	for id, acc := range t.accounts {
		st.accounts[id] = acc
	}
	for k, id := range t.accountKeys {
		st.accountKeys[k] = id
	}
	for id, b := range t.balances {
		st.balances[id] = b
	}
	for _, id := range t.txOrder {
		tx := t.transactions[id]
		st.transactions[id] = tx
		st.txOrder = append(st.txOrder, id)
		st.txByRef[tx.ExternalRef] = append(st.txByRef[tx.ExternalRef], id)
	}
	for _, p := range t.postings {
		st.postingsByTx[p.TransactionID] = append(st.postingsByTx[p.TransactionID], p)
	}
	st.postings = append(st.postings, t.postings...)
	for k, id := range t.idempotency {
		st.idempotency[k] = id
	}
	st.outbox = append(st.outbox, t.outbox...)
}

func (t *memTx) account(id int64) (Account, bool) {
	if acc, ok := t.accounts[id]; ok {
		return acc, true
	}
	acc, ok := t.base.accounts[id]
	return acc, ok
}

func (t *memTx) balance(id int64) Balance {
	if b, ok := t.balances[id]; ok {
		return b
	}
	return t.base.balances[id]
}

func (t *memTx) transaction(id uuid.UUID) (Transaction, bool) {
	if tx, ok := t.transactions[id]; ok {
		return tx, true
	}
	tx, ok := t.base.transactions[id]
	return tx, ok
}

func idemKey(source, key string) string {
	return source + "\x00" + key
}

func (t *memTx) ReserveIdempotencyKey(_ context.Context, source, key string, txID uuid.UUID) (uuid.UUID, bool, error) {
	k := idemKey(source, key)
	if existing, ok := t.idempotency[k]; ok {
		return existing, false, nil
	}
	if existing, ok := t.base.idempotency[k]; ok {
		return existing, false, nil
	}
	t.idempotency[k] = txID
	return txID, true, nil
}

func (t *memTx) EnsureAccount(_ context.Context, key AccountKey) (Account, error) {
	if id, ok := t.accountKeys[key]; ok {
		return t.accounts[id], nil
	}
	if id, ok := t.base.accountKeys[key]; ok {
		return t.base.accounts[id], nil
	}
	t.nextAccountID++
	acc := Account{
		ID:                t.nextAccountID,
		PlayerID:          key.PlayerID,
		CurrencyNetworkID: key.CurrencyNetworkID,
		Type:              key.Type,
		Status:            AccountStatusActive,
	}
	t.accounts[acc.ID] = acc
	t.accountKeys[key] = acc.ID
	t.balances[acc.ID] = Balance{AccountID: acc.ID, UpdatedAt: time.Now().UTC()}
	return acc, nil
}

func (t *memTx) LockBalances(_ context.Context, accountIDs []int64) ([]AccountState, error) {
	ids := append([]int64(nil), accountIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]AccountState, 0, len(ids))
	for _, id := range ids {
		acc, ok := t.account(id)
		if !ok {
			continue
		}
		out = append(out, AccountState{Account: acc, Balance: t.balance(id)})
	}
	return out, nil
}

func (t *memTx) FindTransaction(_ context.Context, ref string, types ...TxType) (Transaction, []Posting, error) {
	for _, id := range t.base.txByRef[ref] {
		tx := t.base.transactions[id]
		if hasType(types, tx.Type) {
			return tx, append([]Posting(nil), t.base.postingsByTx[id]...), nil
		}
	}
	for _, id := range t.txOrder {
		tx := t.transactions[id]
		if tx.ExternalRef != ref || !hasType(types, tx.Type) {
			continue
		}
		var postings []Posting
		for _, p := range t.postings {
			if p.TransactionID == id {
				postings = append(postings, p)
			}
		}
		return tx, postings, nil
	}
	return Transaction{}, nil, ErrTransactionNotFound
}

func (t *memTx) InsertTransaction(_ context.Context, tx Transaction) error {
	if _, exists := t.transaction(tx.ID); exists {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	meta := make(map[string]any, len(tx.Metadata))
	for k, v := range tx.Metadata {
		meta[k] = v
	}
	tx.Metadata = meta
	t.transactions[tx.ID] = tx
	t.txOrder = append(t.txOrder, tx.ID)
	return nil
}

func (t *memTx) InsertPostings(_ context.Context, postings []Posting) error {
	for _, p := range postings {
		if _, ok := t.transaction(p.TransactionID); !ok {
			return fmt.Errorf("posting references unknown transaction %s", p.TransactionID)
		}
		if _, ok := t.account(p.AccountID); !ok {
			return fmt.Errorf("%w: %d", ErrAccountNotFound, p.AccountID)
		}
	}
	t.postings = append(t.postings, postings...)
	return nil
}

func (t *memTx) SaveBalances(_ context.Context, balances []Balance) error {
	for _, b := range balances {
		if _, ok := t.account(b.AccountID); !ok {
			return fmt.Errorf("%w: %d", ErrAccountNotFound, b.AccountID)
		}
		t.balances[b.AccountID] = b
	}
	return nil
}

func (t *memTx) AppendOutbox(_ context.Context, events ...OutboxEvent) error {
	for _, ev := range events {
		t.nextOutboxSeq++
		ev.Seq = t.nextOutboxSeq
		t.outbox = append(t.outbox, ev)
	}
	return nil
}

func hasType(types []TxType, t TxType) bool {
	if len(types) == 0 {
		return true
	}
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}
