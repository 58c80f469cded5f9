package ledger

import "github.com/google/uuid"

// Snapshot is a point-in-time copy of a MemoryStore, used by tests to assert
// on what a unit of work actually persisted.
type Snapshot struct {
	Accounts     []Account
	Balances     map[int64]Balance
	Transactions []Transaction
	Postings     []Posting
	Idempotency  map[string]uuid.UUID
	Outbox       []OutboxEvent
}

// Snapshot copies the committed state of the store.
func (m *MemoryStore) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state
	snap := Snapshot{
		Balances:    make(map[int64]Balance, len(st.balances)),
		Postings:    append([]Posting(nil), st.postings...),
		Idempotency: make(map[string]uuid.UUID, len(st.idempotency)),
		Outbox:      append([]OutboxEvent(nil), st.outbox...),
	}
	for id, b := range st.balances {
		snap.Balances[id] = b
	}
	for k, id := range st.idempotency {
		snap.Idempotency[k] = id
	}
	for id := int64(1); id <= st.nextAccountID; id++ {
		if acc, ok := st.accounts[id]; ok {
			snap.Accounts = append(snap.Accounts, acc)
		}
	}
	for _, id := range st.txOrder {
		snap.Transactions = append(snap.Transactions, st.transactions[id])
	}
	return snap
}

// Account returns the account for key, if it exists.
func (s Snapshot) Account(key AccountKey) (Account, bool) {
	for _, acc := range s.Accounts {
		if acc.Key() == key {
			return acc, true
		}
	}
	return Account{}, false
}

// BalanceOf returns the cached balance of the account for key; zero when the
// account does not exist.
func (s Snapshot) BalanceOf(key AccountKey) Balance {
	acc, ok := s.Account(key)
	if !ok {
		return Balance{}
	}
	return s.Balances[acc.ID]
}

// PostingsFor returns the postings written by transaction id.
func (s Snapshot) PostingsFor(id uuid.UUID) []Posting {
	var out []Posting
	for _, p := range s.Postings {
		if p.TransactionID == id {
			out = append(out, p)
		}
	}
	return out
}

// OutboxOf returns the outbox rows routed under eventType.
func (s Snapshot) OutboxOf(eventType string) []OutboxEvent {
	var out []OutboxEvent
	for _, ev := range s.Outbox {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}
