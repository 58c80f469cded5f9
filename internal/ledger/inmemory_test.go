package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryStore_OutboxLifecycle(t *testing.T) {
	store := NewMemoryStore()
	w := NewWriter(store, nil)
	ctx := context.Background()

	for _, key := range []string{"d1", "d2", "d3"} {
		if _, _, err := post(ctx, w, OpDepositSettled, TxDeposit, 7, 100, key); err != nil {
			t.Fatalf("deposit %s: %v", key, err)
		}
	}

	pending, err := store.PendingOutbox(ctx, 2)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending events with limit, got %d", len(pending))
	}

	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := store.MarkPublished(ctx, []uuid.UUID{pending[0].ID, pending[1].ID}, at); err != nil {
		t.Fatalf("mark published: %v", err)
	}

	rest, err := store.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("expected 1 remaining event, got %d", len(rest))
	}
	for _, ev := range store.Snapshot().Outbox {
		if ev.ID == pending[0].ID && (ev.PublishedAt == nil || !ev.PublishedAt.Equal(at)) {
			t.Fatalf("event %s not stamped", ev.ID)
		}
	}
}

func TestMemoryStore_FindTransactionFiltersByType(t *testing.T) {
	store := NewMemoryStore()
	w := NewWriter(store, nil)
	ctx := context.Background()

	txID, _, err := post(ctx, w, OpDepositSettled, TxDeposit, 7, 100, "ref-1")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}

	err = store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		found, postings, err := tx.FindTransaction(ctx, "ref-1", TxDeposit)
		if err != nil {
			return err
		}
		if found.ID != txID || len(postings) != 2 {
			t.Fatalf("unexpected lookup result %+v with %d postings", found, len(postings))
		}
		if _, _, err := tx.FindTransaction(ctx, "ref-1", TxBet, TxWin); !errors.Is(err, ErrTransactionNotFound) {
			t.Fatalf("expected ErrTransactionNotFound, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
}

func TestMemoryStore_EnsureAccountIsUnique(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := AccountKey{PlayerID: 7, CurrencyNetworkID: 1, Type: AccountMain}

	err := store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		a, err := tx.EnsureAccount(ctx, key)
		if err != nil {
			return err
		}
		b, err := tx.EnsureAccount(ctx, key)
		if err != nil {
			return err
		}
		if a.ID != b.ID {
			t.Fatalf("expected same account, got %d and %d", a.ID, b.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if n := len(store.Snapshot().Accounts); n != 1 {
		t.Fatalf("expected 1 account, got %d", n)
	}
}

func TestMemoryStore_PlayerBalancesListsMainOnly(t *testing.T) {
	store := NewMemoryStore()
	w := NewWriter(store, nil)
	ctx := context.Background()

	if _, _, err := post(ctx, w, OpDepositSettled, TxDeposit, 7, 1_000, "d1"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, _, err := post(ctx, w, OpWithdrawalReserved, TxWithdrawReserve, 7, 300, "w1", AccountMain); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	rows, err := store.PlayerBalances(ctx, 7)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].BalanceMinor != 700 || rows[0].ReservedMinor != 300 || rows[0].CashableMinor != 400 {
		t.Fatalf("unexpected row %+v", rows[0])
	}
}

func TestMemoryStore_OutboxSeqOrdersDelivery(t *testing.T) {
	store := NewMemoryStore()
	w := NewWriter(store, nil)
	ctx := context.Background()

	if _, _, err := post(ctx, w, OpDepositSettled, TxDeposit, 7, 1_000, "d1"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	err := w.Run(ctx, func(ctx context.Context, u *Unit) error {
		b, err := u.EnsureAccounts(ctx, 7, usdtTron.ID, RuleAccounts(OpWithdrawalReserved)...)
		if err != nil {
			return err
		}
		postings, err := BuildPostings(OpWithdrawalReserved, b, 300, 0)
		if err != nil {
			return err
		}
		reserved, err := NewOutboxEvent(EventWithdrawalReserved, uuid.New(), u.Now(), map[string]any{"requestId": "w1"})
		if err != nil {
			return err
		}
		_, err = u.Write(ctx, Entry{
			Type:        TxWithdrawReserve,
			ExternalRef: "w1",
			Postings:    postings,
			Network:     usdtTron,
			Events:      []OutboxEvent{reserved},
		})
		return err
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	pending, err := store.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	want := []string{EventBalanceChanged, EventBalanceChanged, EventWithdrawalReserved}
	if len(pending) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(pending))
	}
	for i, ev := range pending {
		if ev.EventType != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], ev.EventType)
		}
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d: expected seq %d, got %d", i, i+1, ev.Seq)
		}
	}
}

func TestMemoryStore_FailedUnitLeavesCommittedStateAlone(t *testing.T) {
	store := NewMemoryStore()
	w := NewWriter(store, nil)
	ctx := context.Background()

	txID, _, err := post(ctx, w, OpDepositSettled, TxDeposit, 7, 1_000, "d1")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	before := store.Snapshot()

	boom := errors.New("boom")
	err = store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		// Committed rows stay readable through the unit.
		found, postings, err := tx.FindTransaction(ctx, "d1", TxDeposit)
		if err != nil || found.ID != txID || len(postings) != 2 {
			t.Fatalf("lookup inside unit: %+v %d %v", found, len(postings), err)
		}
		if _, err := tx.EnsureAccount(ctx, AccountKey{PlayerID: 8, CurrencyNetworkID: 1, Type: AccountMain}); err != nil {
			return err
		}
		if _, fresh, err := tx.ReserveIdempotencyKey(ctx, "src", "k", uuid.New()); err != nil || !fresh {
			t.Fatalf("reserve key: fresh=%v err=%v", fresh, err)
		}
		if err := tx.AppendOutbox(ctx, OutboxEvent{ID: uuid.New(), EventType: "x"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	after := store.Snapshot()
	if len(after.Accounts) != len(before.Accounts) || len(after.Outbox) != len(before.Outbox) || len(after.Idempotency) != len(before.Idempotency) {
		t.Fatalf("failed unit leaked state: before %d/%d/%d after %d/%d/%d",
			len(before.Accounts), len(before.Outbox), len(before.Idempotency),
			len(after.Accounts), len(after.Outbox), len(after.Idempotency))
	}

	// Account ids and outbox sequence are not consumed by the failed unit.
	if _, _, err := post(ctx, w, OpDepositSettled, TxDeposit, 8, 50, "d2"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	final := store.Snapshot()
	last := final.Outbox[len(final.Outbox)-1]
	if last.Seq != int64(len(final.Outbox)) {
		t.Fatalf("expected contiguous seq, last is %d of %d", last.Seq, len(final.Outbox))
	}
	if acc, ok := final.Account(AccountKey{PlayerID: 8, CurrencyNetworkID: 1, Type: AccountMain}); !ok || acc.ID != int64(len(before.Accounts))+1 {
		t.Fatalf("unexpected account for player 8: %+v", acc)
	}
}
