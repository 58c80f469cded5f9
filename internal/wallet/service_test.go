package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/juanarayafonsec/magenta-sub000/internal/currency"
	"github.com/juanarayafonsec/magenta-sub000/internal/ledger"
	"github.com/juanarayafonsec/magenta-sub000/internal/logging"
)

const player = int64(42)

func newTestService(t *testing.T) (*Service, *ledger.MemoryStore) {
	t.Helper()
	resolver := currency.NewResolver(currency.NewStaticSource(
		ledger.CurrencyNetwork{ID: 1, Currency: "USDT", Network: "TRON", Decimals: 6},
		ledger.CurrencyNetwork{ID: 2, Currency: "BTC", Network: "BITCOIN", Decimals: 8},
	))
	deps, store := NewMemoryDeps(resolver, logging.Discard())
	return NewService(deps), store
}

func key(t ledger.AccountType) ledger.AccountKey {
	owner := player
	if t.IsHouse() {
		owner = ledger.SystemPlayerID
	}
	return ledger.AccountKey{PlayerID: owner, CurrencyNetworkID: 1, Type: t}
}

func deposit(t *testing.T, svc *Service, amount int64, hash string) Result {
	t.Helper()
	res, err := svc.ApplyDepositSettlement(context.Background(), DepositSettlement{
		PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: amount, TxHash: hash,
	})
	require.NoError(t, err)
	return res
}

// assertLedgerInvariants checks every accepted transaction balances, cached
// balances match a replay, and MAIN reserved/cashable follow the hold.
func assertLedgerInvariants(t *testing.T, store *ledger.MemoryStore) {
	t.Helper()
	snap := store.Snapshot()

	for _, tx := range snap.Transactions {
		postings := snap.PostingsFor(tx.ID)
		require.GreaterOrEqual(t, len(postings), 2, "transaction %s", tx.ID)
		require.NoError(t, ledger.CheckBalanced(postings), "transaction %s", tx.ID)
	}

	replayed, err := ledger.ReplayBalances(snap.Postings)
	require.NoError(t, err)
	for id, b := range snap.Balances {
		require.Equal(t, replayed[id], b.BalanceMinor, "account %d", id)
	}

	for _, acc := range snap.Accounts {
		if acc.Type != ledger.AccountMain {
			continue
		}
		main := snap.Balances[acc.ID]
		hold := snap.BalanceOf(ledger.AccountKey{PlayerID: acc.PlayerID, CurrencyNetworkID: acc.CurrencyNetworkID, Type: ledger.AccountWithdrawHold})
		require.Equal(t, hold.BalanceMinor, main.ReservedMinor, "reserved of account %d", acc.ID)
		want := main.BalanceMinor - main.ReservedMinor
		if want < 0 {
			want = 0
		}
		require.Equal(t, want, main.CashableMinor, "cashable of account %d", acc.ID)
	}

	drifts, err := store.Reconcile(context.Background())
	require.NoError(t, err)
	require.Empty(t, drifts)
}

func TestScenarioA_DepositIsAppliedOnce(t *testing.T) {
	svc, store := newTestService(t)

	first := deposit(t, svc, 10_000_000, "abc")
	require.False(t, first.Replayed)
	require.Equal(t, int64(10_000_000), store.Snapshot().BalanceOf(key(ledger.AccountMain)).BalanceMinor)

	second := deposit(t, svc, 10_000_000, "abc")
	require.True(t, second.Replayed)
	require.Equal(t, first.TransactionID, second.TransactionID)

	snap := store.Snapshot()
	require.Equal(t, int64(10_000_000), snap.BalanceOf(key(ledger.AccountMain)).BalanceMinor)
	require.Len(t, snap.Transactions, 1)
	require.Len(t, snap.Postings, 2)
	assertLedgerInvariants(t, store)
}

func TestDepositHashIsCreditedOnceAcrossKeys(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	first, err := svc.ApplyDepositSettlement(ctx, DepositSettlement{
		PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 1_000, TxHash: "0xdup", IdempotencyKey: "provider-a",
	})
	require.NoError(t, err)
	before := store.Snapshot()

	_, err = svc.ApplyDepositSettlement(ctx, DepositSettlement{
		PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 1_000, TxHash: "0xdup", IdempotencyKey: "provider-b",
	})
	require.ErrorIs(t, err, ErrDuplicateDeposit)
	require.False(t, IsRetryable(err))

	after := store.Snapshot()
	require.Len(t, after.Transactions, len(before.Transactions))
	require.Len(t, after.Postings, len(before.Postings))
	require.Equal(t, int64(1_000), after.BalanceOf(key(ledger.AccountMain)).BalanceMinor)

	// The rejected key was not claimed; the original key still replays.
	replay, err := svc.ApplyDepositSettlement(ctx, DepositSettlement{
		PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 1_000, TxHash: "0xdup", IdempotencyKey: "provider-a",
	})
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	require.Equal(t, first.TransactionID, replay.TransactionID)
	assertLedgerInvariants(t, store)
}

func TestScenarioB_ReserveWithdrawal(t *testing.T) {
	svc, store := newTestService(t)
	deposit(t, svc, 10_000_000, "abc")

	res, err := svc.ReserveWithdrawal(context.Background(), WithdrawalReserve{
		PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 5_000_000, RequestID: "wd-1", CorrelationID: "corr-1",
	})
	require.NoError(t, err)

	snap := store.Snapshot()
	main := snap.BalanceOf(key(ledger.AccountMain))
	require.Equal(t, int64(5_000_000), main.BalanceMinor)
	require.Equal(t, int64(5_000_000), main.ReservedMinor)
	// The hold already left MAIN, so nothing more is cashable.
	require.Equal(t, int64(0), main.CashableMinor)
	require.Equal(t, int64(5_000_000), snap.BalanceOf(key(ledger.AccountWithdrawHold)).BalanceMinor)

	reserved := snap.OutboxOf(ledger.EventWithdrawalReserved)
	require.Len(t, reserved, 1)
	changed := snap.OutboxOf(ledger.EventBalanceChanged)
	require.Less(t, changed[len(changed)-1].Seq, reserved[0].Seq, "balance change is relayed before the reservation")
	var ev ledger.WithdrawalReservedEvent
	require.NoError(t, json.Unmarshal(reserved[0].Payload, &ev))
	require.Equal(t, res.TransactionID, ev.TxID)
	require.Equal(t, "wd-1", ev.RequestID)
	require.Equal(t, "corr-1", ev.CorrelationID)
	require.Equal(t, int64(5_000_000), ev.AmountMinor)
	assertLedgerInvariants(t, store)
}

func TestScenarioC_FinalizeWithdrawalWithFee(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	deposit(t, svc, 10_000_000, "abc")
	_, err := svc.ReserveWithdrawal(ctx, WithdrawalReserve{PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 5_000_000, RequestID: "wd-1"})
	require.NoError(t, err)
	houseBefore := store.Snapshot().BalanceOf(key(ledger.AccountHouse)).BalanceMinor

	_, err = svc.FinalizeWithdrawal(ctx, WithdrawalFinalize{
		PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 5_000_000, FeeMinor: 50_000, RequestID: "wd-1", TxHash: "0xpayout",
	})
	require.NoError(t, err)

	snap := store.Snapshot()
	require.Equal(t, int64(0), snap.BalanceOf(key(ledger.AccountWithdrawHold)).BalanceMinor)
	require.Equal(t, int64(4_950_000), snap.BalanceOf(key(ledger.AccountHouse)).BalanceMinor-houseBefore)
	require.Equal(t, int64(50_000), snap.BalanceOf(key(ledger.AccountHouseFees)).BalanceMinor)
	main := snap.BalanceOf(key(ledger.AccountMain))
	require.Equal(t, int64(0), main.ReservedMinor)
	require.Equal(t, int64(5_000_000), main.CashableMinor)
	assertLedgerInvariants(t, store)
}

func TestScenarioD_BetRollbackRestoresBalance(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	deposit(t, svc, 5_000_000, "abc")
	before := store.Snapshot().BalanceOf(key(ledger.AccountMain)).BalanceMinor

	_, err := svc.PlaceBet(ctx, Bet{PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 2_000_000, BetID: "bet-1", Provider: "evo", RoundID: "r-1", GameCode: "roulette"})
	require.NoError(t, err)
	require.Equal(t, int64(3_000_000), store.Snapshot().BalanceOf(key(ledger.AccountMain)).BalanceMinor)

	_, err = svc.Rollback(ctx, Rollback{PlayerID: player, Currency: "USDT", Network: "TRON", ReferenceType: "BET", ReferenceID: "bet-1", RollbackID: "rb-1", Reason: "round voided"})
	require.NoError(t, err)

	snap := store.Snapshot()
	require.Equal(t, before, snap.BalanceOf(key(ledger.AccountMain)).BalanceMinor)
	require.Equal(t, int64(0), snap.BalanceOf(key(ledger.AccountHouseWager)).BalanceMinor)
	assertLedgerInvariants(t, store)
}

func TestScenarioE_OversizedBetRejected(t *testing.T) {
	svc, store := newTestService(t)
	deposit(t, svc, 5_000_000, "abc")
	before := store.Snapshot()

	_, err := svc.PlaceBet(context.Background(), Bet{PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 20_000_000, BetID: "bet-big"})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	require.False(t, IsRetryable(err))

	after := store.Snapshot()
	require.Len(t, after.Postings, len(before.Postings))
	for _, tx := range after.Transactions {
		require.NotEqual(t, "bet-big", tx.ExternalRef)
	}
	require.Equal(t, int64(5_000_000), after.BalanceOf(key(ledger.AccountMain)).BalanceMinor)
}

func TestReserveWithdrawalRejectsOverdraft(t *testing.T) {
	svc, store := newTestService(t)
	deposit(t, svc, 1_000, "abc")

	_, err := svc.ReserveWithdrawal(context.Background(), WithdrawalReserve{PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 1_001, RequestID: "wd-1"})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	require.Empty(t, store.Snapshot().OutboxOf(ledger.EventWithdrawalReserved))
}

func TestWithdrawalTerminalStatesAreExclusive(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	deposit(t, svc, 10_000, "abc")
	_, err := svc.ReserveWithdrawal(ctx, WithdrawalReserve{PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 4_000, RequestID: "wd-1"})
	require.NoError(t, err)

	_, err = svc.ReleaseWithdrawal(ctx, WithdrawalRelease{PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 3_000, RequestID: "wd-1"})
	require.ErrorIs(t, err, ErrAmountMismatch)

	released, err := svc.ReleaseWithdrawal(ctx, WithdrawalRelease{PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 4_000, RequestID: "wd-1", Reason: "chain rejected"})
	require.NoError(t, err)

	again, err := svc.ReleaseWithdrawal(ctx, WithdrawalRelease{PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 4_000, RequestID: "wd-1"})
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, released.TransactionID, again.TransactionID)

	_, err = svc.FinalizeWithdrawal(ctx, WithdrawalFinalize{PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 4_000, RequestID: "wd-1", TxHash: "0x1"})
	require.ErrorIs(t, err, ErrWithdrawalClosed)

	_, err = svc.FinalizeWithdrawal(ctx, WithdrawalFinalize{PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 4_000, RequestID: "wd-unknown", TxHash: "0x1"})
	require.ErrorIs(t, err, ErrReservationNotFound)

	snap := store.Snapshot()
	require.Equal(t, int64(10_000), snap.BalanceOf(key(ledger.AccountMain)).BalanceMinor)
	require.Equal(t, int64(0), snap.BalanceOf(key(ledger.AccountWithdrawHold)).BalanceMinor)
	assertLedgerInvariants(t, store)
}

func TestReservationOfAnotherPlayerIsNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	deposit(t, svc, 10_000, "abc")
	_, err := svc.ReserveWithdrawal(ctx, WithdrawalReserve{PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 4_000, RequestID: "wd-1"})
	require.NoError(t, err)

	_, err = svc.FinalizeWithdrawal(ctx, WithdrawalFinalize{PlayerID: player + 1, Currency: "USDT", Network: "TRON", AmountMinor: 4_000, RequestID: "wd-1"})
	require.ErrorIs(t, err, ErrReservationNotFound)
}

func TestWinAndWinRollback(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	deposit(t, svc, 1_000, "abc")

	_, err := svc.SettleWin(ctx, Win{PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 2_500, WinID: "win-1", BetID: "bet-1", RoundID: "r-1", Provider: "evo"})
	require.NoError(t, err)
	require.Equal(t, int64(3_500), store.Snapshot().BalanceOf(key(ledger.AccountMain)).BalanceMinor)

	_, err = svc.Rollback(ctx, Rollback{PlayerID: player, Currency: "USDT", Network: "TRON", ReferenceType: "win", ReferenceID: "win-1", RollbackID: "rb-1"})
	require.NoError(t, err)
	require.Equal(t, int64(1_000), store.Snapshot().BalanceOf(key(ledger.AccountMain)).BalanceMinor)

	_, err = svc.Rollback(ctx, Rollback{PlayerID: player, Currency: "USDT", Network: "TRON", ReferenceType: "WIN", ReferenceID: "win-1", RollbackID: "rb-2"})
	require.ErrorIs(t, err, ErrAlreadyRolledBack)
	assertLedgerInvariants(t, store)
}

func TestRollbackOfUnknownOriginalWritesNothing(t *testing.T) {
	svc, store := newTestService(t)
	deposit(t, svc, 1_000, "abc")
	before := store.Snapshot()

	_, err := svc.Rollback(context.Background(), Rollback{PlayerID: player, Currency: "USDT", Network: "TRON", ReferenceType: "BET", ReferenceID: "missing", RollbackID: "rb-1"})
	require.ErrorIs(t, err, ErrOriginalNotFound)
	require.False(t, IsRetryable(err))

	after := store.Snapshot()
	require.Len(t, after.Transactions, len(before.Transactions))
	require.Len(t, after.Outbox, len(before.Outbox))
}

func TestValidationRejectsBeforeTransaction(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	cases := map[string]error{
		"zero amount":     func() error { _, err := svc.PlaceBet(ctx, Bet{PlayerID: player, Currency: "USDT", Network: "TRON", BetID: "b"}); return err }(),
		"missing bet id":  func() error { _, err := svc.PlaceBet(ctx, Bet{PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 1}); return err }(),
		"bad player":      func() error { _, err := svc.SettleWin(ctx, Win{Currency: "USDT", Network: "TRON", AmountMinor: 1, WinID: "w"}); return err }(),
		"fee above total": func() error { _, err := svc.FinalizeWithdrawal(ctx, WithdrawalFinalize{PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 1, FeeMinor: 2, RequestID: "r"}); return err }(),
		"bad reference":   func() error { _, err := svc.Rollback(ctx, Rollback{PlayerID: player, Currency: "USDT", Network: "TRON", ReferenceType: "DEPOSIT", ReferenceID: "x", RollbackID: "y"}); return err }(),
	}
	for name, err := range cases {
		require.ErrorIs(t, err, ErrValidation, name)
	}

	_, err := svc.ApplyDepositSettlement(ctx, DepositSettlement{PlayerID: player, Currency: "DOGE", Network: "TRON", AmountMinor: 1, TxHash: "h"})
	require.ErrorIs(t, err, currency.ErrUnknownNetwork)

	require.Empty(t, store.Snapshot().Accounts)
}

func TestGetBalanceListsEveryNetwork(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	deposit(t, svc, 1_500_000, "abc")
	_, err := svc.ApplyDepositSettlement(ctx, DepositSettlement{PlayerID: player, Currency: "btc", Network: "bitcoin", AmountMinor: 10_000, TxHash: "btc-1"})
	require.NoError(t, err)
	_, err = svc.ReserveWithdrawal(ctx, WithdrawalReserve{PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 500_000, RequestID: "wd-1"})
	require.NoError(t, err)

	views, err := svc.GetBalance(ctx, player)
	require.NoError(t, err)
	require.Len(t, views, 2)
	require.Equal(t, "USDT", views[0].Currency)
	require.Equal(t, int64(1_000_000), views[0].BalanceMinor)
	require.Equal(t, int64(500_000), views[0].ReservedMinor)
	require.Equal(t, int64(500_000), views[0].CashableMinor)
	require.Equal(t, "BTC", views[1].Currency)
	require.Equal(t, int32(8), views[1].Decimals)
	require.Equal(t, int64(10_000), views[1].BalanceMinor)
}

func TestBalanceChangedEventCarriesCorrelation(t *testing.T) {
	svc, store := newTestService(t)
	_, err := svc.ApplyDepositSettlement(context.Background(), DepositSettlement{
		PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 100, TxHash: "abc", CorrelationID: "trace-9",
	})
	require.NoError(t, err)

	events := store.Snapshot().OutboxOf(ledger.EventBalanceChanged)
	require.Len(t, events, 1)
	var ev ledger.BalanceChangedEvent
	require.NoError(t, json.Unmarshal(events[0].Payload, &ev))
	require.Equal(t, player, ev.PlayerID)
	require.Equal(t, "trace-9", ev.CorrelationID)
	require.Equal(t, []ledger.BalanceChange{{Currency: "USDT", Network: "TRON", BalanceMinor: 100, CashableMinor: 100}}, ev.Changes)
}

func TestConcurrentDuplicateDepositsApplyOnce(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	const workers = 16
	results := make([]Result, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.ApplyDepositSettlement(ctx, DepositSettlement{PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 700, TxHash: "same"})
			if err != nil {
				t.Errorf("deposit %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, res := range results {
		require.Equal(t, results[0].TransactionID, res.TransactionID)
		if !res.Replayed {
			applied++
		}
	}
	require.Equal(t, 1, applied)
	require.Equal(t, int64(700), store.Snapshot().BalanceOf(key(ledger.AccountMain)).BalanceMinor)
}

func TestMixedWorkloadKeepsInvariants(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	deposit(t, svc, 50_000, "seed")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			betID := fmt.Sprintf("bet-%d", i)
			if _, err := svc.PlaceBet(ctx, Bet{PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 1_000, BetID: betID}); err != nil {
				t.Errorf("bet %d: %v", i, err)
				return
			}
			switch i % 3 {
			case 0:
				_, err := svc.Rollback(ctx, Rollback{PlayerID: player, Currency: "USDT", Network: "TRON", ReferenceType: "BET", ReferenceID: betID, RollbackID: "rb-" + betID})
				if err != nil {
					t.Errorf("rollback %d: %v", i, err)
				}
			case 1:
				_, err := svc.SettleWin(ctx, Win{PlayerID: player, Currency: "USDT", Network: "TRON", AmountMinor: 1_500, WinID: fmt.Sprintf("win-%d", i), BetID: betID})
				if err != nil {
					t.Errorf("win %d: %v", i, err)
				}
			}
		}(i)
	}
	wg.Wait()

	assertLedgerInvariants(t, store)
}
