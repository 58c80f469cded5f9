package ledger

import (
	"errors"
	"testing"
	"time"
)

func state(id, player int64, t AccountType, balance int64) AccountState {
	return AccountState{
		Account: Account{ID: id, PlayerID: player, CurrencyNetworkID: 1, Type: t, Status: AccountStatusActive},
		Balance: Balance{AccountID: id, BalanceMinor: balance},
	}
}

func TestApplyPostings_ReservedFollowsHold(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	states := []AccountState{
		state(1, 7, AccountMain, 10_000_000),
		state(2, 7, AccountWithdrawHold, 0),
	}
	postings := []Posting{
		{AccountID: 1, Direction: Debit, AmountMinor: 5_000_000},
		{AccountID: 2, Direction: Credit, AmountMinor: 5_000_000},
	}

	out, err := ApplyPostings(states, postings, now)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 balances, got %d", len(out))
	}
	main, hold := out[0], out[1]
	if main.BalanceMinor != 5_000_000 || main.ReservedMinor != 5_000_000 || main.CashableMinor != 0 {
		t.Fatalf("unexpected main balance %+v", main)
	}
	if hold.BalanceMinor != 5_000_000 || hold.ReservedMinor != 0 || hold.CashableMinor != 0 {
		t.Fatalf("unexpected hold balance %+v", hold)
	}
	if !main.UpdatedAt.Equal(now) {
		t.Fatalf("expected updated_at %v, got %v", now, main.UpdatedAt)
	}
}

func TestApplyPostings_CashableFloorsAtZero(t *testing.T) {
	states := []AccountState{
		state(1, 7, AccountMain, 100),
		state(2, 7, AccountWithdrawHold, 300),
		state(3, SystemPlayerID, AccountHouseWager, 0),
	}
	postings := []Posting{
		{AccountID: 1, Direction: Debit, AmountMinor: 50},
		{AccountID: 3, Direction: Credit, AmountMinor: 50},
	}

	out, err := ApplyPostings(states, postings, time.Now())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out[0].BalanceMinor != 50 || out[0].ReservedMinor != 300 || out[0].CashableMinor != 0 {
		t.Fatalf("unexpected main balance %+v", out[0])
	}
}

func TestApplyPostings_UnknownAccount(t *testing.T) {
	states := []AccountState{state(1, 7, AccountMain, 0)}
	postings := []Posting{{AccountID: 9, Direction: Credit, AmountMinor: 1}}
	if _, err := ApplyPostings(states, postings, time.Now()); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestReplayBalances(t *testing.T) {
	postings := []Posting{
		{AccountID: 1, Direction: Credit, AmountMinor: 100},
		{AccountID: 2, Direction: Debit, AmountMinor: 100},
		{AccountID: 1, Direction: Debit, AmountMinor: 40},
		{AccountID: 2, Direction: Credit, AmountMinor: 40},
	}
	got, err := ReplayBalances(postings)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got[1] != 60 || got[2] != -60 {
		t.Fatalf("unexpected replay result %v", got)
	}
}
