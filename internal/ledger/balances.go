package ledger

import (
	"fmt"
	"sort"
	"time"
)

type pairKey struct {
	playerID          int64
	currencyNetworkID int64
}

// ApplyPostings computes the new cached balances of states after postings.
// Every posting must reference an account present in states. For each
// (player, currency network) with a MAIN account in states, the MAIN reserved
// amount is the WITHDRAW_HOLD balance of the same pair (zero when absent from
// states) and cashable is floored at zero.
//
// Applying the same postings twice doubles their effect; callers rely on the
// idempotency guard to apply each batch once.
func ApplyPostings(states []AccountState, postings []Posting, now time.Time) ([]Balance, error) {
	balances := make(map[int64]Balance, len(states))
	accounts := make(map[int64]Account, len(states))
	for _, st := range states {
		accounts[st.Account.ID] = st.Account
		b := st.Balance
		b.AccountID = st.Account.ID
		balances[st.Account.ID] = b
	}

	for _, p := range postings {
		b, ok := balances[p.AccountID]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, p.AccountID)
		}
		delta, err := signed(p)
		if err != nil {
			return nil, err
		}
		b.BalanceMinor += delta
		balances[p.AccountID] = b
	}

	holds := make(map[pairKey]int64)
	for id, acc := range accounts {
		if acc.Type == AccountWithdrawHold {
			holds[pairKey{acc.PlayerID, acc.CurrencyNetworkID}] = balances[id].BalanceMinor
		}
	}

	out := make([]Balance, 0, len(balances))
	for id, b := range balances {
		acc := accounts[id]
		if acc.Type == AccountMain {
			b.ReservedMinor = holds[pairKey{acc.PlayerID, acc.CurrencyNetworkID}]
			b.CashableMinor = cashable(b.BalanceMinor, b.ReservedMinor)
		} else {
			b.ReservedMinor = 0
			b.CashableMinor = 0
		}
		b.UpdatedAt = now
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

// ReplayBalances rebuilds account balances from posting history alone.
func ReplayBalances(postings []Posting) (map[int64]int64, error) {
	out := make(map[int64]int64)
	for _, p := range postings {
		delta, err := signed(p)
		if err != nil {
			return nil, err
		}
		out[p.AccountID] += delta
	}
	return out, nil
}

func cashable(balance, reserved int64) int64 {
	if v := balance - reserved; v > 0 {
		return v
	}
	return 0
}

func signed(p Posting) (int64, error) {
	switch p.Direction {
	case Credit:
		return p.AmountMinor, nil
	case Debit:
		return -p.AmountMinor, nil
	}
	return 0, fmt.Errorf("%w: unknown direction %q", ErrUnbalanced, p.Direction)
}
