package ledger

import (
	"fmt"
)

// Operation is a business event with a fixed posting rule.
type Operation string

const (
	OpDepositSettled     Operation = "deposit_settled"
	OpWithdrawalReserved Operation = "withdrawal_reserved"
	OpWithdrawalSettled  Operation = "withdrawal_settled"
	OpWithdrawalReleased Operation = "withdrawal_released"
	OpBetPlaced          Operation = "bet_placed"
	OpWinPaid            Operation = "win_paid"
	OpBetRolledBack      Operation = "bet_rolled_back"
	OpWinRolledBack      Operation = "win_rolled_back"
)

// amountPart selects which share of the command amount a leg carries.
type amountPart int

const (
	partFull amountPart = iota
	partNet             // amount - fee
	partFee
)

type leg struct {
	account   AccountType
	direction Direction
	part      amountPart
}

var rules = map[Operation][]leg{
	OpDepositSettled: {
		{AccountHouse, Debit, partFull},
		{AccountMain, Credit, partFull},
	},
	OpWithdrawalReserved: {
		{AccountMain, Debit, partFull},
		{AccountWithdrawHold, Credit, partFull},
	},
	OpWithdrawalSettled: {
		{AccountWithdrawHold, Debit, partFull},
		{AccountHouse, Credit, partNet},
		{AccountHouseFees, Credit, partFee},
	},
	OpWithdrawalReleased: {
		{AccountWithdrawHold, Debit, partFull},
		{AccountMain, Credit, partFull},
	},
	OpBetPlaced: {
		{AccountMain, Debit, partFull},
		{AccountHouseWager, Credit, partFull},
	},
	OpWinPaid: {
		{AccountHouseWager, Debit, partFull},
		{AccountMain, Credit, partFull},
	},
	OpBetRolledBack: {
		{AccountHouseWager, Debit, partFull},
		{AccountMain, Credit, partFull},
	},
	OpWinRolledBack: {
		{AccountMain, Debit, partFull},
		{AccountHouseWager, Credit, partFull},
	},
}

// Bindings maps the abstract account roles of a rule to concrete account ids
// resolved for one command.
type Bindings map[AccountType]int64

// RuleAccounts lists the account roles op posts against, in rule order.
func RuleAccounts(op Operation) []AccountType {
	legs := rules[op]
	out := make([]AccountType, 0, len(legs))
	for _, l := range legs {
		out = append(out, l.account)
	}
	return out
}

// BuildPostings evaluates the rule for op. Legs whose share is zero are
// omitted; the result is always checked for balance.
func BuildPostings(op Operation, b Bindings, amount, fee int64) ([]Posting, error) {
	legs, ok := rules[op]
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", op)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", amount)
	}
	if fee < 0 || fee > amount {
		return nil, fmt.Errorf("fee %d out of range for amount %d", fee, amount)
	}
	if fee > 0 && op != OpWithdrawalSettled {
		return nil, fmt.Errorf("operation %s does not take a fee", op)
	}

	postings := make([]Posting, 0, len(legs))
	for _, l := range legs {
		accountID, ok := b[l.account]
		if !ok {
			return nil, fmt.Errorf("no %s account bound for %s", l.account, op)
		}
		var value int64
		switch l.part {
		case partFull:
			value = amount
		case partNet:
			value = amount - fee
		case partFee:
			value = fee
		}
		if value == 0 {
			continue
		}
		postings = append(postings, Posting{AccountID: accountID, Direction: l.direction, AmountMinor: value})
	}

	if err := CheckBalanced(postings); err != nil {
		return nil, err
	}
	return postings, nil
}

// CheckBalanced enforces at least two legs, non-negative amounts and equal
// debit and credit totals.
func CheckBalanced(postings []Posting) error {
	if len(postings) < 2 {
		return fmt.Errorf("%w: %d posting(s)", ErrUnbalanced, len(postings))
	}
	var debits, credits int64
	for _, p := range postings {
		if p.AmountMinor < 0 {
			return fmt.Errorf("%w: negative amount on account %d", ErrUnbalanced, p.AccountID)
		}
		switch p.Direction {
		case Debit:
			debits += p.AmountMinor
		case Credit:
			credits += p.AmountMinor
		default:
			return fmt.Errorf("%w: unknown direction %q", ErrUnbalanced, p.Direction)
		}
	}
	if debits != credits {
		return fmt.Errorf("%w: debits %d != credits %d", ErrUnbalanced, debits, credits)
	}
	return nil
}
