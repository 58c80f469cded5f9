package wallet

import (
	"time"

	"github.com/google/uuid"
)

// Idempotency sources. Each namespaces the caller keys of one event family.
const (
	SourceDepositSettled     = "payments.deposit.settled"
	SourceWithdrawalReserve  = "payments.withdrawal.reserve"
	SourceWithdrawalFinalize = "payments.withdrawal.finalize"
	SourceWithdrawalRelease  = "payments.withdrawal.release"
	SourceBet                = "game.bet"
	SourceWin                = "game.win"
	SourceRollback           = "game.rollback"
)

// Rollback reference types.
const (
	ReferenceBet = "BET"
	ReferenceWin = "WIN"
)

// DepositSettlement credits a confirmed on-chain deposit.
type DepositSettlement struct {
	PlayerID       int64  `json:"playerId"`
	Currency       string `json:"currency"`
	Network        string `json:"network"`
	AmountMinor    int64  `json:"amountMinor"`
	TxHash         string `json:"txHash"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	CorrelationID  string `json:"correlationId,omitempty"`
}

// WithdrawalReserve moves funds from MAIN into the withdrawal hold.
type WithdrawalReserve struct {
	PlayerID      int64  `json:"playerId"`
	Currency      string `json:"currency"`
	Network       string `json:"network"`
	AmountMinor   int64  `json:"amountMinor"`
	RequestID     string `json:"requestId"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// WithdrawalFinalize settles a reserved withdrawal after the payout was sent.
type WithdrawalFinalize struct {
	PlayerID      int64  `json:"playerId"`
	Currency      string `json:"currency"`
	Network       string `json:"network"`
	AmountMinor   int64  `json:"amountMinor"`
	FeeMinor      int64  `json:"feeMinor"`
	RequestID     string `json:"requestId"`
	TxHash        string `json:"txHash"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// WithdrawalRelease returns a reserved withdrawal to MAIN after the payout failed.
type WithdrawalRelease struct {
	PlayerID      int64  `json:"playerId"`
	Currency      string `json:"currency"`
	Network       string `json:"network"`
	AmountMinor   int64  `json:"amountMinor"`
	RequestID     string `json:"requestId"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Bet places a wager.
type Bet struct {
	PlayerID      int64  `json:"playerId"`
	Currency      string `json:"currency"`
	Network       string `json:"network"`
	AmountMinor   int64  `json:"amountMinor"`
	BetID         string `json:"betId"`
	Provider      string `json:"provider"`
	RoundID       string `json:"roundId"`
	GameCode      string `json:"gameCode"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Win pays out a settled round.
type Win struct {
	PlayerID      int64  `json:"playerId"`
	Currency      string `json:"currency"`
	Network       string `json:"network"`
	AmountMinor   int64  `json:"amountMinor"`
	WinID         string `json:"winId"`
	BetID         string `json:"betId"`
	RoundID       string `json:"roundId"`
	Provider      string `json:"provider"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Rollback reverses an earlier bet or win, identified by its reference type
// and id.
type Rollback struct {
	PlayerID      int64  `json:"playerId"`
	Currency      string `json:"currency"`
	Network       string `json:"network"`
	ReferenceType string `json:"referenceType"`
	ReferenceID   string `json:"referenceId"`
	RollbackID    string `json:"rollbackId"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Result is the outcome of a mutating command. Replayed is set when the
// idempotency key had already been applied and TransactionID is the original.
type Result struct {
	TransactionID uuid.UUID
	Replayed      bool
}

// BalanceView is one currency network row of a player's balance.
type BalanceView struct {
	Currency      string
	Network       string
	Decimals      int32
	BalanceMinor  int64
	ReservedMinor int64
	CashableMinor int64
	UpdatedAt     time.Time
}
