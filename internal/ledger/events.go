package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// EventBalanceChanged is appended by every balance-mutating transaction.
	EventBalanceChanged = "wallet.balance.changed"
	// EventWithdrawalReserved tells the payments service a payout may proceed.
	EventWithdrawalReserved = "wallet.withdrawal.reserved"
)

// BalanceChange is one currency network's balance after a transaction.
type BalanceChange struct {
	Currency      string `json:"currency"`
	Network       string `json:"network"`
	BalanceMinor  int64  `json:"balanceMinor"`
	CashableMinor int64  `json:"cashableMinor"`
	ReservedMinor int64  `json:"reservedMinor"`
}

// BalanceChangedEvent is the payload routed under wallet.balance.changed.
type BalanceChangedEvent struct {
	EventID       uuid.UUID       `json:"eventId"`
	OccurredAt    time.Time       `json:"occurredAt"`
	PlayerID      int64           `json:"playerId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Changes       []BalanceChange `json:"changes"`
}

// WithdrawalReservedEvent is the payload routed under wallet.withdrawal.reserved.
type WithdrawalReservedEvent struct {
	EventID       uuid.UUID `json:"eventId"`
	OccurredAt    time.Time `json:"occurredAt"`
	PlayerID      int64     `json:"playerId"`
	CorrelationID string    `json:"correlationId,omitempty"`
	RequestID     string    `json:"requestId"`
	TxID          uuid.UUID `json:"txId"`
	Currency      string    `json:"currency"`
	Network       string    `json:"network"`
	AmountMinor   int64     `json:"amountMinor"`
}

// NewOutboxEvent encodes payload as an outbox row routed under eventType.
func NewOutboxEvent(eventType string, id uuid.UUID, at time.Time, payload any) (OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return OutboxEvent{
		ID:         id,
		EventType:  eventType,
		RoutingKey: eventType,
		Payload:    body,
		CreatedAt:  at,
	}, nil
}
