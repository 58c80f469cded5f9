package ledger

import (
	"time"

	"github.com/google/uuid"
)

// SystemPlayerID owns the house accounts.
const SystemPlayerID int64 = 0

// AccountType classifies an account within a (player, currency network) pair.
type AccountType string

const (
	AccountMain         AccountType = "MAIN"
	AccountWithdrawHold AccountType = "WITHDRAW_HOLD"
	AccountBonus        AccountType = "BONUS"
	AccountHouse        AccountType = "HOUSE"
	AccountHouseWager   AccountType = "HOUSE_WAGER"
	AccountHouseFees    AccountType = "HOUSE_FEES"
)

// IsHouse reports whether accounts of this type belong to the system player.
func (t AccountType) IsHouse() bool {
	switch t {
	case AccountHouse, AccountHouseWager, AccountHouseFees:
		return true
	}
	return false
}

// AccountStatusActive is the only status the ledger assigns.
const AccountStatusActive = "ACTIVE"

// TxType names the business event a ledger transaction records.
type TxType string

const (
	TxDeposit          TxType = "DEPOSIT"
	TxWithdrawReserve  TxType = "WITHDRAW_RESERVE"
	TxWithdrawFinalize TxType = "WITHDRAW_FINALIZE"
	TxWithdrawRelease  TxType = "WITHDRAW_RELEASE"
	TxBet              TxType = "BET"
	TxWin              TxType = "WIN"
	TxRollback         TxType = "ROLLBACK"
)

// Direction is the side of a posting. Amounts are never signed.
type Direction string

const (
	Debit  Direction = "DEBIT"
	Credit Direction = "CREDIT"
)

// CurrencyNetwork is read-only reference data, e.g. USDT on TRON.
type CurrencyNetwork struct {
	ID       int64
	Currency string
	Network  string
	Decimals int32
}

// AccountKey identifies an account; at most one account exists per key.
type AccountKey struct {
	PlayerID          int64
	CurrencyNetworkID int64
	Type              AccountType
}

// Account is created lazily on first reference and never deleted.
type Account struct {
	ID                int64
	PlayerID          int64
	CurrencyNetworkID int64
	Type              AccountType
	Status            string
}

// Key returns the uniqueness key of the account.
func (a Account) Key() AccountKey {
	return AccountKey{PlayerID: a.PlayerID, CurrencyNetworkID: a.CurrencyNetworkID, Type: a.Type}
}

// Transaction is the immutable header grouping a set of postings.
type Transaction struct {
	ID          uuid.UUID
	Type        TxType
	ExternalRef string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// Posting is one debit or credit against one account.
type Posting struct {
	TransactionID uuid.UUID
	AccountID     int64
	Direction     Direction
	AmountMinor   int64
	CreatedAt     time.Time
}

// Balance is the cached, derived view of an account. It must always be
// reconstructible from the account's postings.
type Balance struct {
	AccountID     int64
	BalanceMinor  int64
	ReservedMinor int64
	CashableMinor int64
	UpdatedAt     time.Time
}

// AccountState pairs an account with its cached balance as read under lock.
type AccountState struct {
	Account Account
	Balance Balance
}

// PlayerBalance is a row of the GetBalance read model.
type PlayerBalance struct {
	CurrencyNetworkID int64
	BalanceMinor      int64
	ReservedMinor     int64
	CashableMinor     int64
	UpdatedAt         time.Time
}

// Drift reports an account whose cached balance disagrees with its postings.
type Drift struct {
	AccountID     int64
	CachedMinor   int64
	ReplayedMinor int64
}

// OutboxEvent is appended in the same transaction as the effect it announces.
type OutboxEvent struct {
	// Seq is assigned by storage on append and orders delivery.
	Seq         int64
	ID          uuid.UUID
	EventType   string
	RoutingKey  string
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
}
