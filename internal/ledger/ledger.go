package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientFunds occurs when a debit would take a guarded account
	// below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnbalanced indicates a posting set whose debits and credits differ or
	// that has fewer than two legs. It is a programming fault and never reaches
	// storage.
	ErrUnbalanced = errors.New("unbalanced postings")

	// ErrConflict is a transient serialization failure; the whole unit of work
	// may be retried from scratch.
	ErrConflict = errors.New("transaction conflict")

	// ErrTransactionNotFound is returned when no ledger transaction matches a
	// lookup by external reference.
	ErrTransactionNotFound = errors.New("ledger transaction not found")

	// ErrAccountNotFound is returned when a posting references an account that
	// was not ensured inside the unit.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidIdempotencyKey rejects empty idempotency sources or keys.
	ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")
)

// Tx is one open serializable unit of work against ledger storage. Only the
// Writer and the handlers it runs may hold one.
type Tx interface {
	// ReserveIdempotencyKey records (source, key) -> txID unless the pair
	// exists, in which case the stored transaction id is returned with
	// reserved=false.
	ReserveIdempotencyKey(ctx context.Context, source, key string, txID uuid.UUID) (existing uuid.UUID, reserved bool, err error)

	// EnsureAccount finds or creates the account for key together with its
	// zero balance row.
	EnsureAccount(ctx context.Context, key AccountKey) (Account, error)

	// LockBalances returns the accounts and cached balances for ids, locking
	// the balance rows until the unit ends. Unknown ids are omitted.
	LockBalances(ctx context.Context, accountIDs []int64) ([]AccountState, error)

	// FindTransaction returns the earliest transaction of one of types whose
	// external reference equals ref, along with its postings.
	FindTransaction(ctx context.Context, ref string, types ...TxType) (Transaction, []Posting, error)

	InsertTransaction(ctx context.Context, tx Transaction) error
	InsertPostings(ctx context.Context, postings []Posting) error
	SaveBalances(ctx context.Context, balances []Balance) error
	AppendOutbox(ctx context.Context, events ...OutboxEvent) error
}

// Store opens units of work and serves the read side of the ledger.
type Store interface {
	// InTx runs fn inside one serializable transaction, committing when fn
	// returns nil. Serialization failures are reported as ErrConflict.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// PlayerBalances lists the cached balances of a player's MAIN accounts.
	PlayerBalances(ctx context.Context, playerID int64) ([]PlayerBalance, error)

	// Reconcile replays every account's postings and reports the accounts whose
	// cached balance differs from the replayed value.
	Reconcile(ctx context.Context) ([]Drift, error)
}

// OutboxSource is implemented by stores that hold an outbox table.
type OutboxSource interface {
	PendingOutbox(ctx context.Context, limit int) ([]OutboxEvent, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
}
