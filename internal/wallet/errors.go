package wallet

import (
	"errors"
	"fmt"

	"github.com/juanarayafonsec/magenta-sub000/internal/currency"
	"github.com/juanarayafonsec/magenta-sub000/internal/ledger"
)

var (
	// ErrValidation rejects malformed commands before any transaction opens.
	ErrValidation = errors.New("validation failed")

	ErrOriginalNotFound    = errors.New("original transaction not found")
	ErrAlreadyRolledBack   = errors.New("transaction already rolled back")
	ErrReservationNotFound = errors.New("withdrawal reservation not found")
	ErrWithdrawalClosed    = errors.New("withdrawal already finalized or released")
	ErrAmountMismatch      = errors.New("amount does not match reservation")

	// ErrDuplicateDeposit rejects a deposit whose tx hash was already
	// credited under a different idempotency key.
	ErrDuplicateDeposit = errors.New("deposit already credited")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

var permanent = []error{
	ErrValidation,
	ErrOriginalNotFound,
	ErrAlreadyRolledBack,
	ErrReservationNotFound,
	ErrWithdrawalClosed,
	ErrAmountMismatch,
	ErrDuplicateDeposit,
	currency.ErrUnknownNetwork,
	ledger.ErrInsufficientFunds,
	ledger.ErrInvalidIdempotencyKey,
	ledger.ErrUnbalanced,
}

// IsRetryable reports whether the same command may succeed when retried
// unchanged. Contention and infrastructure failures are retryable; business
// rejections are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ledger.ErrConflict) {
		return true
	}
	for _, target := range permanent {
		if errors.Is(err, target) {
			return false
		}
	}
	return true
}
