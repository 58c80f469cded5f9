package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// KeyReserver is the slice of a unit of work the guard needs.
type KeyReserver interface {
	TransactionID() uuid.UUID
	ReserveIdempotencyKey(ctx context.Context, source, key string, txID uuid.UUID) (uuid.UUID, bool, error)
}

// Guard maps (source, key) pairs to the transaction they produced so that
// redelivered commands replay instead of re-applying their effects.
type Guard struct{}

// NewGuard returns an idempotency guard.
func NewGuard() Guard {
	return Guard{}
}

// CheckOrReserve must run first inside the unit that will perform the write.
// It claims the key for the unit's transaction id; if the key was already
// claimed it returns the original transaction id and replay=true. A concurrent
// duplicate blocks on the claim until the first unit commits or rolls back.
func (Guard) CheckOrReserve(ctx context.Context, r KeyReserver, source, key string) (uuid.UUID, bool, error) {
	source = strings.TrimSpace(source)
	key = strings.TrimSpace(key)
	if source == "" || key == "" {
		return uuid.Nil, false, fmt.Errorf("%w: source %q key %q", ErrInvalidIdempotencyKey, source, key)
	}

	existing, reserved, err := r.ReserveIdempotencyKey(ctx, source, key, r.TransactionID())
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("reserve idempotency key %s/%s: %w", source, key, err)
	}
	if reserved {
		return uuid.Nil, false, nil
	}
	return existing, true, nil
}
