package oracle

import (
	"context"
	"errors"

	"poolwatch/internal/domain"
)

var (
	// ErrAccountNotFound indicates the pool or mint account does not exist on chain.
	ErrAccountNotFound = errors.New("oracle: account not found")
	// ErrInvalidAddress indicates the identifier is not a 32 byte base58 key.
	ErrInvalidAddress = errors.New("oracle: invalid address")
	// ErrMalformedAccount indicates the account data does not match the expected layout.
	ErrMalformedAccount = errors.New("oracle: malformed account data")
)

// Oracle returns current pool state for a pool identifier. Failures are
// returned whole, never as a partial PoolState.
type Oracle interface {
	PoolState(ctx context.Context, poolID string) (domain.PoolState, error)
}
