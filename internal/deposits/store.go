package deposits

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound          = errors.New("deposits: not found")
	ErrInvalidTransition = errors.New("deposits: invalid transition")
)

// Store persists deposits with a uniqueness guarantee on TxHash.
type Store interface {
	// Insert writes d unless a deposit with the same TxHash exists. On a
	// conflict it returns the stored deposit and created=false; a
	// uniqueness violation is never reported as an error.
	Insert(ctx context.Context, d Deposit) (stored Deposit, created bool, err error)
	Get(ctx context.Context, txHash common.Hash) (Deposit, error)
	// Transition moves a deposit to status. Leaving StatusConfirmed returns
	// ErrInvalidTransition; moving to the current status is a no-op.
	Transition(ctx context.Context, txHash common.Hash, status Status, blockNumber uint64) (Deposit, error)
}

// canTransition mirrors the SQL guard used by the postgres store.
func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return !from.Terminal()
}
