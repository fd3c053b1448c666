package escrow

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FakeChain serves receipts from memory. With AutoConfirm set, unknown
// hashes get a successful receipt with no logs, which is only useful for
// local development without a node.
type FakeChain struct {
	AutoConfirm bool

	mu       sync.RWMutex
	receipts map[common.Hash]*types.Receipt
	err      error
	calls    int
}

func NewFakeChain() *FakeChain {
	return &FakeChain{receipts: make(map[common.Hash]*types.Receipt)}
}

// Mine registers a receipt for txHash with the given status and logs.
func (f *FakeChain) Mine(txHash common.Hash, status uint64, block uint64, logs ...*types.Log) *types.Receipt {
	r := &types.Receipt{
		Status:      status,
		TxHash:      txHash,
		BlockNumber: new(big.Int).SetUint64(block),
		Logs:        logs,
	}
	f.mu.Lock()
	f.receipts[txHash] = r
	f.mu.Unlock()
	return r
}

// FailWith makes every lookup return err until cleared with nil.
func (f *FakeChain) FailWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Calls reports how many lookups were served.
func (f *FakeChain) Calls() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.calls
}

func (f *FakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	r, ok := f.receipts[txHash]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if ok {
		return r, nil
	}
	if f.AutoConfirm {
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash, BlockNumber: new(big.Int)}, nil
	}
	return nil, ethereum.NotFound
}

func (f *FakeChain) Ping(context.Context) error { return nil }
