package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// ChainClient looks up transaction receipts. A missing receipt is reported
// as ethereum.NotFound, matching ethclient.
type ChainClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// TokenCheck describes the ERC-20 the escrow is funded with.
type TokenCheck struct {
	Address  common.Address
	Decimals int32
}

// baseUnits converts a USD amount into token base units. Amounts finer than
// the token precision are rejected.
func (t TokenCheck) baseUnits(amount decimal.Decimal) (*big.Int, error) {
	scaled := amount.Shift(t.Decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: amount %s exceeds token precision", ErrInvalidInput, amount)
	}
	return scaled.BigInt(), nil
}

// transferredTo sums every Transfer(from → to) emitted by the token
// contract in receipt.
func (t TokenCheck) transferredTo(receipt *types.Receipt, from, to common.Address) *big.Int {
	total := new(big.Int)
	for _, l := range receipt.Logs {
		if l == nil || l.Address != t.Address || len(l.Topics) != 3 || l.Topics[0] != transferTopic {
			continue
		}
		if common.BytesToAddress(l.Topics[1].Bytes()) != from || common.BytesToAddress(l.Topics[2].Bytes()) != to {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(l.Data))
	}
	return total
}

// verifyTransfer checks that receipt moved exactly amount from payer to
// escrow.
func (t TokenCheck) verifyTransfer(receipt *types.Receipt, amount decimal.Decimal, payer, escrow common.Address) error {
	want, err := t.baseUnits(amount)
	if err != nil {
		return err
	}
	got := t.transferredTo(receipt, payer, escrow)
	if got.Cmp(want) != 0 {
		return fmt.Errorf("%w: transferred %s base units, claimed %s", ErrTransferMismatch, got, want)
	}
	return nil
}

// TransferLog builds the log an ERC-20 emits for a transfer. Used by the
// fake chain and tests.
func TransferLog(token, from, to common.Address, value *big.Int) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(value.Bytes(), 32),
	}
}
