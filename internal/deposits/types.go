package deposits

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusConfirmed, StatusRejected:
		return st, nil
	default:
		return "", fmt.Errorf("deposits: unknown status %q", s)
	}
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusConfirmed
}

// Deposit is the persisted escrow deposit. TxHash is the idempotency key.
type Deposit struct {
	ListingID     string          `json:"listingId"`
	TxHash        common.Hash     `json:"transactionHash"`
	AmountUSD     decimal.Decimal `json:"amountUSD"`
	PayerAddress  common.Address  `json:"payerAddress"`
	PayerEmail    string          `json:"payerEmail,omitempty"`
	Status        Status          `json:"status"`
	EscrowAddress common.Address  `json:"escrowAddress"`
	BlockNumber   uint64          `json:"blockNumber,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// SameClaim reports whether d and other describe the same payment. Status,
// timestamps and block number are ignored.
func (d Deposit) SameClaim(other Deposit) bool {
	return d.ListingID == other.ListingID &&
		d.TxHash == other.TxHash &&
		d.AmountUSD.Equal(other.AmountUSD) &&
		d.PayerAddress == other.PayerAddress &&
		d.EscrowAddress == other.EscrowAddress
}
