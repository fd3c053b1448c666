package escrow

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"rentescrow/internal/signing"
)

const (
	maxListingIDLen = 256
	// Matches USDC precision and the NUMERIC(20,6) column.
	maxAmountDecimals = 6
)

// Claim is a tenant's assertion that TxHash paid AmountUSD into escrow for
// ListingID from PayerAddress.
type Claim struct {
	ListingID    string
	TxHash       common.Hash
	AmountUSD    decimal.Decimal
	PayerAddress common.Address
	PayerEmail   string
	Signature    []byte
}

// RawClaim is a claim as it arrives over the wire.
type RawClaim struct {
	ListingID     string          `json:"listingId"`
	TxHash        string          `json:"txHash"`
	AmountUSD     decimal.Decimal `json:"amountUSD"`
	Email         string          `json:"email,omitempty"`
	WalletAddress string          `json:"walletAddress"`
	Signature     string          `json:"signature,omitempty"`
}

// ParseClaim converts and validates a RawClaim. Every failure wraps
// ErrInvalidInput.
func ParseClaim(raw RawClaim) (Claim, error) {
	txHash, err := ParseTxHash(raw.TxHash)
	if err != nil {
		return Claim{}, err
	}

	wallet := strings.TrimSpace(raw.WalletAddress)
	if wallet == "" {
		return Claim{}, fmt.Errorf("%w: walletAddress is required", ErrInvalidInput)
	}
	if !common.IsHexAddress(wallet) {
		return Claim{}, fmt.Errorf("%w: walletAddress is not a valid address", ErrInvalidInput)
	}

	var sig []byte
	if s := strings.TrimSpace(raw.Signature); s != "" {
		sig, err = signing.DecodeSignature(s)
		if err != nil {
			return Claim{}, fmt.Errorf("%w: signature is malformed", ErrInvalidInput)
		}
	}

	c := Claim{
		ListingID:    strings.TrimSpace(raw.ListingID),
		TxHash:       txHash,
		AmountUSD:    raw.AmountUSD,
		PayerAddress: common.HexToAddress(wallet),
		PayerEmail:   strings.TrimSpace(raw.Email),
		Signature:    sig,
	}
	if err := c.Validate(); err != nil {
		return Claim{}, err
	}
	return c, nil
}

// ParseTxHash accepts a 0x-prefixed 32 byte hex hash.
func ParseTxHash(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Hash{}, fmt.Errorf("%w: txHash is required", ErrInvalidInput)
	}
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: txHash must be 32 bytes of 0x-prefixed hex", ErrInvalidInput)
	}
	return common.BytesToHash(b), nil
}

func (c Claim) Validate() error {
	switch {
	case c.ListingID == "":
		return fmt.Errorf("%w: listingId is required", ErrInvalidInput)
	case len(c.ListingID) > maxListingIDLen:
		return fmt.Errorf("%w: listingId is too long", ErrInvalidInput)
	case c.TxHash == (common.Hash{}):
		return fmt.Errorf("%w: txHash is required", ErrInvalidInput)
	case !c.AmountUSD.IsPositive():
		return fmt.Errorf("%w: amountUSD must be greater than zero", ErrInvalidInput)
	case !c.AmountUSD.Equal(c.AmountUSD.Truncate(maxAmountDecimals)):
		return fmt.Errorf("%w: amountUSD has more than %d decimal places", ErrInvalidInput, maxAmountDecimals)
	case c.PayerAddress == (common.Address{}):
		return fmt.Errorf("%w: walletAddress is required", ErrInvalidInput)
	}
	return nil
}
