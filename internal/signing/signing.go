package signing

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

var ErrInvalidSignature = errors.New("signing: invalid signature")

// Message templates are part of the wire contract with wallets that already
// signed them. Adding a field means adding a V2 template, never editing V1.
//
// DepositMessageV1 renders the amount exactly: at least two fractional
// digits, more when the amount carries them ("375.00", "374.995"). Amounts
// are never rounded.
const (
	DepositMessageV1    = "Deposit %s USDC for listing %s from %s"
	WalletLinkMessageV1 = "Link wallet %s to %s"
)

// DepositMessage renders DepositMessageV1 with an EIP-55 checksummed address.
func DepositMessage(amount decimal.Decimal, listingID string, payer common.Address) string {
	return fmt.Sprintf(DepositMessageV1, FormatAmount(amount), listingID, payer.Hex())
}

// FormatAmount pads amount to two fractional digits and keeps any further
// significant digits.
func FormatAmount(amount decimal.Decimal) string {
	if amount.Equal(amount.Truncate(2)) {
		return amount.StringFixed(2)
	}
	return amount.String()
}

// WalletLinkMessage renders WalletLinkMessageV1 for an already normalised email.
func WalletLinkMessage(wallet common.Address, email string) string {
	return fmt.Sprintf(WalletLinkMessageV1, wallet.Hex(), email)
}

// DecodeSignature parses a 0x-prefixed 65 byte signature.
func DecodeSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(b) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(b))
	}
	return b, nil
}

// RecoverAddress returns the account that produced sig over message using
// personal_sign (EIP-191) hashing.
//
// sig must be 65 bytes with v in {0,1,27,28}.
func RecoverAddress(message string, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}

	s := make([]byte, crypto.SignatureLength)
	copy(s, sig)
	switch s[crypto.RecoveryIDOffset] {
	case 0, 1:
	case 27, 28:
		s[crypto.RecoveryIDOffset] -= 27
	default:
		return common.Address{}, fmt.Errorf("%w: bad v %d", ErrInvalidSignature, s[crypto.RecoveryIDOffset])
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sig over message was produced by want. Addresses are
// compared by value, so checksum casing never matters.
func Verify(message string, sig []byte, want common.Address) error {
	got, err := RecoverAddress(message, sig)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrInvalidSignature, got.Hex(), want.Hex())
	}
	return nil
}

// Sign produces a personal_sign signature with v in {27,28}, the form
// browser wallets return.
func Sign(message string, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
