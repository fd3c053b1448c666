package escrow

import (
	"errors"
)

// Deposit failures. Callers match with errors.Is; messages carry detail.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrSignatureInvalid    = errors.New("invalid signature")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransactionFailed   = errors.New("transaction failed")
	ErrTransferMismatch    = errors.New("token transfer does not match claim")
	ErrClaimMismatch       = errors.New("transaction already claimed with different details")
	ErrUpstreamUnavailable = errors.New("chain rpc unavailable")
	ErrPersistence         = errors.New("deposit store unavailable")
)

var kinds = []struct {
	err       error
	code      string
	retryable bool
}{
	{ErrInvalidInput, "invalid_input", false},
	{ErrSignatureInvalid, "signature_invalid", false},
	{ErrTransactionNotFound, "transaction_not_found", true},
	{ErrTransactionFailed, "transaction_failed", false},
	{ErrTransferMismatch, "transfer_mismatch", false},
	{ErrClaimMismatch, "claim_mismatch", false},
	{ErrUpstreamUnavailable, "upstream_unavailable", true},
	{ErrPersistence, "persistence_error", true},
}

// Code returns a stable machine-readable code for err, or "internal".
func Code(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "internal"
}

// IsRetryable reports whether repeating the same request may succeed.
// Unclassified errors are treated as retryable; terminal failures never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.retryable
		}
	}
	return true
}
