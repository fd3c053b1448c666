package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"rentescrow/internal/contacts"
	"rentescrow/internal/deposits"
	"rentescrow/internal/escrow"
	"rentescrow/internal/signing"
)

const (
	maxBodyBytes = 64 << 10
	retryAfter   = "5"
)

type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
	Data      any    `json:"data,omitempty"`
}

// depositView renders amounts as JSON numbers.
type depositView struct {
	ListingID       string      `json:"listingId"`
	TransactionHash string      `json:"transactionHash"`
	AmountUSD       json.Number `json:"amountUSD"`
	PayerAddress    string      `json:"payerAddress"`
	PayerEmail      string      `json:"payerEmail,omitempty"`
	Status          string      `json:"status"`
	EscrowAddress   string      `json:"escrowAddress"`
	BlockNumber     uint64      `json:"blockNumber,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

func newDepositView(d deposits.Deposit) depositView {
	return depositView{
		ListingID:       d.ListingID,
		TransactionHash: d.TxHash.Hex(),
		AmountUSD:       json.Number(d.AmountUSD.String()),
		PayerAddress:    d.PayerAddress.Hex(),
		PayerEmail:      d.PayerEmail,
		Status:          string(d.Status),
		EscrowAddress:   d.EscrowAddress.Hex(),
		BlockNumber:     d.BlockNumber,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func (s *Server) handleRecordDeposit(w http.ResponseWriter, r *http.Request) {
	var raw escrow.RawClaim
	if err := decodeJSON(w, r, &raw); err != nil {
		s.metrics.incDeposit(escrow.Code(escrow.ErrInvalidInput))
		s.writeDepositError(w, r, fmt.Errorf("%w: invalid json payload", escrow.ErrInvalidInput), deposits.Deposit{})
		return
	}

	claim, err := escrow.ParseClaim(raw)
	if err != nil {
		s.metrics.incDeposit(escrow.Code(err))
		s.writeDepositError(w, r, err, deposits.Deposit{})
		return
	}

	d, err := s.deps.Recorder.RecordDeposit(r.Context(), claim)
	if err != nil {
		s.metrics.incDeposit(escrow.Code(err))
		if errors.Is(err, escrow.ErrPersistence) {
			s.updateDLQDepth(r.Context())
		}
		s.writeDepositError(w, r, err, d)
		return
	}

	s.metrics.incDeposit(string(d.Status))
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: newDepositView(d)})
}

func (s *Server) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	hash, err := escrow.ParseTxHash(chi.URLParam(r, "txHash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: escrow.Code(err)})
		return
	}

	d, err := s.deps.Deposits.Get(r.Context(), hash)
	switch {
	case errors.Is(err, deposits.ErrNotFound):
		writeError(w, http.StatusNotFound, errorBody{Error: "Deposit not found", Code: "not_found"})
		return
	case err != nil:
		s.logger.Error("get deposit", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorBody{Error: "failed to load deposit", Code: "persistence_error", Retryable: true})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: newDepositView(d)})
}

// writeDepositError maps recorder errors onto HTTP statuses. Retryable
// failures carry Retry-After. A rejected deposit, when present, is echoed
// back under data.
func (s *Server) writeDepositError(w http.ResponseWriter, r *http.Request, err error, d deposits.Deposit) {
	body := errorBody{
		Error:     err.Error(),
		Code:      escrow.Code(err),
		Retryable: escrow.IsRetryable(err),
	}
	if d.TxHash != (common.Hash{}) {
		body.Data = newDepositView(d)
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, escrow.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, escrow.ErrSignatureInvalid):
		status = http.StatusUnauthorized
		body.Error = "Invalid signature"
	case errors.Is(err, escrow.ErrTransactionNotFound):
		status = http.StatusNotFound
		body.Error = "Transaction not found"
	case errors.Is(err, escrow.ErrTransactionFailed):
		status = http.StatusUnprocessableEntity
		body.Error = "Transaction failed"
	case errors.Is(err, escrow.ErrTransferMismatch):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, escrow.ErrClaimMismatch):
		status = http.StatusConflict
	case errors.Is(err, escrow.ErrUpstreamUnavailable):
		status = http.StatusServiceUnavailable
		body.Error = "Chain RPC unavailable"
	default:
		body.Error = "Failed to record deposit"
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("record deposit",
			zap.String("request_id", requestID(r.Context())),
			zap.String("code", body.Code),
			zap.Error(err))
	}
	if body.Retryable {
		w.Header().Set("Retry-After", retryAfter)
	}
	writeError(w, status, body)
}

type linkWalletRequest struct {
	Email         string `json:"email"`
	WalletAddress string `json:"walletAddress"`
	Signature     string `json:"signature"`
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		writeError(w, http.StatusBadRequest, errorBody{Error: "Email is required", Code: "invalid_input"})
		return
	}

	link, err := s.deps.Wallets.Lookup(r.Context(), email)
	switch {
	case errors.Is(err, contacts.ErrInvalidEmail):
		writeError(w, http.StatusBadRequest, errorBody{Error: "Email is invalid", Code: "invalid_input"})
		return
	case errors.Is(err, contacts.ErrNotFound):
		writeError(w, http.StatusNotFound, errorBody{Error: "User not found", Code: "not_found"})
		return
	case err != nil:
		s.logger.Error("lookup wallet", zap.String("request_id", requestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorBody{Error: "Failed to fetch wallet address", Code: "internal", Retryable: true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"walletAddress": link.WalletAddress.Hex()})
}

func (s *Server) handleLinkWallet(w http.ResponseWriter, r *http.Request) {
	var req linkWalletRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.metrics.incWalletLink("invalid_input")
		writeError(w, http.StatusBadRequest, errorBody{Error: "invalid json payload", Code: "invalid_input"})
		return
	}

	bad := func(msg string) {
		s.metrics.incWalletLink("invalid_input")
		writeError(w, http.StatusBadRequest, errorBody{Error: msg, Code: "invalid_input"})
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.WalletAddress) == "" {
		bad("Email and wallet address are required")
		return
	}
	if strings.TrimSpace(req.Signature) == "" {
		bad("Signature is required")
		return
	}
	if !common.IsHexAddress(strings.TrimSpace(req.WalletAddress)) {
		bad("walletAddress is not a valid address")
		return
	}
	sig, err := signing.DecodeSignature(req.Signature)
	if err != nil {
		bad("signature is malformed")
		return
	}

	wallet := common.HexToAddress(strings.TrimSpace(req.WalletAddress))
	_, err = s.deps.Wallets.Link(r.Context(), req.Email, wallet, sig)
	switch {
	case errors.Is(err, contacts.ErrInvalidEmail):
		bad("Email is invalid")
		return
	case errors.Is(err, signing.ErrInvalidSignature):
		s.metrics.incWalletLink("signature_invalid")
		writeError(w, http.StatusUnauthorized, errorBody{Error: "Invalid signature", Code: "signature_invalid"})
		return
	case err != nil:
		s.metrics.incWalletLink("internal")
		s.logger.Error("link wallet", zap.String("request_id", requestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorBody{Error: "Failed to link wallet", Code: "internal", Retryable: true})
		return
	}

	s.metrics.incWalletLink("linked")
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, body)
}
