package escrow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"rentescrow/internal/deposits"
	"rentescrow/internal/dlq"
	"rentescrow/internal/events"
	"rentescrow/internal/signing"
)

const (
	DefaultReceiptTimeout = 5 * time.Second
	DefaultPublishTimeout = 2 * time.Second
)

// ContactLinker records the email → wallet association of a payer.
type ContactLinker interface {
	Upsert(ctx context.Context, email string, wallet common.Address) error
}

type RecorderConfig struct {
	EscrowAddress    common.Address
	RequireSignature bool
	ReceiptTimeout   time.Duration
	// PublishTimeout bounds each best-effort event publish.
	PublishTimeout time.Duration
	// Token enables the ERC-20 transfer check when non-nil.
	Token *TokenCheck
}

// Recorder verifies deposit claims against the chain and persists them
// exactly once per transaction hash.
type Recorder struct {
	cfg      RecorderConfig
	chain    ChainClient
	store    deposits.Store
	contacts ContactLinker
	events   events.Publisher
	dlq      dlq.Writer
	logger   *zap.Logger
	now      func() time.Time
}

// RecorderOption customises optional collaborators.
type RecorderOption func(*Recorder)

func WithContacts(c ContactLinker) RecorderOption {
	return func(r *Recorder) { r.contacts = c }
}

func WithEvents(p events.Publisher) RecorderOption {
	return func(r *Recorder) { r.events = p }
}

func WithDeadLetter(w dlq.Writer) RecorderOption {
	return func(r *Recorder) { r.dlq = w }
}

func WithLogger(l *zap.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

func NewRecorder(cfg RecorderConfig, chain ChainClient, store deposits.Store, opts ...RecorderOption) (*Recorder, error) {
	if chain == nil {
		return nil, fmt.Errorf("escrow: chain client is required")
	}
	if store == nil {
		return nil, fmt.Errorf("escrow: deposit store is required")
	}
	if cfg.EscrowAddress == (common.Address{}) {
		return nil, fmt.Errorf("escrow: escrow address is required")
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}

	r := &Recorder{
		cfg:    cfg,
		chain:  chain,
		store:  store,
		events: events.Nop{},
		dlq:    dlq.Discard{},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RecordDeposit verifies c and persists it. Replays of an already confirmed
// claim return the stored deposit without another chain lookup. When the
// transaction failed on-chain the rejected deposit is returned alongside
// ErrTransactionFailed or ErrTransferMismatch.
func (r *Recorder) RecordDeposit(ctx context.Context, c Claim) (deposits.Deposit, error) {
	if err := c.Validate(); err != nil {
		return deposits.Deposit{}, err
	}
	if err := r.verifySignature(c); err != nil {
		return deposits.Deposit{}, err
	}

	claimed := deposits.Deposit{
		ListingID:     c.ListingID,
		TxHash:        c.TxHash,
		AmountUSD:     c.AmountUSD,
		PayerAddress:  c.PayerAddress,
		PayerEmail:    c.PayerEmail,
		EscrowAddress: r.cfg.EscrowAddress,
	}
	log := r.logger.With(zap.String("tx_hash", c.TxHash.Hex()), zap.String("listing_id", c.ListingID))

	existing, err := r.store.Get(ctx, c.TxHash)
	switch {
	case err == nil:
		if !existing.SameClaim(claimed) {
			return deposits.Deposit{}, fmt.Errorf("%w: %s", ErrClaimMismatch, c.TxHash.Hex())
		}
		if existing.Status == deposits.StatusConfirmed {
			return existing, nil
		}
	case errors.Is(err, deposits.ErrNotFound):
	default:
		return deposits.Deposit{}, fmt.Errorf("%w: lookup: %v", ErrPersistence, err)
	}

	receipt, err := r.lookupReceipt(ctx, c.TxHash)
	if err != nil {
		log.Info("receipt unavailable", zap.Error(err))
		return deposits.Deposit{}, err
	}
	claimed.BlockNumber = blockNumber(receipt)

	if receipt.Status != types.ReceiptStatusSuccessful {
		return r.reject(ctx, log, claimed, fmt.Errorf("%w: %s reverted", ErrTransactionFailed, c.TxHash.Hex()))
	}
	if r.cfg.Token != nil {
		if err := r.cfg.Token.verifyTransfer(receipt, c.AmountUSD, c.PayerAddress, r.cfg.EscrowAddress); err != nil {
			if errors.Is(err, ErrInvalidInput) {
				return deposits.Deposit{}, err
			}
			return r.reject(ctx, log, claimed, err)
		}
	}

	return r.confirm(ctx, log, c, claimed)
}

func (r *Recorder) confirm(ctx context.Context, log *zap.Logger, c Claim, claimed deposits.Deposit) (deposits.Deposit, error) {
	claimed.Status = deposits.StatusConfirmed
	stored, created, err := r.store.Insert(ctx, claimed)
	if err != nil {
		r.deadLetter(ctx, log, c, err)
		return deposits.Deposit{}, fmt.Errorf("%w: insert: %v", ErrPersistence, err)
	}

	if created {
		log.Info("deposit confirmed", zap.Uint64("block", stored.BlockNumber))
		r.linkContact(ctx, log, stored)
		r.publish(ctx, log, stored)
		return stored, nil
	}

	// Lost a race or upgrading an earlier pending/rejected row.
	if !stored.SameClaim(claimed) {
		return deposits.Deposit{}, fmt.Errorf("%w: %s", ErrClaimMismatch, c.TxHash.Hex())
	}
	if stored.Status == deposits.StatusConfirmed {
		return stored, nil
	}
	upgraded, err := r.store.Transition(ctx, c.TxHash, deposits.StatusConfirmed, claimed.BlockNumber)
	if err != nil {
		r.deadLetter(ctx, log, c, err)
		return deposits.Deposit{}, fmt.Errorf("%w: transition: %v", ErrPersistence, err)
	}
	log.Info("deposit confirmed", zap.String("previous_status", string(stored.Status)))
	r.publish(ctx, log, upgraded)
	return upgraded, nil
}

// reject records a failed attempt for auditing and returns cause. A failure
// to write the audit row is logged and no deposit is returned, since none
// was stored.
func (r *Recorder) reject(ctx context.Context, log *zap.Logger, claimed deposits.Deposit, cause error) (deposits.Deposit, error) {
	claimed.Status = deposits.StatusRejected
	log = log.With(zap.NamedError("cause", cause))

	stored, created, err := r.store.Insert(ctx, claimed)
	if err != nil {
		log.Error("record rejected deposit", zap.Error(err))
		return deposits.Deposit{}, cause
	}
	if !created {
		switch stored.Status {
		case deposits.StatusRejected, deposits.StatusConfirmed:
			return stored, cause
		}
		stored, err = r.store.Transition(ctx, claimed.TxHash, deposits.StatusRejected, claimed.BlockNumber)
		if err != nil {
			log.Error("record rejected deposit", zap.Error(err))
			return deposits.Deposit{}, cause
		}
	}

	log.Warn("deposit rejected")
	r.publish(ctx, log, stored)
	return stored, cause
}

func (r *Recorder) verifySignature(c Claim) error {
	if len(c.Signature) == 0 {
		if r.cfg.RequireSignature {
			return fmt.Errorf("%w: signature is required", ErrInvalidInput)
		}
		return nil
	}
	msg := signing.DepositMessage(c.AmountUSD, c.ListingID, c.PayerAddress)
	if err := signing.Verify(msg, c.Signature, c.PayerAddress); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

func (r *Recorder) lookupReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ReceiptTimeout)
	defer cancel()

	receipt, err := r.chain.TransactionReceipt(ctx, txHash)
	switch {
	case err == nil && receipt != nil:
		return receipt, nil
	case err == nil, errors.Is(err, ethereum.NotFound):
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, txHash.Hex())
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: %s not mined within %s", ErrTransactionNotFound, txHash.Hex(), r.cfg.ReceiptTimeout)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
}

func (r *Recorder) linkContact(ctx context.Context, log *zap.Logger, d deposits.Deposit) {
	if r.contacts == nil || d.PayerEmail == "" {
		return
	}
	if err := r.contacts.Upsert(ctx, d.PayerEmail, d.PayerAddress); err != nil {
		log.Warn("link payer contact", zap.Error(err))
	}
}

func (r *Recorder) publish(ctx context.Context, log *zap.Logger, d deposits.Deposit) {
	ev := events.DepositEvent{
		Type:          events.TypeDepositRecorded,
		TxHash:        d.TxHash.Hex(),
		ListingID:     d.ListingID,
		AmountUSD:     d.AmountUSD.String(),
		PayerAddress:  d.PayerAddress.Hex(),
		PayerEmail:    d.PayerEmail,
		EscrowAddress: d.EscrowAddress.Hex(),
		Status:        string(d.Status),
		OccurredAt:    r.now().UTC(),
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	if err := r.events.Publish(ctx, ev); err != nil {
		log.Warn("publish deposit event", zap.Error(err))
	}
}

func (r *Recorder) deadLetter(ctx context.Context, log *zap.Logger, c Claim, cause error) {
	entry := dlq.Entry{
		Timestamp:    r.now().UTC(),
		TxHash:       c.TxHash.Hex(),
		ListingID:    c.ListingID,
		AmountUSD:    c.AmountUSD.String(),
		PayerAddress: c.PayerAddress.Hex(),
		PayerEmail:   c.PayerEmail,
		Error:        cause.Error(),
	}
	if len(c.Signature) > 0 {
		entry.Signature = "0x" + hex.EncodeToString(c.Signature)
	}
	if err := r.dlq.Write(ctx, entry); err != nil {
		log.Error("dead-letter deposit", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	log.Error("deposit dead-lettered", zap.Error(cause))
}

func blockNumber(r *types.Receipt) uint64 {
	if r.BlockNumber == nil || !r.BlockNumber.IsUint64() {
		return 0
	}
	return r.BlockNumber.Uint64()
}
