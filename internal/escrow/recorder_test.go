package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentescrow/internal/deposits"
	"rentescrow/internal/dlq"
	"rentescrow/internal/events"
	"rentescrow/internal/signing"
)

var (
	escrowAddr = common.HexToAddress("0x00000000000000000000000000000000000E5C40")
	usdcAddr   = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DepositEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.DepositEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type recordingDLQ struct {
	mu      sync.Mutex
	entries []dlq.Entry
}

func (d *recordingDLQ) Write(_ context.Context, e dlq.Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, e)
	return nil
}

type recordingContacts struct {
	mu    sync.Mutex
	links map[string]common.Address
	err   error
}

func (c *recordingContacts) Upsert(_ context.Context, email string, wallet common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.links == nil {
		c.links = make(map[string]common.Address)
	}
	c.links[email] = wallet
	return nil
}

// failingStore fails writes but serves reads from the wrapped store.
type failingStore struct {
	*deposits.MemoryStore
	insertErr error
}

func (s *failingStore) Insert(ctx context.Context, d deposits.Deposit) (deposits.Deposit, bool, error) {
	if s.insertErr != nil {
		return deposits.Deposit{}, false, s.insertErr
	}
	return s.MemoryStore.Insert(ctx, d)
}

// stallingChain blocks until the lookup context is done.
type stallingChain struct{}

func (stallingChain) TransactionReceipt(ctx context.Context, _ common.Hash) (*types.Receipt, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// stallingPublisher blocks until the publish context is done.
type stallingPublisher struct {
	mu   sync.Mutex
	errs []error
}

func (p *stallingPublisher) Publish(ctx context.Context, _ events.DepositEvent) error {
	<-ctx.Done()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, ctx.Err())
	return ctx.Err()
}

func (p *stallingPublisher) Close() error { return nil }

type fixture struct {
	chain    *FakeChain
	store    *deposits.MemoryStore
	events   *recordingPublisher
	dlq      *recordingDLQ
	contacts *recordingContacts
	rec      *Recorder
	key      *ecdsa.PrivateKey
	payer    common.Address
}

func newFixture(t *testing.T, cfg RecorderConfig) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	f := &fixture{
		chain:    NewFakeChain(),
		store:    deposits.NewMemoryStore(),
		events:   &recordingPublisher{},
		dlq:      &recordingDLQ{},
		contacts: &recordingContacts{},
		key:      key,
		payer:    crypto.PubkeyToAddress(key.PublicKey),
	}
	if cfg.EscrowAddress == (common.Address{}) {
		cfg.EscrowAddress = escrowAddr
	}
	f.rec, err = NewRecorder(cfg, f.chain, f.store,
		WithEvents(f.events),
		WithDeadLetter(f.dlq),
		WithContacts(f.contacts),
	)
	require.NoError(t, err)
	return f
}

func (f *fixture) claim(t *testing.T, hash string, amount string) Claim {
	t.Helper()
	c := Claim{
		ListingID:    "L1",
		TxHash:       common.HexToHash(hash),
		AmountUSD:    decimal.RequireFromString(amount),
		PayerAddress: f.payer,
		PayerEmail:   "tenant@example.com",
	}
	sig, err := signing.Sign(signing.DepositMessage(c.AmountUSD, c.ListingID, c.PayerAddress), f.key)
	require.NoError(t, err)
	c.Signature = sig
	return c
}

func TestRecordDeposit_ConfirmsOnce(t *testing.T) {
	f := newFixture(t, RecorderConfig{})
	c := f.claim(t, "0xabc", "375")
	f.chain.Mine(c.TxHash, types.ReceiptStatusSuccessful, 42)
	ctx := context.Background()

	first, err := f.rec.RecordDeposit(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, deposits.StatusConfirmed, first.Status)
	assert.Equal(t, uint64(42), first.BlockNumber)
	assert.Equal(t, escrowAddr, first.EscrowAddress)
	assert.Equal(t, 1, f.chain.Calls())

	again, err := f.rec.RecordDeposit(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, f.chain.Calls(), "replay of a confirmed deposit skips the chain")
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, 1, f.events.count())
	assert.Equal(t, f.payer, f.contacts.links["tenant@example.com"])
}

func TestRecordDeposit_ConcurrentReplaysSingleRow(t *testing.T) {
	f := newFixture(t, RecorderConfig{})
	c := f.claim(t, "0xabc", "375")
	f.chain.Mine(c.TxHash, types.ReceiptStatusSuccessful, 7)

	const n = 16
	var wg sync.WaitGroup
	results := make([]deposits.Deposit, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.rec.RecordDeposit(context.Background(), c)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, deposits.StatusConfirmed, results[i].Status)
		assert.Equal(t, results[0].CreatedAt, results[i].CreatedAt)
	}
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, 1, f.events.count())
}

func TestRecordDeposit_SignatureMismatch(t *testing.T) {
	f := newFixture(t, RecorderConfig{})
	c := f.claim(t, "0xabc", "375")
	f.chain.Mine(c.TxHash, types.ReceiptStatusSuccessful, 1)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	c.Signature, err = signing.Sign(signing.DepositMessage(c.AmountUSD, c.ListingID, c.PayerAddress), other)
	require.NoError(t, err)

	_, err = f.rec.RecordDeposit(context.Background(), c)
	require.ErrorIs(t, err, ErrSignatureInvalid)
	assert.False(t, IsRetryable(err))
	assert.Zero(t, f.store.Len())
	assert.Zero(t, f.chain.Calls())
}

func TestRecordDeposit_SignatureOverDifferentAmount(t *testing.T) {
	f := newFixture(t, RecorderConfig{})
	c := f.claim(t, "0xabc", "375")
	c.AmountUSD = decimal.RequireFromString("3750")

	_, err := f.rec.RecordDeposit(context.Background(), c)
	require.ErrorIs(t, err, ErrSignatureInvalid)
	assert.Zero(t, f.store.Len())
}

func TestRecordDeposit_SignatureOverSubCentAmount(t *testing.T) {
	f := newFixture(t, RecorderConfig{})
	c := f.claim(t, "0xabc", "375.00")
	c.AmountUSD = decimal.RequireFromString("374.995")
	f.chain.Mine(c.TxHash, types.ReceiptStatusSuccessful, 9)

	_, err := f.rec.RecordDeposit(context.Background(), c)
	require.ErrorIs(t, err, ErrSignatureInvalid)
	assert.Zero(t, f.store.Len())
	assert.Zero(t, f.chain.Calls())

	exact := f.claim(t, "0xabd", "374.995")
	f.chain.Mine(exact.TxHash, types.ReceiptStatusSuccessful, 9)
	d, err := f.rec.RecordDeposit(context.Background(), exact)
	require.NoError(t, err)
	assert.True(t, d.AmountUSD.Equal(decimal.RequireFromString("374.995")))
}

func TestRecordDeposit_RequireSignature(t *testing.T) {
	f := newFixture(t, RecorderConfig{RequireSignature: true})
	c := f.claim(t, "0xabc", "375")
	c.Signature = nil

	_, err := f.rec.RecordDeposit(context.Background(), c)
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, f.store.Len())
}

func TestRecordDeposit_UnsignedAllowedByDefault(t *testing.T) {
	f := newFixture(t, RecorderConfig{})
	c := f.claim(t, "0xabc", "375")
	c.Signature = nil
	f.chain.Mine(c.TxHash, types.ReceiptStatusSuccessful, 1)

	d, err := f.rec.RecordDeposit(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, deposits.StatusConfirmed, d.Status)
}

func TestRecordDeposit_NotMinedIsRetryable(t *testing.T) {
	f := newFixture(t, RecorderConfig{})
	c := f.claim(t, "0xabc", "375")

	_, err := f.rec.RecordDeposit(context.Background(), c)
	require.ErrorIs(t, err, ErrTransactionNotFound)
	assert.True(t, IsRetryable(err))
	assert.Zero(t, f.store.Len())

	f.chain.Mine(c.TxHash, types.ReceiptStatusSuccessful, 9)
	d, err := f.rec.RecordDeposit(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, deposits.StatusConfirmed, d.Status)
}

func TestRecordDeposit_ReceiptTimeout(t *testing.T) {
	rec, err := NewRecorder(RecorderConfig{EscrowAddress: escrowAddr, ReceiptTimeout: 20 * time.Millisecond},
		stallingChain{}, deposits.NewMemoryStore())
	require.NoError(t, err)

	f := newFixture(t, RecorderConfig{})
	c := f.claim(t, "0xabc", "375")

	start := time.Now()
	_, err = rec.RecordDeposit(context.Background(), c)
	require.ErrorIs(t, err, ErrTransactionNotFound)
	assert.True(t, IsRetryable(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRecordDeposit_RPCFailure(t *testing.T) {
	f := newFixture(t, RecorderConfig{})
	c := f.claim(t, "0xabc", "375")
	f.chain.FailWith(errors.New("connection refused"))

	_, err := f.rec.RecordDeposit(context.Background(), c)
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.True(t, IsRetryable(err))
	assert.Zero(t, f.store.Len())
}

func TestRecordDeposit_RevertedRecordsRejected(t *testing.T) {
	f := newFixture(t, RecorderConfig{})
	c := f.claim(t, "0xabc", "375")
	f.chain.Mine(c.TxHash, types.ReceiptStatusFailed, 3)

	d, err := f.rec.RecordDeposit(context.Background(), c)
	require.ErrorIs(t, err, ErrTransactionFailed)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, deposits.StatusRejected, d.Status)

	stored, err := f.store.Get(context.Background(), c.TxHash)
	require.NoError(t, err)
	assert.Equal(t, deposits.StatusRejected, stored.Status)
	assert.Equal(t, 1, f.events.count())
	assert.Empty(t, f.contacts.links, "rejected deposits do not link contacts")

	// A replay keeps the single rejected row and does not republish.
	_, err = f.rec.RecordDeposit(context.Background(), c)
	require.ErrorIs(t, err, ErrTransactionFailed)
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, 1, f.events.count())
}

func TestRecordDeposit_RejectAuditFailureReturnsNoDeposit(t *testing.T) {
	chain := NewFakeChain()
	store := &failingStore{MemoryStore: deposits.NewMemoryStore(), insertErr: errors.New("db down")}
	pub := &recordingPublisher{}
	rec, err := NewRecorder(RecorderConfig{EscrowAddress: escrowAddr}, chain, store, WithEvents(pub))
	require.NoError(t, err)

	hash := common.HexToHash("0xdead")
	chain.Mine(hash, types.ReceiptStatusFailed, 3)
	d, err := rec.RecordDeposit(context.Background(), Claim{
		ListingID:    "L1",
		TxHash:       hash,
		AmountUSD:    decimal.RequireFromString("375"),
		PayerAddress: common.HexToAddress("0x1111111111111111111111111111111111111111"),
	})
	require.ErrorIs(t, err, ErrTransactionFailed)
	assert.Equal(t, deposits.Deposit{}, d, "nothing was stored, so nothing is echoed")
	assert.Zero(t, pub.count())
}

func TestRecordDeposit_SlowPublisherIsBounded(t *testing.T) {
	chain := NewFakeChain()
	store := deposits.NewMemoryStore()
	pub := &stallingPublisher{}
	rec, err := NewRecorder(RecorderConfig{EscrowAddress: escrowAddr, PublishTimeout: 20 * time.Millisecond},
		chain, store, WithEvents(pub))
	require.NoError(t, err)

	hash := common.HexToHash("0xbeef")
	chain.Mine(hash, types.ReceiptStatusSuccessful, 5)

	start := time.Now()
	d, err := rec.RecordDeposit(context.Background(), Claim{
		ListingID:    "L1",
		TxHash:       hash,
		AmountUSD:    decimal.RequireFromString("375"),
		PayerAddress: common.HexToAddress("0x1111111111111111111111111111111111111111"),
	})
	require.NoError(t, err)
	assert.Equal(t, deposits.StatusConfirmed, d.Status)
	assert.Less(t, time.Since(start), time.Second)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.errs, 1)
	assert.ErrorIs(t, pub.errs[0], context.DeadlineExceeded)
}

func TestRecordDeposit_UpgradesPendingRow(t *testing.T) {
	f := newFixture(t, RecorderConfig{})
	c := f.claim(t, "0xabc", "375")
	_, _, err := f.store.Insert(context.Background(), deposits.Deposit{
		ListingID:     c.ListingID,
		TxHash:        c.TxHash,
		AmountUSD:     c.AmountUSD,
		PayerAddress:  c.PayerAddress,
		EscrowAddress: escrowAddr,
		Status:        deposits.StatusPending,
	})
	require.NoError(t, err)
	f.chain.Mine(c.TxHash, types.ReceiptStatusSuccessful, 11)

	d, err := f.rec.RecordDeposit(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, deposits.StatusConfirmed, d.Status)
	assert.Equal(t, uint64(11), d.BlockNumber)
	assert.Equal(t, 1, f.store.Len())
}

func TestRecordDeposit_ClaimMismatch(t *testing.T) {
	f := newFixture(t, RecorderConfig{})
	c := f.claim(t, "0xabc", "375")
	f.chain.Mine(c.TxHash, types.ReceiptStatusSuccessful, 1)
	_, err := f.rec.RecordDeposit(context.Background(), c)
	require.NoError(t, err)

	other := f.claim(t, "0xabc", "1")
	_, err = f.rec.RecordDeposit(context.Background(), other)
	require.ErrorIs(t, err, ErrClaimMismatch)
	assert.False(t, IsRetryable(err))

	stored, err := f.store.Get(context.Background(), c.TxHash)
	require.NoError(t, err)
	assert.True(t, stored.AmountUSD.Equal(decimal.RequireFromString("375")))
}

func TestRecordDeposit_TokenTransferCheck(t *testing.T) {
	token := &TokenCheck{Address: usdcAddr, Decimals: 6}

	t.Run("exact transfer confirms", func(t *testing.T) {
		f := newFixture(t, RecorderConfig{Token: token})
		c := f.claim(t, "0xabc", "375.5")
		f.chain.Mine(c.TxHash, types.ReceiptStatusSuccessful, 1,
			TransferLog(usdcAddr, f.payer, escrowAddr, big.NewInt(375_500_000)))

		d, err := f.rec.RecordDeposit(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, deposits.StatusConfirmed, d.Status)
	})

	t.Run("short transfer is rejected", func(t *testing.T) {
		f := newFixture(t, RecorderConfig{Token: token})
		c := f.claim(t, "0xabc", "375")
		f.chain.Mine(c.TxHash, types.ReceiptStatusSuccessful, 1,
			TransferLog(usdcAddr, f.payer, escrowAddr, big.NewInt(1_000_000)))

		d, err := f.rec.RecordDeposit(context.Background(), c)
		require.ErrorIs(t, err, ErrTransferMismatch)
		assert.False(t, IsRetryable(err))
		assert.Equal(t, deposits.StatusRejected, d.Status)
	})

	t.Run("transfer to another account is rejected", func(t *testing.T) {
		f := newFixture(t, RecorderConfig{Token: token})
		c := f.claim(t, "0xabc", "375")
		f.chain.Mine(c.TxHash, types.ReceiptStatusSuccessful, 1,
			TransferLog(usdcAddr, f.payer, common.HexToAddress("0xbad"), big.NewInt(375_000_000)))

		_, err := f.rec.RecordDeposit(context.Background(), c)
		require.ErrorIs(t, err, ErrTransferMismatch)
	})

	t.Run("other token is ignored", func(t *testing.T) {
		f := newFixture(t, RecorderConfig{Token: token})
		c := f.claim(t, "0xabc", "375")
		f.chain.Mine(c.TxHash, types.ReceiptStatusSuccessful, 1,
			TransferLog(common.HexToAddress("0x70c"), f.payer, escrowAddr, big.NewInt(375_000_000)))

		_, err := f.rec.RecordDeposit(context.Background(), c)
		require.ErrorIs(t, err, ErrTransferMismatch)
	})
}

func TestRecordDeposit_PersistenceFailureDeadLetters(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	chain := NewFakeChain()
	store := &failingStore{MemoryStore: deposits.NewMemoryStore(), insertErr: errors.New("db down")}
	dead := &recordingDLQ{}
	pub := &recordingPublisher{}
	rec, err := NewRecorder(RecorderConfig{EscrowAddress: escrowAddr}, chain, store,
		WithDeadLetter(dead), WithEvents(pub))
	require.NoError(t, err)

	c := Claim{
		ListingID:    "L1",
		TxHash:       common.HexToHash("0xabc"),
		AmountUSD:    decimal.NewFromInt(375),
		PayerAddress: crypto.PubkeyToAddress(key.PublicKey),
	}
	chain.Mine(c.TxHash, types.ReceiptStatusSuccessful, 5)

	_, err = rec.RecordDeposit(context.Background(), c)
	require.ErrorIs(t, err, ErrPersistence)
	assert.True(t, IsRetryable(err))
	require.Len(t, dead.entries, 1)
	assert.Equal(t, c.TxHash.Hex(), dead.entries[0].TxHash)
	assert.Equal(t, "375", dead.entries[0].AmountUSD)
	assert.Contains(t, dead.entries[0].Error, "db down")
	assert.Zero(t, pub.count())
}

func TestRecordDeposit_BestEffortSideEffects(t *testing.T) {
	f := newFixture(t, RecorderConfig{})
	f.contacts.err = errors.New("contacts down")
	f.events.err = errors.New("kafka down")
	c := f.claim(t, "0xabc", "375")
	f.chain.Mine(c.TxHash, types.ReceiptStatusSuccessful, 1)

	d, err := f.rec.RecordDeposit(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, deposits.StatusConfirmed, d.Status)
}

func TestRecordDeposit_InvalidInputHasNoSideEffects(t *testing.T) {
	f := newFixture(t, RecorderConfig{})
	c := f.claim(t, "0xabc", "375")
	c.ListingID = ""

	_, err := f.rec.RecordDeposit(context.Background(), c)
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, f.chain.Calls())
	assert.Zero(t, f.store.Len())
}

func TestNewRecorder_RequiresCollaborators(t *testing.T) {
	_, err := NewRecorder(RecorderConfig{EscrowAddress: escrowAddr}, nil, deposits.NewMemoryStore())
	assert.Error(t, err)
	_, err = NewRecorder(RecorderConfig{EscrowAddress: escrowAddr}, NewFakeChain(), nil)
	assert.Error(t, err)
	_, err = NewRecorder(RecorderConfig{}, NewFakeChain(), deposits.NewMemoryStore())
	assert.Error(t, err)
}
