package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentescrow/internal/deposits"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s, err := New(pool)
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(ctx))
	return s, ctx
}

func randomDeposit(t *testing.T, status deposits.Status) deposits.Deposit {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return deposits.Deposit{
		ListingID:     "L1",
		TxHash:        crypto.Keccak256Hash(crypto.FromECDSA(key)),
		AmountUSD:     decimal.RequireFromString("375.00"),
		PayerAddress:  crypto.PubkeyToAddress(key.PublicKey),
		PayerEmail:    "tenant@example.com",
		Status:        status,
		EscrowAddress: common.HexToAddress("0x00000000000000000000000000000000000e5c70"),
		BlockNumber:   12,
	}
}

func TestStore_InsertIsIdempotent(t *testing.T) {
	s, ctx := newTestStore(t)
	d := randomDeposit(t, deposits.StatusConfirmed)

	stored, created, err := s.Insert(ctx, d)
	require.NoError(t, err)
	require.True(t, created)
	assert.True(t, d.SameClaim(stored))
	assert.Equal(t, deposits.StatusConfirmed, stored.Status)

	again, created, err := s.Insert(ctx, d)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stored.CreatedAt, again.CreatedAt)
}

func TestStore_ConcurrentInsertSingleRow(t *testing.T) {
	s, ctx := newTestStore(t)
	d := randomDeposit(t, deposits.StatusConfirmed)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Insert(ctx, d)
			if err != nil {
				t.Errorf("insert: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestStore_TransitionGuards(t *testing.T) {
	s, ctx := newTestStore(t)
	d := randomDeposit(t, deposits.StatusRejected)

	_, _, err := s.Insert(ctx, d)
	require.NoError(t, err)

	up, err := s.Transition(ctx, d.TxHash, deposits.StatusConfirmed, 99)
	require.NoError(t, err)
	assert.Equal(t, deposits.StatusConfirmed, up.Status)
	assert.Equal(t, uint64(99), up.BlockNumber)

	_, err = s.Transition(ctx, d.TxHash, deposits.StatusRejected, 0)
	assert.ErrorIs(t, err, deposits.ErrInvalidTransition)

	same, err := s.Transition(ctx, d.TxHash, deposits.StatusConfirmed, 0)
	require.NoError(t, err)
	assert.Equal(t, deposits.StatusConfirmed, same.Status)

	_, err = s.Transition(ctx, common.HexToHash("0x01"), deposits.StatusConfirmed, 0)
	assert.ErrorIs(t, err, deposits.ErrNotFound)
}
