package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"rentescrow/internal/deposits"
)

var ErrInvalidConfig = errors.New("deposits/postgres: invalid config")

const uniqueViolation = "23505"

const selectColumns = `
	tx_hash,
	listing_id,
	amount_usd::text,
	payer_address,
	payer_email,
	status,
	escrow_address,
	block_number,
	created_at,
	updated_at
`

// Store persists deposits in PostgreSQL. The primary key on tx_hash is the
// idempotency guarantee shared by every replica of the service.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("deposits/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Insert(ctx context.Context, d deposits.Deposit) (deposits.Deposit, bool, error) {
	if s == nil || s.pool == nil {
		return deposits.Deposit{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if d.BlockNumber > math.MaxInt64 {
		return deposits.Deposit{}, false, fmt.Errorf("deposits/postgres: block number too large")
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO escrow_deposits (
			tx_hash,
			listing_id,
			amount_usd,
			payer_address,
			payer_email,
			status,
			escrow_address,
			block_number,
			created_at,
			updated_at
		) VALUES ($1,$2,$3::text::numeric,$4,$5,$6,$7,$8,now(),now())
		RETURNING `+selectColumns,
		d.TxHash[:], d.ListingID, d.AmountUSD.String(), d.PayerAddress[:], d.PayerEmail,
		string(d.Status), d.EscrowAddress[:], int64(d.BlockNumber))

	stored, err := scanDeposit(row)
	if err == nil {
		return stored, true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		existing, err := s.Get(ctx, d.TxHash)
		if err != nil {
			return deposits.Deposit{}, false, err
		}
		return existing, false, nil
	}
	return deposits.Deposit{}, false, fmt.Errorf("deposits/postgres: insert: %w", err)
}

func (s *Store) Get(ctx context.Context, txHash common.Hash) (deposits.Deposit, error) {
	if s == nil || s.pool == nil {
		return deposits.Deposit{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM escrow_deposits WHERE tx_hash = $1`, txHash[:])
	d, err := scanDeposit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return deposits.Deposit{}, deposits.ErrNotFound
		}
		return deposits.Deposit{}, fmt.Errorf("deposits/postgres: get: %w", err)
	}
	return d, nil
}

func (s *Store) Transition(ctx context.Context, txHash common.Hash, status deposits.Status, blockNumber uint64) (deposits.Deposit, error) {
	if s == nil || s.pool == nil {
		return deposits.Deposit{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if blockNumber > math.MaxInt64 {
		return deposits.Deposit{}, fmt.Errorf("deposits/postgres: block number too large")
	}

	// confirmed is terminal; the guard lives in SQL so concurrent writers
	// cannot race past it.
	row := s.pool.QueryRow(ctx, `
		UPDATE escrow_deposits
		SET status = $2,
			block_number = CASE WHEN $3::bigint > 0 THEN $3::bigint ELSE block_number END,
			updated_at = now()
		WHERE tx_hash = $1
			AND status <> 'confirmed'
			AND status <> $2
		RETURNING `+selectColumns,
		txHash[:], string(status), int64(blockNumber))

	d, err := scanDeposit(row)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return deposits.Deposit{}, fmt.Errorf("deposits/postgres: transition: %w", err)
	}

	current, err := s.Get(ctx, txHash)
	if err != nil {
		return deposits.Deposit{}, err
	}
	if current.Status == status {
		return current, nil
	}
	return deposits.Deposit{}, deposits.ErrInvalidTransition
}

func scanDeposit(row pgx.Row) (deposits.Deposit, error) {
	var (
		txHashRaw  []byte
		listingID  string
		amountRaw  string
		payerRaw   []byte
		payerEmail string
		statusRaw  string
		escrowRaw  []byte
		block      int64
		createdAt  time.Time
		updatedAt  time.Time
	)
	if err := row.Scan(&txHashRaw, &listingID, &amountRaw, &payerRaw, &payerEmail, &statusRaw, &escrowRaw, &block, &createdAt, &updatedAt); err != nil {
		return deposits.Deposit{}, err
	}

	amount, err := decimal.NewFromString(amountRaw)
	if err != nil {
		return deposits.Deposit{}, fmt.Errorf("deposits/postgres: parse amount: %w", err)
	}
	status, err := deposits.ParseStatus(statusRaw)
	if err != nil {
		return deposits.Deposit{}, err
	}
	if len(txHashRaw) != common.HashLength || len(payerRaw) != common.AddressLength || len(escrowRaw) != common.AddressLength {
		return deposits.Deposit{}, fmt.Errorf("deposits/postgres: corrupt row")
	}

	return deposits.Deposit{
		ListingID:     listingID,
		TxHash:        common.BytesToHash(txHashRaw),
		AmountUSD:     amount,
		PayerAddress:  common.BytesToAddress(payerRaw),
		PayerEmail:    payerEmail,
		Status:        status,
		EscrowAddress: common.BytesToAddress(escrowRaw),
		BlockNumber:   uint64(block),
		CreatedAt:     createdAt.UTC(),
		UpdatedAt:     updatedAt.UTC(),
	}, nil
}
