package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rentescrow/internal/contacts"
)

var ErrInvalidConfig = errors.New("contacts/postgres: invalid config")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS wallet_contacts (
	email TEXT PRIMARY KEY,
	wallet_address BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT wallet_address_len CHECK (octet_length(wallet_address) = 20)
);
`

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
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("contacts/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, email string, wallet common.Address) (contacts.Link, error) {
	email, err := contacts.NormalizeEmail(email)
	if err != nil {
		return contacts.Link{}, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO wallet_contacts (email, wallet_address, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (email) DO UPDATE
		SET wallet_address = EXCLUDED.wallet_address,
			updated_at = now()
		RETURNING email, wallet_address, created_at, updated_at
	`, email, wallet[:])

	l, err := scanLink(row)
	if err != nil {
		return contacts.Link{}, fmt.Errorf("contacts/postgres: upsert: %w", err)
	}
	return l, nil
}

func (s *Store) Get(ctx context.Context, email string) (contacts.Link, error) {
	email, err := contacts.NormalizeEmail(email)
	if err != nil {
		return contacts.Link{}, err
	}

	row := s.pool.QueryRow(ctx, `
		SELECT email, wallet_address, created_at, updated_at
		FROM wallet_contacts
		WHERE email = $1
	`, email)

	l, err := scanLink(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contacts.Link{}, contacts.ErrNotFound
		}
		return contacts.Link{}, fmt.Errorf("contacts/postgres: get: %w", err)
	}
	return l, nil
}

func scanLink(row pgx.Row) (contacts.Link, error) {
	var (
		email     string
		walletRaw []byte
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&email, &walletRaw, &createdAt, &updatedAt); err != nil {
		return contacts.Link{}, err
	}
	return contacts.Link{
		Email:         email,
		WalletAddress: common.BytesToAddress(walletRaw),
		CreatedAt:     createdAt.UTC(),
		UpdatedAt:     updatedAt.UTC(),
	}, nil
}
