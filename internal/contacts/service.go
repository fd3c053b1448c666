package contacts

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"rentescrow/internal/signing"
)

// Service backs the user-wallet endpoints.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) Lookup(ctx context.Context, email string) (Link, error) {
	return s.store.Get(ctx, email)
}

// Link stores email -> wallet after checking that wallet signed
// signing.WalletLinkMessageV1 for this email.
func (s *Service) Link(ctx context.Context, email string, wallet common.Address, sig []byte) (Link, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return Link{}, err
	}
	if err := signing.Verify(signing.WalletLinkMessage(wallet, email), sig, wallet); err != nil {
		return Link{}, err
	}
	l, err := s.store.Upsert(ctx, email, wallet)
	if err != nil {
		return Link{}, fmt.Errorf("contacts: upsert: %w", err)
	}
	return l, nil
}

// Upsert records a link without a signature. The deposit recorder uses it
// after the payer already proved control of wallet on-chain.
func (s *Service) Upsert(ctx context.Context, email string, wallet common.Address) error {
	_, err := s.store.Upsert(ctx, email, wallet)
	return err
}
