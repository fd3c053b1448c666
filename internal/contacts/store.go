package contacts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound     = errors.New("contacts: not found")
	ErrInvalidEmail = errors.New("contacts: invalid email")
)

// Link associates a contact email with the wallet it last paid from.
type Link struct {
	Email         string         `json:"email"`
	WalletAddress common.Address `json:"walletAddress"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Store upserts links keyed by normalised email.
type Store interface {
	Upsert(ctx context.Context, email string, wallet common.Address) (Link, error)
	Get(ctx context.Context, email string) (Link, error)
}

// NormalizeEmail lower-cases and trims an email. It only rejects values
// that cannot possibly be an address; deliverability is not checked.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 || strings.ContainsAny(email, " \t\r\n") {
		return "", ErrInvalidEmail
	}
	return email, nil
}

type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Link
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Link)}
}

func (m *MemoryStore) Upsert(_ context.Context, email string, wallet common.Address) (Link, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return Link{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	l, ok := m.data[email]
	if !ok {
		l = Link{Email: email, CreatedAt: now}
	}
	l.WalletAddress = wallet
	l.UpdatedAt = now
	m.data[email] = l
	return l, nil
}

func (m *MemoryStore) Get(_ context.Context, email string) (Link, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return Link{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.data[email]
	if !ok {
		return Link{}, ErrNotFound
	}
	return l, nil
}
