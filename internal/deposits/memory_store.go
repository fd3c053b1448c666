package deposits

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is mostly for testing and local runs without Postgres.
type MemoryStore struct {
	mu   sync.Mutex
	data map[common.Hash]Deposit
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[common.Hash]Deposit),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Insert(_ context.Context, d Deposit) (Deposit, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.data[d.TxHash]; ok {
		return existing, false, nil
	}
	now := m.now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	m.data[d.TxHash] = d
	return d, true, nil
}

func (m *MemoryStore) Get(_ context.Context, txHash common.Hash) (Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.data[txHash]
	if !ok {
		return Deposit{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) Transition(_ context.Context, txHash common.Hash, status Status, blockNumber uint64) (Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.data[txHash]
	if !ok {
		return Deposit{}, ErrNotFound
	}
	if !canTransition(d.Status, status) {
		return Deposit{}, ErrInvalidTransition
	}
	if d.Status == status {
		return d, nil
	}
	d.Status = status
	if blockNumber != 0 {
		d.BlockNumber = blockNumber
	}
	d.UpdatedAt = m.now()
	m.data[txHash] = d
	return d, nil
}

// Len is used by tests to assert no duplicates were written.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}
