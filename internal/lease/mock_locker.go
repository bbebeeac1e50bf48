package lease

import (
	"context"
	"sync"
	"time"

	"github.com/jun/graphdrive/internal/model"
)

// MockLocker implements Locker in memory for tests and dev mode.
type MockLocker struct {
	leases      map[string]*model.UploadLease
	mu          sync.Mutex
	ttlDuration time.Duration
}

func NewMockLocker() *MockLocker {
	return &MockLocker{
		leases:      make(map[string]*model.UploadLease),
		ttlDuration: DefaultTTL,
	}
}

func (m *MockLocker) expiry() int64 {
	return time.Now().Unix() + int64(m.ttlDuration.Seconds())
}

func (m *MockLocker) AcquireLock(ctx context.Context, destination, owner string) (*model.UploadLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.leases[destination]; ok {
		if existing.ExpiresAt > time.Now().Unix() && existing.Owner != owner {
			return nil, ErrHeld
		}
	}

	lease := &model.UploadLease{
		Destination: destination,
		Owner:       owner,
		ExpiresAt:   m.expiry(),
	}
	m.leases[destination] = lease
	cp := *lease
	return &cp, nil
}

func (m *MockLocker) Heartbeat(ctx context.Context, destination, owner string) (*model.UploadLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leases[destination]
	if !ok || existing.Owner != owner {
		return nil, ErrNotOwner
	}
	existing.ExpiresAt = m.expiry()
	cp := *existing
	return &cp, nil
}

func (m *MockLocker) ReleaseLock(ctx context.Context, destination, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leases[destination]
	if !ok || existing.Owner != owner {
		return ErrNotOwner
	}
	delete(m.leases, destination)
	return nil
}

func (m *MockLocker) GetLockStatus(ctx context.Context, destination string) (*model.UploadLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leases[destination]
	if !ok || existing.ExpiresAt < time.Now().Unix() {
		return nil, nil
	}
	cp := *existing
	return &cp, nil
}
