package upload

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local runs.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	rows   map[int64]Upload
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		rows:   make(map[int64]Upload),
		now:    time.Now,
	}
}

// SetNow overrides the clock. Test helper.
func (m *MemoryStore) SetNow(now func() time.Time) { m.now = now }

func (m *MemoryStore) Create(_ context.Context, u Upload) (Upload, error) {
	if u.Status == "" {
		u.Status = StatusReceived
	}
	if err := u.Validate(); err != nil {
		return Upload{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u.ID = m.nextID
	m.nextID++
	u.CreatedAt = m.now().UTC()
	m.rows[u.ID] = u
	return u, nil
}

func (m *MemoryStore) SetBlobKey(_ context.Context, tenant string, id int64, blobKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.rows[id]
	if !ok || u.Tenant != tenant {
		return fmt.Errorf("%w: upload %d", ErrNotFound, id)
	}
	u.BlobKey = blobKey
	m.rows[id] = u
	return nil
}

func (m *MemoryStore) MarkParsed(_ context.Context, tenant string, id int64, rowCount int64) error {
	return m.transition(tenant, id, StatusParsed, rowCount)
}

func (m *MemoryStore) MarkFailed(_ context.Context, tenant string, id int64) error {
	return m.transition(tenant, id, StatusFailed, -1)
}

func (m *MemoryStore) transition(tenant string, id int64, to Status, rowCount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.rows[id]
	if !ok || u.Tenant != tenant {
		return fmt.Errorf("%w: upload %d", ErrNotFound, id)
	}
	if u.Status != StatusReceived {
		// Terminal uploads stay as they are.
		return nil
	}
	u.Status = to
	if rowCount >= 0 {
		u.RowCount = rowCount
	}
	m.rows[id] = u
	return nil
}

func (m *MemoryStore) Get(_ context.Context, tenant string, id int64) (Upload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.rows[id]
	if !ok || u.Tenant != tenant {
		return Upload{}, fmt.Errorf("%w: upload %d", ErrNotFound, id)
	}
	return u, nil
}
