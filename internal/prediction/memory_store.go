package prediction

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same conditional-transition
// semantics as the postgres implementation. Used by tests and local runs.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Prediction
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[string]Prediction),
		now:  time.Now,
	}
}

// SetNow overrides the clock. Test helper.
func (m *MemoryStore) SetNow(now func() time.Time) { m.now = now }

func (m *MemoryStore) Create(_ context.Context, p Prediction) error {
	if p.Status == "" {
		p.Status = StatusQueued
	}
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rows[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
	}
	now := m.now().UTC()
	p.QueuedAt = now
	p.CreatedAt = now
	p.UpdatedAt = now
	m.rows[p.ID] = p
	return nil
}

func (m *MemoryStore) Get(_ context.Context, tenant, id string) (Prediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.rows[id]
	if !ok || p.Tenant != tenant {
		return Prediction{}, fmt.Errorf("%w: prediction %s", ErrNotFound, id)
	}
	return clonePrediction(p), nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (Prediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.rows[id]
	if !ok {
		return Prediction{}, fmt.Errorf("%w: prediction %s", ErrNotFound, id)
	}
	return clonePrediction(p), nil
}

func (m *MemoryStore) ListRecent(_ context.Context, tenant string, limit int) ([]Prediction, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	var out []Prediction
	for _, p := range m.rows {
		if p.Tenant == tenant {
			out = append(out, clonePrediction(p))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetQueueMessageID(_ context.Context, id, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("%w: prediction %s", ErrNotFound, id)
	}
	p.QueueMessageID = messageID
	p.UpdatedAt = m.now().UTC()
	m.rows[id] = p
	return nil
}

func (m *MemoryStore) Acquire(_ context.Context, id, workerID string, staleAfter time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return false, fmt.Errorf("%w: prediction %s", ErrNotFound, id)
	}
	now := m.now().UTC()
	switch {
	case p.Status == StatusQueued:
	case p.Status == StatusRunning && staleAfter > 0 && (p.HeartbeatAt == nil || now.Sub(*p.HeartbeatAt) > staleAfter):
	default:
		return false, nil
	}
	p.Status = StatusRunning
	p.WorkerID = workerID
	hb := now
	p.HeartbeatAt = &hb
	p.UpdatedAt = now
	m.rows[id] = p
	return true, nil
}

func (m *MemoryStore) Heartbeat(_ context.Context, id, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return false, fmt.Errorf("%w: prediction %s", ErrNotFound, id)
	}
	if p.Status != StatusRunning || p.WorkerID != workerID {
		return false, nil
	}
	now := m.now().UTC()
	p.HeartbeatAt = &now
	p.UpdatedAt = now
	m.rows[id] = p
	return true, nil
}

func (m *MemoryStore) Complete(_ context.Context, id, workerID string, params CompleteParams) (bool, error) {
	if params.OutputBlobKey == "" {
		return false, fmt.Errorf("%w: output blob key is required", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return false, fmt.Errorf("%w: prediction %s", ErrNotFound, id)
	}
	if p.Status != StatusRunning || p.WorkerID != workerID {
		return false, nil
	}
	p.Status = StatusCompleted
	p.OutputBlobKey = params.OutputBlobKey
	rows := params.RowsProcessed
	p.RowsProcessed = &rows
	p.Metrics = cloneMetrics(params.Metrics)
	p.UpdatedAt = m.now().UTC()
	m.rows[id] = p
	return true, nil
}

func (m *MemoryStore) Fail(_ context.Context, id, errorMessage string) (bool, error) {
	if errorMessage == "" {
		return false, fmt.Errorf("%w: error message is required", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return false, fmt.Errorf("%w: prediction %s", ErrNotFound, id)
	}
	if p.Status.Terminal() {
		return false, nil
	}
	p.Status = StatusFailed
	p.ErrorMessage = errorMessage
	p.UpdatedAt = m.now().UTC()
	m.rows[id] = p
	return true, nil
}

func clonePrediction(p Prediction) Prediction {
	out := p
	if p.RowsProcessed != nil {
		v := *p.RowsProcessed
		out.RowsProcessed = &v
	}
	if p.HeartbeatAt != nil {
		v := *p.HeartbeatAt
		out.HeartbeatAt = &v
	}
	out.Metrics = cloneMetrics(p.Metrics)
	return out
}

func cloneMetrics(v map[string]any) map[string]any {
	if len(v) == 0 {
		return nil
	}
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
