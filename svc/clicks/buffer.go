package clicks

import (
	"context"
	"sort"
	"sync"
)

// Buffer holds pending click increments keyed by paste id. db.Redis is the
// shared implementation; MemoryBuffer serves single-process deployments.
type Buffer interface {
	IncrClick(ctx context.Context, id string) error
	PendingIDs(ctx context.Context, limit int) ([]string, error)
	PendingCount(ctx context.Context, id string) (int64, error)
	SubtractClicks(ctx context.Context, deltas map[string]int64) error
}

type MemoryBuffer struct {
	mu      sync.Mutex
	pending map[string]int64
}

func NewMemoryBuffer() *MemoryBuffer {
	return &MemoryBuffer{pending: make(map[string]int64)}
}

func (m *MemoryBuffer) IncrClick(ctx context.Context, id string) error {
	m.mu.Lock()
	m.pending[id]++
	m.mu.Unlock()
	return nil
}

func (m *MemoryBuffer) PendingIDs(ctx context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pending))
	for id, n := range m.pending {
		if n > 0 {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *MemoryBuffer) PendingCount(ctx context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[id], nil
}

func (m *MemoryBuffer) SubtractClicks(ctx context.Context, deltas map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range deltas {
		m.pending[id] -= d
		if m.pending[id] <= 0 {
			delete(m.pending, id)
		}
	}
	return nil
}
