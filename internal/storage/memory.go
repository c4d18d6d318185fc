package storage

import (
	"context"
	"sync"

	"github.com/ncol/publisher-service/internal/models"
)

type memoryRecord struct {
	requested  models.PlatformSet
	dispatched models.PlatformSet
}

// MemoryStorage keeps publish state in process memory
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]*memoryRecord
}

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]*memoryRecord)}
}

func (m *MemoryStorage) record(itemID string) *memoryRecord {
	rec, ok := m.items[itemID]
	if !ok {
		rec = &memoryRecord{
			requested:  models.NewPlatformSet(),
			dispatched: models.NewPlatformSet(),
		}
		m.items[itemID] = rec
	}
	return rec
}

// GetRequested returns a copy of the requested set
func (m *MemoryStorage) GetRequested(ctx context.Context, itemID string) (models.PlatformSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.items[itemID]
	if !ok {
		return models.NewPlatformSet(), nil
	}
	return rec.requested.Union(nil), nil
}

// SetRequested replaces the requested set
func (m *MemoryStorage) SetRequested(ctx context.Context, itemID string, platforms models.PlatformSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(itemID).requested = platforms.Union(nil)
	return nil
}

// GetDispatched returns a copy of the dispatched set
func (m *MemoryStorage) GetDispatched(ctx context.Context, itemID string) (models.PlatformSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.items[itemID]
	if !ok {
		return models.NewPlatformSet(), nil
	}
	return rec.dispatched.Union(nil), nil
}

// AddDispatched merges platforms into the dispatched set
func (m *MemoryStorage) AddDispatched(ctx context.Context, itemID string, platforms models.PlatformSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.record(itemID)
	rec.dispatched = rec.dispatched.Union(platforms)
	return nil
}

// Close is a no-op for the in-memory store
func (m *MemoryStorage) Close() error {
	return nil
}
