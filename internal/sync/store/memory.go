package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kimhsiao/reportsync/internal/models"
)

// Memory is a Backend held in process memory. Items are stored encoded so
// callers never share state with the store.
type Memory struct {
	mu    sync.RWMutex
	order []string
	items map[string][]byte
	meta  map[string]string
	audit []*models.AuditEntry
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string][]byte),
		meta:  make(map[string]string),
	}
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, item *models.SyncItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode item %s: %w", item.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[item.ID]; !ok {
		m.order = append(m.order, item.ID)
	}
	m.items[item.ID] = data
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, id string) (*models.SyncItem, error) {
	m.mu.RLock()
	data, ok := m.items[id]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return decodeItem(data)
}

// GetAll implements Store.
func (m *Memory) GetAll(_ context.Context) ([]*models.SyncItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]*models.SyncItem, 0, len(m.order))
	for _, id := range m.order {
		item, err := decodeItem(m.items[id])
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[id]; !ok {
		return nil
	}
	delete(m.items, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// GetMeta implements MetaStore.
func (m *Memory) GetMeta(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.meta[key]
	return v, ok, nil
}

// SetMeta implements MetaStore.
func (m *Memory) SetMeta(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = value
	return nil
}

// LogEvent implements AuditSink.
func (m *Memory) LogEvent(_ context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.audit = append(m.audit, &cp)
	return nil
}

// AuditEntries returns a copy of everything logged so far.
func (m *Memory) AuditEntries() []*models.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*models.AuditEntry(nil), m.audit...)
}

// Len returns the number of queued items.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Close implements Backend.
func (m *Memory) Close() error {
	return nil
}

func decodeItem(data []byte) (*models.SyncItem, error) {
	var item models.SyncItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to decode stored item: %w", err)
	}
	return &item, nil
}
