// Package server is a reference implementation of the batch sync endpoint:
// device token auth, per-item validation and last-writer-wins conflict
// detection over a record repository.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/kimhsiao/reportsync/internal/models"
)

// ErrNotFound is returned when no record has the requested key.
var ErrNotFound = errors.New("record not found")

// Record is the server copy of one synced item.
type Record struct {
	Type       models.ItemType
	ID         string
	ServerID   string
	DeviceID   string
	Payload    json.RawMessage
	CreatedAt  int64
	UpdatedAt  int64
	ReceivedAt time.Time
}

// RecordRepository stores the accepted records.
type RecordRepository interface {
	Get(ctx context.Context, itemType models.ItemType, id string) (*Record, error)
	// Upsert inserts or replaces the record. ServerID is kept from the first
	// insert; rec.ServerID is updated to the stored value.
	Upsert(ctx context.Context, rec *Record) error
	Count(ctx context.Context) (int, error)
}

type recordKey struct {
	itemType models.ItemType
	id       string
}

// MemoryRepository is a RecordRepository kept in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[recordKey]*Record
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[recordKey]*Record)}
}

// Get implements RecordRepository.
func (m *MemoryRepository) Get(_ context.Context, itemType models.ItemType, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[recordKey{itemType, id}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.Payload = append(json.RawMessage(nil), rec.Payload...)
	return &cp, nil
}

// Upsert implements RecordRepository.
func (m *MemoryRepository) Upsert(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{rec.Type, rec.ID}
	if existing, ok := m.records[key]; ok {
		rec.ServerID = existing.ServerID
	}
	cp := *rec
	cp.Payload = append(json.RawMessage(nil), rec.Payload...)
	m.records[key] = &cp
	return nil
}

// Count implements RecordRepository.
func (m *MemoryRepository) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}
