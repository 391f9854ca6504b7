// Package store defines the durable record store the sync queue is kept in,
// with in-memory and Redis implementations. The SQLite implementation lives in
// internal/db.
package store

import (
	"context"
	"errors"

	"github.com/kimhsiao/reportsync/internal/models"
)

// Collection is the name of the queue collection in every backend.
const Collection = "syncQueue"

// Meta keys persisted at process scope.
const (
	MetaLastSyncAt = "lastSyncAt"
	MetaDeviceID   = "deviceId"
	MetaToken      = "token"
)

// ErrNotFound is returned by Get when no item has the requested id.
var ErrNotFound = errors.New("sync item not found")

// Store is a durable map of queued items keyed by id. Each call is atomic on
// its own; no cross-item transactions are offered.
type Store interface {
	// Put inserts or replaces the item with the same id. A replaced item keeps
	// its original position in GetAll order.
	Put(ctx context.Context, item *models.SyncItem) error
	// Get returns ErrNotFound when id is absent.
	Get(ctx context.Context, id string) (*models.SyncItem, error)
	// GetAll returns every item in first-insertion order.
	GetAll(ctx context.Context) ([]*models.SyncItem, error)
	// Delete removes id. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error
}

// MetaStore persists small process-scope values such as the device id.
type MetaStore interface {
	// GetMeta reports ok=false when key has never been set.
	GetMeta(ctx context.Context, key string) (value string, ok bool, err error)
	SetMeta(ctx context.Context, key, value string) error
}

// AuditSink is an append-only log of sync side effects.
type AuditSink interface {
	LogEvent(ctx context.Context, entry *models.AuditEntry) error
}

// Backend bundles the three contracts a single storage engine provides.
type Backend interface {
	Store
	MetaStore
	AuditSink
	Close() error
}
