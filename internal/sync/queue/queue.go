// Package queue manages the durable sync queue: enqueueing records and the
// per-item status transitions applied by upload passes.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/reportsync/internal/errors"
	"github.com/kimhsiao/reportsync/internal/logging"
	"github.com/kimhsiao/reportsync/internal/models"
	"github.com/kimhsiao/reportsync/internal/sync/store"
	"github.com/kimhsiao/reportsync/internal/uuid"
)

// Default reasons recorded on items when the server gives none.
const (
	DefaultConflictMessage = "server has newer version"
	DefaultInvalidMessage  = "validation failed"
	MaxRetriesMessage      = "max retries exceeded"
)

// Manager owns the sync queue collection of a Store. Writes made through a
// Manager are serialized so Settle can check and update an item atomically.
// Complete, MarkConflict, MarkFailed, RecordFailure and Requeue do not take
// the lock themselves: a pass applies them through Settle.
type Manager struct {
	mu    sync.Mutex
	store store.Store
	now   func() time.Time
}

// NewManager creates a Manager over s.
func NewManager(s store.Store) *Manager {
	return &Manager{store: s, now: time.Now}
}

// SetClock replaces the time source used for createdAt and lastAttempt.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Enqueue validates payload and stores it as a pending item. The item id is
// the payload's own id when it has one, otherwise a new UUID which is also
// written back into the payload. An existing item with the same id is
// replaced.
func (m *Manager) Enqueue(ctx context.Context, payload models.Payload) (*models.SyncItem, error) {
	if err := models.ValidatePayload(payload); err != nil {
		return nil, err
	}

	id := uuid.OrNew(payload.Identifier())
	if id != payload.Identifier() {
		payload = models.WithIdentifier(payload, id)
	}

	item := &models.SyncItem{
		ID:         id,
		Type:       payload.Type(),
		Payload:    payload,
		Status:     models.StatusPending,
		RetryCount: 0,
		CreatedAt:  m.now().UnixMilli(),
	}

	m.mu.Lock()
	err := m.put(ctx, item)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	logging.Debug("Enqueued sync item",
		map[string]interface{}{"item_id": item.ID, "type": item.Type})

	return item, nil
}

// Get returns the item with id, or store.ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*models.SyncItem, error) {
	return m.store.Get(ctx, id)
}

// List returns every queued item in store order.
func (m *Manager) List(ctx context.Context) ([]*models.SyncItem, error) {
	items, err := m.store.GetAll(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read sync queue", err)
	}
	return items, nil
}

// PendingItems returns the items the next upload pass will send: status
// pending or failed, in store order.
func (m *Manager) PendingItems(ctx context.Context) ([]*models.SyncItem, error) {
	return m.filter(ctx, (*models.SyncItem).RetryEligible)
}

// ConflictedItems returns the items waiting for a user decision.
func (m *Manager) ConflictedItems(ctx context.Context) ([]*models.SyncItem, error) {
	return m.filter(ctx, func(item *models.SyncItem) bool {
		return item.Status == models.StatusConflict
	})
}

// FailedItems returns the items whose last attempt was rejected or exhausted
// its retries.
func (m *Manager) FailedItems(ctx context.Context) ([]*models.SyncItem, error) {
	return m.filter(ctx, func(item *models.SyncItem) bool {
		return item.Status == models.StatusFailed
	})
}

func (m *Manager) filter(ctx context.Context, keep func(*models.SyncItem) bool) ([]*models.SyncItem, error) {
	items, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.SyncItem, 0, len(items))
	for _, item := range items {
		if keep(item) {
			out = append(out, item)
		}
	}
	return out, nil
}

// Put persists item as is.
func (m *Manager) Put(ctx context.Context, item *models.SyncItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(ctx, item)
}

// Remove deletes an item.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remove(ctx, id)
}

func (m *Manager) remove(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to remove item %s", id), err)
	}
	return nil
}

// MarkSyncing moves the stored copies of items to syncing and stamps
// lastAttempt. It returns the rows it marked: an item re-enqueued since items
// was read is sent in its newest version, and items that were removed or are
// no longer pending or failed are left out.
func (m *Manager) MarkSyncing(ctx context.Context, items []*models.SyncItem) ([]*models.SyncItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at := m.now().UnixMilli()
	marked := make([]*models.SyncItem, 0, len(items))
	for _, item := range items {
		current, err := m.store.Get(ctx, item.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return marked, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to read item %s", item.ID), err)
		}
		if !current.RetryEligible() {
			continue
		}

		current.Status = models.StatusSyncing
		attempt := at
		current.LastAttempt = &attempt
		if err := m.put(ctx, current); err != nil {
			return marked, err
		}
		marked = append(marked, current)
	}
	return marked, nil
}

// Settle runs apply while the stored copy of item is still the syncing row
// written by MarkSyncing. It reports false without calling apply when the item
// was re-enqueued, resolved or removed in the meantime.
func (m *Manager) Settle(ctx context.Context, item *models.SyncItem, apply func() error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.store.Get(ctx, item.ID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to read item %s", item.ID), err)
	}
	if !sameAttempt(stored, item) {
		logging.Debug("Item changed during upload, result dropped",
			map[string]interface{}{"item_id": item.ID, "status": stored.Status})
		return false, nil
	}
	return true, apply()
}

func sameAttempt(stored, item *models.SyncItem) bool {
	if stored.Status != models.StatusSyncing || item.Status != models.StatusSyncing {
		return false
	}
	if stored.LastAttempt == nil || item.LastAttempt == nil {
		return false
	}
	return *stored.LastAttempt == *item.LastAttempt
}

// Requeue returns an in-flight item to pending with its retry count intact.
func (m *Manager) Requeue(ctx context.Context, item *models.SyncItem) error {
	item.Status = models.StatusPending
	return m.put(ctx, item)
}

// Complete removes an item the server accepted.
func (m *Manager) Complete(ctx context.Context, id string) error {
	return m.remove(ctx, id)
}

// MarkConflict parks item until the user resolves it.
func (m *Manager) MarkConflict(ctx context.Context, item *models.SyncItem, message string) error {
	if message == "" {
		message = DefaultConflictMessage
	}
	item.Status = models.StatusConflict
	item.Error = message

	logging.Warn("Sync conflict detected",
		map[string]interface{}{"item_id": item.ID, "type": item.Type, "reason": message})

	return m.put(ctx, item)
}

// MarkFailed records a server-side rejection of item.
func (m *Manager) MarkFailed(ctx context.Context, item *models.SyncItem, message string) error {
	if message == "" {
		message = DefaultInvalidMessage
	}
	item.Status = models.StatusFailed
	item.Error = message

	logging.Warn("Sync item rejected",
		map[string]interface{}{"item_id": item.ID, "type": item.Type, "reason": message})

	return m.put(ctx, item)
}

// RecordFailure applies a transport failure to every item of a batch:
// retryCount is incremented, and items that reached maxRetries become failed
// while the rest go back to pending. Items are updated in place.
func (m *Manager) RecordFailure(ctx context.Context, items []*models.SyncItem, maxRetries int, cause error) error {
	for _, item := range items {
		item.RetryCount++

		if item.RetryCount >= maxRetries {
			item.Status = models.StatusFailed
			item.Error = fmt.Sprintf("%s (%d): %v", MaxRetriesMessage, maxRetries, cause)
			logging.Warn("Sync item failed permanently",
				map[string]interface{}{"item_id": item.ID, "retry_count": item.RetryCount, "error": cause.Error()})
		} else {
			item.Status = models.StatusPending
			item.Error = cause.Error()
		}

		if err := m.put(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// RetryAll resets all failed items to pending with a fresh retry budget.
func (m *Manager) RetryAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	failed, err := m.FailedItems(ctx)
	if err != nil {
		return 0, err
	}

	for _, item := range failed {
		item.Status = models.StatusPending
		item.RetryCount = 0
		item.Error = ""
		if err := m.put(ctx, item); err != nil {
			return 0, err
		}
	}

	if len(failed) > 0 {
		logging.Info("Reset failed items for retry", map[string]interface{}{"count": len(failed)})
	}
	return len(failed), nil
}

// ResetSyncing returns items left in syncing by an interrupted pass to
// pending. It must only run while no pass is in flight.
func (m *Manager) ResetSyncing(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stuck, err := m.filter(ctx, func(item *models.SyncItem) bool {
		return item.Status == models.StatusSyncing
	})
	if err != nil {
		return 0, err
	}

	for _, item := range stuck {
		item.Status = models.StatusPending
		if err := m.put(ctx, item); err != nil {
			return 0, err
		}
	}

	if len(stuck) > 0 {
		logging.Warn("Recovered items from an interrupted sync pass", map[string]interface{}{"count": len(stuck)})
	}
	return len(stuck), nil
}

// Stats returns item counts by status.
func (m *Manager) Stats(ctx context.Context) (map[string]int, error) {
	items, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := map[string]int{
		"total":                       0,
		string(models.StatusPending):  0,
		string(models.StatusSyncing):  0,
		string(models.StatusFailed):   0,
		string(models.StatusConflict): 0,
	}
	for _, item := range items {
		stats["total"]++
		stats[string(item.Status)]++
	}
	return stats, nil
}

func (m *Manager) put(ctx context.Context, item *models.SyncItem) error {
	if err := m.store.Put(ctx, item); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to persist item %s", item.ID), err)
	}
	return nil
}
