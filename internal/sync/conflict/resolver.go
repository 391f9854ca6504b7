// Package conflict applies user decisions to conflicted queue items and
// detects last-writer-wins conflicts on the server side.
package conflict

import (
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/reportsync/internal/errors"
	"github.com/kimhsiao/reportsync/internal/logging"
	"github.com/kimhsiao/reportsync/internal/models"
)

// Resolution is the user's choice for a conflicted item.
type Resolution string

const (
	// KeepLocal re-sends the local version with the force-overwrite marker.
	KeepLocal Resolution = "keep_local"
	// KeepServer discards the local version.
	KeepServer Resolution = "keep_server"
)

// ParseResolution converts a string into a Resolution.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case KeepLocal, KeepServer:
		return r, nil
	}
	return "", apperrors.New(apperrors.ErrInvalid,
		fmt.Sprintf("unknown resolution %q (want %s or %s)", s, KeepLocal, KeepServer))
}

// Outcome is what the caller must do with the item after a resolution.
type Outcome struct {
	Resolution Resolution
	// Item is the item to persist for KeepLocal, or the item to delete for
	// KeepServer.
	Item *models.SyncItem
	// Requeue is true when Item must be stored and a sync pass requested.
	Requeue bool
	// Discard is true when Item must be removed from the queue.
	Discard bool
}

// Resolver turns resolutions into queue mutations.
type Resolver struct {
	now func() time.Time
}

// NewResolver creates a Resolver stamping audit entries with now. A nil now
// uses time.Now.
func NewResolver(now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{now: now}
}

// Resolve computes the outcome of applying res to item. item itself is never
// modified.
func (r *Resolver) Resolve(item *models.SyncItem, res Resolution) (*Outcome, error) {
	if item == nil || item.Payload == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "conflicted item has no payload")
	}

	logging.Info("Resolving conflict",
		map[string]interface{}{
			"item_id":    item.ID,
			"type":       item.Type,
			"status":     item.Status,
			"resolution": res,
		})

	switch res {
	case KeepLocal:
		cp := item.Clone()
		cp.Payload = models.WithForceOverwrite(item.Payload)
		cp.Status = models.StatusPending
		cp.RetryCount = 0
		cp.Error = ""
		return &Outcome{Resolution: res, Item: cp, Requeue: true}, nil

	case KeepServer:
		return &Outcome{Resolution: res, Item: item, Discard: true}, nil
	}

	_, err := ParseResolution(string(res))
	return nil, err
}

// AuditEntry builds the audit record for an applied outcome.
func (r *Resolver) AuditEntry(id, deviceID string, o *Outcome) *models.AuditEntry {
	return &models.AuditEntry{
		ID:       id,
		Action:   models.AuditConflictResolved,
		ItemID:   o.Item.ID,
		DeviceID: deviceID,
		Detail: map[string]interface{}{
			"resolution": string(o.Resolution),
			"type":       string(o.Item.Type),
		},
		CreatedAt: r.now().UnixMilli(),
	}
}

// Conflict describes a rejected write: the stored copy is newer than the
// incoming one.
type Conflict struct {
	ItemID          string
	ServerUpdatedAt int64
	ClientUpdatedAt int64
	DetectedAt      int64
}

// Message is the reason reported back to the client.
func (c *Conflict) Message() string {
	return fmt.Sprintf("server has newer version (server %d > client %d)", c.ServerUpdatedAt, c.ClientUpdatedAt)
}

// DetectConflict reports a conflict when the stored version is strictly newer
// than the incoming one and the client did not ask to overwrite. Equal
// timestamps are accepted.
func DetectConflict(itemID string, serverUpdatedAt, clientUpdatedAt int64, forceOverwrite bool) (*Conflict, bool) {
	if forceOverwrite || serverUpdatedAt <= clientUpdatedAt {
		return nil, false
	}

	conflict := &Conflict{
		ItemID:          itemID,
		ServerUpdatedAt: serverUpdatedAt,
		ClientUpdatedAt: clientUpdatedAt,
		DetectedAt:      time.Now().UnixMilli(),
	}

	logging.Warn("Concurrent edit conflict detected",
		map[string]interface{}{
			"item_id":           itemID,
			"server_updated_at": serverUpdatedAt,
			"client_updated_at": clientUpdatedAt,
		})

	return conflict, true
}
