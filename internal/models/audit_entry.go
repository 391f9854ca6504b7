package models

import "time"

// Audit actions.
const (
	AuditSyncBatch        = "sync_batch"
	AuditConflictResolved = "conflict_resolved"
)

// AuditEntry is an append-only record of a sync side effect.
type AuditEntry struct {
	ID        string                 `db:"id" json:"id"`
	Action    string                 `db:"action" json:"action"`
	ItemID    string                 `db:"item_id" json:"itemId,omitempty"`
	DeviceID  string                 `db:"device_id" json:"deviceId,omitempty"`
	Detail    map[string]interface{} `db:"detail" json:"detail,omitempty"`
	CreatedAt int64                  `db:"created_at" json:"createdAt"`
}

// TableName returns the table name for AuditEntry.
func (AuditEntry) TableName() string {
	return "audit_log"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (a *AuditEntry) CreatedAtTime() time.Time {
	return time.UnixMilli(a.CreatedAt)
}
