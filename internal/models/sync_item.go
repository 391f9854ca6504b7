package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ItemStatus is the lifecycle state of a queued record.
type ItemStatus string

const (
	StatusPending  ItemStatus = "pending"
	StatusSyncing  ItemStatus = "syncing"
	StatusSynced   ItemStatus = "synced"
	StatusFailed   ItemStatus = "failed"
	StatusConflict ItemStatus = "conflict"
)

// SyncItem is a record waiting to be uploaded. Synced items are removed from
// the queue, so StatusSynced is never persisted.
type SyncItem struct {
	ID          string     `db:"id" json:"id"`
	Type        ItemType   `db:"type" json:"type"`
	Payload     Payload    `db:"payload" json:"payload"`
	Status      ItemStatus `db:"status" json:"status"`
	RetryCount  int        `db:"retry_count" json:"retryCount"`
	CreatedAt   int64      `db:"created_at" json:"createdAt"`
	LastAttempt *int64     `db:"last_attempt" json:"lastAttempt,omitempty"`
	Error       string     `db:"error" json:"error,omitempty"`
}

// TableName returns the table name for SyncItem.
func (SyncItem) TableName() string {
	return "sync_queue"
}

// UpdatedAt resolves the modification time sent to the server: the payload's
// own updatedAt, else the enqueue time.
func (s *SyncItem) UpdatedAt() int64 {
	if s.Payload != nil {
		if ms, ok := s.Payload.UpdatedAtMillis(); ok {
			return ms
		}
	}
	return s.CreatedAt
}

// CreatedAtTime returns CreatedAt as time.Time.
func (s *SyncItem) CreatedAtTime() time.Time {
	return time.UnixMilli(s.CreatedAt)
}

// RetryEligible reports whether the next upload pass should pick the item up.
func (s *SyncItem) RetryEligible() bool {
	return s.Status == StatusPending || s.Status == StatusFailed
}

// Clone returns a copy that shares no mutable state with s.
func (s *SyncItem) Clone() *SyncItem {
	cp := *s
	if s.LastAttempt != nil {
		at := *s.LastAttempt
		cp.LastAttempt = &at
	}
	if s.Payload != nil {
		cp.Payload = s.Payload.clone()
	}
	return &cp
}

type syncItemJSON struct {
	ID          string          `json:"id"`
	Type        ItemType        `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      ItemStatus      `json:"status"`
	RetryCount  int             `json:"retryCount"`
	CreatedAt   int64           `json:"createdAt"`
	LastAttempt *int64          `json:"lastAttempt,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// UnmarshalJSON decodes the payload into the concrete type named by "type".
func (s *SyncItem) UnmarshalJSON(data []byte) error {
	var raw syncItemJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Type, raw.Payload)
	if err != nil {
		return fmt.Errorf("sync item %s: %w", raw.ID, err)
	}
	*s = SyncItem{
		ID:          raw.ID,
		Type:        raw.Type,
		Payload:     payload,
		Status:      raw.Status,
		RetryCount:  raw.RetryCount,
		CreatedAt:   raw.CreatedAt,
		LastAttempt: raw.LastAttempt,
		Error:       raw.Error,
	}
	return nil
}
