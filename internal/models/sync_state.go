package models

// SyncState is the aggregate status reported to observers. It is computed on
// demand and never stored.
type SyncState struct {
	IsOnline      bool    `json:"isOnline"`
	IsSyncing     bool    `json:"isSyncing"`
	PendingCount  int     `json:"pendingCount"`
	ConflictCount int     `json:"conflictCount"`
	LastSyncAt    *int64  `json:"lastSyncAt"`
	LastError     *string `json:"lastError"`
}
