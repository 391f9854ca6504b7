package sync

import (
	"context"

	"github.com/kimhsiao/reportsync/internal/models"
)

// SyncEngineInterface is the part of Engine driven by background schedulers.
// It allows for mocking in tests.
type SyncEngineInterface interface {
	// TriggerSync requests a pass without waiting for it.
	TriggerSync()

	// SyncNow runs a pass on the caller's goroutine.
	SyncNow(ctx context.Context) *SyncResult

	// SetOnline records the network status; offline to online requests a pass.
	SetOnline(online bool)

	// IsOnline returns the last recorded network status.
	IsOnline() bool

	// CurrentState returns the aggregate sync status.
	CurrentState(ctx context.Context) (models.SyncState, error)
}

var _ SyncEngineInterface = (*Engine)(nil)
