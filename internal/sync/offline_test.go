package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/reportsync/internal/db"
	"github.com/kimhsiao/reportsync/internal/models"
)

// openOffline opens the sqlite queue in dir behind an offline engine.
func openOffline(t *testing.T, dir string, up Uploader) (*Engine, *db.Repository) {
	t.Helper()
	repo, err := db.OpenStore(dir)
	require.NoError(t, err)

	e, err := NewEngine(context.Background(), Deps{
		Store:  repo,
		Meta:   repo,
		Audit:  repo,
		Remote: up,
		Timers: &fakeTimers{},
	}, nil)
	require.NoError(t, err)
	e.SetOnline(false)
	return e, repo
}

func closeOffline(t *testing.T, e *Engine, repo *db.Repository) {
	t.Helper()
	require.NoError(t, e.Close())
	require.NoError(t, repo.Close())
}

// =====================================================
// Offline Persistence Tests
// =====================================================

// TestOffline_queueSurvivesRestart verifies queued writes and the device id
// outlive the process.
func TestOffline_queueSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{}

	e, repo := openOffline(t, dir, up)
	enqueueN(t, e, 3)
	deviceID := e.DeviceID()
	closeOffline(t, e, repo)

	e, repo = openOffline(t, dir, up)
	defer closeOffline(t, e, repo)

	pending, err := e.PendingItems(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "r-00", pending[0].ID, "queue order must survive restart")
	assert.Equal(t, deviceID, e.DeviceID())
	assert.Empty(t, up.Calls())
}

// TestOffline_strandedSyncingRecovered verifies items left in syncing by a
// crashed pass become pending again.
func TestOffline_strandedSyncingRecovered(t *testing.T) {
	dir := t.TempDir()

	e, repo := openOffline(t, dir, &fakeUploader{})
	enqueueN(t, e, 1)
	item, err := repo.Get(context.Background(), "r-00")
	require.NoError(t, err)
	item.Status = models.StatusSyncing
	require.NoError(t, repo.Put(context.Background(), item))
	closeOffline(t, e, repo)

	e, repo = openOffline(t, dir, &fakeUploader{})
	defer closeOffline(t, e, repo)

	item, err = repo.Get(context.Background(), "r-00")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, item.Status)
}

// TestOffline_reconnectAfterRestart verifies a queue written offline drains
// once the next process comes online.
func TestOffline_reconnectAfterRestart(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{}

	e, repo := openOffline(t, dir, up)
	enqueueN(t, e, 25)
	closeOffline(t, e, repo)

	e, repo = openOffline(t, dir, up)
	defer closeOffline(t, e, repo)

	e.SetOnline(true)
	e.Wait()

	require.Len(t, up.Calls(), 2)
	state, err := e.CurrentState(context.Background())
	require.NoError(t, err)
	assert.Zero(t, state.PendingCount)
	require.NotNil(t, state.LastSyncAt)

	entries, err := repo.ListAuditEntries(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "one audit entry per batch")
}

// cancellingUploader cancels the caller's context mid-request, as a client
// disconnecting from the control API would.
type cancellingUploader struct {
	cancel context.CancelFunc
}

func (u *cancellingUploader) PostBatch(ctx context.Context, _ *models.BatchRequest) (*models.BatchResponse, error) {
	u.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

// TestOffline_cancelledPassRequeues verifies a pass whose caller goes away
// leaves its batch pending with a retry scheduled instead of stuck in syncing.
func TestOffline_cancelledPassRequeues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, repo := openOffline(t, t.TempDir(), &cancellingUploader{cancel: cancel})
	defer closeOffline(t, e, repo)

	enqueueN(t, e, 2)
	e.online.Store(true)
	result := e.SyncNow(ctx)

	assert.Equal(t, context.Canceled.Error(), result.Error)
	assert.Equal(t, 2, result.Retried)

	for _, id := range []string{"r-00", "r-01"} {
		item, err := repo.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, item.Status, id)
		assert.Equal(t, 1, item.RetryCount, id)
	}

	state, err := e.CurrentState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, state.PendingCount)
	assert.Len(t, e.timers.(*fakeTimers).Entries(), 1)

	last, err := e.LastSyncAt(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, last)
}
