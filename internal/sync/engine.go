// Package sync uploads the local write queue to the sync endpoint: batched
// passes guarded against re-entry, retry with capped exponential backoff,
// manual conflict resolution and state broadcasting.
package sync

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/kimhsiao/reportsync/internal/errors"
	"github.com/kimhsiao/reportsync/internal/logging"
	"github.com/kimhsiao/reportsync/internal/models"
	"github.com/kimhsiao/reportsync/internal/sync/conflict"
	"github.com/kimhsiao/reportsync/internal/sync/queue"
	"github.com/kimhsiao/reportsync/internal/sync/store"
	"github.com/kimhsiao/reportsync/internal/uuid"
)

// DefaultBatchSize is the number of items per upload request.
const DefaultBatchSize = 20

// Uploader posts one batch to the sync endpoint.
type Uploader interface {
	PostBatch(ctx context.Context, req *models.BatchRequest) (*models.BatchResponse, error)
}

// RefetchHook is called after a keep_server resolution so the data-loading
// layer can pull the server's copy of the record.
type RefetchHook func(ctx context.Context, id string, itemType models.ItemType) error

// Config holds the upload policy.
type Config struct {
	BatchSize   int
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig returns the default upload policy.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:   DefaultBatchSize,
		MaxRetries:  DefaultMaxRetries,
		BaseBackoff: DefaultBaseBackoff,
		MaxBackoff:  DefaultMaxBackoff,
	}
}

func (c *Config) withDefaults() Config {
	out := *DefaultConfig()
	if c == nil {
		return out
	}
	if c.BatchSize > 0 {
		out.BatchSize = c.BatchSize
	}
	if c.MaxRetries > 0 {
		out.MaxRetries = c.MaxRetries
	}
	if c.BaseBackoff > 0 {
		out.BaseBackoff = c.BaseBackoff
	}
	if c.MaxBackoff > 0 {
		out.MaxBackoff = c.MaxBackoff
	}
	return out
}

// Deps are the collaborators of an Engine. Store and Meta are required.
type Deps struct {
	Store store.Store
	Meta  store.MetaStore
	// Audit receives best-effort audit entries. Nil disables auditing.
	Audit store.AuditSink
	// Remote is the sync endpoint. Nil means no endpoint is configured and
	// every pass is a no-op.
	Remote Uploader
	// Timers schedules backoff retries. Defaults to a TimerSet.
	Timers RetryTimers
	// Refetch is called after keep_server resolutions.
	Refetch RefetchHook
	// Now defaults to time.Now.
	Now func() time.Time
}

// SkipReason explains why a requested pass did not run.
type SkipReason string

const (
	SkipInProgress    SkipReason = "in_progress"
	SkipOffline       SkipReason = "offline"
	SkipNotConfigured SkipReason = "not_configured"
)

// SyncResult summarizes one pass.
type SyncResult struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration_ns"`
	// Skipped is set when the pass did not run.
	Skipped   SkipReason `json:"skipped,omitempty"`
	Batches   int        `json:"batches"`
	Uploaded  int        `json:"uploaded"`
	Conflicts int        `json:"conflicts"`
	Rejected  int        `json:"rejected"`
	// Retried counts items returned to the queue by a failed batch.
	Retried int `json:"retried"`
	// Error describes the failure that ended the pass early, if any.
	Error string `json:"error,omitempty"`
}

// Engine owns the sync queue of one device. Construct it once per process and
// share it by pointer.
type Engine struct {
	cfg       Config
	queue     *queue.Manager
	meta      store.MetaStore
	audit     store.AuditSink
	remote    Uploader
	timers    RetryTimers
	refetch   RefetchHook
	resolver  *conflict.Resolver
	publisher *Publisher
	now       func() time.Time
	deviceID  string

	online     atomic.Bool
	inProgress atomic.Bool

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an Engine, loading or generating the device id and
// returning items stranded in syncing by a previous process to pending. The
// engine starts online.
func NewEngine(ctx context.Context, deps Deps, cfg *Config) (*Engine, error) {
	if deps.Store == nil || deps.Meta == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "sync engine requires a store and a meta store")
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}
	timers := deps.Timers
	if timers == nil {
		timers = NewTimerSet()
	}

	q := queue.NewManager(deps.Store)
	q.SetClock(now)

	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg.withDefaults(),
		queue:     q,
		meta:      deps.Meta,
		audit:     deps.Audit,
		remote:    deps.Remote,
		timers:    timers,
		refetch:   deps.Refetch,
		resolver:  conflict.NewResolver(now),
		publisher: NewPublisher(),
		now:       now,
		ctx:       baseCtx,
		cancel:    cancel,
	}
	e.online.Store(true)

	deviceID, err := EnsureDeviceID(ctx, deps.Meta)
	if err != nil {
		cancel()
		return nil, err
	}
	e.deviceID = deviceID

	if _, err := q.ResetSyncing(ctx); err != nil {
		cancel()
		return nil, err
	}

	logging.Info("Sync engine initialized",
		map[string]interface{}{
			"device_id":           deviceID,
			"endpoint_configured": deps.Remote != nil,
			"batch_size":          e.cfg.BatchSize,
			"max_retries":         e.cfg.MaxRetries,
		})

	return e, nil
}

// EnsureDeviceID returns the persisted device id, generating and storing one
// on first use.
func EnsureDeviceID(ctx context.Context, meta store.MetaStore) (string, error) {
	id, ok, err := meta.GetMeta(ctx, store.MetaDeviceID)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "failed to read device id", err)
	}
	if ok && id != "" {
		return id, nil
	}

	id = uuid.New()
	if err := meta.SetMeta(ctx, store.MetaDeviceID, id); err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "failed to store device id", err)
	}
	logging.Info("Generated device id", map[string]interface{}{"device_id": id})
	return id, nil
}

// DeviceID returns the stable identifier sent with every batch.
func (e *Engine) DeviceID() string {
	return e.deviceID
}

// Enqueue stores a new pending item, publishes state and, when online,
// requests a pass without waiting for it.
func (e *Engine) Enqueue(ctx context.Context, payload models.Payload) (*models.SyncItem, error) {
	item, err := e.queue.Enqueue(ctx, payload)
	if err != nil {
		return nil, err
	}

	e.publish(ctx)
	if e.IsOnline() {
		e.TriggerSync()
	}
	return item, nil
}

// PendingItems returns the items the next pass will upload.
func (e *Engine) PendingItems(ctx context.Context) ([]*models.SyncItem, error) {
	return e.queue.PendingItems(ctx)
}

// ConflictedItems returns the items waiting for a resolution.
func (e *Engine) ConflictedItems(ctx context.Context) ([]*models.SyncItem, error) {
	return e.queue.ConflictedItems(ctx)
}

// FailedItems returns the items whose last attempt failed permanently.
func (e *Engine) FailedItems(ctx context.Context) ([]*models.SyncItem, error) {
	return e.queue.FailedItems(ctx)
}

// Stats returns queue counts by status.
func (e *Engine) Stats(ctx context.Context) (map[string]int, error) {
	return e.queue.Stats(ctx)
}

// TriggerSync requests a pass on a background goroutine and returns
// immediately. Requests made while a pass is running are dropped.
func (e *Engine) TriggerSync() {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.SyncNow(e.ctx)
	}()
}

// Wait blocks until every pass started by TriggerSync has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// RetryFailed resets every failed item to pending with a fresh retry budget
// and requests a pass.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	n, err := e.queue.RetryAll(ctx)
	if err != nil {
		return 0, err
	}

	e.publish(ctx)
	e.TriggerSync()
	return n, nil
}

// SetOnline records the network status. Going from offline to online
// requests a pass.
func (e *Engine) SetOnline(online bool) {
	was := e.online.Swap(online)
	if was == online {
		return
	}

	logging.Info("Online status changed",
		map[string]interface{}{
			"was_online": was,
			"is_online":  online,
		})

	e.publish(e.ctx)
	if online {
		e.TriggerSync()
	}
}

// IsOnline reports the last known network status.
func (e *Engine) IsOnline() bool {
	return e.online.Load()
}

// IsSyncing reports whether a pass is running.
func (e *Engine) IsSyncing() bool {
	return e.inProgress.Load()
}

// ResolveConflict applies the user's decision to the item with id. An
// unknown id is a no-op.
func (e *Engine) ResolveConflict(ctx context.Context, id string, res conflict.Resolution) error {
	if _, err := conflict.ParseResolution(string(res)); err != nil {
		return err
	}

	item, err := e.queue.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		logging.Debug("Conflict resolution for unknown item ignored", map[string]interface{}{"item_id": id})
		return nil
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to load item "+id, err)
	}

	outcome, err := e.resolver.Resolve(item, res)
	if err != nil {
		return err
	}

	switch {
	case outcome.Requeue:
		if err := e.queue.Put(ctx, outcome.Item); err != nil {
			return err
		}
	case outcome.Discard:
		if err := e.queue.Remove(ctx, item.ID); err != nil {
			return err
		}
		if e.refetch != nil {
			if err := e.refetch(ctx, item.ID, item.Type); err != nil {
				logging.Warn("Refetch after keep_server failed",
					map[string]interface{}{"item_id": item.ID, "error": err.Error()})
			}
		}
	}

	e.logAudit(ctx, e.resolver.AuditEntry(uuid.New(), e.deviceID, outcome))
	e.publish(ctx)

	if outcome.Requeue {
		e.TriggerSync()
	}
	return nil
}

// CurrentState computes the aggregate status from the store and the
// transient flags. LastError is always nil: failures are reported per item.
func (e *Engine) CurrentState(ctx context.Context) (models.SyncState, error) {
	state := models.SyncState{
		IsOnline:  e.IsOnline(),
		IsSyncing: e.IsSyncing(),
	}

	stats, err := e.queue.Stats(ctx)
	if err != nil {
		return state, err
	}
	state.PendingCount = stats[string(models.StatusPending)] + stats[string(models.StatusFailed)]
	state.ConflictCount = stats[string(models.StatusConflict)]

	last, err := e.LastSyncAt(ctx)
	if err != nil {
		return state, err
	}
	state.LastSyncAt = last

	return state, nil
}

// LastSyncAt returns the persisted end time of the last completed pass.
func (e *Engine) LastSyncAt(ctx context.Context) (*int64, error) {
	raw, ok, err := e.meta.GetMeta(ctx, store.MetaLastSyncAt)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read last sync time", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "stored last sync time is corrupt", err)
	}
	return &ms, nil
}

// Subscribe registers fn to receive the state after every mutation.
func (e *Engine) Subscribe(fn func(models.SyncState)) (unsubscribe func()) {
	return e.publisher.Subscribe(fn)
}

// SubscribeChan is Subscribe with channel delivery.
func (e *Engine) SubscribeChan(buffer int) (<-chan models.SyncState, func()) {
	return e.publisher.SubscribeChan(buffer)
}

// Close cancels retry timers, waits for running passes and releases the
// engine. The store is not closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.timers.Stop()
	e.wg.Wait()
	e.cancel()
	logging.Info("Sync engine stopped", nil)
	return nil
}

func (e *Engine) publish(ctx context.Context) {
	state, err := e.CurrentState(ctx)
	if err != nil {
		logging.Error("Failed to compute sync state", err)
		return
	}
	e.publisher.Publish(state)
}

func (e *Engine) logAudit(ctx context.Context, entry *models.AuditEntry) {
	if e.audit == nil {
		return
	}
	if err := e.audit.LogEvent(ctx, entry); err != nil {
		logging.Warn("Failed to write audit entry",
			map[string]interface{}{"action": entry.Action, "item_id": entry.ItemID, "error": err.Error()})
	}
}
