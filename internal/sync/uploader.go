package sync

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/kimhsiao/reportsync/internal/errors"
	"github.com/kimhsiao/reportsync/internal/logging"
	"github.com/kimhsiao/reportsync/internal/models"
	"github.com/kimhsiao/reportsync/internal/sync/store"
	"github.com/kimhsiao/reportsync/internal/uuid"
)

// batchOutcome tells the pass loop how to continue after a batch.
type batchOutcome int

const (
	batchDone batchOutcome = iota
	// batchRetry: the request failed; the items were requeued and a retry
	// timer is set. The pass stops but still counts as completed.
	batchRetry
	// batchAborted: the store failed; the pass stops without recording
	// lastSyncAt.
	batchAborted
)

// SyncNow runs one pass on the caller's goroutine. It is a no-op when a pass
// is already running, the device is offline or no endpoint is configured.
// Failures are reported through item status, never as an error. Cancelling
// ctx aborts the upload request only; queue bookkeeping still completes.
func (e *Engine) SyncNow(ctx context.Context) *SyncResult {
	result := &SyncResult{StartTime: e.now()}

	switch {
	case e.remote == nil:
		result.Skipped = SkipNotConfigured
	case !e.IsOnline():
		result.Skipped = SkipOffline
	case !e.inProgress.CompareAndSwap(false, true):
		result.Skipped = SkipInProgress
	}
	if result.Skipped != "" {
		logging.Debug("Sync pass skipped", map[string]interface{}{"reason": string(result.Skipped)})
		result.EndTime = result.StartTime
		return result
	}

	storeCtx := context.WithoutCancel(ctx)
	e.publish(storeCtx)

	completed := e.runPass(ctx, storeCtx, result)

	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.inProgress.Store(false)
	if completed {
		e.recordLastSync(storeCtx, result.EndTime.UnixMilli())
	}
	e.publish(storeCtx)

	if result.Batches > 0 {
		logging.Info("Sync pass finished",
			map[string]interface{}{
				"batches":     result.Batches,
				"uploaded":    result.Uploaded,
				"conflicts":   result.Conflicts,
				"rejected":    result.Rejected,
				"retried":     result.Retried,
				"duration_ms": result.Duration.Milliseconds(),
			})
	}
	return result
}

// runPass uploads every eligible item and reports whether lastSyncAt should
// be recorded. ctx bounds the requests; storeCtx is used for queue writes.
func (e *Engine) runPass(ctx, storeCtx context.Context, result *SyncResult) bool {
	items, err := e.queue.PendingItems(storeCtx)
	if err != nil {
		logging.ErrorWithCode("Failed to read pending items", string(apperrors.ErrDatabase), err)
		result.Error = err.Error()
		return false
	}
	if len(items) == 0 {
		return false
	}

	for start := 0; start < len(items); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(items) {
			end = len(items)
		}

		switch e.uploadBatch(ctx, storeCtx, items[start:end], result) {
		case batchRetry:
			return true
		case batchAborted:
			return false
		}
	}
	return true
}

// uploadBatch sends one batch and applies the per-item results.
func (e *Engine) uploadBatch(ctx, storeCtx context.Context, snapshot []*models.SyncItem, result *SyncResult) batchOutcome {
	batch, err := e.queue.MarkSyncing(storeCtx, snapshot)
	if err != nil {
		logging.ErrorWithCode("Failed to mark batch as syncing", string(apperrors.ErrDatabase), err,
			map[string]interface{}{"batch_size": len(snapshot)})
		result.Error = err.Error()
		return e.abortBatch(storeCtx, batch, snapshot[0])
	}
	if len(batch) == 0 {
		return batchDone
	}
	result.Batches++

	resp, err := e.postBatch(ctx, batch)
	if err != nil {
		return e.failBatch(storeCtx, batch, err, result)
	}

	byID := resp.ByID()
	var storeErr error
	for _, item := range batch {
		res := byID[item.ID]

		settled, err := e.queue.Settle(storeCtx, item, func() error {
			switch res.Status {
			case models.ResultOK:
				return e.queue.Complete(storeCtx, item.ID)
			case models.ResultConflict:
				return e.queue.MarkConflict(storeCtx, item, res.Message)
			default:
				return e.queue.MarkFailed(storeCtx, item, res.Message)
			}
		})
		if err != nil {
			if storeErr == nil {
				storeErr = err
			}
			continue
		}
		if !settled {
			continue
		}
		switch res.Status {
		case models.ResultOK:
			result.Uploaded++
		case models.ResultConflict:
			result.Conflicts++
		default:
			result.Rejected++
		}
	}

	e.logAudit(storeCtx, &models.AuditEntry{
		ID:       uuid.New(),
		Action:   models.AuditSyncBatch,
		DeviceID: e.deviceID,
		Detail: map[string]interface{}{
			"batch_size":  len(batch),
			"server_time": resp.ServerTime,
		},
		CreatedAt: e.now().UnixMilli(),
	})

	if storeErr != nil {
		logging.ErrorWithCode("Failed to apply batch results", string(apperrors.ErrDatabase), storeErr)
		result.Error = storeErr.Error()
		return e.abortBatch(storeCtx, batch, batch[0])
	}
	return batchDone
}

// postBatch sends batch and checks that every item has a result.
func (e *Engine) postBatch(ctx context.Context, batch []*models.SyncItem) (*models.BatchResponse, error) {
	req, err := models.NewBatchRequest(e.deviceID, batch)
	if err != nil {
		return nil, err
	}

	resp, err := e.remote.PostBatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("malformed response: empty body")
	}

	ids := make([]string, len(batch))
	for i, item := range batch {
		ids[i] = item.ID
	}
	if missing := resp.Missing(ids); len(missing) > 0 {
		return nil, fmt.Errorf("malformed response: no result for %s", strings.Join(missing, ", "))
	}
	return resp, nil
}

// failBatch requeues a batch after a transport failure and schedules a retry
// pass keyed by the batch's first item.
func (e *Engine) failBatch(ctx context.Context, batch []*models.SyncItem, cause error, result *SyncResult) batchOutcome {
	logging.ErrorWithCode("Batch upload failed", string(apperrors.ErrSyncFailed), cause,
		map[string]interface{}{"batch_size": len(batch), "first_item": batch[0].ID})

	result.Error = cause.Error()
	for _, item := range batch {
		settled, err := e.queue.Settle(ctx, item, func() error {
			return e.queue.RecordFailure(ctx, []*models.SyncItem{item}, e.cfg.MaxRetries, cause)
		})
		if err != nil {
			logging.ErrorWithCode("Failed to record batch failure", string(apperrors.ErrDatabase), err)
			return e.abortBatch(ctx, batch, batch[0])
		}
		if settled {
			result.Retried++
		}
	}

	e.scheduleRetry(batch[0])
	return batchRetry
}

// abortBatch returns the batch's items still marked syncing to pending after
// a store failure and schedules a retry pass keyed by key. Errors are logged
// only: ResetSyncing at the next start recovers whatever this cannot.
func (e *Engine) abortBatch(ctx context.Context, batch []*models.SyncItem, key *models.SyncItem) batchOutcome {
	for _, item := range batch {
		_, err := e.queue.Settle(ctx, item, func() error {
			return e.queue.Requeue(ctx, item)
		})
		if err != nil {
			logging.Warn("Failed to release item after aborted batch",
				map[string]interface{}{"item_id": item.ID, "error": err.Error()})
		}
	}
	e.scheduleRetry(key)
	return batchAborted
}

// scheduleRetry sets the backoff timer keyed by first.
func (e *Engine) scheduleRetry(first *models.SyncItem) {
	delay := BackoffDelay(first.RetryCount, e.cfg.BaseBackoff, e.cfg.MaxBackoff)
	e.timers.Schedule(first.ID, delay, e.TriggerSync)

	logging.Info("Scheduled sync retry",
		map[string]interface{}{
			"delay_ms":    delay.Milliseconds(),
			"retry_count": first.RetryCount,
			"key":         first.ID,
		})
}

func (e *Engine) recordLastSync(ctx context.Context, at int64) {
	if err := e.meta.SetMeta(ctx, store.MetaLastSyncAt, strconv.FormatInt(at, 10)); err != nil {
		logging.Error("Failed to persist last sync time", err)
	}
}
