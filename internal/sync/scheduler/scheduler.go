// Package scheduler runs the background loops around the sync engine: a
// connectivity probe that drives the online flag and a periodic pass request.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/reportsync/internal/errors"
	"github.com/kimhsiao/reportsync/internal/logging"
	"github.com/kimhsiao/reportsync/internal/models"
	syncpkg "github.com/kimhsiao/reportsync/internal/sync"
)

// Prober checks that the sync endpoint is reachable.
type Prober interface {
	Health(ctx context.Context) error
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine        syncpkg.SyncEngineInterface
	prober        Prober
	syncInterval  time.Duration
	probeInterval time.Duration
	probeTimeout  time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.RWMutex
	isRunning     bool
	lastProbe     time.Time
	lastProbeErr  error
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // How often to request a pass (default: 5 minutes)
	ProbeInterval time.Duration // How often to check connectivity (default: 30 seconds)
	ProbeTimeout  time.Duration // Deadline for one probe (default: 10 seconds)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  5 * time.Minute,
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  10 * time.Second,
	}
}

// NewScheduler creates a new Scheduler. A nil prober disables the
// connectivity loop and leaves the online flag to the caller.
func NewScheduler(engine syncpkg.SyncEngineInterface, prober Prober, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}

	s := &Scheduler{
		engine:        engine,
		prober:        prober,
		syncInterval:  config.SyncInterval,
		probeInterval: config.ProbeInterval,
		probeTimeout:  config.ProbeTimeout,
	}
	if s.syncInterval <= 0 {
		s.syncInterval = defaults.SyncInterval
	}
	if s.probeInterval <= 0 {
		s.probeInterval = defaults.ProbeInterval
	}
	if s.probeTimeout <= 0 {
		s.probeTimeout = defaults.ProbeTimeout
	}
	return s
}

// Start starts the background loops. Calling Start on a running scheduler
// does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.periodicSyncLoop(ctx, stop)

	if s.prober != nil {
		s.wg.Add(1)
		go s.probeLoop(ctx, stop)
	}

	logging.Info("Background sync scheduler started",
		map[string]interface{}{
			"sync_interval_s":  s.syncInterval.Seconds(),
			"probe_interval_s": s.probeInterval.Seconds(),
			"probe_enabled":    s.prober != nil,
		})
}

// Stop stops the background loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	stop := s.stopCh
	s.mu.Unlock()

	close(stop)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// periodicSyncLoop requests a pass every syncInterval while online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !s.engine.IsOnline() {
				logging.Debug("Skipping periodic sync - offline", nil)
				continue
			}
			s.engine.TriggerSync()
		}
	}
}

// probeLoop checks connectivity immediately and then every probeInterval.
func (s *Scheduler) probeLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	s.probe(ctx)

	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

// probe runs one health check and reports the result to the engine.
func (s *Scheduler) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	err := s.prober.Health(probeCtx)
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	s.lastProbe = time.Now()
	s.lastProbeErr = err
	s.mu.Unlock()

	if err != nil {
		logging.Debug("Connectivity probe failed", map[string]interface{}{"error": err.Error()})
	}
	s.engine.SetOnline(err == nil)
}

// SetOnlineStatus overrides the online flag until the next probe.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.engine.SetOnline(isOnline)
}

// TriggerSync requests an immediate pass.
// Returns false without requesting when offline.
func (s *Scheduler) TriggerSync() bool {
	if !s.engine.IsOnline() {
		return false
	}
	s.engine.TriggerSync()
	return true
}

// SyncNow runs a pass and waits for it. A pass that ended on a transport or
// store failure is reported as SYNC_FAILED.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	result := s.engine.SyncNow(syncCtx)

	if result.Skipped != "" {
		logging.Info("Manual sync skipped", map[string]interface{}{"reason": string(result.Skipped)})
		return result, nil
	}
	if result.Error != "" {
		logging.ErrorWithCode("Manual sync failed", string(errors.ErrSyncFailed), nil,
			map[string]interface{}{"error": result.Error})
		return result, errors.New(errors.ErrSyncFailed, result.Error)
	}

	logging.Info("Manual sync completed",
		map[string]interface{}{
			"uploaded":  result.Uploaded,
			"conflicts": result.Conflicts,
			"rejected":  result.Rejected,
		})
	return result, nil
}

// SchedulerStatus is a snapshot of the scheduler and the engine.
type SchedulerStatus struct {
	IsRunning      bool
	IsOnline       bool
	LastProbe      *time.Time
	LastProbeError string
	State          models.SyncState
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) (SchedulerStatus, error) {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning: s.isRunning,
		IsOnline:  s.engine.IsOnline(),
	}
	if !s.lastProbe.IsZero() {
		t := s.lastProbe
		status.LastProbe = &t
	}
	if s.lastProbeErr != nil {
		status.LastProbeError = s.lastProbeErr.Error()
	}
	s.mu.RUnlock()

	state, err := s.engine.CurrentState(ctx)
	if err != nil {
		return status, err
	}
	status.State = state
	return status, nil
}

// IsOnline returns the engine's online flag.
func (s *Scheduler) IsOnline() bool {
	return s.engine.IsOnline()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
