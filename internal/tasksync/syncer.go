package tasksync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	defaultSyncInterval     = 30 * time.Second
	defaultResyncBackoffMin = 2 * time.Second
	defaultResyncBackoffMax = 5 * time.Minute
)

type SyncerOptions struct {
	Store            *TaskStore
	Server           ServerAPI
	Engine           *RecoveryEngine
	Interval         time.Duration
	ResyncBackoffMin time.Duration
	ResyncBackoffMax time.Duration
	Logger           Logger
}

// Syncer drives the timer-based background reconciliation: checksum
// probe, delta pull, and the full-resync escalation path shared with
// the recovery engine.
type Syncer struct {
	store      *TaskStore
	server     ServerAPI
	engine     *RecoveryEngine
	interval   time.Duration
	backoffMin time.Duration
	backoffMax time.Duration
	logger     Logger

	mu             sync.Mutex
	resyncFailures int
	nextResyncAt   time.Time
	resyncing      bool
}

func NewSyncer(opts SyncerOptions) (*Syncer, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if opts.Server == nil {
		return nil, fmt.Errorf("%w: server client is required", ErrInvalidInput)
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	backoffMin := opts.ResyncBackoffMin
	if backoffMin <= 0 {
		backoffMin = defaultResyncBackoffMin
	}
	backoffMax := opts.ResyncBackoffMax
	if backoffMax <= 0 {
		backoffMax = defaultResyncBackoffMax
	}
	return &Syncer{
		store:      opts.Store,
		server:     opts.Server,
		engine:     opts.Engine,
		interval:   interval,
		backoffMin: backoffMin,
		backoffMax: backoffMax,
		logger:     opts.Logger,
	}, nil
}

// Run loops until the context is cancelled. A failed tick is logged
// and retried on the next one; a background tick must never take the
// process down.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				s.logf("syncer: tick failed: %v", err)
			}
		}
	}
}

// SyncOnce performs one checksum-probe-then-delta pass. All-or-nothing
// per tick: no partial application on failure. A tick that lands while
// a sync is already in flight is skipped entirely, not queued.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	info, err := s.server.FetchChecksum(ctx, s.store.WorkspaceID())
	if err != nil {
		return fmt.Errorf("fetch checksum: %w", err)
	}
	if info.Checksum != "" && info.Checksum == s.store.Checksum() {
		return nil
	}
	tasks, err := s.server.FetchDelta(ctx, s.store.WorkspaceID(), s.store.Metadata().LastEventID)
	if err != nil {
		return fmt.Errorf("fetch delta: %w", err)
	}
	stats, err := s.store.Sync(tasks)
	if err != nil {
		if err == ErrSyncInProgress {
			s.logf("syncer: sync in progress, skipping tick")
			return nil
		}
		return err
	}
	s.store.SetLastEvent(info.LastEventID, 0)
	s.logf("syncer: delta sync applied (inserted=%d merged=%d retained=%d conflicts=%d)",
		stats.Inserted, stats.Merged, stats.Retained, stats.Conflicts)
	return nil
}

// FullResync re-establishes a known-good baseline: complete
// authoritative task list plus checksum and last applied sequence,
// applied as one server-authoritative batch merge. Repeated failures
// back off rather than loop tightly, and surface a persistent
// stale-state notification since the cache's relationship to server
// truth is unknown.
func (s *Syncer) FullResync(ctx context.Context) error {
	s.mu.Lock()
	if s.resyncing {
		s.mu.Unlock()
		return nil
	}
	if !s.nextResyncAt.IsZero() && time.Now().Before(s.nextResyncAt) {
		wait := time.Until(s.nextResyncAt)
		s.mu.Unlock()
		s.logf("syncer: resync backed off for another %s", wait.Round(time.Millisecond))
		return fmt.Errorf("%w: backed off for %s", ErrResyncFailed, wait.Round(time.Millisecond))
	}
	s.resyncing = true
	s.mu.Unlock()

	err := s.fullResync(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncing = false
	if err != nil {
		s.resyncFailures++
		backoff := s.backoffMin << (s.resyncFailures - 1)
		if backoff > s.backoffMax || backoff <= 0 {
			backoff = s.backoffMax
		}
		s.nextResyncAt = time.Now().Add(backoff)
		s.store.NotifyStale()
		return fmt.Errorf("%w: %v", ErrResyncFailed, err)
	}
	s.resyncFailures = 0
	s.nextResyncAt = time.Time{}
	return nil
}

func (s *Syncer) fullResync(ctx context.Context) error {
	state, err := s.server.FetchFullState(ctx, s.store.WorkspaceID())
	if err != nil {
		return fmt.Errorf("fetch full state: %w", err)
	}
	if _, err := s.store.Sync(state.Tasks); err != nil {
		if err == ErrSyncInProgress {
			// Another reconciliation owns the store right now; the
			// resync trigger is idempotent and will fire again if the
			// gap persists.
			s.logf("syncer: resync deferred, sync in progress")
			return nil
		}
		return err
	}
	s.store.SetLastEvent(state.LastEventID, state.LastSeq)
	if s.engine != nil {
		s.engine.Reset(state.LastSeq)
	}
	s.logf("syncer: full resync complete, %d tasks, lastSeq=%d", len(state.Tasks), state.LastSeq)
	return nil
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
