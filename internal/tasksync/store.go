package tasksync

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrWorkspaceMismatch = errors.New("workspace mismatch")
	ErrSyncInProgress    = errors.New("sync already in progress")
	ErrNotInitialized    = errors.New("store not initialized")
	ErrStoreClosed       = errors.New("store closed")
	ErrResyncFailed      = errors.New("full resync failed")
)

// Logger is the minimal logging surface injected into every component.
// A nil logger is silent.
type Logger interface {
	Printf(format string, args ...any)
}

// Notification is delivered to subscribers after every mutating
// operation. It is the sole mechanism for callers to learn of state
// changes.
type Notification struct {
	Action   string   `json:"action"`
	TaskID   string   `json:"taskId,omitempty"`
	Counters Counters `json:"counters"`
}

const (
	ActionCreate     = "create"
	ActionUpdate     = "update"
	ActionRemove     = "remove"
	ActionConfirm    = "confirm"
	ActionSync       = "sync"
	ActionStaleState = "stale_state"
)

// Filter selects tasks from the in-memory index. Query is a
// case-insensitive substring match over title and description.
type Filter struct {
	Status         Status
	Priority       string
	Assignee       string
	Query          string
	IncludeDeleted bool
}

type UpsertOptions struct {
	SkipPersist bool
	Strategy    MergeStrategy
}

// InitReport carries the observability numbers for a cache-first
// startup: the UI can paint as soon as Init returns.
type InitReport struct {
	CacheLoadTime time.Duration `json:"cacheLoadTime"`
	FirstPaintAt  time.Time     `json:"firstPaintAt"`
	TaskCount     int           `json:"taskCount"`
}

type SyncMetadata struct {
	LastSync       time.Time `json:"lastSync"`
	LastEventID    string    `json:"lastEventId"`
	LastAppliedSeq uint64    `json:"lastAppliedSeq"`
}

type TaskStoreOptions struct {
	WorkspaceID string
	Backend     StoreBackend
	Merger      *DeltaMerger
	Strategy    MergeStrategy
	Logger      Logger
}

// TaskStore is the façade over the in-memory index and the durable
// store. It owns both exclusively: the recovery engine and merger are
// stateless with respect to storage.
type TaskStore struct {
	mu          sync.RWMutex
	workspaceID string
	backend     StoreBackend
	merger      *DeltaMerger
	strategy    MergeStrategy
	logger      Logger

	tasks       map[string]TaskRecord
	meta        SyncMetadata
	counters    *Counters
	subscribers []func(Notification)
	initialized bool
	syncing     bool
}

func NewTaskStore(opts TaskStoreOptions) (*TaskStore, error) {
	if strings.TrimSpace(opts.WorkspaceID) == "" {
		return nil, fmt.Errorf("%w: workspace id is required", ErrInvalidInput)
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("%w: store backend is required", ErrInvalidInput)
	}
	merger := opts.Merger
	if merger == nil {
		merger = NewDeltaMerger()
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyFieldUnion
	}
	return &TaskStore{
		workspaceID: opts.WorkspaceID,
		backend:     opts.Backend,
		merger:      merger,
		strategy:    strategy,
		logger:      opts.Logger,
		tasks:       map[string]TaskRecord{},
	}, nil
}

// Init loads the cached snapshot into memory and rebuilds the index.
// A backend failure here is fatal: silently degrading to memory-only
// would break the cache-first guarantee across restarts.
func (s *TaskStore) Init() (InitReport, error) {
	start := time.Now()
	snapshot, err := s.backend.Load()
	if err != nil {
		return InitReport{}, fmt.Errorf("load task cache: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = map[string]TaskRecord{}
	s.meta = SyncMetadata{}
	if snapshot != nil {
		if snapshot.SchemaVersion != snapshotSchemaVersion {
			s.logf("taskstore: snapshot schema %d != %d, wiping cache", snapshot.SchemaVersion, snapshotSchemaVersion)
		} else {
			for id, task := range snapshot.Tasks {
				if task.WorkspaceID != s.workspaceID {
					continue
				}
				s.tasks[id] = task
			}
			s.meta = snapshot.Meta
		}
	}
	s.counters = nil
	s.initialized = true
	return InitReport{
		CacheLoadTime: time.Since(start),
		FirstPaintAt:  time.Now(),
		TaskCount:     len(s.tasks),
	}, nil
}

func (s *TaskStore) WorkspaceID() string {
	return s.workspaceID
}

func (s *TaskStore) GetTask(id string) (TaskRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return TaskRecord{}, false
	}
	return task.Clone(), true
}

func (s *TaskStore) GetTasks(filter Filter) []TaskRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	out := make([]TaskRecord, 0, len(s.tasks))
	for _, task := range s.tasks {
		if task.Deleted() && !filter.IncludeDeleted {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && task.Priority != filter.Priority {
			continue
		}
		if filter.Assignee != "" && task.Assignee != filter.Assignee {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(task.Title), query) &&
			!strings.Contains(strings.ToLower(task.Description), query) {
			continue
		}
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpsertTask merges into an existing record or inserts a new one.
// Records from other workspaces never enter the store.
func (s *TaskStore) UpsertTask(task TaskRecord, opts UpsertOptions) error {
	if task.ID == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidInput)
	}
	if task.WorkspaceID != s.workspaceID {
		return fmt.Errorf("%w: task workspace %q, store workspace %q", ErrWorkspaceMismatch, task.WorkspaceID, s.workspaceID)
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = s.strategy
	}

	s.mu.Lock()
	action := ActionCreate
	if existing, ok := s.tasks[task.ID]; ok {
		action = ActionUpdate
		result := s.merger.Merge(existing, task, strategy)
		for _, conflict := range result.Conflicts {
			s.logf("taskstore: merge conflict on %s.%s resolved to %s", conflict.TaskID, conflict.Field, conflict.Resolution)
		}
		s.tasks[task.ID] = result.Merged
	} else {
		s.tasks[task.ID] = task.Clone()
	}
	s.counters = nil
	if !opts.SkipPersist {
		s.persistLocked()
	}
	notify := s.notificationLocked(action, task.ID)
	s.mu.Unlock()

	s.dispatch(notify)
	return nil
}

// ApplyEvent applies a validated, ordered sync event. Create and
// update both upsert; delete soft-deletes, keeping the record for
// undo and audit.
func (s *TaskStore) ApplyEvent(ev SyncEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.WorkspaceID != s.workspaceID {
		return fmt.Errorf("%w: event workspace %q, store workspace %q", ErrWorkspaceMismatch, ev.WorkspaceID, s.workspaceID)
	}
	task := ev.Task.Clone()
	task.WorkspaceID = s.workspaceID
	task.ActorRank = ActorRankServer
	task.EventID = ev.EventID
	if task.VectorClock == nil {
		task.VectorClock = ev.VectorClock.clone()
	}

	switch ev.Type {
	case EventCreate, EventUpdate:
		if err := s.UpsertTask(task, UpsertOptions{Strategy: StrategyServerAuthoritative}); err != nil {
			return err
		}
	case EventDelete:
		if task.DeletedAt == nil {
			ts := task.serverTimestamp()
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			task.DeletedAt = &ts
		}
		if err := s.UpsertTask(task, UpsertOptions{Strategy: StrategyServerAuthoritative}); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: event type %q", ErrInvalidInput, ev.Type)
	}

	s.mu.Lock()
	if ev.EventID != "" {
		s.meta.LastEventID = ev.EventID
	}
	if ev.SequenceNum > s.meta.LastAppliedSeq {
		s.meta.LastAppliedSeq = ev.SequenceNum
	}
	s.mu.Unlock()
	return nil
}

// RemoveTask hard-removes a record from the index and the durable
// store. Distinct from soft-delete; used for server-confirmed true
// deletions.
func (s *TaskStore) RemoveTask(id string) error {
	s.mu.Lock()
	if _, ok := s.tasks[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.tasks, id)
	s.counters = nil
	s.persistLocked()
	notify := s.notificationLocked(ActionRemove, id)
	s.mu.Unlock()

	s.dispatch(notify)
	return nil
}

// ConfirmTask atomically replaces a provisional record with its
// server-confirmed counterpart. The two are never simultaneously live.
func (s *TaskStore) ConfirmTask(provisionalID string, confirmed TaskRecord) error {
	if confirmed.ID == "" {
		return fmt.Errorf("%w: confirmed task id is required", ErrInvalidInput)
	}
	if confirmed.WorkspaceID != s.workspaceID {
		return fmt.Errorf("%w: task workspace %q, store workspace %q", ErrWorkspaceMismatch, confirmed.WorkspaceID, s.workspaceID)
	}
	confirmed.Provisional = false
	if confirmed.ActorRank == 0 {
		confirmed.ActorRank = ActorRankServer
	}

	s.mu.Lock()
	delete(s.tasks, provisionalID)
	s.tasks[confirmed.ID] = confirmed.Clone()
	s.counters = nil
	s.persistLocked()
	notify := s.notificationLocked(ActionConfirm, confirmed.ID)
	s.mu.Unlock()

	s.dispatch(notify)
	return nil
}

// BatchUpdate applies each task with persistence deferred, then
// flushes once: one durable write for N logical changes.
func (s *TaskStore) BatchUpdate(tasks []TaskRecord) error {
	for _, task := range tasks {
		if err := s.UpsertTask(task, UpsertOptions{SkipPersist: true}); err != nil {
			return err
		}
	}
	return s.Flush()
}

// Flush writes the current snapshot to the durable store.
func (s *TaskStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Save(s.snapshotLocked())
}

// Sync runs a full reconciliation pass against the authoritative
// server set. The lock is held across the whole pass: the merge is
// pure computation, and an upsert landing mid-merge would otherwise be
// overwritten by an index built from the pre-upsert snapshot.
// Concurrent calls are rejected, not interleaved.
func (s *TaskStore) Sync(serverTasks []TaskRecord) (BatchStats, error) {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		s.logf("taskstore: sync already in progress, skipping")
		return BatchStats{}, ErrSyncInProgress
	}
	s.syncing = true

	incoming := make([]TaskRecord, 0, len(serverTasks))
	for _, task := range serverTasks {
		if task.WorkspaceID != "" && task.WorkspaceID != s.workspaceID {
			s.logf("taskstore: dropping foreign-workspace task %s from sync", task.ID)
			continue
		}
		task.WorkspaceID = s.workspaceID
		if task.ActorRank == 0 {
			task.ActorRank = ActorRankServer
		}
		incoming = append(incoming, task)
	}
	local := make([]TaskRecord, 0, len(s.tasks))
	for _, task := range s.tasks {
		local = append(local, task)
	}
	result := s.merger.BatchMerge(local, incoming, StrategyServerAuthoritative)
	for _, conflict := range result.Conflicts {
		s.logf("taskstore: sync conflict on %s.%s resolved to %s", conflict.TaskID, conflict.Field, conflict.Resolution)
	}

	s.tasks = make(map[string]TaskRecord, len(result.Merged))
	for _, task := range result.Merged {
		s.tasks[task.ID] = task
	}
	s.counters = nil
	s.meta.LastSync = time.Now().UTC()
	s.persistLocked()
	notify := s.notificationLocked(ActionSync, "")
	s.syncing = false
	s.mu.Unlock()

	s.dispatch(notify)
	return result.Stats, nil
}

// SetLastEvent records sync positioning metadata and persists it.
func (s *TaskStore) SetLastEvent(eventID string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if eventID != "" {
		s.meta.LastEventID = eventID
	}
	if seq > 0 {
		s.meta.LastAppliedSeq = seq
	}
	s.persistLocked()
}

func (s *TaskStore) Metadata() SyncMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

// Checksum summarizes the live collection for cheap drift detection
// against the server: sha256 over sorted (id, updatedAt, status)
// triples.
func (s *TaskStore) Checksum() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.tasks))
	for id, task := range s.tasks {
		if task.Deleted() || task.Provisional {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	h := sha256.New()
	for _, id := range ids {
		task := s.tasks[id]
		fmt.Fprintf(h, "%s|%d|%s\n", id, task.UpdatedAt.UnixMilli(), task.Status)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *TaskStore) GetCounters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countersLocked()
}

// Subscribe registers a callback invoked after every mutating
// operation. Callbacks run outside the store lock.
func (s *TaskStore) Subscribe(fn func(Notification)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// NotifyStale raises the persistent stale-state notification used when
// a full resync has failed and the cache's relationship to server
// truth is unknown.
func (s *TaskStore) NotifyStale() {
	s.mu.Lock()
	notify := s.notificationLocked(ActionStaleState, "")
	s.mu.Unlock()
	s.dispatch(notify)
}

func (s *TaskStore) Close() error {
	if closer, ok := s.backend.(backendCloser); ok {
		return closer.Close()
	}
	return nil
}

func (s *TaskStore) countersLocked() Counters {
	if s.counters == nil {
		c := countTasks(s.tasks)
		s.counters = &c
	}
	return *s.counters
}

// persistLocked saves the snapshot. After init a write failure
// degrades to memory-only for that operation with a loud warning; the
// next full sync recovers the missed write.
func (s *TaskStore) persistLocked() {
	if err := s.backend.Save(s.snapshotLocked()); err != nil {
		s.logf("taskstore: WARNING durable write failed, operating memory-only for this write: %v", err)
	}
}

// snapshotLocked excludes provisional records: they are never
// authoritative and must not survive a restart.
func (s *TaskStore) snapshotLocked() *StoreSnapshot {
	tasks := make(map[string]TaskRecord, len(s.tasks))
	for id, task := range s.tasks {
		if task.Provisional {
			continue
		}
		tasks[id] = task.Clone()
	}
	return &StoreSnapshot{
		SchemaVersion: snapshotSchemaVersion,
		WorkspaceID:   s.workspaceID,
		Tasks:         tasks,
		Meta:          s.meta,
	}
}

func (s *TaskStore) notificationLocked(action, taskID string) notifyBundle {
	return notifyBundle{
		notification: Notification{Action: action, TaskID: taskID, Counters: s.countersLocked()},
		subscribers:  append([]func(Notification){}, s.subscribers...),
	}
}

type notifyBundle struct {
	notification Notification
	subscribers  []func(Notification)
}

func (s *TaskStore) dispatch(bundle notifyBundle) {
	for _, fn := range bundle.subscribers {
		fn(bundle.notification)
	}
}

func (s *TaskStore) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
