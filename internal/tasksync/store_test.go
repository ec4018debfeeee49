package tasksync

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

// countingBackend wraps InMemoryBackend and counts saves.
type countingBackend struct {
	*InMemoryBackend
	saves int
}

func (b *countingBackend) Save(snapshot *StoreSnapshot) error {
	b.saves++
	return b.InMemoryBackend.Save(snapshot)
}

// failingBackend loads fine but refuses every save.
type failingBackend struct{}

func (failingBackend) Load() (*StoreSnapshot, error) { return nil, nil }
func (failingBackend) Save(*StoreSnapshot) error     { return errors.New("disk full") }

func storeTask(id string, status Status) TaskRecord {
	return TaskRecord{
		ID:          id,
		WorkspaceID: "ws-1",
		Title:       "task " + id,
		Status:      status,
		UpdatedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		ActorRank:   ActorRankLocal,
	}
}

func TestUpsertRejectsForeignWorkspace(t *testing.T) {
	store := newTestStore(t)
	task := storeTask("t1", StatusTodo)
	task.WorkspaceID = "ws-other"
	if err := store.UpsertTask(task, UpsertOptions{}); !errors.Is(err, ErrWorkspaceMismatch) {
		t.Fatalf("expected ErrWorkspaceMismatch, got %v", err)
	}
	if got := store.GetCounters().All; got != 0 {
		t.Fatalf("foreign-workspace upsert must not change the store, got %d tasks", got)
	}
}

func TestCountersTrackStatusBuckets(t *testing.T) {
	store := newTestStore(t)
	for _, task := range []TaskRecord{
		storeTask("t1", StatusTodo),
		storeTask("t2", StatusInProgress),
		storeTask("t3", StatusCompleted),
		storeTask("t4", StatusCancelled),
	} {
		if err := store.UpsertTask(task, UpsertOptions{}); err != nil {
			t.Fatalf("UpsertTask: %v", err)
		}
	}
	c := store.GetCounters()
	if c.All != 4 || c.Active != 2 || c.Archived != 2 {
		t.Fatalf("unexpected counters %+v", c)
	}

	// Soft-deleted records leave every bucket.
	ev := SyncEvent{
		EventID:     "evt-del",
		WorkspaceID: "ws-1",
		SequenceNum: 1,
		Type:        EventDelete,
		Task:        storeTask("t3", StatusCompleted),
	}
	if err := store.ApplyEvent(ev); err != nil {
		t.Fatalf("ApplyEvent: %v", err)
	}
	c = store.GetCounters()
	if c.All != 3 || c.Archived != 1 {
		t.Fatalf("unexpected counters after soft delete %+v", c)
	}
}

func TestSoftDeleteKeepsRecordInIndex(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertTask(storeTask("t1", StatusTodo), UpsertOptions{}); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	ev := SyncEvent{
		EventID:     "evt-del",
		WorkspaceID: "ws-1",
		SequenceNum: 1,
		Type:        EventDelete,
		Task:        storeTask("t1", StatusTodo),
	}
	if err := store.ApplyEvent(ev); err != nil {
		t.Fatalf("ApplyEvent: %v", err)
	}

	task, ok := store.GetTask("t1")
	if !ok {
		t.Fatal("soft-deleted record should remain fetchable by id")
	}
	if !task.Deleted() {
		t.Fatal("record should carry a deletion timestamp")
	}
	if got := len(store.GetTasks(Filter{})); got != 0 {
		t.Fatalf("default listing must exclude deleted records, got %d", got)
	}
	if got := len(store.GetTasks(Filter{IncludeDeleted: true})); got != 1 {
		t.Fatalf("IncludeDeleted listing should show the record, got %d", got)
	}
}

func TestSubscribersFireOncePerMutation(t *testing.T) {
	store := newTestStore(t)
	var got []Notification
	store.Subscribe(func(n Notification) { got = append(got, n) })

	if err := store.UpsertTask(storeTask("t1", StatusTodo), UpsertOptions{}); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	if err := store.UpsertTask(storeTask("t1", StatusInProgress), UpsertOptions{}); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	if err := store.RemoveTask("t1"); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(got))
	}
	wantActions := []string{ActionCreate, ActionUpdate, ActionRemove}
	for i, want := range wantActions {
		if got[i].Action != want {
			t.Fatalf("notification %d action %q, want %q", i, got[i].Action, want)
		}
	}
	if got[0].Counters.All != 1 || got[2].Counters.All != 0 {
		t.Fatalf("notifications should carry fresh counters: %+v", got)
	}
}

func TestBatchUpdatePersistsOnce(t *testing.T) {
	backend := &countingBackend{InMemoryBackend: NewInMemoryBackend()}
	store, err := NewTaskStore(TaskStoreOptions{WorkspaceID: "ws-1", Backend: backend})
	if err != nil {
		t.Fatalf("NewTaskStore: %v", err)
	}
	if _, err := store.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	batch := []TaskRecord{
		storeTask("t1", StatusTodo),
		storeTask("t2", StatusTodo),
		storeTask("t3", StatusTodo),
	}
	before := backend.saves
	if err := store.BatchUpdate(batch); err != nil {
		t.Fatalf("BatchUpdate: %v", err)
	}
	if got := backend.saves - before; got != 1 {
		t.Fatalf("batch of 3 should persist exactly once, saved %d times", got)
	}
	if got := store.GetCounters().All; got != 3 {
		t.Fatalf("expected 3 tasks, got %d", got)
	}
}

func TestPersistFailureDegradesToMemoryOnly(t *testing.T) {
	store, err := NewTaskStore(TaskStoreOptions{WorkspaceID: "ws-1", Backend: failingBackend{}})
	if err != nil {
		t.Fatalf("NewTaskStore: %v", err)
	}
	if _, err := store.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := store.UpsertTask(storeTask("t1", StatusTodo), UpsertOptions{}); err != nil {
		t.Fatalf("upsert must survive a durable write failure: %v", err)
	}
	if _, ok := store.GetTask("t1"); !ok {
		t.Fatal("record should exist in memory despite the failed save")
	}
}

func TestConfirmTaskSwapsProvisionalAtomically(t *testing.T) {
	store := newTestStore(t)
	provisional := NewProvisionalTask("ws-1", "new task")
	if err := store.UpsertTask(provisional, UpsertOptions{}); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}

	confirmed := storeTask("t-confirmed", StatusTodo)
	confirmed.Title = "new task"
	if err := store.ConfirmTask(provisional.ID, confirmed); err != nil {
		t.Fatalf("ConfirmTask: %v", err)
	}

	if _, ok := store.GetTask(provisional.ID); ok {
		t.Fatal("provisional record should be gone after confirmation")
	}
	task, ok := store.GetTask("t-confirmed")
	if !ok {
		t.Fatal("confirmed record missing")
	}
	if task.Provisional {
		t.Fatal("confirmed record must not be provisional")
	}
	if task.ActorRank != ActorRankServer {
		t.Fatalf("confirmed record should carry server rank, got %d", task.ActorRank)
	}
	if got := store.GetCounters().All; got != 1 {
		t.Fatalf("expected exactly one live record, got %d", got)
	}
}

func TestProvisionalRecordsExcludedFromSnapshot(t *testing.T) {
	backend := NewInMemoryBackend()
	store, err := NewTaskStore(TaskStoreOptions{WorkspaceID: "ws-1", Backend: backend})
	if err != nil {
		t.Fatalf("NewTaskStore: %v", err)
	}
	if _, err := store.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := store.UpsertTask(storeTask("t1", StatusTodo), UpsertOptions{}); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	if err := store.UpsertTask(NewProvisionalTask("ws-1", "optimistic"), UpsertOptions{}); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snapshot.Tasks) != 1 {
		t.Fatalf("snapshot should hold only confirmed records, got %d", len(snapshot.Tasks))
	}
	if _, ok := snapshot.Tasks["t1"]; !ok {
		t.Fatal("confirmed record missing from snapshot")
	}
}

func TestInitWipesCacheOnSchemaMismatch(t *testing.T) {
	backend := NewInMemoryBackend()
	if err := backend.Save(&StoreSnapshot{
		SchemaVersion: snapshotSchemaVersion - 1,
		WorkspaceID:   "ws-1",
		Tasks:         map[string]TaskRecord{"t1": storeTask("t1", StatusTodo)},
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	store, err := NewTaskStore(TaskStoreOptions{WorkspaceID: "ws-1", Backend: backend})
	if err != nil {
		t.Fatalf("NewTaskStore: %v", err)
	}
	report, err := store.Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if report.TaskCount != 0 {
		t.Fatalf("schema mismatch must wipe the cache, loaded %d tasks", report.TaskCount)
	}
}

func TestInitFiltersForeignWorkspaceRecords(t *testing.T) {
	backend := NewInMemoryBackend()
	foreign := storeTask("t-foreign", StatusTodo)
	foreign.WorkspaceID = "ws-other"
	if err := backend.Save(&StoreSnapshot{
		SchemaVersion: snapshotSchemaVersion,
		WorkspaceID:   "ws-1",
		Tasks: map[string]TaskRecord{
			"t1":        storeTask("t1", StatusTodo),
			"t-foreign": foreign,
		},
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	store, err := NewTaskStore(TaskStoreOptions{WorkspaceID: "ws-1", Backend: backend})
	if err != nil {
		t.Fatalf("NewTaskStore: %v", err)
	}
	report, err := store.Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if report.TaskCount != 1 {
		t.Fatalf("expected foreign records filtered on load, got %d", report.TaskCount)
	}
}

func TestSyncRejectsConcurrentSync(t *testing.T) {
	store := newTestStore(t)
	store.mu.Lock()
	store.syncing = true
	store.mu.Unlock()

	if _, err := store.Sync(nil); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
}

func TestSyncDoesNotLoseConcurrentUpsert(t *testing.T) {
	serverSet := make([]TaskRecord, 0, 2000)
	for i := 0; i < 2000; i++ {
		serverSet = append(serverSet, storeTask(fmt.Sprintf("t-%04d", i), StatusTodo))
	}
	hot := storeTask("t-hot", StatusCompleted)
	hot.ActorRank = ActorRankServer
	hot.UpdatedAt = hot.UpdatedAt.Add(time.Hour)

	// The upsert races the reconciliation. Whichever side wins the
	// lock, the record must survive: merged in as local state or
	// applied on top of the fresh index, never dropped because the
	// merge ran over a snapshot taken before the upsert.
	for round := 0; round < 20; round++ {
		store := newTestStore(t)
		syncDone := make(chan error, 1)
		go func() {
			_, err := store.Sync(serverSet)
			syncDone <- err
		}()
		if err := store.UpsertTask(hot, UpsertOptions{}); err != nil {
			t.Fatalf("round %d: UpsertTask: %v", round, err)
		}
		if err := <-syncDone; err != nil {
			t.Fatalf("round %d: Sync: %v", round, err)
		}

		task, ok := store.GetTask("t-hot")
		if !ok {
			t.Fatalf("round %d: upsert issued during sync vanished", round)
		}
		if task.Status != StatusCompleted {
			t.Fatalf("round %d: upsert regressed to %q", round, task.Status)
		}
	}
}

func TestSyncThenUpsertLifecycle(t *testing.T) {
	store := newTestStore(t)
	var notes []Notification
	store.Subscribe(func(n Notification) { notes = append(notes, n) })

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	stats, err := store.Sync([]TaskRecord{
		serverTask("t1", StatusTodo, now),
		serverTask("t2", StatusInProgress, now),
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.Inserted != 2 {
		t.Fatalf("expected 2 inserts, got %+v", stats)
	}
	c := store.GetCounters()
	if c.All != 2 || c.Active != 2 || c.Archived != 0 {
		t.Fatalf("unexpected counters after sync %+v", c)
	}
	if len(notes) != 1 || notes[0].Action != ActionSync {
		t.Fatalf("expected one sync notification, got %+v", notes)
	}

	completed := serverTask("t1", StatusCompleted, now.Add(time.Hour))
	if err := store.UpsertTask(completed, UpsertOptions{}); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	c = store.GetCounters()
	if c.All != 2 || c.Active != 1 || c.Archived != 1 {
		t.Fatalf("unexpected counters after completion %+v", c)
	}
	if len(notes) != 2 {
		t.Fatalf("each upsert must notify exactly once, got %d notifications", len(notes))
	}
	if notes[1].Action != ActionUpdate || notes[1].Counters.Archived != 1 {
		t.Fatalf("unexpected completion notification %+v", notes[1])
	}
}

func TestSyncDropsForeignWorkspaceTasks(t *testing.T) {
	store := newTestStore(t)
	foreign := storeTask("t-foreign", StatusTodo)
	foreign.WorkspaceID = "ws-other"
	stats, err := store.Sync([]TaskRecord{foreign, storeTask("t1", StatusTodo)})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.Inserted != 1 {
		t.Fatalf("expected 1 insert, got %+v", stats)
	}
	if _, ok := store.GetTask("t-foreign"); ok {
		t.Fatal("foreign-workspace task must never enter the store")
	}
}

func TestChecksumIgnoresDeletedAndProvisional(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertTask(storeTask("t1", StatusTodo), UpsertOptions{}); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	base := store.Checksum()

	if err := store.UpsertTask(NewProvisionalTask("ws-1", "optimistic"), UpsertOptions{}); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	if store.Checksum() != base {
		t.Fatal("provisional records must not perturb the checksum")
	}

	if err := store.UpsertTask(storeTask("t2", StatusTodo), UpsertOptions{}); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	if store.Checksum() == base {
		t.Fatal("confirmed records must change the checksum")
	}
}

func TestGetTasksFilters(t *testing.T) {
	store := newTestStore(t)
	urgent := storeTask("t1", StatusTodo)
	urgent.Priority = "high"
	urgent.Assignee = "sam"
	urgent.Title = "prepare launch review"
	other := storeTask("t2", StatusInProgress)
	other.Assignee = "alex"
	for _, task := range []TaskRecord{urgent, other} {
		if err := store.UpsertTask(task, UpsertOptions{}); err != nil {
			t.Fatalf("UpsertTask: %v", err)
		}
	}

	if got := store.GetTasks(Filter{Status: StatusTodo}); len(got) != 1 || got[0].ID != "t1" {
		t.Fatalf("status filter failed: %+v", got)
	}
	if got := store.GetTasks(Filter{Assignee: "alex"}); len(got) != 1 || got[0].ID != "t2" {
		t.Fatalf("assignee filter failed: %+v", got)
	}
	if got := store.GetTasks(Filter{Query: "LAUNCH"}); len(got) != 1 || got[0].ID != "t1" {
		t.Fatalf("query filter should be case-insensitive: %+v", got)
	}
}
