package tasksync

import (
	"testing"
	"time"
)

func testEvent(eventID string, seq uint64, task TaskRecord) SyncEvent {
	return SyncEvent{
		EventID:     eventID,
		WorkspaceID: "ws-1",
		SequenceNum: seq,
		Type:        EventUpdate,
		Task:        task,
	}
}

func TestFingerprintPrefersEventID(t *testing.T) {
	d := NewDeduplicator(DedupOptions{DisableSweep: true})
	defer d.Close()

	fp, err := d.Fingerprint(EventUpdate, "evt-42", TaskRecord{ID: "t1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp != "evt-42" {
		t.Fatalf("expected event id as fingerprint, got %q", fp)
	}

	fp, err = d.Fingerprint(EventUpdate, "", TaskRecord{ID: "t1", EventID: "evt-43"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp != "evt-43" {
		t.Fatalf("expected payload event id as fingerprint, got %q", fp)
	}
}

func TestFingerprintCompositeIsDeterministic(t *testing.T) {
	d := NewDeduplicator(DedupOptions{DisableSweep: true})
	defer d.Close()

	task := TaskRecord{
		ID:        "t1",
		Title:     "write the quarterly report",
		Status:    StatusInProgress,
		Priority:  "high",
		UpdatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	first, err := d.Fingerprint(EventUpdate, "", task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := d.Fingerprint(EventUpdate, "", task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("fingerprint not deterministic: %q vs %q", first, second)
	}

	// A different status must fingerprint differently.
	task.Status = StatusCompleted
	third, err := d.Fingerprint(EventUpdate, "", task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third == first {
		t.Fatal("expected different fingerprint for changed status")
	}
}

func TestFingerprintRejectsUnidentifiableEvent(t *testing.T) {
	d := NewDeduplicator(DedupOptions{DisableSweep: true})
	defer d.Close()

	if _, err := d.Fingerprint(EventUpdate, "", TaskRecord{}); err == nil {
		t.Fatal("expected error for event without task id")
	}
	if _, err := d.Fingerprint(EventUpdate, "", TaskRecord{ID: "t1"}); err == nil {
		t.Fatal("expected error for event without server timestamp")
	}
}

func TestCheckAndMarkIsAtMostOnce(t *testing.T) {
	d := NewDeduplicator(DedupOptions{DisableSweep: true})
	defer d.Close()

	ev := testEvent("evt-1", 1, TaskRecord{ID: "t1"})
	ev.SourceTag = "push"
	isNew, fp := d.CheckAndMark(ev)
	if !isNew {
		t.Fatal("first delivery should be new")
	}
	if fp != "evt-1" {
		t.Fatalf("unexpected fingerprint %q", fp)
	}

	// Same logical event via the other transport.
	dup := ev
	dup.SourceTag = "broadcast"
	if isNew, _ := d.CheckAndMark(dup); isNew {
		t.Fatal("second delivery should be a duplicate")
	}
}

func TestDedupEntriesExpireAfterTTL(t *testing.T) {
	d := NewDeduplicator(DedupOptions{TTL: time.Minute, DisableSweep: true})
	defer d.Close()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	current := base
	d.now = func() time.Time { return current }

	ev := testEvent("evt-1", 1, TaskRecord{ID: "t1"})
	if isNew, _ := d.CheckAndMark(ev); !isNew {
		t.Fatal("first delivery should be new")
	}
	current = base.Add(30 * time.Second)
	if isNew, _ := d.CheckAndMark(ev); isNew {
		t.Fatal("delivery within TTL should be a duplicate")
	}
	current = base.Add(2 * time.Minute)
	if isNew, _ := d.CheckAndMark(ev); !isNew {
		t.Fatal("delivery after TTL should be treated as new")
	}
}

func TestDedupSweepRemovesExpiredEntries(t *testing.T) {
	d := NewDeduplicator(DedupOptions{TTL: time.Minute, DisableSweep: true})
	defer d.Close()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	current := base
	d.now = func() time.Time { return current }

	for _, id := range []string{"a", "b", "c"} {
		d.MarkProcessed(id, "push")
	}
	current = base.Add(2 * time.Minute)
	d.MarkProcessed("d", "push")
	d.sweepExpired()
	if got := d.Len(); got != 1 {
		t.Fatalf("expected 1 entry after sweep, got %d", got)
	}
	if d.IsDuplicate("a") {
		t.Fatal("expired entry should not read as duplicate")
	}
	if !d.IsDuplicate("d") {
		t.Fatal("fresh entry should read as duplicate")
	}
}

func TestDedupEvictsOldestOnOverflow(t *testing.T) {
	d := NewDeduplicator(DedupOptions{MaxEntries: 10, DisableSweep: true})
	defer d.Close()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	current := base
	d.now = func() time.Time { return current }

	for i := 0; i < 11; i++ {
		current = base.Add(time.Duration(i) * time.Second)
		d.MarkProcessed(string(rune('a'+i)), "push")
	}
	if got := d.Len(); got > 10 {
		t.Fatalf("expected eviction to keep at most 10 entries, got %d", got)
	}
	if d.IsDuplicate("a") {
		t.Fatal("oldest entry should have been evicted")
	}
	if !d.IsDuplicate("k") {
		t.Fatal("newest entry should have survived eviction")
	}
}

func TestCheckAndMarkFailsOpen(t *testing.T) {
	d := NewDeduplicator(DedupOptions{DisableSweep: true})
	defer d.Close()

	ev := testEvent("", 1, TaskRecord{})
	isNew, fp := d.CheckAndMark(ev)
	if !isNew {
		t.Fatal("unfingerprintable event must pass through as new")
	}
	if fp != "" {
		t.Fatalf("expected empty fingerprint, got %q", fp)
	}
}
