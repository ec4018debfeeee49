package tasksync

import (
	"reflect"
	"testing"
	"time"
)

var mergeBase = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func localTask() TaskRecord {
	return TaskRecord{
		ID:          "t1",
		WorkspaceID: "ws-1",
		Title:       "draft agenda",
		Status:      StatusTodo,
		Priority:    "medium",
		CreatedAt:   mergeBase.Add(-time.Hour),
		UpdatedAt:   mergeBase,
		ActorRank:   ActorRankLocal,
		VectorClock: VectorClock{"client-a": 3},
	}
}

func TestMergeServerRankWins(t *testing.T) {
	m := NewDeltaMerger()
	local := localTask()
	incoming := local.Clone()
	incoming.Title = "draft agenda v2"
	incoming.ActorRank = ActorRankServer
	incoming.UpdatedAt = mergeBase.Add(-time.Minute)
	incoming.VectorClock = VectorClock{"server": 1}

	result := m.Merge(local, incoming, StrategyFieldUnion)
	if result.Merged.Title != "draft agenda v2" {
		t.Fatalf("server-ranked incoming should win title, got %q", result.Merged.Title)
	}
	if result.Merged.ActorRank != ActorRankServer {
		t.Fatalf("merged rank should be max, got %d", result.Merged.ActorRank)
	}
	want := VectorClock{"client-a": 3, "server": 1}
	if !reflect.DeepEqual(result.Merged.VectorClock, want) {
		t.Fatalf("vector clock not merged pointwise: %v", result.Merged.VectorClock)
	}
	if len(result.Conflicts) != 0 {
		t.Fatalf("rank-ordered merge should record no conflicts, got %v", result.Conflicts)
	}
}

func TestMergeLaterTimestampWinsAtEqualRank(t *testing.T) {
	m := NewDeltaMerger()
	local := localTask()
	incoming := local.Clone()
	incoming.Status = StatusInProgress
	incoming.UpdatedAt = mergeBase.Add(10 * time.Second)

	result := m.Merge(local, incoming, StrategyFieldUnion)
	if result.Merged.Status != StatusInProgress {
		t.Fatalf("later update should win status, got %q", result.Merged.Status)
	}
	if !result.Merged.UpdatedAt.Equal(incoming.UpdatedAt) {
		t.Fatalf("merged updatedAt should be the later one, got %s", result.Merged.UpdatedAt)
	}
}

func TestMergeTimestampsWithinEpsilonFallToVectorClock(t *testing.T) {
	m := NewDeltaMerger()
	local := localTask()
	incoming := local.Clone()
	incoming.Title = "draft agenda revised"
	incoming.VectorClock = VectorClock{"client-a": 4}

	result := m.Merge(local, incoming, StrategyFieldUnion)
	if result.Merged.Title != "draft agenda revised" {
		t.Fatalf("larger vector clock should win, got %q", result.Merged.Title)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0].Field != "title" {
		t.Fatalf("expected one title conflict, got %v", result.Conflicts)
	}
	if result.Conflicts[0].Resolution != "incoming" {
		t.Fatalf("conflict should resolve to incoming, got %q", result.Conflicts[0].Resolution)
	}
}

func TestMergeFullTieKeepsLocal(t *testing.T) {
	m := NewDeltaMerger()
	local := localTask()
	incoming := local.Clone()
	incoming.Assignee = "bo"

	result := m.Merge(local, incoming, StrategyFieldUnion)
	// Local assignee is empty, so the non-zero incoming value fills in
	// even though local wins the tie.
	if result.Merged.Assignee != "bo" {
		t.Fatalf("zero local field should take the non-zero value, got %q", result.Merged.Assignee)
	}

	incoming2 := local.Clone()
	incoming2.Title = "completely different"
	local.EventID = "evt-b"
	incoming2.EventID = "evt-a"
	result = m.Merge(local, incoming2, StrategyFieldUnion)
	if result.Merged.Title != local.Title {
		t.Fatalf("local should win when its event id sorts higher, got %q", result.Merged.Title)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	m := NewDeltaMerger()
	local := localTask()
	incoming := local.Clone()
	incoming.Status = StatusCompleted
	incoming.ActorRank = ActorRankServer
	incoming.UpdatedAt = mergeBase.Add(time.Minute)
	incoming.EventID = "evt-9"

	first := m.Merge(local, incoming, StrategyFieldUnion)
	second := m.Merge(first.Merged, incoming, StrategyFieldUnion)
	if !reflect.DeepEqual(first.Merged, second.Merged) {
		t.Fatalf("re-applying the same delta changed the record:\nfirst:  %+v\nsecond: %+v", first.Merged, second.Merged)
	}
}

func TestMergeServerAuthoritativeTakesIncomingWholesale(t *testing.T) {
	m := NewDeltaMerger()
	local := localTask()
	local.Description = "local notes"
	incoming := TaskRecord{
		ID:          "t1",
		WorkspaceID: "ws-1",
		Title:       "server title",
		Status:      StatusPending,
		UpdatedAt:   mergeBase.Add(time.Minute),
		ActorRank:   ActorRankServer,
	}

	result := m.Merge(local, incoming, StrategyServerAuthoritative)
	if result.Merged.Title != "server title" || result.Merged.Status != StatusPending {
		t.Fatalf("server authoritative merge should take incoming, got %+v", result.Merged)
	}
	if result.Merged.Description != "" {
		t.Fatalf("server authoritative merge must not union fields, got description %q", result.Merged.Description)
	}
	if !result.Merged.CreatedAt.Equal(local.CreatedAt) {
		t.Fatal("zero incoming createdAt should be backfilled from local")
	}
}

func TestMergeProvisionalClearsWhenEitherSideConfirmed(t *testing.T) {
	m := NewDeltaMerger()
	local := localTask()
	local.Provisional = true
	incoming := local.Clone()
	incoming.Provisional = false
	incoming.ActorRank = ActorRankServer

	result := m.Merge(local, incoming, StrategyFieldUnion)
	if result.Merged.Provisional {
		t.Fatal("merge with a confirmed side must not stay provisional")
	}
}

func TestBatchMergeStats(t *testing.T) {
	m := NewDeltaMerger()
	shared := localTask()
	localOnly := localTask()
	localOnly.ID = "t-local"
	serverShared := shared.Clone()
	serverShared.Status = StatusCompleted
	serverShared.ActorRank = ActorRankServer
	serverShared.UpdatedAt = mergeBase.Add(time.Minute)
	serverOnly := localTask()
	serverOnly.ID = "t-server"
	serverOnly.ActorRank = ActorRankServer

	result := m.BatchMerge(
		[]TaskRecord{shared, localOnly},
		[]TaskRecord{serverShared, serverOnly},
		StrategyServerAuthoritative,
	)
	if result.Stats.Inserted != 1 || result.Stats.Merged != 1 || result.Stats.Retained != 1 {
		t.Fatalf("unexpected stats %+v", result.Stats)
	}
	if len(result.Merged) != 3 {
		t.Fatalf("expected 3 merged records, got %d", len(result.Merged))
	}
	byID := map[string]TaskRecord{}
	for _, task := range result.Merged {
		byID[task.ID] = task
	}
	if byID["t1"].Status != StatusCompleted {
		t.Fatalf("shared record should carry the server status, got %q", byID["t1"].Status)
	}
	if _, ok := byID["t-local"]; !ok {
		t.Fatal("absent-from-server record must be retained, not deleted")
	}
}
