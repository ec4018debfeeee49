package tasksync

import (
	"sort"
	"time"
)

type MergeStrategy string

const (
	// StrategyServerAuthoritative takes the incoming record wholesale
	// whenever its actor rank is at least the local rank.
	StrategyServerAuthoritative MergeStrategy = "server_authoritative"
	// StrategyFieldUnion resolves each field independently by rank,
	// then updatedAt, then vector clock, then event id.
	StrategyFieldUnion MergeStrategy = "field_union"
)

const defaultMergeEpsilon = time.Millisecond

// FieldConflict records a field the two sides disagreed on without a
// trivial rank/timestamp ordering. Conflicts are diagnostics, never
// errors: the merge still resolves deterministically.
type FieldConflict struct {
	TaskID     string `json:"taskId"`
	Field      string `json:"field"`
	Local      any    `json:"local"`
	Incoming   any    `json:"incoming"`
	Resolution string `json:"resolution"`
}

type MergeResult struct {
	Merged    TaskRecord
	Conflicts []FieldConflict
}

type BatchStats struct {
	Inserted  int `json:"inserted"`
	Merged    int `json:"merged"`
	Retained  int `json:"retained"`
	Conflicts int `json:"conflicts"`
}

type BatchResult struct {
	Merged    []TaskRecord
	Conflicts []FieldConflict
	Stats     BatchStats
}

type DeltaMerger struct {
	epsilon time.Duration
}

func NewDeltaMerger() *DeltaMerger {
	return &DeltaMerger{epsilon: defaultMergeEpsilon}
}

// Merge reconciles a local and an incoming version of the same task.
func (m *DeltaMerger) Merge(local, incoming TaskRecord, strategy MergeStrategy) MergeResult {
	switch strategy {
	case StrategyFieldUnion:
		return m.mergeFieldUnion(local, incoming)
	default:
		return m.mergeServerAuthoritative(local, incoming)
	}
}

func (m *DeltaMerger) mergeServerAuthoritative(local, incoming TaskRecord) MergeResult {
	conflicts := m.collectConflicts(local, incoming)
	if incoming.ActorRank >= local.ActorRank {
		merged := incoming.Clone()
		if merged.CreatedAt.IsZero() {
			merged.CreatedAt = local.CreatedAt
		}
		merged.VectorClock = local.VectorClock.MergeMax(incoming.VectorClock)
		return MergeResult{Merged: merged, Conflicts: conflicts}
	}
	merged := local.Clone()
	merged.VectorClock = local.VectorClock.MergeMax(incoming.VectorClock)
	return MergeResult{Merged: merged, Conflicts: conflicts}
}

func (m *DeltaMerger) mergeFieldUnion(local, incoming TaskRecord) MergeResult {
	incomingWins := m.incomingDominates(local, incoming)
	conflicts := m.collectConflicts(local, incoming)

	merged := local.Clone()
	for _, field := range recordFields(local, incoming) {
		if field.equal {
			continue
		}
		winner, loser := field.local, field.incoming
		if incomingWins {
			winner, loser = field.incoming, field.local
		}
		if field.zero(winner) && !field.zero(loser) {
			winner = loser
		}
		field.assign(&merged, winner)
	}

	if incoming.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = incoming.UpdatedAt
	}
	if merged.CreatedAt.IsZero() || (!incoming.CreatedAt.IsZero() && incoming.CreatedAt.Before(merged.CreatedAt)) {
		merged.CreatedAt = incoming.CreatedAt
	}
	if incoming.ActorRank > merged.ActorRank {
		merged.ActorRank = incoming.ActorRank
	}
	merged.VectorClock = local.VectorClock.MergeMax(incoming.VectorClock)
	if incomingWins && incoming.EventID != "" {
		merged.EventID = incoming.EventID
	}
	merged.Provisional = local.Provisional && incoming.Provisional
	return MergeResult{Merged: merged, Conflicts: conflicts}
}

// incomingDominates decides the winning side: higher rank first, later
// updatedAt outside epsilon next, then the lexicographically larger
// vector clock encoding, then the larger event id. A full tie keeps
// local.
func (m *DeltaMerger) incomingDominates(local, incoming TaskRecord) bool {
	if incoming.ActorRank != local.ActorRank {
		return incoming.ActorRank > local.ActorRank
	}
	delta := incoming.UpdatedAt.Sub(local.UpdatedAt)
	if delta > m.epsilon || delta < -m.epsilon {
		return delta > 0
	}
	lvc, ivc := local.VectorClock.Encode(), incoming.VectorClock.Encode()
	if lvc != ivc {
		return ivc > lvc
	}
	if local.EventID != incoming.EventID {
		return incoming.EventID > local.EventID
	}
	return false
}

// triviallyOrderable reports whether the two sides can be ranked by
// provenance alone. Only non-orderable disagreements surface as
// conflicts.
func (m *DeltaMerger) triviallyOrderable(local, incoming TaskRecord) bool {
	if incoming.ActorRank != local.ActorRank {
		return true
	}
	delta := incoming.UpdatedAt.Sub(local.UpdatedAt)
	return delta > m.epsilon || delta < -m.epsilon
}

func (m *DeltaMerger) collectConflicts(local, incoming TaskRecord) []FieldConflict {
	if m.triviallyOrderable(local, incoming) {
		return nil
	}
	incomingWins := m.incomingDominates(local, incoming)
	var conflicts []FieldConflict
	for _, field := range recordFields(local, incoming) {
		if field.equal || field.zero(field.local) || field.zero(field.incoming) {
			continue
		}
		resolution := "local"
		if incomingWins {
			resolution = "incoming"
		}
		conflicts = append(conflicts, FieldConflict{
			TaskID:     local.ID,
			Field:      field.name,
			Local:      field.local,
			Incoming:   field.incoming,
			Resolution: resolution,
		})
	}
	return conflicts
}

// mergeField is one comparable field of a TaskRecord. The explicit
// list keeps field resolution exhaustive and unit-testable without
// reflection.
type mergeField struct {
	name     string
	local    any
	incoming any
	equal    bool
	zero     func(any) bool
	assign   func(*TaskRecord, any)
}

func recordFields(local, incoming TaskRecord) []mergeField {
	zeroStr := func(v any) bool { s, _ := v.(string); return s == "" }
	zeroStatus := func(v any) bool { s, _ := v.(Status); return s == "" }
	zeroTime := func(v any) bool { t, _ := v.(*time.Time); return t == nil }
	return []mergeField{
		{
			name: "title", local: local.Title, incoming: incoming.Title,
			equal: local.Title == incoming.Title, zero: zeroStr,
			assign: func(t *TaskRecord, v any) { t.Title, _ = v.(string) },
		},
		{
			name: "description", local: local.Description, incoming: incoming.Description,
			equal: local.Description == incoming.Description, zero: zeroStr,
			assign: func(t *TaskRecord, v any) { t.Description, _ = v.(string) },
		},
		{
			name: "status", local: local.Status, incoming: incoming.Status,
			equal: local.Status == incoming.Status, zero: zeroStatus,
			assign: func(t *TaskRecord, v any) { t.Status, _ = v.(Status) },
		},
		{
			name: "priority", local: local.Priority, incoming: incoming.Priority,
			equal: local.Priority == incoming.Priority, zero: zeroStr,
			assign: func(t *TaskRecord, v any) { t.Priority, _ = v.(string) },
		},
		{
			name: "assignee", local: local.Assignee, incoming: incoming.Assignee,
			equal: local.Assignee == incoming.Assignee, zero: zeroStr,
			assign: func(t *TaskRecord, v any) { t.Assignee, _ = v.(string) },
		},
		{
			name: "deletedAt", local: local.DeletedAt, incoming: incoming.DeletedAt,
			equal: equalTimePtr(local.DeletedAt, incoming.DeletedAt), zero: zeroTime,
			assign: func(t *TaskRecord, v any) { t.DeletedAt, _ = v.(*time.Time) },
		},
	}
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// BatchMerge reconciles two full collections keyed by task id. Absent
// local records become pure inserts; absent incoming records are
// retained as-is (absence never implies deletion).
func (m *DeltaMerger) BatchMerge(local, incoming []TaskRecord, strategy MergeStrategy) BatchResult {
	incomingByID := make(map[string]TaskRecord, len(incoming))
	for _, task := range incoming {
		incomingByID[task.ID] = task
	}
	localByID := make(map[string]TaskRecord, len(local))
	localIDs := make([]string, 0, len(local))
	for _, task := range local {
		localByID[task.ID] = task
		localIDs = append(localIDs, task.ID)
	}
	sort.Strings(localIDs)

	var out BatchResult
	for _, id := range localIDs {
		localTask := localByID[id]
		incomingTask, ok := incomingByID[id]
		if !ok {
			out.Merged = append(out.Merged, localTask)
			out.Stats.Retained++
			continue
		}
		result := m.Merge(localTask, incomingTask, strategy)
		out.Merged = append(out.Merged, result.Merged)
		out.Conflicts = append(out.Conflicts, result.Conflicts...)
		out.Stats.Merged++
	}

	insertIDs := make([]string, 0, len(incomingByID))
	for id := range incomingByID {
		if _, ok := localByID[id]; !ok {
			insertIDs = append(insertIDs, id)
		}
	}
	sort.Strings(insertIDs)
	for _, id := range insertIDs {
		out.Merged = append(out.Merged, incomingByID[id])
		out.Stats.Inserted++
	}
	out.Stats.Conflicts = len(out.Conflicts)
	return out
}
