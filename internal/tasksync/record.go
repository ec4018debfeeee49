package tasksync

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusPending    Status = "pending"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var validStatuses = map[Status]bool{
	StatusTodo:       true,
	StatusInProgress: true,
	StatusPending:    true,
	StatusCompleted:  true,
	StatusCancelled:  true,
}

func (s Status) Valid() bool {
	return validStatuses[s]
}

// Archived is derived state: completed and cancelled tasks count as
// archived, everything else as active.
func (s Status) Archived() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ActorRankServer is the highest provenance rank. Server-confirmed
// writes always carry it; optimistic local writes carry lower ranks.
const (
	ActorRankLocal  = 10
	ActorRankServer = 100
)

const provisionalIDPrefix = "prov-"

// VectorClock maps actor ids to per-actor counters.
type VectorClock map[string]int64

// Encode renders the clock as "actor:count" pairs with actors sorted,
// joined by commas. The encoding is the comparison key for ordering
// concurrent events, so it must be canonical.
func (vc VectorClock) Encode() string {
	if len(vc) == 0 {
		return ""
	}
	actors := make([]string, 0, len(vc))
	for actor := range vc {
		actors = append(actors, actor)
	}
	sort.Strings(actors)
	parts := make([]string, 0, len(actors))
	for _, actor := range actors {
		parts = append(parts, actor+":"+strconv.FormatInt(vc[actor], 10))
	}
	return strings.Join(parts, ",")
}

// MergeMax returns the pointwise maximum of two clocks.
func (vc VectorClock) MergeMax(other VectorClock) VectorClock {
	if len(vc) == 0 && len(other) == 0 {
		return nil
	}
	merged := make(VectorClock, len(vc)+len(other))
	for actor, count := range vc {
		merged[actor] = count
	}
	for actor, count := range other {
		if count > merged[actor] {
			merged[actor] = count
		}
	}
	return merged
}

func (vc VectorClock) clone() VectorClock {
	if vc == nil {
		return nil
	}
	out := make(VectorClock, len(vc))
	for actor, count := range vc {
		out[actor] = count
	}
	return out
}

// TaskRecord is the unit of synchronization. Timestamps are
// server-assigned; client wall-clock never participates in ordering
// or fingerprinting.
type TaskRecord struct {
	ID          string      `json:"id"`
	WorkspaceID string      `json:"workspaceId"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Status      Status      `json:"status"`
	Priority    string      `json:"priority,omitempty"`
	Assignee    string      `json:"assignee,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	DeletedAt   *time.Time  `json:"deletedAt,omitempty"`
	ActorRank   int         `json:"actorRank,omitempty"`
	VectorClock VectorClock `json:"vectorClock,omitempty"`
	EventID     string      `json:"eventId,omitempty"`
	Provisional bool        `json:"provisional,omitempty"`
}

func (t TaskRecord) Archived() bool {
	return t.Status.Archived()
}

func (t TaskRecord) Deleted() bool {
	return t.DeletedAt != nil
}

// serverTimestamp is the fingerprint timestamp source: the record's
// own server-assigned time, never now().
func (t TaskRecord) serverTimestamp() time.Time {
	if !t.UpdatedAt.IsZero() {
		return t.UpdatedAt
	}
	return t.CreatedAt
}

func (t TaskRecord) Clone() TaskRecord {
	out := t
	out.VectorClock = t.VectorClock.clone()
	if t.DeletedAt != nil {
		ts := *t.DeletedAt
		out.DeletedAt = &ts
	}
	return out
}

// NewProvisionalTask mints a client-side record pending server
// confirmation. Provisional records render optimistically but are
// never persisted as authoritative.
func NewProvisionalTask(workspaceID, title string) TaskRecord {
	return TaskRecord{
		ID:          provisionalIDPrefix + uuid.NewString(),
		WorkspaceID: workspaceID,
		Title:       title,
		Status:      StatusTodo,
		ActorRank:   ActorRankLocal,
		Provisional: true,
	}
}

func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, provisionalIDPrefix)
}

// Counters is the derived aggregate over the live index. Soft-deleted
// records are excluded.
type Counters struct {
	All        int `json:"all"`
	Active     int `json:"active"`
	Archived   int `json:"archived"`
	Todo       int `json:"todo"`
	InProgress int `json:"in_progress"`
	Pending    int `json:"pending"`
	Completed  int `json:"completed"`
	Cancelled  int `json:"cancelled"`
}

func countTasks(tasks map[string]TaskRecord) Counters {
	var c Counters
	for _, task := range tasks {
		if task.Deleted() {
			continue
		}
		c.All++
		if task.Archived() {
			c.Archived++
		} else {
			c.Active++
		}
		switch task.Status {
		case StatusTodo:
			c.Todo++
		case StatusInProgress:
			c.InProgress++
		case StatusPending:
			c.Pending++
		case StatusCompleted:
			c.Completed++
		case StatusCancelled:
			c.Cancelled++
		}
	}
	return c
}
