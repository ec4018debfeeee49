package tasksync

import "fmt"

type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

func (t EventType) Valid() bool {
	switch t {
	case EventCreate, EventUpdate, EventDelete:
		return true
	default:
		return false
	}
}

// SyncEvent is an inbound change notification. Events are validated at
// the transport boundary; the core assumes well-formed events.
type SyncEvent struct {
	EventID     string      `json:"eventId"`
	WorkspaceID string      `json:"workspaceId"`
	SequenceNum uint64      `json:"workspaceSequenceNum"`
	VectorClock VectorClock `json:"vectorClock,omitempty"`
	Type        EventType   `json:"eventType"`
	Task        TaskRecord  `json:"payload"`
	SourceTag   string      `json:"-"`
}

func (e SyncEvent) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: event type %q", ErrInvalidInput, e.Type)
	}
	// The event id keys the reorder buffer, so it cannot be empty.
	if e.EventID == "" {
		return fmt.Errorf("%w: event missing event id", ErrInvalidInput)
	}
	if e.WorkspaceID == "" {
		return fmt.Errorf("%w: event missing workspace id", ErrInvalidInput)
	}
	if e.SequenceNum == 0 {
		return fmt.Errorf("%w: event missing sequence number", ErrInvalidInput)
	}
	if e.Task.ID == "" {
		return fmt.Errorf("%w: event payload missing task id", ErrInvalidInput)
	}
	if e.Task.WorkspaceID != "" && e.Task.WorkspaceID != e.WorkspaceID {
		return fmt.Errorf("%w: payload workspace %q does not match event workspace %q", ErrInvalidInput, e.Task.WorkspaceID, e.WorkspaceID)
	}
	return nil
}

// orderKey is the deterministic ordering key for concurrent events
// sharing a sequence number: vector clock encoding first, event id as
// the final tie-break.
func (e SyncEvent) orderKey() (string, string) {
	return e.VectorClock.Encode(), e.EventID
}

func eventLess(a, b SyncEvent) bool {
	avc, aid := a.orderKey()
	bvc, bid := b.orderKey()
	if avc != bvc {
		return avc < bvc
	}
	return aid < bid
}
