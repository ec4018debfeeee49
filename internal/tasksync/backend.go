package tasksync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// snapshotSchemaVersion is bumped on structural changes to the
// persisted layout. A mismatch on load wipes the cache rather than
// attempting a field migration.
const snapshotSchemaVersion = 2

// StoreSnapshot is the durable layout: task records keyed by id plus
// sync metadata, under a schema version.
type StoreSnapshot struct {
	SchemaVersion int                   `json:"schemaVersion"`
	WorkspaceID   string                `json:"workspaceId"`
	Tasks         map[string]TaskRecord `json:"tasks"`
	Meta          SyncMetadata          `json:"meta"`
}

// StoreBackend persists snapshots. Load returns (nil, nil) when no
// snapshot exists yet.
type StoreBackend interface {
	Load() (*StoreSnapshot, error)
	Save(snapshot *StoreSnapshot) error
}

type backendCloser interface {
	Close() error
}

type JSONFileBackend struct {
	Path string
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load() (*StoreSnapshot, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot StoreSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileBackend) Save(snapshot *StoreSnapshot) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

// InMemoryBackend stores the snapshot in process memory, cloned via a
// JSON round-trip so callers never share internals. Test and demo use.
type InMemoryBackend struct {
	mu       sync.Mutex
	snapshot *StoreSnapshot
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{}
}

func (b *InMemoryBackend) Load() (*StoreSnapshot, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneSnapshot(b.snapshot)
}

func (b *InMemoryBackend) Save(snapshot *StoreSnapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	clone, err := cloneSnapshot(snapshot)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = clone
	return nil
}

func cloneSnapshot(snapshot *StoreSnapshot) (*StoreSnapshot, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	var clone StoreSnapshot
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}
