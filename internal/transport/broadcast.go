package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/loopmeet/tasksync/internal/tasksync"
)

const broadcastSourceTag = "broadcast"

type BroadcastOptions struct {
	Dir     string
	Handler func(tasksync.SyncEvent)
	Logger  tasksync.Logger
}

// BroadcastChannel is the cross-process transport: sibling clients of
// the same workspace drop event files into a shared spool directory
// and every watcher picks them up. The dedup layer absorbs the
// overlap with the push channel.
type BroadcastChannel struct {
	dir     string
	handler func(tasksync.SyncEvent)
	logger  tasksync.Logger
}

func NewBroadcastChannel(opts BroadcastOptions) (*BroadcastChannel, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("broadcast spool dir is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("broadcast handler is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &BroadcastChannel{
		dir:     dir,
		handler: opts.Handler,
		logger:  opts.Logger,
	}, nil
}

// Run drains any events already spooled, then watches for new ones
// until the context is cancelled.
func (b *BroadcastChannel) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create spool watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(b.dir); err != nil {
		return fmt.Errorf("watch spool dir: %w", err)
	}

	if err := b.drainExisting(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			b.consumeFile(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.logf("broadcast: watcher error: %v", err)
		}
	}
}

// Publish spools an event for sibling processes. The write is atomic
// so watchers never observe a partial file.
func (b *BroadcastChannel) Publish(ev tasksync.SyncEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	name := filepath.Join(b.dir, "ev-"+uuid.NewString()+".json")
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, name)
}

func (b *BroadcastChannel) drainExisting() error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b.consumeFile(filepath.Join(b.dir, name))
	}
	return nil
}

// consumeFile reads, validates, dispatches and removes one spooled
// event. Files other watchers already consumed vanish between the
// notification and the read; that is not an error.
func (b *BroadcastChannel) consumeFile(path string) {
	if !strings.HasSuffix(path, ".json") {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			b.logf("broadcast: read %s: %v", path, err)
		}
		return
	}
	ev, err := DecodeEvent(data, broadcastSourceTag)
	if err != nil {
		b.logf("broadcast: rejecting %s: %v", filepath.Base(path), err)
		_ = os.Remove(path)
		return
	}
	b.handler(ev)
	_ = os.Remove(path)
}

func (b *BroadcastChannel) logf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Printf(format, args...)
}
