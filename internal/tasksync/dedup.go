package tasksync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	defaultDedupMaxEntries   = 500
	defaultDedupTTL          = 60 * time.Second
	defaultDedupSweepEvery   = 30 * time.Second
	fingerprintTitlePrefix   = 30
	fingerprintDigestBytes   = 12
	dedupOverflowEvictionPct = 10
)

type DedupOptions struct {
	MaxEntries    int
	TTL           time.Duration
	SweepInterval time.Duration
	DisableSweep  bool
	Logger        Logger
}

type dedupEntry struct {
	seenAt    time.Time
	sourceTag string
}

// Deduplicator gives at-most-once application of a logical event even
// when it arrives via two transports. Check-and-mark is atomic under a
// single mutex hold, so dual "simultaneous" deliveries cannot both
// observe the event as new.
type Deduplicator struct {
	mu        sync.Mutex
	entries   map[string]dedupEntry
	max       int
	ttl       time.Duration
	logger    Logger
	now       func() time.Time
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewDeduplicator(opts DedupOptions) *Deduplicator {
	max := opts.MaxEntries
	if max <= 0 {
		max = defaultDedupMaxEntries
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	sweepEvery := opts.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = defaultDedupSweepEvery
	}
	d := &Deduplicator{
		entries: map[string]dedupEntry{},
		max:     max,
		ttl:     ttl,
		logger:  opts.Logger,
		now:     time.Now,
		closed:  make(chan struct{}),
	}
	if !opts.DisableSweep {
		d.wg.Add(1)
		go d.sweepLoop(sweepEvery)
	}
	return d
}

// Fingerprint computes a deterministic identity for an event. Server
// event ids win; the composite fallback hashes only server-assigned
// fields so that two transports delivering the same logical event at
// different wall-clock times fingerprint identically.
func (d *Deduplicator) Fingerprint(eventType EventType, eventID string, task TaskRecord) (string, error) {
	if eventID != "" {
		return eventID, nil
	}
	if task.EventID != "" {
		return task.EventID, nil
	}
	if task.ID == "" {
		return "", fmt.Errorf("%w: cannot fingerprint event without task id", ErrInvalidInput)
	}
	ts := task.serverTimestamp()
	if ts.IsZero() {
		return "", fmt.Errorf("%w: cannot fingerprint event without server timestamp", ErrInvalidInput)
	}
	title := task.Title
	if len(title) > fingerprintTitlePrefix {
		title = title[:fingerprintTitlePrefix]
	}
	material := fmt.Sprintf("%s|%s|%s|%s|%s|%d",
		eventType, task.ID, task.Status, task.Priority, title, ts.UnixMilli())
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:fingerprintDigestBytes]), nil
}

// CheckAndMark reports whether the event is new and records it in one
// atomic step. Dedup is advisory and fails open: if no fingerprint can
// be computed the event is treated as new and left to downstream
// validation.
func (d *Deduplicator) CheckAndMark(ev SyncEvent) (isNew bool, fingerprint string) {
	fp, err := d.Fingerprint(ev.Type, ev.EventID, ev.Task)
	if err != nil {
		d.logf("dedup: fingerprint failed, treating as new: %v", err)
		return true, ""
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isDuplicateLocked(fp) {
		return false, fp
	}
	d.markLocked(fp, ev.SourceTag)
	return true, fp
}

func (d *Deduplicator) IsDuplicate(fingerprint string) bool {
	if fingerprint == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isDuplicateLocked(fingerprint)
}

func (d *Deduplicator) MarkProcessed(fingerprint, sourceTag string) {
	if fingerprint == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.markLocked(fingerprint, sourceTag)
}

func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *Deduplicator) Close() {
	d.closeOnce.Do(func() {
		close(d.closed)
	})
	d.wg.Wait()
}

// isDuplicateLocked applies lazy expiry: an entry past its TTL is
// treated as absent even before the periodic sweep removes it.
func (d *Deduplicator) isDuplicateLocked(fingerprint string) bool {
	entry, ok := d.entries[fingerprint]
	if !ok {
		return false
	}
	if d.now().Sub(entry.seenAt) > d.ttl {
		delete(d.entries, fingerprint)
		return false
	}
	return true
}

func (d *Deduplicator) markLocked(fingerprint, sourceTag string) {
	d.entries[fingerprint] = dedupEntry{seenAt: d.now(), sourceTag: sourceTag}
	if len(d.entries) > d.max {
		d.evictOldestLocked()
	}
}

// evictOldestLocked removes the oldest ~10% of entries by seen time.
func (d *Deduplicator) evictOldestLocked() {
	type aged struct {
		fingerprint string
		seenAt      time.Time
	}
	all := make([]aged, 0, len(d.entries))
	for fp, entry := range d.entries {
		all = append(all, aged{fingerprint: fp, seenAt: entry.seenAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seenAt.Before(all[j].seenAt) })
	evict := len(all) * dedupOverflowEvictionPct / 100
	if evict < 1 {
		evict = 1
	}
	for _, victim := range all[:evict] {
		delete(d.entries, victim.fingerprint)
	}
}

func (d *Deduplicator) sweepLoop(interval time.Duration) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.closed:
			return
		case <-ticker.C:
			d.sweepExpired()
		}
	}
}

func (d *Deduplicator) sweepExpired() {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-d.ttl)
	for fp, entry := range d.entries {
		if entry.seenAt.Before(cutoff) {
			delete(d.entries, fp)
		}
	}
}

func (d *Deduplicator) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}
