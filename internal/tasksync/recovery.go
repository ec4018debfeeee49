package tasksync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	defaultGapTimeout  = 5 * time.Second
	defaultMaxBuffered = 100
)

// ChecksumInfo, EventMetadata and FullState mirror the server's sync
// endpoints. The server assigns monotonic per-workspace sequence
// numbers and can answer checksum, delta and backfill queries.
type ChecksumInfo struct {
	Checksum    string `json:"checksum"`
	LastEventID string `json:"lastEventId"`
}

type EventMetadata struct {
	SequenceNum uint64 `json:"workspaceSequenceNum"`
}

type FullState struct {
	Tasks       []TaskRecord `json:"tasks"`
	Checksum    string       `json:"checksum"`
	LastEventID string       `json:"lastEventId"`
	LastSeq     uint64       `json:"lastAppliedSeq"`
}

// ServerAPI is the abstract server contract consumed by the engine and
// the syncer. Transport implements it.
type ServerAPI interface {
	FetchChecksum(ctx context.Context, workspaceID string) (ChecksumInfo, error)
	FetchDelta(ctx context.Context, workspaceID, sinceEventID string) ([]TaskRecord, error)
	FetchEventMetadata(ctx context.Context, workspaceID, eventID string) (EventMetadata, error)
	FetchBackfill(ctx context.Context, workspaceID string, sequenceNums []uint64) ([]SyncEvent, error)
	FetchFullState(ctx context.Context, workspaceID string) (FullState, error)
}

type RecoveryStats struct {
	Applied    uint64 `json:"applied"`
	Buffered   int    `json:"buffered"`
	StaleDrops uint64 `json:"staleDrops"`
	GapsOpened uint64 `json:"gapsOpened"`
	OpenGaps   int    `json:"openGaps"`
	Resyncs    uint64 `json:"resyncs"`
}

type RecoveryOptions struct {
	WorkspaceID string
	GapTimeout  time.Duration
	MaxBuffered int
	// Apply is the authoritative application path, normally
	// TaskStore.ApplyEvent. It must not call back into the engine.
	Apply  func(ev SyncEvent) error
	Server ServerAPI
	Logger Logger
}

// RecoveryEngine consumes sequenced events, reorders late arrivals,
// tracks gaps, and escalates unresolvable gaps to a full resync. It
// never skips a missing sequence: a skipped update would silently
// desynchronize the local cache.
type RecoveryEngine struct {
	mu          sync.Mutex
	workspaceID string
	gapTimeout  time.Duration
	maxBuffered int
	apply       func(ev SyncEvent) error
	server      ServerAPI
	resync      func(ctx context.Context) error
	logger      Logger

	expectedSeq    uint64
	lastAppliedSeq uint64
	buffer         map[string]SyncEvent
	gaps           map[uint64]*time.Timer
	resyncInFlight bool
	stats          RecoveryStats
	closed         chan struct{}
	closeOnce      sync.Once
}

func NewRecoveryEngine(opts RecoveryOptions) (*RecoveryEngine, error) {
	if opts.WorkspaceID == "" {
		return nil, fmt.Errorf("%w: workspace id is required", ErrInvalidInput)
	}
	if opts.Apply == nil {
		return nil, fmt.Errorf("%w: apply func is required", ErrInvalidInput)
	}
	gapTimeout := opts.GapTimeout
	if gapTimeout <= 0 {
		gapTimeout = defaultGapTimeout
	}
	maxBuffered := opts.MaxBuffered
	if maxBuffered <= 0 {
		maxBuffered = defaultMaxBuffered
	}
	return &RecoveryEngine{
		workspaceID: opts.WorkspaceID,
		gapTimeout:  gapTimeout,
		maxBuffered: maxBuffered,
		apply:       opts.Apply,
		server:      opts.Server,
		logger:      opts.Logger,
		expectedSeq: 1,
		buffer:      map[string]SyncEvent{},
		gaps:        map[uint64]*time.Timer{},
		closed:      make(chan struct{}),
	}, nil
}

// SetResyncFunc wires the full-resync escalation target. Set once at
// composition time, before events flow.
func (e *RecoveryEngine) SetResyncFunc(fn func(ctx context.Context) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resync = fn
}

// Start seeds the expected sequence from the last known event id, or
// from 1 for a fresh workspace.
func (e *RecoveryEngine) Start(ctx context.Context, lastEventID string) error {
	if lastEventID == "" || e.server == nil {
		return nil
	}
	meta, err := e.server.FetchEventMetadata(ctx, e.workspaceID, lastEventID)
	if err != nil {
		return fmt.Errorf("resolve last event sequence: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastAppliedSeq = meta.SequenceNum
	e.expectedSeq = meta.SequenceNum + 1
	return nil
}

// Offer routes one inbound event through the ordering state machine.
func (e *RecoveryEngine) Offer(ctx context.Context, ev SyncEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.WorkspaceID != e.workspaceID {
		return fmt.Errorf("%w: event workspace %q, engine workspace %q", ErrWorkspaceMismatch, ev.WorkspaceID, e.workspaceID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.closed:
		return ErrStoreClosed
	default:
	}

	seq := ev.SequenceNum
	switch {
	case seq < e.expectedSeq:
		e.stats.StaleDrops++
		e.logf("recovery: dropping stale event %s seq=%d expected=%d", ev.EventID, seq, e.expectedSeq)
		return nil
	case seq == e.expectedSeq:
		if err := e.applyLocked(ev); err != nil {
			return err
		}
		return e.drainLocked()
	default:
		return e.bufferLocked(ctx, ev)
	}
}

// applyLocked hands the event to the store with server-authoritative
// rank and advances past its sequence.
func (e *RecoveryEngine) applyLocked(ev SyncEvent) error {
	ev.Task.ActorRank = ActorRankServer
	if err := e.apply(ev); err != nil {
		return fmt.Errorf("apply event %s: %w", ev.EventID, err)
	}
	e.stats.Applied++
	e.lastAppliedSeq = ev.SequenceNum
	if ev.SequenceNum >= e.expectedSeq {
		e.expectedSeq = ev.SequenceNum + 1
	}
	e.clearGapLocked(ev.SequenceNum)
	return nil
}

// drainLocked repeatedly applies buffered events at the new expected
// sequence. Concurrent events sharing a sequence number are legitimate
// under the protocol; all candidates are applied, in vector-clock then
// event-id order, before advancing past the sequence.
func (e *RecoveryEngine) drainLocked() error {
	for {
		candidates := e.candidatesAtLocked(e.expectedSeq)
		if len(candidates) == 0 {
			return nil
		}
		sort.Slice(candidates, func(i, j int) bool { return eventLess(candidates[i], candidates[j]) })
		seq := e.expectedSeq
		for _, candidate := range candidates {
			delete(e.buffer, candidate.EventID)
			candidate.Task.ActorRank = ActorRankServer
			if err := e.apply(candidate); err != nil {
				return fmt.Errorf("apply buffered event %s: %w", candidate.EventID, err)
			}
			e.stats.Applied++
		}
		e.lastAppliedSeq = seq
		e.expectedSeq = seq + 1
		e.clearGapLocked(seq)
	}
}

func (e *RecoveryEngine) candidatesAtLocked(seq uint64) []SyncEvent {
	var out []SyncEvent
	for _, ev := range e.buffer {
		if ev.SequenceNum == seq {
			out = append(out, ev)
		}
	}
	return out
}

func (e *RecoveryEngine) bufferLocked(ctx context.Context, ev SyncEvent) error {
	e.buffer[ev.EventID] = ev
	e.clearGapLocked(ev.SequenceNum)
	e.stats.Buffered = len(e.buffer)

	var opened []uint64
	for seq := e.expectedSeq; seq < ev.SequenceNum; seq++ {
		if _, tracked := e.gaps[seq]; tracked {
			continue
		}
		if len(e.candidatesAtLocked(seq)) > 0 {
			continue
		}
		gapSeq := seq
		e.gaps[seq] = time.AfterFunc(e.gapTimeout, func() { e.onGapTimeout(gapSeq) })
		e.stats.GapsOpened++
		opened = append(opened, seq)
	}
	if len(opened) > 0 {
		e.requestBackfillLocked(opened)
	}

	if len(e.buffer) > e.maxBuffered {
		if len(e.gaps) == 0 {
			// No missing data, only reordering: an ordered flush is safe.
			e.logf("recovery: buffer over %d with no gaps, flushing in order", e.maxBuffered)
			return e.flushOrderedLocked()
		}
		e.logf("recovery: buffer over %d with %d open gaps, forcing full resync", e.maxBuffered, len(e.gaps))
		e.triggerResyncLocked("buffer overflow")
	}
	return nil
}

// flushOrderedLocked applies the entire buffer in sequence order. Only
// legal when the gap set is empty.
func (e *RecoveryEngine) flushOrderedLocked() error {
	for len(e.buffer) > 0 {
		lowest := uint64(0)
		for _, ev := range e.buffer {
			if lowest == 0 || ev.SequenceNum < lowest {
				lowest = ev.SequenceNum
			}
		}
		if lowest > e.expectedSeq {
			e.expectedSeq = lowest
		}
		if err := e.drainLocked(); err != nil {
			return err
		}
	}
	return nil
}

// onGapTimeout fires on the timer goroutine. The gap may have been
// filled between firing and lock acquisition, so membership is
// re-checked under the lock.
func (e *RecoveryEngine) onGapTimeout(seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.closed:
		return
	default:
	}
	if _, open := e.gaps[seq]; !open {
		return
	}
	e.logf("recovery: gap at seq=%d unresolved after %s, forcing full resync", seq, e.gapTimeout)
	e.triggerResyncLocked(fmt.Sprintf("gap timeout at seq %d", seq))
}

// triggerResyncLocked clears all ordering state and launches the full
// resync. A second trigger while one is in flight is coalesced;
// replaying a resync is harmless but wasteful.
func (e *RecoveryEngine) triggerResyncLocked(reason string) {
	if e.resyncInFlight {
		return
	}
	e.resyncInFlight = true
	e.stats.Resyncs++
	e.clearBufferAndGapsLocked()
	resync := e.resync

	go func() {
		defer func() {
			e.mu.Lock()
			e.resyncInFlight = false
			e.mu.Unlock()
		}()
		if resync == nil {
			e.logf("recovery: resync needed (%s) but no resync func wired", reason)
			return
		}
		if err := resync(context.Background()); err != nil {
			e.logf("recovery: full resync failed (%s): %v", reason, err)
		}
	}()
}

// Reset re-seeds the sequence state from authoritative server
// metadata after a full resync.
func (e *RecoveryEngine) Reset(lastSeq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearBufferAndGapsLocked()
	e.lastAppliedSeq = lastSeq
	e.expectedSeq = lastSeq + 1
}

func (e *RecoveryEngine) Stats() RecoveryStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := e.stats
	stats.Buffered = len(e.buffer)
	stats.OpenGaps = len(e.gaps)
	return stats
}

func (e *RecoveryEngine) ExpectedSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expectedSeq
}

func (e *RecoveryEngine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		close(e.closed)
		e.clearBufferAndGapsLocked()
	})
}

func (e *RecoveryEngine) clearBufferAndGapsLocked() {
	for seq, timer := range e.gaps {
		timer.Stop()
		delete(e.gaps, seq)
	}
	e.buffer = map[string]SyncEvent{}
	e.stats.Buffered = 0
}

func (e *RecoveryEngine) clearGapLocked(seq uint64) {
	if timer, ok := e.gaps[seq]; ok {
		timer.Stop()
		delete(e.gaps, seq)
	}
}

// requestBackfillLocked asks the server to replay outstanding gap
// sequences. Best effort: failures are logged, the gap timers remain
// the correctness backstop.
func (e *RecoveryEngine) requestBackfillLocked(seqs []uint64) {
	if e.server == nil {
		return
	}
	server := e.server
	workspaceID := e.workspaceID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.gapTimeout)
		defer cancel()
		events, err := server.FetchBackfill(ctx, workspaceID, seqs)
		if err != nil {
			e.logf("recovery: backfill request for %v failed: %v", seqs, err)
			return
		}
		for _, ev := range events {
			ev.SourceTag = "backfill"
			if err := e.Offer(ctx, ev); err != nil {
				e.logf("recovery: backfilled event %s rejected: %v", ev.EventID, err)
			}
		}
	}()
}

func (e *RecoveryEngine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
