// Package checkpoint implements the blocking and background checkpoint
// protocols (spec §4.10) that fold Snapshot+Delta into a fresh on-disk
// Snapshot and reclaim the WAL.
package checkpoint

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/maskdotdev/kitedb/delta"
	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/snapshot"
	"github.com/maskdotdev/kitedb/storage"
	"github.com/maskdotdev/kitedb/wal"
)

// Hooks lets the checkpoint engine drive the rest of the system without
// importing the root package (which would create an import cycle, since
// the root package drives the checkpoint engine).
type Hooks struct {
	// CurrentSnapshot returns the snapshot readers currently see.
	CurrentSnapshot func() *snapshot.Snapshot
	// CurrentDelta returns the live Delta to fold into the new snapshot.
	CurrentDelta func() *delta.Delta
	// VectorManifests returns freshly-serialized manifests for every
	// vector PropKey, reflecting the same logical point as CurrentDelta.
	VectorManifests func() map[graph.PropKeyID][]byte
	// WriteSnapshotPages grows the file if needed and writes buf starting
	// at a page-aligned offset after the WAL area, returning the first
	// page number used.
	WriteSnapshotPages func(buf []byte) (startPage uint32, pageCount uint32, err error)
	// PersistHeader atomically writes and fsyncs a new header.
	PersistHeader func(h *storage.Header) error
	// SwapSnapshot installs newSnap as the snapshot future readers observe.
	SwapSnapshot func(newSnap *snapshot.Snapshot)
	// ClearDelta reclaims folded from the live Delta — the frozen clone
	// that was actually built into the new snapshot, not the live Delta
	// itself, since writers may have kept committing against the live
	// Delta during Build/Write. Subtract semantics (spec §4.10): only
	// entries that still match folded are removed, so a commit that
	// landed mid-checkpoint survives for the next cycle.
	ClearDelta func(folded *delta.Delta)
	// FreeOldSnapshotPages marks the previous snapshot's pages reclaimable.
	FreeOldSnapshotPages func(startPage, pageCount uint32)
	// DrainReaders blocks until no reader still references the old
	// snapshot, bounding the Complete phase's exclusive window.
	DrainReaders func()
}

// Engine runs blocking and background checkpoints against a WAL buffer and
// header, using Hooks to reach into engine state it doesn't own directly.
type Engine struct {
	mu    sync.Mutex
	hdr   *storage.Header
	buf   *wal.Buffer
	hooks Hooks

	running int32 // 1 while a background checkpoint is in flight
	count   uint64
}

func NewEngine(hdr *storage.Header, buf *wal.Buffer, hooks Hooks) *Engine {
	return &Engine{hdr: hdr, buf: buf, hooks: hooks}
}

// Count reports how many checkpoints have completed, for stats().
func (e *Engine) Count() uint64 { return atomic.LoadUint64(&e.count) }

// ShouldCheckpoint implements the threshold policy: (usedSpace +
// pendingBatchSize) / primaryRegionSize >= threshold. pendingBatchSize is
// the estimated framed size of the commit about to be appended, so the
// check can run before the records are built.
func (e *Engine) ShouldCheckpoint(pendingBatchSize uint64, threshold float32) bool {
	if e.buf.ActiveRegion() != wal.Primary {
		return false // already mid-checkpoint
	}
	used := e.buf.UsedSpace() + pendingBatchSize
	cap := uint64(e.buf.PrimaryRegionSize())
	if cap == 0 {
		return false
	}
	return float32(used)/float32(cap) >= threshold
}

// Blocking runs the simple checkpoint variant: it assumes the caller
// already holds the writer lock for its entire duration.
func (e *Engine) Blocking() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	base := e.hooks.CurrentSnapshot()
	// Blocking's contract is that the caller already holds the writer
	// lock for its whole duration, so nothing else can be committing —
	// but we still fold from a point-in-time copy rather than the live
	// Delta itself, so Subtract below has an exact folded set to diff
	// against instead of assuming nothing changed.
	d := e.hooks.CurrentDelta().Clone()
	vecManifests := e.hooks.VectorManifests()

	newSnap, err := snapshot.Build(base, d, vecManifests, e.hdr.ActiveSnapshotGen+1)
	if err != nil {
		return fmt.Errorf("checkpoint: build: %w", err)
	}
	buf := newSnap.Encode()

	startPage, pageCount, err := e.hooks.WriteSnapshotPages(buf)
	if err != nil {
		return fmt.Errorf("checkpoint: write: %w", err)
	}

	oldStart, oldCount := e.hdr.SnapshotStartPage, e.hdr.SnapshotPageCount
	e.hdr.ActiveSnapshotGen++
	e.hdr.SnapshotStartPage = uint64(startPage)
	e.hdr.SnapshotPageCount = uint64(pageCount)
	e.hdr.ChangeCounter++

	if err := e.hooks.PersistHeader(e.hdr); err != nil {
		return fmt.Errorf("checkpoint: persist header: %w", err)
	}

	e.hooks.SwapSnapshot(newSnap)
	e.hooks.ClearDelta(d)
	e.buf.ResetPrimary()
	if oldCount > 0 {
		e.hooks.FreeOldSnapshotPages(uint32(oldStart), uint32(oldCount))
	}
	atomic.AddUint64(&e.count, 1)
	return nil
}

// BackgroundResult is returned to the caller once a background checkpoint
// resolves, per Scenario D's "checkpoint future".
type BackgroundResult struct {
	Err error
}

// Background runs the 4-phase protocol (Switch/Build/Write/Complete). It
// returns a channel that resolves when Complete finishes; writers may keep
// committing against the secondary region for the whole Build/Write
// duration and only block during the short Complete phase.
func (e *Engine) Background() <-chan BackgroundResult {
	result := make(chan BackgroundResult, 1)
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		result <- BackgroundResult{Err: fmt.Errorf("checkpoint: background checkpoint already in progress")}
		return result
	}

	go func() {
		defer atomic.StoreInt32(&e.running, 0)
		err := e.runBackground()
		result <- BackgroundResult{Err: err}
	}()
	return result
}

func (e *Engine) runBackground() error {
	// Phase 1: Switch.
	e.mu.Lock()
	e.buf.SwitchToSecondary()
	e.hdr.ActiveWALRegion = storage.RegionSecondary
	e.hdr.CheckpointInProgress = 1
	e.hdr.ChangeCounter++
	if err := e.hooks.PersistHeader(e.hdr); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("checkpoint: switch: persist header: %w", err)
	}
	base := e.hooks.CurrentSnapshot()
	// Freeze the live Delta here, under e.mu, before releasing it: Build
	// below runs unlocked against this frozen copy while the single
	// writer keeps committing into the live Delta via Merge. Folding the
	// live Delta directly here would race with those commits.
	frozen := e.hooks.CurrentDelta().Clone()
	e.mu.Unlock()

	// Phase 2: Build (no lock on e.mu — writers commit to the secondary
	// region concurrently — but frozen is a private copy nothing else
	// can mutate, so no further synchronization is needed to read it).
	vecManifests := e.hooks.VectorManifests()
	newSnap, err := snapshot.Build(base, frozen, vecManifests, e.hdr.ActiveSnapshotGen+1)
	if err != nil {
		return fmt.Errorf("checkpoint: build: %w", err)
	}
	buf := newSnap.Encode()

	// Phase 3: Write.
	startPage, pageCount, err := e.hooks.WriteSnapshotPages(buf)
	if err != nil {
		return fmt.Errorf("checkpoint: write: %w", err)
	}

	// Phase 4: Complete — short exclusive phase.
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.buf.MergeSecondaryIntoPrimary(); err != nil {
		return fmt.Errorf("checkpoint: complete: merge: %w", err)
	}

	oldStart, oldCount := e.hdr.SnapshotStartPage, e.hdr.SnapshotPageCount
	e.hdr.ActiveSnapshotGen++
	e.hdr.SnapshotStartPage = uint64(startPage)
	e.hdr.SnapshotPageCount = uint64(pageCount)
	e.hdr.WALPrimaryHead = e.buf.PrimaryHead()
	e.hdr.WALSecondaryHead = 0
	e.hdr.ActiveWALRegion = storage.RegionPrimary
	e.hdr.CheckpointInProgress = 0
	e.hdr.ChangeCounter++

	if err := e.hooks.PersistHeader(e.hdr); err != nil {
		return fmt.Errorf("checkpoint: complete: persist header: %w", err)
	}

	if e.hooks.DrainReaders != nil {
		e.hooks.DrainReaders()
	}
	e.hooks.SwapSnapshot(newSnap)
	e.hooks.ClearDelta(frozen)
	if oldCount > 0 {
		e.hooks.FreeOldSnapshotPages(uint32(oldStart), uint32(oldCount))
	}
	atomic.AddUint64(&e.count, 1)
	return nil
}

// RecoverCheckpointInProgress clears a stale in-progress flag found at
// open: the header still references the old snapshot, so the old snapshot
// is retained and both WAL regions are replayed (primary, then secondary)
// by the caller; this only clears the flag so future checkpoints proceed
// normally.
func (e *Engine) RecoverCheckpointInProgress() {
	e.hdr.CheckpointInProgress = 0
	e.hdr.ActiveWALRegion = storage.RegionPrimary
}
