// Package mvcc implements the optional First-Committer-Wins conflict
// detector described in SPEC_FULL.md §4.13: each transaction's read set is
// stamped with the entity's version-at-read, and commit fails with a
// conflict if any read entity was written by a transaction that committed
// after the reader began. A background goroutine prunes old versions.
package mvcc

import (
	"fmt"
	"sync"
	"time"
)

// EntityKind distinguishes the two version spaces a transaction can read:
// nodes (keyed by id) and edges (keyed by a composite src/etype/dst key
// the caller encodes into EntityRef.Key).
type EntityKind uint8

const (
	EntityNode EntityKind = iota
	EntityEdge
)

// EntityRef names a single versioned entity.
type EntityRef struct {
	Kind EntityKind
	Key  uint64 // node id, or a caller-computed composite edge key
}

type versionEntry struct {
	version   uint64 // txid of the write that produced this version
	committed time.Time
}

// Tracker holds the committed-version history needed for FCW conflict
// detection and the read-set bookkeeping for in-flight transactions.
type Tracker struct {
	mu       sync.Mutex
	versions map[EntityRef][]versionEntry // ascending by version

	retention     time.Duration
	maxChainDepth int

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config mirrors Options' mvccRetentionMs/mvccGcIntervalMs/mvccMaxChainDepth.
type Config struct {
	RetentionMs    int
	GCIntervalMs   int
	MaxChainDepth  int
}

func NewTracker(cfg Config) *Tracker {
	retention := time.Duration(cfg.RetentionMs) * time.Millisecond
	if retention <= 0 {
		retention = 60 * time.Second
	}
	depth := cfg.MaxChainDepth
	if depth <= 0 {
		depth = 64
	}
	return &Tracker{
		versions:      make(map[EntityRef][]versionEntry),
		retention:     retention,
		maxChainDepth: depth,
	}
}

// ReadSet accumulates (entity -> version observed) for one in-flight
// transaction, built up as the transaction reads.
type ReadSet struct {
	observed map[EntityRef]uint64
}

func NewReadSet() *ReadSet {
	return &ReadSet{observed: make(map[EntityRef]uint64)}
}

// RecordRead stamps ref with the version it currently carries (0 if the
// tracker has never seen a write to it), the first time it's read in this
// transaction; later reads in the same transaction keep the original
// stamp so self-writes earlier in the same transaction don't self-conflict.
func (t *Tracker) RecordRead(rs *ReadSet, ref EntityRef) {
	if _, ok := rs.observed[ref]; ok {
		return
	}
	rs.observed[ref] = t.currentVersion(ref)
}

func (t *Tracker) currentVersion(ref EntityRef) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	chain := t.versions[ref]
	if len(chain) == 0 {
		return 0
	}
	return chain[len(chain)-1].version
}

// CheckAndCommit validates rs against the current committed versions: if
// any entity was written by a txid greater than the version the reader
// observed, commit is refused with a conflict error. On success, writeSet
// is stamped with txID as the new current version for each entity.
func (t *Tracker) CheckAndCommit(rs *ReadSet, writeSet []EntityRef, txID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for ref, seenVersion := range rs.observed {
		chain := t.versions[ref]
		if len(chain) == 0 {
			continue
		}
		latest := chain[len(chain)-1].version
		if latest > seenVersion {
			return fmt.Errorf("mvcc: write-write conflict on entity %+v: observed version %d, current version %d", ref, seenVersion, latest)
		}
	}

	now := time.Now()
	for _, ref := range writeSet {
		chain := append(t.versions[ref], versionEntry{version: txID, committed: now})
		if len(chain) > t.maxChainDepth {
			chain = chain[len(chain)-t.maxChainDepth:]
		}
		t.versions[ref] = chain
	}
	return nil
}

// StartGC launches the background goroutine that prunes versions older
// than the configured retention, mirroring the checkpoint engine's own
// channel-driven background-worker idiom.
func (t *Tracker) StartGC(intervalMs int) {
	if intervalMs <= 0 {
		intervalMs = 1000
	}
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	go func() {
		defer close(t.doneCh)
		ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopCh:
				return
			case <-ticker.C:
				t.gc()
			}
		}
	}()
}

func (t *Tracker) gc() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-t.retention)
	for ref, chain := range t.versions {
		kept := chain[:0:0]
		for _, v := range chain {
			if v.committed.After(cutoff) {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			delete(t.versions, ref)
			continue
		}
		t.versions[ref] = kept
	}
}

// StopGC signals the background goroutine to exit and waits for it to do
// so, used from Close.
func (t *Tracker) StopGC() {
	if t.stopCh == nil {
		return
	}
	close(t.stopCh)
	<-t.doneCh
}

// ChainDepth reports the number of retained versions for ref, for tests
// and stats().
func (t *Tracker) ChainDepth(ref EntityRef) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.versions[ref])
}
