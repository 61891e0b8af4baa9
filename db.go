// Package kitedb is an embedded graph-plus-vector storage engine: a
// single file, ACID transactions under snapshot isolation, crash
// recovery via WAL replay, and background checkpointing that folds the
// write-ahead log into a compact CSR snapshot.
package kitedb

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/klauspost/compress/snappy"

	"github.com/maskdotdev/kitedb/checkpoint"
	"github.com/maskdotdev/kitedb/delta"
	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/ivf"
	"github.com/maskdotdev/kitedb/logging"
	"github.com/maskdotdev/kitedb/mvcc"
	"github.com/maskdotdev/kitedb/snapshot"
	"github.com/maskdotdev/kitedb/storage"
	"github.com/maskdotdev/kitedb/txn"
	"github.com/maskdotdev/kitedb/vector"
	"github.com/maskdotdev/kitedb/wal"
)

// DB is a single open KiteDB file. The zero value is not usable; obtain
// one via Open, OpenMemory, or OpenReadOnly.
type DB struct {
	opts   Options
	pager  *storage.Pager
	header *storage.Header

	walBuf    *wal.Buffer
	walWriter *wal.Writer
	txnMgr    *txn.Manager
	ckpt      *checkpoint.Engine

	// snapMu guards swapping the snapshot pointer during a checkpoint; the
	// Delta it's paired with is only ever mutated by the single writer or
	// by the checkpoint engine when it subtracts folded entries (a blocking
	// checkpoint, or a background checkpoint's Complete phase; Build only
	// reads a clone).
	snapMu sync.RWMutex
	snap   *snapshot.Snapshot
	liveD  *delta.Delta

	schema *schemaRegistry
	vecMu  sync.Mutex
	vstore map[graph.PropKeyID]*vector.Store
	ivfIdx map[graph.PropKeyID]*ivf.Index

	mvccTracker *mvcc.Tracker

	logger *slog.Logger

	nextNodeID graph.NodeID
}

// Open opens (or creates) a file-backed database at path.
func Open(path string, opts ...Option) (*DB, error) {
	o := DefaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	pager, err := storage.OpenFile(path, o.PageSize, o.ReadOnly, o.CreateIfMissing)
	if err != nil {
		return nil, errIO("Open", err)
	}
	return open(pager, o)
}

// OpenMemory opens an in-memory-only database, discarded on Close.
func OpenMemory(opts ...Option) (*DB, error) {
	o := DefaultOptions()
	o.CreateIfMissing = true
	for _, fn := range opts {
		fn(&o)
	}
	pager := storage.OpenMemory(o.PageSize)
	return open(pager, o)
}

// OpenReadOnly opens path without acquiring the writer slot or running
// recovery's write path; mutations on the returned DB fail with KindReadOnly.
func OpenReadOnly(path string, opts ...Option) (*DB, error) {
	return Open(path, append(opts, WithReadOnly())...)
}

func open(pager *storage.Pager, o Options) (*DB, error) {
	lg := o.Logger
	if lg == nil {
		lg = logging.Noop()
	}

	var hdr *storage.Header
	fresh := pager.TotalPages() == 0
	if fresh {
		if o.ReadOnly {
			pager.Close()
			return nil, errIO("Open", fmt.Errorf("kitedb: cannot create a read-only database"))
		}
		h, err := initFreshFile(pager, o)
		if err != nil {
			pager.Close()
			return nil, err
		}
		hdr = h
	} else {
		buf, err := pager.ReadPage(0)
		if err != nil {
			pager.Close()
			return nil, errIO("Open", err)
		}
		hdrBuf, err := pager.MmapRange(0, storage.HeaderSize/pager.PageSize())
		if err == nil {
			buf = hdrBuf
		}
		h, err := storage.DecodeHeader(buf)
		if err != nil {
			pager.Close()
			return nil, errCorruption("Open", err)
		}
		hdr = h
	}

	primarySize, secondarySize := walRegionSizes(hdr)
	walBuf := wal.NewBuffer(primarySize, secondarySize)

	var snap *snapshot.Snapshot
	liveD := delta.New()

	if !fresh {
		if err := loadWALRegions(pager, hdr, walBuf); err != nil {
			pager.Close()
			return nil, err
		}
		s, err := loadSnapshot(pager, hdr)
		if err != nil {
			pager.Close()
			return nil, err
		}
		snap = s

		ckptEngine := checkpoint.NewEngine(hdr, walBuf, checkpoint.Hooks{})
		if hdr.CheckpointInProgress != 0 {
			ckptEngine.RecoverCheckpointInProgress()
			if err := recoverFromRegion(walBuf, wal.Primary, liveD); err != nil {
				pager.Close()
				return nil, err
			}
			if err := recoverFromRegion(walBuf, wal.Secondary, liveD); err != nil {
				pager.Close()
				return nil, err
			}
		} else {
			if err := recoverFromRegion(walBuf, walBuf.ActiveRegion(), liveD); err != nil {
				pager.Close()
				return nil, err
			}
		}
	} else {
		snap = snapshot.Empty()
	}

	walWriter := wal.NewWriter(walSyncMode(o.SyncMode), groupCommitWindow(o), 64)
	txnMgr := txn.NewManager(walBuf, walWriter, liveD, hdr.NextTxID)

	vstore, err := loadVectorStores(snap)
	if err != nil {
		pager.Close()
		return nil, err
	}
	for pk, store := range vstore {
		liveD.SetVectorOverlay(pk, store)
	}

	db := &DB{
		opts:       o,
		pager:      pager,
		header:     hdr,
		walBuf:     walBuf,
		walWriter:  walWriter,
		txnMgr:     txnMgr,
		snap:       snap,
		liveD:      liveD,
		schema:     newSchemaRegistry(snap, liveD),
		vstore:     vstore,
		ivfIdx:     make(map[graph.PropKeyID]*ivf.Index),
		logger:     lg,
		nextNodeID: graph.NodeID(hdr.MaxNodeID + 1),
	}

	db.ckpt = checkpoint.NewEngine(hdr, walBuf, checkpoint.Hooks{
		CurrentSnapshot: func() *snapshot.Snapshot { return db.currentSnapshot() },
		CurrentDelta:    func() *delta.Delta { return db.liveD },
		VectorManifests: func() map[graph.PropKeyID][]byte { return db.encodeVectorManifests() },
		WriteSnapshotPages: func(buf []byte) (uint32, uint32, error) {
			return db.writeSnapshotPages(buf)
		},
		PersistHeader: func(h *storage.Header) error { return db.persistHeader(h) },
		SwapSnapshot:  func(s *snapshot.Snapshot) { db.swapSnapshot(s) },
		ClearDelta: func(folded *delta.Delta) {
			db.liveD.Subtract(folded)
		},
		FreeOldSnapshotPages: func(start, count uint32) {
			db.pager.FreePages(start, count)
		},
	})

	if o.MVCC.Enabled {
		db.mvccTracker = mvcc.NewTracker(mvcc.Config{
			RetentionMs:   o.MVCC.RetentionMs,
			GCIntervalMs:  o.MVCC.GCIntervalMs,
			MaxChainDepth: o.MVCC.MaxChainDepth,
		})
		db.mvccTracker.StartGC(o.MVCC.GCIntervalMs)
	}

	lg.Info("opened database", "readOnly", o.ReadOnly, "fresh", fresh)
	return db, nil
}

func initFreshFile(pager *storage.Pager, o Options) (*storage.Header, error) {
	headerPages := storage.HeaderSize / o.PageSize
	if headerPages == 0 {
		headerPages = 1
	}
	walPages := uint32(o.WALSizeBytes / uint64(o.PageSize))
	if walPages == 0 {
		walPages = 1
	}
	if _, err := pager.Grow(headerPages + walPages); err != nil {
		return nil, errIO("Open", err)
	}
	hdr := &storage.Header{
		FormatVersion:     storage.FormatVersion,
		PageSize:          o.PageSize,
		DBSizePages:       uint64(headerPages + walPages),
		WALStartPage:      uint64(headerPages),
		WALPageCount:      uint64(walPages),
		SnapshotStartPage: uint64(headerPages + walPages),
		ActiveWALRegion:   storage.RegionPrimary,
		MaxNodeID:         0,
		NextTxID:          1,
	}
	if err := pager.WritePage(0, padHeader(hdr, o.PageSize)); err != nil {
		return nil, errIO("Open", err)
	}
	if err := pager.Sync(); err != nil {
		return nil, errIO("Open", err)
	}
	return hdr, nil
}

func padHeader(hdr *storage.Header, pageSize uint32) []byte {
	buf := hdr.Encode()
	if uint32(len(buf)) >= pageSize {
		return buf[:pageSize]
	}
	out := make([]byte, pageSize)
	copy(out, buf)
	return out
}

func walRegionSizes(hdr *storage.Header) (primary, secondary int) {
	total := int(hdr.WALPageCount) * int(hdr.PageSize)
	if total == 0 {
		total = 1 << 16
	}
	primary = total * 3 / 4
	secondary = total - primary
	return
}

// Close flushes any background work and releases the backing file.
func (db *DB) Close() error {
	if db.mvccTracker != nil {
		db.mvccTracker.StopGC()
	}
	db.walWriter.Close()
	if err := db.pager.Sync(); err != nil {
		return errIO("Close", err)
	}
	if err := db.pager.Close(); err != nil {
		return errIO("Close", err)
	}
	return nil
}

func (db *DB) currentSnapshot() *snapshot.Snapshot {
	db.snapMu.RLock()
	defer db.snapMu.RUnlock()
	return db.snap
}

func (db *DB) swapSnapshot(s *snapshot.Snapshot) {
	db.snapMu.Lock()
	db.snap = s
	db.snapMu.Unlock()
	db.schema.rebase(s, db.liveD)
}

func (db *DB) persistHeader(h *storage.Header) error {
	if err := db.pager.WritePage(0, padHeader(h, db.pager.PageSize())); err != nil {
		return err
	}
	return db.pager.Sync()
}

// writeSnapshotPages compresses buf with snappy when doing so shrinks it,
// matching the teacher's compressRecord's "only if it helps" policy, and
// records the outcome in the shared header so loadSnapshot knows whether
// to decompress.
func (db *DB) writeSnapshotPages(buf []byte) (uint32, uint32, error) {
	compressed := snappy.Encode(nil, buf)
	if len(compressed) < len(buf) {
		buf = compressed
		db.header.SnapshotCompressed = 1
	} else {
		db.header.SnapshotCompressed = 0
	}
	db.header.SnapshotByteLength = uint64(len(buf))

	pageSize := db.pager.PageSize()
	pages := (uint32(len(buf)) + pageSize - 1) / pageSize
	start, err := db.pager.Grow(pages)
	if err != nil {
		return 0, 0, err
	}
	for i := uint32(0); i < pages; i++ {
		page := make([]byte, pageSize)
		lo := i * pageSize
		hi := lo + pageSize
		if hi > uint32(len(buf)) {
			hi = uint32(len(buf))
		}
		copy(page, buf[lo:hi])
		if err := db.pager.WritePage(start+i, page); err != nil {
			return 0, 0, err
		}
	}
	if err := db.pager.Sync(); err != nil {
		return 0, 0, err
	}
	return start, pages, nil
}

func (db *DB) encodeVectorManifests() map[graph.PropKeyID][]byte {
	db.vecMu.Lock()
	defer db.vecMu.Unlock()
	out := make(map[graph.PropKeyID][]byte, len(db.vstore))
	for pk, store := range db.vstore {
		out[pk] = store.Encode()
	}
	return out
}

// Optimize runs a synchronous (blocking) checkpoint, per spec §4.8's
// maintenance operation.
func (db *DB) Optimize() error {
	if db.opts.ReadOnly {
		return errReadOnly("Optimize")
	}
	if err := db.ckpt.Blocking(); err != nil {
		return errIO("Optimize", err)
	}
	return nil
}

// Stats returns current snapshot/delta/WAL counters, per spec §4.8.
func (db *DB) Stats() graph.Stats {
	snap := db.currentSnapshot()
	created, deleted, modified := db.liveD.Counts()
	return graph.Stats{
		SnapshotNodes:   uint64(snap.NumNodes()),
		SnapshotEdges:   uint64(snap.NumEdges()),
		DeltaCreated:    uint64(created),
		DeltaDeleted:    uint64(deleted),
		DeltaModified:   uint64(modified),
		WALPrimaryUsed:  db.walBuf.UsedSpace(),
		WALSecondaryUsed: db.walBuf.SecondaryHead(),
		WALPrimaryCap:   uint64(db.walBuf.PrimaryRegionSize()),
		WALSecondaryCap: uint64(db.walBuf.SecondaryRegionSize()),
		CheckpointCount: db.ckpt.Count(),
	}
}
