package kitedb

import (
	"errors"

	"github.com/klauspost/compress/snappy"

	"github.com/maskdotdev/kitedb/delta"
	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/snapshot"
	"github.com/maskdotdev/kitedb/storage"
	"github.com/maskdotdev/kitedb/txn"
	"github.com/maskdotdev/kitedb/vector"
	"github.com/maskdotdev/kitedb/wal"
)

func walSyncMode(m SyncMode) wal.SyncMode {
	switch m {
	case SyncNormal:
		return wal.SyncNormal
	case SyncOff:
		return wal.SyncOff
	default:
		return wal.SyncFull
	}
}

func groupCommitWindow(o Options) int {
	if o.GroupCommit.Enabled {
		return o.GroupCommit.WindowMs
	}
	return 0
}

// loadWALRegions reads both WAL regions' bytes off the pager into buf,
// using the header's recorded heads as each region's valid length.
func loadWALRegions(pager *storage.Pager, hdr *storage.Header, buf *wal.Buffer) error {
	primarySize, secondarySize := walRegionSizes(hdr)
	walStart := hdr.WALStartPage
	walPages := hdr.WALPageCount
	if walPages == 0 {
		return nil
	}
	region, err := pager.MmapRange(uint32(walStart), uint32(walPages))
	if err != nil {
		return errIO("Open", err)
	}
	if len(region) < primarySize+secondarySize {
		return errCorruption("Open", errShortWALRegion)
	}
	primary := region[:primarySize]
	secondary := region[primarySize : primarySize+secondarySize]
	*buf = *wal.Restore(
		append([]byte(nil), primary...),
		append([]byte(nil), secondary...),
		hdr.WALPrimaryHead,
		hdr.WALSecondaryHead,
		walRegion(hdr.ActiveWALRegion),
	)
	return nil
}

func walRegion(b uint8) wal.Region {
	if b == storage.RegionSecondary {
		return wal.Secondary
	}
	return wal.Primary
}

var errShortWALRegion = errors.New("wal region shorter than header-declared split")

func loadSnapshot(pager *storage.Pager, hdr *storage.Header) (*snapshot.Snapshot, error) {
	if hdr.SnapshotPageCount == 0 {
		return snapshot.Empty(), nil
	}
	buf, err := pager.MmapRange(uint32(hdr.SnapshotStartPage), uint32(hdr.SnapshotPageCount))
	if err != nil {
		return nil, errIO("Open", err)
	}
	// SnapshotPageCount is page-rounded; trim the trailing zero padding back
	// down to the exact blob length before decoding, the same way the
	// teacher trims a record's stored length before DecompressRecord.
	if n := hdr.SnapshotByteLength; n > 0 && n <= uint64(len(buf)) {
		buf = buf[:n]
	}
	if hdr.SnapshotCompressed != 0 {
		buf, err = snappy.Decode(nil, buf)
		if err != nil {
			return nil, errCorruption("Open", err)
		}
	}
	snap, err := snapshot.Decode(buf, false)
	if err != nil {
		return nil, errCorruption("Open", err)
	}
	return snap, nil
}

// loadVectorStores decodes every vector PropKey's manifest blob carried in
// the snapshot back into a live *vector.Store, the mirror of
// encodeVectorManifests run at the previous checkpoint's Build phase.
func loadVectorStores(snap *snapshot.Snapshot) (map[graph.PropKeyID]*vector.Store, error) {
	out := make(map[graph.PropKeyID]*vector.Store)
	for i := 0; i < snap.NumPropkeys(); i++ {
		pk := graph.PropKeyID(i)
		blob, ok := snap.VectorManifest(pk)
		if !ok {
			continue
		}
		store, err := vector.DecodeStore(blob)
		if err != nil {
			return nil, errCorruption("Open", err)
		}
		out[pk] = store
	}
	return out, nil
}

// recoverFromRegion scans one WAL region, groups its records into complete
// BEGIN..COMMIT transactions, and replays each into d, per spec §4.9.
func recoverFromRegion(buf *wal.Buffer, region wal.Region, d *delta.Delta) error {
	records, err := buf.ScanRegion(region)
	if err != nil {
		return errTruncatedWAL("Open", err)
	}
	groups := txn.ScanTransactions(records)
	for _, group := range groups {
		for _, rec := range group {
			if err := txn.ApplyRecord(d, rec); err != nil {
				return errCorruption("Open", err)
			}
		}
	}
	return nil
}
