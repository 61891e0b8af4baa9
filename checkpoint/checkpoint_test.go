package checkpoint

import (
	"testing"

	"github.com/maskdotdev/kitedb/delta"
	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/snapshot"
	"github.com/maskdotdev/kitedb/storage"
	"github.com/maskdotdev/kitedb/wal"
)

// fakeFile accumulates "snapshot pages" as a single growable byte slice,
// standing in for a Pager in these tests.
type fakeFile struct {
	data []byte
}

func (f *fakeFile) write(buf []byte) (uint32, uint32, error) {
	start := uint32(len(f.data) / 4096)
	f.data = append(f.data, buf...)
	for len(f.data)%4096 != 0 {
		f.data = append(f.data, 0)
	}
	pages := uint32(len(buf)+4095) / 4096
	return start, pages, nil
}

func newTestEngine(t *testing.T) (*Engine, *wal.Buffer, *storage.Header, *fakeFile, **snapshot.Snapshot, *delta.Delta) {
	t.Helper()
	hdr := &storage.Header{FormatVersion: storage.FormatVersion, PageSize: 4096}
	buf := wal.NewBuffer(4096, 1024)
	ff := &fakeFile{}
	cur := snapshot.Empty()
	curPtr := &cur
	live := delta.New()

	var lastHeader *storage.Header
	hooks := Hooks{
		CurrentSnapshot: func() *snapshot.Snapshot { return *curPtr },
		CurrentDelta:    func() *delta.Delta { return live },
		VectorManifests: func() map[graph.PropKeyID][]byte { return nil },
		WriteSnapshotPages: func(b []byte) (uint32, uint32, error) {
			return ff.write(b)
		},
		PersistHeader: func(h *storage.Header) error {
			cp := *h
			lastHeader = &cp
			return nil
		},
		SwapSnapshot: func(s *snapshot.Snapshot) { *curPtr = s },
		ClearDelta:   func(folded *delta.Delta) { live.Subtract(folded) },
		FreeOldSnapshotPages: func(start, count uint32) {
		},
	}
	e := NewEngine(hdr, buf, hooks)
	_ = lastHeader
	return e, buf, hdr, ff, curPtr, live
}

func TestBlockingCheckpointBuildsAndSwapsSnapshot(t *testing.T) {
	e, _, hdr, _, curPtr, live := newTestEngine(t)

	live.DefineLabel(0, "Person")
	live.CreateNode(1, &delta.CreatedNode{Key: "alice", Labels: []graph.LabelID{0}})
	live.SetKey("alice", 1)
	live.SetNodeProp(1, 0, graph.IntValue(7))

	if err := e.Blocking(); err != nil {
		t.Fatalf("Blocking: %v", err)
	}

	if hdr.ActiveSnapshotGen != 1 {
		t.Fatalf("expected gen 1, got %d", hdr.ActiveSnapshotGen)
	}
	snap := *curPtr
	if snap.NumNodes() != 1 {
		t.Fatalf("expected 1 node in new snapshot, got %d", snap.NumNodes())
	}
	if id, ok := snap.GetNodeByKey("alice"); !ok || id != 1 {
		t.Fatalf("expected alice -> 1, got %v %v", id, ok)
	}
	if created, deleted, modified := live.Counts(); created != 0 || deleted != 0 || modified != 0 {
		t.Fatalf("expected live delta cleared, got %d %d %d", created, deleted, modified)
	}
	if e.Count() != 1 {
		t.Fatalf("expected checkpoint count 1, got %d", e.Count())
	}
}

func TestShouldCheckpointThreshold(t *testing.T) {
	e, buf, _, _, _, _ := newTestEngine(t)
	if e.ShouldCheckpoint(0, 0.75) {
		t.Fatalf("expected no checkpoint needed on empty buffer")
	}
	if err := buf.WriteRecord(make([]byte, 900)); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if !e.ShouldCheckpoint(0, 0.2) {
		t.Fatalf("expected checkpoint needed past threshold")
	}
}

func TestBackgroundCheckpointCompletesAndMergesWAL(t *testing.T) {
	e, buf, hdr, _, curPtr, live := newTestEngine(t)

	live.DefineLabel(0, "Person")
	live.CreateNode(1, &delta.CreatedNode{Key: "bob", Labels: []graph.LabelID{0}})
	live.SetKey("bob", 1)

	res := <-e.Background()
	if res.Err != nil {
		t.Fatalf("Background: %v", res.Err)
	}
	if hdr.ActiveSnapshotGen != 1 {
		t.Fatalf("expected gen 1, got %d", hdr.ActiveSnapshotGen)
	}
	if buf.ActiveRegion() != wal.Primary {
		t.Fatalf("expected active region back to primary after Complete")
	}
	snap := *curPtr
	if _, ok := snap.GetNodeByKey("bob"); !ok {
		t.Fatalf("expected bob present in new snapshot")
	}
}
