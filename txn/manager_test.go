package txn

import (
	"testing"

	"github.com/maskdotdev/kitedb/delta"
	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/wal"
)

func newTestManager() *Manager {
	buf := wal.NewBuffer(4096, 1024)
	w := wal.NewWriter(wal.SyncFull, 0, 0)
	return NewManager(buf, w, delta.New(), 1)
}

func TestBeginCommitAppliesDelta(t *testing.T) {
	m := newTestManager()
	tx, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.DefineLabel(0, "Person"); err != nil {
		t.Fatalf("DefineLabel: %v", err)
	}
	if err := tx.CreateNode(1, "alice", []graph.LabelID{0}, nil); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if err := tx.Commit(func() error { return nil }); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, ok := m.Delta().Created(1); !ok {
		t.Fatalf("expected node 1 to be present in live delta")
	}
	if id, ok := m.Delta().LookupKey("alice"); !ok || id != 1 {
		t.Fatalf("expected key alice -> 1, got %v %v", id, ok)
	}
}

func TestBeginFailsWhileAnotherOpen(t *testing.T) {
	m := newTestManager()
	tx, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := m.Begin(); err == nil {
		t.Fatalf("expected second Begin to fail while first is open")
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, err := m.Begin(); err != nil {
		t.Fatalf("expected Begin to succeed after rollback: %v", err)
	}
}

func TestRollbackDoesNotTouchLiveDelta(t *testing.T) {
	m := newTestManager()
	tx, _ := m.Begin()
	_ = tx.CreateNode(1, "x", nil, nil)
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, ok := m.Delta().Created(1); ok {
		t.Fatalf("expected rolled-back node to be absent from live delta")
	}
}

func TestScanTransactionsDropsIncompleteGroup(t *testing.T) {
	records := []wal.Record{
		{Type: wal.Begin, TxID: 1},
		{Type: wal.CreateNode, TxID: 1},
		{Type: wal.Commit, TxID: 1},
		{Type: wal.Begin, TxID: 2},
		{Type: wal.CreateNode, TxID: 2},
	}
	groups := ScanTransactions(records)
	if len(groups) != 1 {
		t.Fatalf("expected 1 complete group, got %d", len(groups))
	}
	if len(groups[0]) != 3 {
		t.Fatalf("expected 3 records in complete group, got %d", len(groups[0]))
	}
}

func TestApplyRecordRoundTripsAllMutationTypes(t *testing.T) {
	d := delta.New()
	if err := ApplyRecord(d, wal.Record{Type: wal.DefineLabel, Payload: EncodeDefine(0, "Person")}); err != nil {
		t.Fatalf("ApplyRecord DefineLabel: %v", err)
	}
	if err := ApplyRecord(d, wal.Record{Type: wal.CreateNode, Payload: EncodeCreateNode(CreateNodePayload{ID: 1, Key: "a"})}); err != nil {
		t.Fatalf("ApplyRecord CreateNode: %v", err)
	}
	if err := ApplyRecord(d, wal.Record{Type: wal.SetNodeProp, Payload: EncodeSetProp(PropPayload{EntityID: 1, PropKey: 0, Value: graph.IntValue(42)})}); err != nil {
		t.Fatalf("ApplyRecord SetNodeProp: %v", err)
	}
	edit, ok := d.NodePropEdit(1, 0)
	if !ok || edit.Value.I != 42 {
		t.Fatalf("expected prop 0 = 42, got %+v %v", edit, ok)
	}
}
