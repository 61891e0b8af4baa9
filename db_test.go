package kitedb

import (
	"testing"

	"github.com/maskdotdev/kitedb/graph"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateNodeAndGet(t *testing.T) {
	db := openTestDB(t)

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	id, err := tx.CreateNode("alice", []string{"Person"}, map[string]graph.Value{
		"name": graph.StringValue("Alice"),
	})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	n, err := db.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if n.Key != "alice" {
		t.Fatalf("expected key alice, got %q", n.Key)
	}
	got, ok := db.GetNodeProp(id, "name")
	if !ok || got.S != "Alice" {
		t.Fatalf("expected name=Alice, got %+v %v", got, ok)
	}

	resolved, err := db.GetNodeByKey("alice")
	if err != nil || resolved != id {
		t.Fatalf("GetNodeByKey: expected %d, got %d (%v)", id, resolved, err)
	}
}

func TestCreateNodeDuplicateKeyFails(t *testing.T) {
	db := openTestDB(t)

	tx, _ := db.Begin()
	if _, err := tx.CreateNode("alice", nil, nil); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, _ := db.Begin()
	defer tx2.Rollback()
	if _, err := tx2.CreateNode("alice", nil, nil); err == nil {
		t.Fatalf("expected duplicate key to fail")
	}
}

func TestAddEdgeAndTraverse(t *testing.T) {
	db := openTestDB(t)

	tx, _ := db.Begin()
	a, _ := tx.CreateNode("a", nil, nil)
	b, _ := tx.CreateNode("b", nil, nil)
	if err := tx.AddEdge(a, "knows", b); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	out := db.OutEdges(a)
	if len(out) != 1 || out[0].Dst != b {
		t.Fatalf("expected single edge to %d, got %+v", b, out)
	}
	in := db.InEdges(b)
	if len(in) != 1 || in[0].Src != a {
		t.Fatalf("expected single in-edge from %d, got %+v", a, in)
	}
	if !db.EdgeExists(graph.Edge{Src: a, Etype: out[0].Etype, Dst: b}) {
		t.Fatalf("expected edge to exist")
	}
	if db.OutDegree(a) != 1 || db.InDegree(b) != 1 {
		t.Fatalf("expected degree 1 on both endpoints")
	}
}

func TestSelfLoopRejected(t *testing.T) {
	db := openTestDB(t)
	tx, _ := db.Begin()
	a, _ := tx.CreateNode("a", nil, nil)
	if err := tx.AddEdge(a, "knows", a); err == nil {
		t.Fatalf("expected self-loop to be rejected")
	}
	tx.Rollback()
}

func TestDeleteNodeCascadesEdgesAndVector(t *testing.T) {
	db := openTestDB(t)

	tx, _ := db.Begin()
	a, _ := tx.CreateNode("a", nil, nil)
	b, _ := tx.CreateNode("b", nil, nil)
	if err := tx.AddEdge(a, "knows", b); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if err := tx.SetNodeVector(a, "embedding", []float32{1, 0, 0}, graph.MetricCosine); err != nil {
		t.Fatalf("SetNodeVector: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, _ := db.Begin()
	if err := tx2.DeleteNode(a); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if db.NodeExists(a) {
		t.Fatalf("expected node %d to be gone", a)
	}
	if len(db.OutEdges(a)) != 0 {
		t.Fatalf("expected no outgoing edges for deleted node")
	}
	if len(db.InEdges(b)) != 0 {
		t.Fatalf("expected edge into b to be cascaded away")
	}
	if db.HasNodeVector(a, "embedding") {
		t.Fatalf("expected vector to be cascade-deleted")
	}
}

func TestNodePropRoundTripAfterCheckpoint(t *testing.T) {
	db := openTestDB(t)

	tx, _ := db.Begin()
	id, err := tx.CreateNode("a", []string{"Person"}, map[string]graph.Value{
		"age": graph.IntValue(30),
	})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := db.Optimize(); err != nil {
		t.Fatalf("Optimize: %v", err)
	}

	n, err := db.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode after checkpoint: %v", err)
	}
	if len(n.Labels) != 1 {
		t.Fatalf("expected label to survive checkpoint, got %v", n.Labels)
	}
	age, ok := db.GetNodeProp(id, "age")
	if !ok || age.I != 30 {
		t.Fatalf("expected age=30 to survive checkpoint, got %+v %v", age, ok)
	}
}

func TestListNodesPagination(t *testing.T) {
	db := openTestDB(t)

	tx, _ := db.Begin()
	var ids []graph.NodeID
	for i := 0; i < 5; i++ {
		id, err := tx.CreateNode("", nil, nil)
		if err != nil {
			t.Fatalf("CreateNode: %v", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var page []*graph.Node
	cursor := graph.NodeID(0)
	for {
		p, next, err := db.ListNodes(cursor, 2)
		if err != nil {
			t.Fatalf("ListNodes: %v", err)
		}
		page = append(page, p...)
		if next == 0 {
			break
		}
		cursor = next
	}
	if len(page) != len(ids) {
		t.Fatalf("expected %d nodes across pages, got %d", len(ids), len(page))
	}
}

func TestVectorSearchRoundTrip(t *testing.T) {
	db := openTestDB(t)

	tx, _ := db.Begin()
	ids := make([]graph.NodeID, 0, 4)
	vecs := [][]float32{{1, 0}, {0, 1}, {1, 1}, {-1, 0}}
	for _, v := range vecs {
		id, err := tx.CreateNode("", nil, nil)
		if err != nil {
			t.Fatalf("CreateNode: %v", err)
		}
		if err := tx.SetNodeVector(id, "embedding", v, graph.MetricEuclidean); err != nil {
			t.Fatalf("SetNodeVector: %v", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := db.TrainVectorIndex("embedding", 2, 2); err != nil {
		t.Fatalf("TrainVectorIndex: %v", err)
	}
	results, err := db.SearchVectors("embedding", []float32{1, 0}, 1, nil, nil)
	if err != nil {
		t.Fatalf("SearchVectors: %v", err)
	}
	if len(results) != 1 || results[0].ID != ids[0] {
		t.Fatalf("expected nearest neighbor to be the first vector, got %+v", results)
	}
}

func TestTxRollbackDiscardsChanges(t *testing.T) {
	db := openTestDB(t)

	tx, _ := db.Begin()
	id, err := tx.CreateNode("ghost", nil, nil)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if db.NodeExists(id) {
		t.Fatalf("expected rolled-back node to not exist")
	}
	if _, err := db.GetNodeByKey("ghost"); err == nil {
		t.Fatalf("expected rolled-back key to not resolve")
	}
}

func TestReadOnlyRejectsBegin(t *testing.T) {
	db := openTestDB(t)
	tx, _ := db.Begin()
	if _, err := tx.CreateNode("x", nil, nil); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	ro := &DB{opts: Options{ReadOnly: true}}
	if _, err := ro.Begin(); err == nil {
		t.Fatalf("expected Begin on a read-only handle to fail")
	}
}
