package snapshot

import (
	"testing"

	"github.com/maskdotdev/kitedb/delta"
	"github.com/maskdotdev/kitedb/graph"
)

func TestEmptySnapshotEncodeDecode(t *testing.T) {
	s := Empty()
	buf := s.Encode()
	got, err := Decode(buf, false)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.NumNodes() != 0 || got.NumEdges() != 0 {
		t.Fatalf("expected empty snapshot, got %d nodes %d edges", got.NumNodes(), got.NumEdges())
	}
}

func TestBuildFromDeltaAndEncodeRoundTrip(t *testing.T) {
	base := Empty()
	d := delta.New()
	d.DefineLabel(0, "Person")
	d.DefinePropkey(0, "name")
	d.CreateNode(1, &delta.CreatedNode{
		Key:    "alice",
		Labels: []graph.LabelID{0},
		Props:  map[graph.PropKeyID]graph.Value{0: graph.StringValue("Alice")},
	})
	d.CreateNode(2, &delta.CreatedNode{
		Key:   "bob",
		Props: map[graph.PropKeyID]graph.Value{0: graph.StringValue("Bob")},
	})
	d.DefineEtype(0, "knows")
	d.AddEdge(graph.Edge{Src: 1, Etype: 0, Dst: 2})

	snap, err := Build(base, d, nil, 1)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if snap.NumNodes() != 2 {
		t.Fatalf("expected 2 nodes, got %d", snap.NumNodes())
	}
	if !snap.EdgeExists(1, 0, 2) {
		t.Fatalf("expected edge 1->2 to exist")
	}
	id, ok := snap.GetNodeByKey("alice")
	if !ok || id != 1 {
		t.Fatalf("expected alice -> node 1, got %v %v", id, ok)
	}
	v, ok := snap.NodeProp(1, 0)
	if !ok || v.S != "Alice" {
		t.Fatalf("expected prop name=Alice, got %+v %v", v, ok)
	}

	buf := snap.Encode()
	reloaded, err := Decode(buf, false)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if reloaded.NumNodes() != 2 || !reloaded.EdgeExists(1, 0, 2) {
		t.Fatalf("round trip mismatch")
	}
	if reloaded.LabelName(0) != "Person" {
		t.Fatalf("expected label name Person, got %q", reloaded.LabelName(0))
	}
}

func TestBuildRespectsDeletedNode(t *testing.T) {
	base := Empty()
	d := delta.New()
	d.CreateNode(1, &delta.CreatedNode{Key: "a"})
	d.CreateNode(2, &delta.CreatedNode{Key: "b"})
	d.AddEdge(graph.Edge{Src: 1, Etype: 0, Dst: 2})
	d.DeleteNode(2)

	snap, err := Build(base, d, nil, 1)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if snap.NumNodes() != 1 {
		t.Fatalf("expected 1 surviving node, got %d", snap.NumNodes())
	}
	if snap.EdgeExists(1, 0, 2) {
		t.Fatalf("expected edge to dead node to be dropped")
	}
}

func TestKeyIndexCollisionResolution(t *testing.T) {
	keys := map[string]graph.NodeID{}
	for i := 0; i < 200; i++ {
		keys[string(rune('a'+i%26))+string(rune('A'+i%26))+string(rune(i))] = graph.NodeID(i)
	}
	st := NewStringTableBuilder()
	ki := BuildKeyIndex(keys, st)
	for k, id := range keys {
		got, ok := ki.Lookup(k)
		if !ok || got != id {
			t.Fatalf("lookup %q: got (%v, %v), want %v", k, got, ok, id)
		}
	}
	if _, ok := ki.Lookup("does-not-exist"); ok {
		t.Fatalf("expected miss for unknown key")
	}
}
