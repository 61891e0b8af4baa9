package ivf

import (
	"testing"

	"github.com/maskdotdev/kitedb/graph"
)

type fakeSource struct {
	vectors map[graph.NodeID][]float32
}

func (f *fakeSource) Get(id graph.NodeID) ([]float32, bool) {
	v, ok := f.vectors[id]
	return v, ok
}

func gridVectors(n int) [][]float32 {
	out := make([][]float32, n)
	for i := 0; i < n; i++ {
		out[i] = []float32{float32(i), float32(i % 3)}
	}
	return out
}

func TestTrainRequiresEnoughVectors(t *testing.T) {
	ix := NewIndex(2, 4, 2, graph.MetricEuclidean)
	if err := ix.Train(gridVectors(3)); err == nil {
		t.Fatalf("expected training to fail with fewer vectors than clusters")
	}
}

func TestInsertRejectsUntrainedIndex(t *testing.T) {
	ix := NewIndex(2, 2, 1, graph.MetricEuclidean)
	if err := ix.Insert(1, []float32{1, 1}); err == nil {
		t.Fatalf("expected insert on untrained index to fail")
	}
}

func TestTrainInsertSearchReturnsNearest(t *testing.T) {
	vectors := gridVectors(20)
	ix := NewIndex(2, 4, 4, graph.MetricEuclidean)
	if err := ix.Train(vectors); err != nil {
		t.Fatalf("Train: %v", err)
	}
	source := &fakeSource{vectors: make(map[graph.NodeID][]float32)}
	for i, v := range vectors {
		id := graph.NodeID(i + 1)
		if err := ix.Insert(id, v); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		source.vectors[id] = v
	}

	results, err := ix.Search([]float32{10, 1}, 3, source, nil, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].ID != 11 {
		t.Fatalf("expected node 11 (vector {10,1}) to be nearest, got %d", results[0].ID)
	}
}

func TestSearchDimensionMismatch(t *testing.T) {
	ix := NewIndex(2, 4, 2, graph.MetricEuclidean)
	_ = ix.Train(gridVectors(10))
	source := &fakeSource{vectors: map[graph.NodeID][]float32{}}
	if _, err := ix.Search([]float32{1, 2, 3}, 1, source, nil, nil); err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
}

func TestPQTrainEncodeDimensionDivisibility(t *testing.T) {
	if _, err := NewPQ(10, 3); err == nil {
		t.Fatalf("expected error when dims not divisible by m")
	}
	pq, err := NewPQ(4, 2)
	if err != nil {
		t.Fatalf("NewPQ: %v", err)
	}
	vectors := gridVectors(10)
	full := make([][]float32, len(vectors))
	for i, v := range vectors {
		full[i] = []float32{v[0], v[1], v[0], v[1]}
	}
	if err := pq.Train(full); err != nil {
		t.Fatalf("Train: %v", err)
	}
	code, err := pq.Encode(full[0])
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(code) != 2 {
		t.Fatalf("expected 2-byte code, got %d", len(code))
	}
}

func TestIVFPQTrainInsertSearch(t *testing.T) {
	vectors := gridVectors(40)
	full := make([][]float32, len(vectors))
	for i, v := range vectors {
		full[i] = []float32{v[0], v[1], v[0] * 0.5, v[1] * 0.5}
	}
	ix, err := NewIVFPQ(4, 4, 4, 2, graph.MetricEuclidean, true, true)
	if err != nil {
		t.Fatalf("NewIVFPQ: %v", err)
	}
	if err := ix.Train(full); err != nil {
		t.Fatalf("Train: %v", err)
	}
	for i, v := range full {
		if err := ix.Insert(graph.NodeID(i+1), v); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	results, err := ix.Search(full[20], 5, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected at least one result")
	}
	if results[0].ID != graph.NodeID(21) {
		t.Fatalf("expected exact query vector's node 21 to rank first, got %d", results[0].ID)
	}
}
