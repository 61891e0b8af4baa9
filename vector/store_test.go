package vector

import (
	"testing"

	"github.com/maskdotdev/kitedb/graph"
)

func smallManifest() Manifest {
	return Manifest{Dimensions: 3, Metric: graph.MetricEuclidean, RowGroupSize: 2, FragmentTargetSize: 4}
}

func TestInsertGetDelete(t *testing.T) {
	s := NewStore(smallManifest())
	if err := s.Insert(1, []float32{1, 2, 3}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	v, ok := s.Get(1)
	if !ok {
		t.Fatalf("expected vector present")
	}
	if v[0] != 1 || v[1] != 2 || v[2] != 3 {
		t.Fatalf("unexpected vector %v", v)
	}
	s.Delete(1)
	if _, ok := s.Get(1); ok {
		t.Fatalf("expected vector gone after delete")
	}
}

func TestInsertValidation(t *testing.T) {
	s := NewStore(smallManifest())
	if err := s.Insert(1, []float32{1, 2}); err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
	if err := s.Insert(1, []float32{0, 0, 0}); err == nil {
		t.Fatalf("expected all-zero rejection")
	}
}

func TestCosineNormalization(t *testing.T) {
	m := Manifest{Dimensions: 2, Metric: graph.MetricCosine, RowGroupSize: 2, FragmentTargetSize: 4, Normalize: true}
	s := NewStore(m)
	if err := s.Insert(1, []float32{3, 4}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	v, _ := s.Get(1)
	if v[0] < 0.59 || v[0] > 0.61 {
		t.Fatalf("expected normalized x ~0.6, got %v", v[0])
	}
}

func TestFragmentSealingAndRotation(t *testing.T) {
	s := NewStore(smallManifest())
	for i := graph.NodeID(1); i <= 4; i++ {
		if err := s.Insert(i, []float32{float32(i), 0, 0}); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	if len(s.order) != 2 {
		t.Fatalf("expected fragment to seal and rotate after 4 inserts, got %d fragments", len(s.order))
	}
	first := s.fragments[s.order[0]]
	if first.State != FragmentSealed {
		t.Fatalf("expected first fragment sealed")
	}
}

func TestCompactionReclaimsDeletedSpace(t *testing.T) {
	s := NewStore(smallManifest())
	for i := graph.NodeID(1); i <= 4; i++ {
		_ = s.Insert(i, []float32{float32(i), 0, 0})
	}
	s.Delete(1)
	s.Delete(2)
	s.Delete(3)

	n, err := s.Compact()
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected at least one fragment compacted")
	}
	if v, ok := s.Get(4); !ok || v[0] != 4 {
		t.Fatalf("expected node 4's vector to survive compaction, got %v %v", v, ok)
	}
	if _, ok := s.Get(1); ok {
		t.Fatalf("expected node 1 to remain deleted after compaction")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := NewStore(smallManifest())
	for i := graph.NodeID(1); i <= 3; i++ {
		_ = s.Insert(i, []float32{float32(i), float32(i) * 2, float32(i) * 3})
	}
	s.Delete(2)

	buf := s.Encode()
	decoded, err := DecodeStore(buf)
	if err != nil {
		t.Fatalf("DecodeStore: %v", err)
	}
	if decoded.Manifest.Dimensions != 3 {
		t.Fatalf("expected dims 3, got %d", decoded.Manifest.Dimensions)
	}
	if v, ok := decoded.Get(1); !ok || v[0] != 1 {
		t.Fatalf("expected node 1 present with x=1, got %v %v", v, ok)
	}
	if _, ok := decoded.Get(2); ok {
		t.Fatalf("expected node 2 to remain deleted after round trip")
	}
	if decoded.Count() != 2 {
		t.Fatalf("expected 2 live vectors, got %d", decoded.Count())
	}
}

func TestDecodeStoreRejectsCorruption(t *testing.T) {
	s := NewStore(smallManifest())
	_ = s.Insert(1, []float32{1, 2, 3})
	buf := s.Encode()
	buf[0] ^= 0xFF
	if _, err := DecodeStore(buf); err == nil {
		t.Fatalf("expected decode to reject corrupted buffer")
	}
}
