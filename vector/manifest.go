// Package vector implements the columnar vector store described in spec
// §4.11: per-propkey fragments of row groups, a tombstone bitmap per
// fragment, insert/delete/get/iterator, and compaction. It implements
// delta.VectorOverlay so the Delta can hold a per-PropKey overlay without
// this package needing to be imported by delta.
package vector

import (
	"fmt"
	"math"

	"github.com/maskdotdev/kitedb/graph"
)

// Manifest describes a single vector PropKey's storage parameters.
type Manifest struct {
	Dimensions         uint32
	Metric             graph.Metric
	RowGroupSize       uint32
	FragmentTargetSize uint32 // vectors per sealed fragment, target
	Normalize          bool   // true for cosine metric
}

// DefaultManifest returns reasonable defaults for a propkey of the given
// dimensionality and metric.
func DefaultManifest(dims uint32, metric graph.Metric) Manifest {
	return Manifest{
		Dimensions:         dims,
		Metric:             metric,
		RowGroupSize:       1024,
		FragmentTargetSize: 65536,
		Normalize:          metric == graph.MetricCosine,
	}
}

func validateVector(m Manifest, v []float32) error {
	if uint32(len(v)) != m.Dimensions {
		return fmt.Errorf("vector: dimension mismatch: got %d want %d", len(v), m.Dimensions)
	}
	allZero := true
	for _, f := range v {
		if math.IsNaN(float64(f)) {
			return fmt.Errorf("vector: component is NaN")
		}
		if math.IsInf(float64(f), 0) {
			return fmt.Errorf("vector: component is non-finite")
		}
		if f != 0 {
			allZero = false
		}
	}
	if allZero {
		return fmt.Errorf("vector: all-zero vector rejected")
	}
	return nil
}

func normalizeVector(v []float32) []float32 {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}
