// Package ivf implements the IVF, Product Quantization, and IVF-PQ
// approximate nearest-neighbor indices described in spec §4.12. They sit
// on top of a vector store: the indices hold compact cluster/code data and
// fetch full vectors from the store only when final distances are needed.
package ivf

import (
	"math"

	"github.com/maskdotdev/kitedb/graph"
)

func squaredEuclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

func dotProduct(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// distanceFor computes the stored-distance value for a metric. Cosine and
// dot distances are stored negated/complemented so that "smaller is
// closer" holds uniformly, matching similarityFor's conversions.
func distanceFor(metric graph.Metric, a, b []float32) float64 {
	switch metric {
	case graph.MetricCosine:
		return 1 - dotProduct(a, b)
	case graph.MetricDot:
		return -dotProduct(a, b)
	default:
		return squaredEuclidean(a, b)
	}
}

// similarityFor converts a stored distance back into a similarity score
// in roughly [0, 1] (unbounded above for dot), per spec §4.12.
func similarityFor(metric graph.Metric, distance float64) float64 {
	switch metric {
	case graph.MetricCosine:
		return 1 - distance
	case graph.MetricDot:
		return -distance
	default:
		return 1 / (1 + math.Sqrt(distance))
	}
}
