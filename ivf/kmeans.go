package ivf

import (
	"fmt"
	"math"
	"math/rand"
)

// kmeans runs Lloyd's algorithm over vectors (each a flat []float32 of a
// fixed dimensionality) to produce k centroids. It seeds centroids with a
// k-means++-style weighted sample to avoid degenerate empty clusters on
// skewed inputs, then iterates assign/update until convergence or
// maxIterations.
func kmeans(vectors [][]float32, k int, maxIterations int, rng *rand.Rand) ([][]float32, error) {
	if len(vectors) < k {
		return nil, fmt.Errorf("ivf: need at least %d training vectors, got %d", k, len(vectors))
	}
	dims := len(vectors[0])
	centroids := seedCentroids(vectors, k, rng)

	assignment := make([]int, len(vectors))
	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for i, v := range vectors {
			best, bestDist := 0, math.MaxFloat64
			for c, centroid := range centroids {
				d := squaredEuclidean(v, centroid)
				if d < bestDist {
					best, bestDist = c, d
				}
			}
			if assignment[i] != best {
				assignment[i] = best
				changed = true
			}
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dims)
		}
		for i, v := range vectors {
			c := assignment[i]
			counts[c]++
			for d := 0; d < dims; d++ {
				sums[c][d] += float64(v[d])
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				// Re-seed an empty cluster from a random training vector to
				// keep every centroid live.
				centroids[c] = append([]float32(nil), vectors[rng.Intn(len(vectors))]...)
				continue
			}
			newCentroid := make([]float32, dims)
			for d := 0; d < dims; d++ {
				newCentroid[d] = float32(sums[c][d] / float64(counts[c]))
			}
			centroids[c] = newCentroid
		}

		if !changed && iter > 0 {
			break
		}
	}
	return centroids, nil
}

func seedCentroids(vectors [][]float32, k int, rng *rand.Rand) [][]float32 {
	centroids := make([][]float32, 0, k)
	first := vectors[rng.Intn(len(vectors))]
	centroids = append(centroids, append([]float32(nil), first...))

	for len(centroids) < k {
		distances := make([]float64, len(vectors))
		var total float64
		for i, v := range vectors {
			minDist := math.MaxFloat64
			for _, c := range centroids {
				d := squaredEuclidean(v, c)
				if d < minDist {
					minDist = d
				}
			}
			distances[i] = minDist
			total += minDist
		}
		if total == 0 {
			// All remaining vectors coincide with existing centroids; pad
			// with arbitrary distinct picks.
			centroids = append(centroids, append([]float32(nil), vectors[len(centroids)%len(vectors)]...))
			continue
		}
		target := rng.Float64() * total
		var cum float64
		chosen := len(vectors) - 1
		for i, d := range distances {
			cum += d
			if cum >= target {
				chosen = i
				break
			}
		}
		centroids = append(centroids, append([]float32(nil), vectors[chosen]...))
	}
	return centroids
}
