package ivf

import (
	"fmt"
	"math/rand"
)

// PQ implements Product Quantization (spec §4.12): each vector is split
// into M subspaces, each trained with its own K-centroid k-means (K=256,
// lowered by Train to the number of training vectors when there are fewer;
// codes are u8), and encoded as an M-byte code.
type PQ struct {
	Dimensions int
	M          int
	K          int

	subDim    int
	codebooks [][][]float32 // [subspace][code][subDim]
	trained   bool
	rng       *rand.Rand
}

const pqDefaultK = 256

func NewPQ(dims, m int) (*PQ, error) {
	if dims%m != 0 {
		return nil, fmt.Errorf("ivf: dimensions (%d) must be divisible by m (%d)", dims, m)
	}
	return &PQ{
		Dimensions: dims,
		M:          m,
		K:          pqDefaultK,
		subDim:     dims / m,
		rng:        rand.New(rand.NewSource(1)),
	}, nil
}

// Train runs per-subspace k-means over the training vectors.
func (p *PQ) Train(vectors [][]float32) error {
	for _, v := range vectors {
		if len(v) != p.Dimensions {
			return fmt.Errorf("ivf: dimension mismatch: got %d want %d", len(v), p.Dimensions)
		}
	}
	k := p.K
	if len(vectors) < k {
		k = len(vectors)
	}
	p.codebooks = make([][][]float32, p.M)
	for m := 0; m < p.M; m++ {
		sub := make([][]float32, len(vectors))
		for i, v := range vectors {
			sub[i] = v[m*p.subDim : (m+1)*p.subDim]
		}
		centroids, err := kmeans(sub, k, 25, p.rng)
		if err != nil {
			return fmt.Errorf("ivf: pq subspace %d training: %w", m, err)
		}
		p.codebooks[m] = centroids
	}
	p.K = k
	p.trained = true
	return nil
}

// Encode assigns v's m-th subspace to its nearest codebook entry, yielding
// an M-byte code.
func (p *PQ) Encode(v []float32) ([]byte, error) {
	if !p.trained {
		return nil, fmt.Errorf("ivf: pq is untrained")
	}
	if len(v) != p.Dimensions {
		return nil, fmt.Errorf("ivf: dimension mismatch: got %d want %d", len(v), p.Dimensions)
	}
	code := make([]byte, p.M)
	for m := 0; m < p.M; m++ {
		sub := v[m*p.subDim : (m+1)*p.subDim]
		best, bestDist := 0, squaredEuclidean(sub, p.codebooks[m][0])
		for c := 1; c < len(p.codebooks[m]); c++ {
			d := squaredEuclidean(sub, p.codebooks[m][c])
			if d < bestDist {
				best, bestDist = c, d
			}
		}
		code[m] = byte(best)
	}
	return code, nil
}

// DistanceTable builds T[m][k] = squared distance from query's m-th
// subvector to codebook entry k, for Asymmetric Distance Computation.
func (p *PQ) DistanceTable(query []float32) ([][]float64, error) {
	if !p.trained {
		return nil, fmt.Errorf("ivf: pq is untrained")
	}
	if len(query) != p.Dimensions {
		return nil, fmt.Errorf("ivf: dimension mismatch: got %d want %d", len(query), p.Dimensions)
	}
	table := make([][]float64, p.M)
	for m := 0; m < p.M; m++ {
		sub := query[m*p.subDim : (m+1)*p.subDim]
		table[m] = make([]float64, len(p.codebooks[m]))
		for c, centroid := range p.codebooks[m] {
			table[m][c] = squaredEuclidean(sub, centroid)
		}
	}
	return table, nil
}

// ADCDistance sums the per-subspace table entries addressed by code,
// approximating the full distance without decoding the vector.
func ADCDistance(code []byte, table [][]float64) float64 {
	var sum float64
	for m, c := range code {
		sum += table[m][c]
	}
	return sum
}
