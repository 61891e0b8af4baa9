package ivf

import (
	"container/heap"
	"fmt"

	"github.com/maskdotdev/kitedb/graph"
)

// IVFPQ combines an IVF coarse quantizer with PQ-compressed residuals (or
// raw vectors in non-residual mode), per spec §4.12.
type IVFPQ struct {
	coarse   *Index
	pq       *PQ
	residual bool
	retainRaw bool

	codes map[graph.NodeID][]byte
	raw   map[graph.NodeID][]float32
}

func NewIVFPQ(dims, nClusters, nProbe, m int, metric graph.Metric, residual, retainRaw bool) (*IVFPQ, error) {
	pq, err := NewPQ(dims, m)
	if err != nil {
		return nil, err
	}
	return &IVFPQ{
		coarse:    NewIndex(dims, nClusters, nProbe, metric),
		pq:        pq,
		residual:  residual,
		retainRaw: retainRaw,
		codes:     make(map[graph.NodeID][]byte),
		raw:       make(map[graph.NodeID][]float32),
	}, nil
}

// Train trains the coarse quantizer, then (if residual) trains PQ on
// residuals against each vector's assigned centroid, else on raw vectors.
func (ix *IVFPQ) Train(vectors [][]float32) error {
	if err := ix.coarse.Train(vectors); err != nil {
		return err
	}
	pqTrain := vectors
	if ix.residual {
		pqTrain = make([][]float32, len(vectors))
		for i, v := range vectors {
			c := ix.coarse.nearestCentroid(v)
			pqTrain[i] = residualOf(v, ix.coarse.centroids[c])
		}
	}
	return ix.pq.Train(pqTrain)
}

func residualOf(v, centroid []float32) []float32 {
	out := make([]float32, len(v))
	for i := range v {
		out[i] = v[i] - centroid[i]
	}
	return out
}

// Insert assigns v to a coarse cluster and stores its PQ code (and raw
// vector, if retained for re-ranking).
func (ix *IVFPQ) Insert(id graph.NodeID, v []float32) error {
	if !ix.coarse.trained || !ix.pq.trained {
		return fmt.Errorf("ivf: ivfpq is untrained")
	}
	if err := ix.coarse.Insert(id, v); err != nil {
		return err
	}
	encodeInput := v
	if ix.residual {
		c := ix.coarse.nearestCentroid(v)
		encodeInput = residualOf(v, ix.coarse.centroids[c])
	}
	code, err := ix.pq.Encode(encodeInput)
	if err != nil {
		return err
	}
	ix.codes[id] = code
	if ix.retainRaw {
		ix.raw[id] = append([]float32(nil), v...)
	}
	return nil
}

// Search probes the nProbe closest coarse clusters and scores candidates
// by ADC distance over their PQ codes, optionally re-ranking the top
// candidates against retained raw vectors.
func (ix *IVFPQ) Search(query []float32, k int, rerank int) ([]Result, error) {
	if !ix.coarse.trained || !ix.pq.trained {
		return nil, fmt.Errorf("ivf: ivfpq is untrained")
	}
	if len(query) != ix.coarse.Dimensions {
		return nil, fmt.Errorf("ivf: dimension mismatch: got %d want %d", len(query), ix.coarse.Dimensions)
	}
	k = ix.coarse.clampK(k)
	if k == 0 {
		return nil, nil
	}
	probe := ix.coarse.clampProbe()

	dists := make([]centroidDist, len(ix.coarse.centroids))
	for i, c := range ix.coarse.centroids {
		dists[i] = centroidDist{idx: i, dist: distanceFor(graph.MetricEuclidean, query, c)}
	}
	sortByDist(dists)

	pqQuery := query
	tableFor := func(centroidIdx int) ([][]float64, error) {
		q := pqQuery
		if ix.residual {
			q = residualOf(query, ix.coarse.centroids[centroidIdx])
		}
		return ix.pq.DistanceTable(q)
	}

	h := &candidateHeap{}
	heap.Init(h)
	for p := 0; p < probe; p++ {
		cluster := dists[p].idx
		table, err := tableFor(cluster)
		if err != nil {
			return nil, err
		}
		for _, id := range ix.coarse.invertedLists[cluster] {
			code, ok := ix.codes[id]
			if !ok {
				continue
			}
			d := ADCDistance(code, table)
			sim := similarityFor(ix.coarse.Metric, d)
			if h.Len() < k {
				heap.Push(h, Result{ID: id, Similarity: sim})
			} else if h.Len() > 0 && sim > (*h)[0].Similarity {
				heap.Pop(h)
				heap.Push(h, Result{ID: id, Similarity: sim})
			}
		}
	}

	results := make([]Result, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(Result)
	}

	if rerank > 0 && ix.retainRaw {
		n := rerank
		if n > len(results) {
			n = len(results)
		}
		for i := 0; i < n; i++ {
			if v, ok := ix.raw[results[i].ID]; ok {
				d := distanceFor(ix.coarse.Metric, query, v)
				results[i].Similarity = similarityFor(ix.coarse.Metric, d)
			}
		}
		sortResultsDesc(results[:n])
	}
	return results, nil
}
