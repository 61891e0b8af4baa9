package ivf

import (
	"container/heap"
	"fmt"
	"math/rand"

	"github.com/maskdotdev/kitedb/graph"
)

// VectorSource resolves a node id to its stored vector, satisfied by
// *vector.Store without ivf needing to import the vector package.
type VectorSource interface {
	Get(id graph.NodeID) ([]float32, bool)
}

// CombineMode controls how per-query similarity scores are merged for
// MultiQuerySearch, per spec §4.12. Scores are combined, not raw distances,
// so CombineMin keeps a candidate's lowest similarity (its farthest
// per-query match) and CombineMax its highest.
type CombineMode uint8

const (
	CombineMin CombineMode = iota
	CombineMax
	CombineAvg
	CombineSum
)

// Result is a single ranked search hit.
type Result struct {
	ID         graph.NodeID
	Similarity float64
}

// Index is an inverted-file coarse quantizer: vectors are assigned to the
// nearest of nClusters centroids, and search only probes the nProbe
// closest clusters' inverted lists.
type Index struct {
	Dimensions int
	NClusters  int
	NProbe     int
	Metric     graph.Metric

	centroids     [][]float32
	invertedLists [][]graph.NodeID
	trained       bool
	totalVectors  int
	rng           *rand.Rand
}

func NewIndex(dims, nClusters, nProbe int, metric graph.Metric) *Index {
	return &Index{
		Dimensions: dims,
		NClusters:  nClusters,
		NProbe:     nProbe,
		Metric:     metric,
		rng:        rand.New(rand.NewSource(1)),
	}
}

// Train runs Lloyd's k-means over the given vectors to produce centroids.
// It fails if fewer than NClusters training vectors are supplied.
func (ix *Index) Train(vectors [][]float32) error {
	if err := ix.validateBatch(vectors); err != nil {
		return err
	}
	centroids, err := kmeans(vectors, ix.NClusters, 25, ix.rng)
	if err != nil {
		return err
	}
	ix.centroids = centroids
	ix.invertedLists = make([][]graph.NodeID, ix.NClusters)
	ix.trained = true
	ix.totalVectors = 0
	return nil
}

func (ix *Index) validateBatch(vectors [][]float32) error {
	for _, v := range vectors {
		if len(v) != ix.Dimensions {
			return fmt.Errorf("ivf: dimension mismatch: got %d want %d", len(v), ix.Dimensions)
		}
	}
	return nil
}

func (ix *Index) nearestCentroid(v []float32) int {
	best, bestDist := 0, distanceFor(graph.MetricEuclidean, v, ix.centroids[0])
	for c := 1; c < len(ix.centroids); c++ {
		d := distanceFor(graph.MetricEuclidean, v, ix.centroids[c])
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// Insert assigns v to its nearest centroid's inverted list.
func (ix *Index) Insert(id graph.NodeID, v []float32) error {
	if !ix.trained {
		return fmt.Errorf("ivf: index is untrained")
	}
	if len(v) != ix.Dimensions {
		return fmt.Errorf("ivf: dimension mismatch: got %d want %d", len(v), ix.Dimensions)
	}
	c := ix.nearestCentroid(v)
	ix.invertedLists[c] = append(ix.invertedLists[c], id)
	ix.totalVectors++
	return nil
}

func (ix *Index) clampProbe() int {
	n := ix.NProbe
	if n < 1 {
		n = 1
	}
	if n > ix.NClusters {
		n = ix.NClusters
	}
	return n
}

func (ix *Index) clampK(k int) int {
	if k < 1 {
		k = 1
	}
	if k > ix.totalVectors {
		k = ix.totalVectors
	}
	if k < 0 {
		k = 0
	}
	return k
}

// candidateHeap is a min-heap over similarity so the smallest similarity
// sits at the root, letting Search evict the weakest hit in O(log k).
type candidateHeap []Result

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[i].Similarity < h[j].Similarity }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(Result)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Search probes the nProbe closest clusters to query, scores every
// candidate against the real vector fetched from source, and returns the
// top-k results in descending similarity order. filter, when non-nil,
// excludes candidate ids; threshold, when non-nil, drops results whose
// similarity falls below it.
func (ix *Index) Search(query []float32, k int, source VectorSource, filter func(graph.NodeID) bool, threshold *float64) ([]Result, error) {
	if !ix.trained {
		return nil, fmt.Errorf("ivf: index is untrained")
	}
	if len(query) != ix.Dimensions {
		return nil, fmt.Errorf("ivf: dimension mismatch: got %d want %d", len(query), ix.Dimensions)
	}
	k = ix.clampK(k)
	if k == 0 {
		return nil, nil
	}
	probe := ix.clampProbe()

	dists := make([]centroidDist, len(ix.centroids))
	for i, c := range ix.centroids {
		dists[i] = centroidDist{idx: i, dist: distanceFor(graph.MetricEuclidean, query, c)}
	}
	sortByDist(dists)

	h := &candidateHeap{}
	heap.Init(h)
	for p := 0; p < probe; p++ {
		cluster := dists[p].idx
		for _, id := range ix.invertedLists[cluster] {
			if filter != nil && !filter(id) {
				continue
			}
			v, ok := source.Get(id)
			if !ok {
				continue
			}
			d := distanceFor(ix.Metric, query, v)
			sim := similarityFor(ix.Metric, d)
			if threshold != nil && sim < *threshold {
				continue
			}
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
	return results, nil
}

// MultiQuerySearch runs Search per query and combines each candidate's
// per-query similarity scores (not distances) with the given CombineMode
// before ranking by the combined score, highest first.
func (ix *Index) MultiQuerySearch(queries [][]float32, k int, combine CombineMode, source VectorSource, filter func(graph.NodeID) bool) ([]Result, error) {
	if len(queries) == 0 {
		return nil, fmt.Errorf("ivf: multi-query search: empty query set")
	}
	combined := make(map[graph.NodeID][]float64)
	for _, q := range queries {
		res, err := ix.Search(q, ix.totalVectors, source, filter, nil)
		if err != nil {
			return nil, err
		}
		for _, r := range res {
			combined[r.ID] = append(combined[r.ID], r.Similarity)
		}
	}

	results := make([]Result, 0, len(combined))
	for id, sims := range combined {
		results = append(results, Result{ID: id, Similarity: combineValues(sims, combine)})
	}
	sortResultsDesc(results)
	k = ix.clampK(k)
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

func combineValues(vals []float64, mode CombineMode) float64 {
	switch mode {
	case CombineMax:
		m := vals[0]
		for _, v := range vals[1:] {
			if v > m {
				m = v
			}
		}
		return m
	case CombineAvg:
		var sum float64
		for _, v := range vals {
			sum += v
		}
		return sum / float64(len(vals))
	case CombineSum:
		var sum float64
		for _, v := range vals {
			sum += v
		}
		return sum
	default: // CombineMin
		m := vals[0]
		for _, v := range vals[1:] {
			if v < m {
				m = v
			}
		}
		return m
	}
}

type centroidDist struct {
	idx  int
	dist float64
}

func sortByDist(d []centroidDist) {
	for i := 1; i < len(d); i++ {
		for j := i; j > 0 && d[j].dist < d[j-1].dist; j-- {
			d[j], d[j-1] = d[j-1], d[j]
		}
	}
}

func sortResultsDesc(r []Result) {
	for i := 1; i < len(r); i++ {
		for j := i; j > 0 && r[j].Similarity > r[j-1].Similarity; j-- {
			r[j], r[j-1] = r[j-1], r[j]
		}
	}
}
