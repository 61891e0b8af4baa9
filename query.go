package kitedb

import (
	"fmt"
	"sort"

	"github.com/maskdotdev/kitedb/delta"
	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/ivf"
	"github.com/maskdotdev/kitedb/snapshot"
)

// layers orders Deltas most-specific first: an in-flight transaction's
// staging area (if any), then the engine's live Delta. Merge helpers below
// walk layers front-to-back for existence checks (first definitive answer
// wins) and back-to-front for property-edit application (most specific
// edit applied last).

func applyPropEdits(props map[graph.PropKeyID]graph.Value, edits map[graph.PropKeyID]delta.PropEdit) {
	for pk, e := range edits {
		if e.Deleted {
			delete(props, pk)
		} else {
			props[pk] = e.Value
		}
	}
}

func applyPropEditLayers(props map[graph.PropKeyID]graph.Value, layers []*delta.Delta, edits func(*delta.Delta) map[graph.PropKeyID]delta.PropEdit) {
	for i := len(layers) - 1; i >= 0; i-- {
		applyPropEdits(props, edits(layers[i]))
	}
}

// nodeStateFromLayers reports whether id is deleted or freshly created
// according to the nearest layer that has an opinion.
func nodeStateFromLayers(id graph.NodeID, layers []*delta.Delta) (deleted bool, created *delta.CreatedNode) {
	for _, d := range layers {
		if d.IsDeleted(id) {
			return true, nil
		}
		if cn, ok := d.Created(id); ok {
			return false, cn
		}
	}
	return false, nil
}

func nodeLiveMerged(id graph.NodeID, snap *snapshot.Snapshot, layers []*delta.Delta) bool {
	for _, d := range layers {
		if d.IsDeleted(id) {
			return false
		}
		if _, ok := d.Created(id); ok {
			return true
		}
	}
	return snap.Exists(id)
}

func getNodeMerged(snap *snapshot.Snapshot, layers []*delta.Delta, id graph.NodeID) (*graph.Node, error) {
	deleted, cn := nodeStateFromLayers(id, layers)
	if deleted {
		return nil, errNotFound("GetNode", fmt.Errorf("node %d not found", id))
	}
	if cn != nil {
		props := make(map[graph.PropKeyID]graph.Value, len(cn.Props))
		for pk, v := range cn.Props {
			props[pk] = v
		}
		applyPropEditLayers(props, layers, func(d *delta.Delta) map[graph.PropKeyID]delta.PropEdit { return d.NodePropEdits(id) })
		return &graph.Node{ID: id, Key: cn.Key, Labels: cn.Labels, Props: props}, nil
	}

	pos, ok := snap.Phys(id)
	if !ok {
		return nil, errNotFound("GetNode", fmt.Errorf("node %d not found", id))
	}
	base := snap.AllNodeProps(id)
	props := make(map[graph.PropKeyID]graph.Value, len(base))
	for pk, v := range base {
		props[pk] = v
	}
	applyPropEditLayers(props, layers, func(d *delta.Delta) map[graph.PropKeyID]delta.PropEdit { return d.NodePropEdits(id) })
	return &graph.Node{
		ID:     id,
		Key:    snap.NodeKey(pos),
		Labels: append([]graph.LabelID(nil), snap.NodeLabels(pos)...),
		Props:  props,
	}, nil
}

func getNodeByKeyMerged(snap *snapshot.Snapshot, layers []*delta.Delta, key string) (graph.NodeID, bool) {
	for _, d := range layers {
		if d.KeyDeleted(key) {
			return 0, false
		}
		if id, ok := d.LookupKey(key); ok {
			return id, true
		}
	}
	return snap.GetNodeByKey(key)
}

// mergeEndpoints folds every layer's adds/deletes for one adjacency
// direction into a final add/delete set, most-specific layer last so a
// staged re-add can override an older layer's delete of the same edge.
func mergeEndpoints(layers []*delta.Delta, added, deleted func(*delta.Delta) []delta.EdgeEndpoint) (addSet, delSet map[delta.EdgeEndpoint]bool) {
	addSet = make(map[delta.EdgeEndpoint]bool)
	delSet = make(map[delta.EdgeEndpoint]bool)
	for i := len(layers) - 1; i >= 0; i-- {
		for _, ep := range deleted(layers[i]) {
			delSet[ep] = true
			delete(addSet, ep)
		}
		for _, ep := range added(layers[i]) {
			addSet[ep] = true
			delete(delSet, ep)
		}
	}
	return
}

func outEdgesMerged(snap *snapshot.Snapshot, layers []*delta.Delta, id graph.NodeID) []graph.Edge {
	addSet, delSet := mergeEndpoints(layers,
		func(d *delta.Delta) []delta.EdgeEndpoint { return d.OutAdded(id) },
		func(d *delta.Delta) []delta.EdgeEndpoint { return d.OutDeleted(id) })

	var out []graph.Edge
	for _, e := range snap.OutEdges(id) {
		ep := delta.EdgeEndpoint{Etype: e.Etype, Other: e.Other}
		if delSet[ep] {
			continue
		}
		if !nodeLiveMerged(e.Other, snap, layers) {
			continue
		}
		out = append(out, graph.Edge{Src: id, Etype: e.Etype, Dst: e.Other})
	}
	for ep := range addSet {
		if !nodeLiveMerged(ep.Other, snap, layers) {
			continue
		}
		out = append(out, graph.Edge{Src: id, Etype: ep.Etype, Dst: ep.Other})
	}
	sortEdges(out, func(e graph.Edge) (graph.EtypeID, graph.NodeID) { return e.Etype, e.Dst })
	return out
}

func inEdgesMerged(snap *snapshot.Snapshot, layers []*delta.Delta, id graph.NodeID) []graph.Edge {
	addSet, delSet := mergeEndpoints(layers,
		func(d *delta.Delta) []delta.EdgeEndpoint { return d.InAdded(id) },
		func(d *delta.Delta) []delta.EdgeEndpoint { return d.InDeleted(id) })

	var in []graph.Edge
	for _, e := range snap.InEdges(id) {
		ep := delta.EdgeEndpoint{Etype: e.Etype, Other: e.Other}
		if delSet[ep] {
			continue
		}
		if !nodeLiveMerged(e.Other, snap, layers) {
			continue
		}
		in = append(in, graph.Edge{Src: e.Other, Etype: e.Etype, Dst: id})
	}
	for ep := range addSet {
		if !nodeLiveMerged(ep.Other, snap, layers) {
			continue
		}
		in = append(in, graph.Edge{Src: ep.Other, Etype: ep.Etype, Dst: id})
	}
	sortEdges(in, func(e graph.Edge) (graph.EtypeID, graph.NodeID) { return e.Etype, e.Src })
	return in
}

func sortEdges(edges []graph.Edge, key func(graph.Edge) (graph.EtypeID, graph.NodeID)) {
	sort.Slice(edges, func(i, j int) bool {
		ei, ni := key(edges[i])
		ej, nj := key(edges[j])
		if ei != ej {
			return ei < ej
		}
		return ni < nj
	})
}

func edgeExistsMerged(snap *snapshot.Snapshot, layers []*delta.Delta, e graph.Edge) bool {
	ep := delta.EdgeEndpoint{Etype: e.Etype, Other: e.Dst}
	addSet, delSet := mergeEndpoints(layers,
		func(d *delta.Delta) []delta.EdgeEndpoint { return d.OutAdded(e.Src) },
		func(d *delta.Delta) []delta.EdgeEndpoint { return d.OutDeleted(e.Src) })
	if delSet[ep] {
		return false
	}
	if addSet[ep] {
		return nodeLiveMerged(e.Dst, snap, layers)
	}
	return snap.EdgeExists(e.Src, e.Etype, e.Dst) && nodeLiveMerged(e.Dst, snap, layers)
}

func getEdgePropMerged(snap *snapshot.Snapshot, layers []*delta.Delta, e graph.Edge, pk graph.PropKeyID) (graph.Value, bool) {
	var v graph.Value
	var ok bool
	if pos, found := edgePositionInSnapshot(snap, e); found {
		v, ok = snap.EdgeProp(e.Src, pos, pk)
	}
	for i := len(layers) - 1; i >= 0; i-- {
		if edit, has := layers[i].EdgePropEdits(e)[pk]; has {
			if edit.Deleted {
				return graph.Value{}, false
			}
			v, ok = edit.Value, true
		}
	}
	return v, ok
}

// edgePositionInSnapshot locates e's index within src's sorted adjacency
// list, the position PropStore.GetEdge expects.
func edgePositionInSnapshot(snap *snapshot.Snapshot, e graph.Edge) (int, bool) {
	edges := snap.OutEdges(e.Src)
	for i, ref := range edges {
		if ref.Etype == e.Etype && ref.Other == e.Dst {
			return i, true
		}
	}
	return 0, false
}

// mergedLiveNodeIDsFrom gathers up to limit live node ids greater than
// cursor, combining the snapshot's physical order with the delta's newly
// created nodes, deduplicated and sorted ascending. limit <= 0 means no
// cap.
func mergedLiveNodeIDsFrom(snap *snapshot.Snapshot, layers []*delta.Delta, cursor graph.NodeID, limit int) []graph.NodeID {
	var candidates []graph.NodeID
	for pos := 0; pos < snap.NumNodes(); pos++ {
		id := snap.NodeIDAt(pos)
		if id > cursor {
			candidates = append(candidates, id)
		}
	}
	for _, d := range layers {
		d.ScanCreatedNodes(func(id graph.NodeID, _ *delta.CreatedNode) bool {
			if id > cursor {
				candidates = append(candidates, id)
			}
			return true
		})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	out := make([]graph.NodeID, 0, len(candidates))
	seen := make(map[graph.NodeID]bool, len(candidates))
	for _, id := range candidates {
		if seen[id] {
			continue
		}
		seen[id] = true
		if !nodeLiveMerged(id, snap, layers) {
			continue
		}
		out = append(out, id)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// --- DB-level read surface (operates over committed state: snapshot + the
// engine's live Delta). Tx exposes the same reads but layers its own
// staging area in front for read-your-writes, per spec §5's "operations
// are visible to subsequent reads in that same transaction immediately".

func (db *DB) readLayers() []*delta.Delta { return []*delta.Delta{db.liveD} }

// GetNode returns a merged, read-facing view of id.
func (db *DB) GetNode(id graph.NodeID) (*graph.Node, error) {
	return getNodeMerged(db.currentSnapshot(), db.readLayers(), id)
}

// GetNodeByKey resolves key to a NodeID.
func (db *DB) GetNodeByKey(key string) (graph.NodeID, error) {
	id, ok := getNodeByKeyMerged(db.currentSnapshot(), db.readLayers(), key)
	if !ok {
		return 0, errNotFound("GetNodeByKey", fmt.Errorf("key %q not found", key))
	}
	return id, nil
}

// NodeExists reports whether id currently resolves to a live node.
func (db *DB) NodeExists(id graph.NodeID) bool {
	return nodeLiveMerged(id, db.currentSnapshot(), db.readLayers())
}

// ListNodes returns up to limit live nodes with id > cursor in ascending
// NodeID order, plus the cursor to pass for the next page (0 once
// exhausted), per spec §6's cursor-based pagination.
func (db *DB) ListNodes(cursor graph.NodeID, limit int) ([]*graph.Node, graph.NodeID, error) {
	snap := db.currentSnapshot()
	layers := db.readLayers()
	ids := mergedLiveNodeIDsFrom(snap, layers, cursor, limit)
	nodes := make([]*graph.Node, 0, len(ids))
	for _, id := range ids {
		n, err := getNodeMerged(snap, layers, id)
		if err != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	next := graph.NodeID(0)
	if limit > 0 && len(ids) == limit {
		next = ids[len(ids)-1]
	}
	return nodes, next, nil
}

// OutEdges, InEdges return a node's merged adjacency, sorted by (etype, other).
func (db *DB) OutEdges(id graph.NodeID) []graph.Edge {
	return outEdgesMerged(db.currentSnapshot(), db.readLayers(), id)
}

func (db *DB) InEdges(id graph.NodeID) []graph.Edge {
	return inEdgesMerged(db.currentSnapshot(), db.readLayers(), id)
}

func (db *DB) OutDegree(id graph.NodeID) int { return len(db.OutEdges(id)) }
func (db *DB) InDegree(id graph.NodeID) int  { return len(db.InEdges(id)) }

func (db *DB) EdgeExists(e graph.Edge) bool {
	return edgeExistsMerged(db.currentSnapshot(), db.readLayers(), e)
}

// GetNodeProp returns a node's value for a named propkey.
func (db *DB) GetNodeProp(id graph.NodeID, propKey string) (graph.Value, bool) {
	pk, ok := db.schema.lookupPropkey(propKey)
	if !ok {
		return graph.Value{}, false
	}
	n, err := db.GetNode(id)
	if err != nil {
		return graph.Value{}, false
	}
	v, ok := n.Props[pk]
	return v, ok
}

// GetEdgeProp returns an edge's value for a named propkey.
func (db *DB) GetEdgeProp(e graph.Edge, propKey string) (graph.Value, bool) {
	pk, ok := db.schema.lookupPropkey(propKey)
	if !ok {
		return graph.Value{}, false
	}
	return getEdgePropMerged(db.currentSnapshot(), db.readLayers(), e, pk)
}

// GetNodeVector returns a node's stored vector for a named vector propkey.
func (db *DB) GetNodeVector(id graph.NodeID, propKey string) ([]float32, bool) {
	pk, ok := db.schema.lookupPropkey(propKey)
	if !ok {
		return nil, false
	}
	db.vecMu.Lock()
	store := db.vstore[pk]
	db.vecMu.Unlock()
	if store == nil {
		return nil, false
	}
	return store.Get(id)
}

// HasNodeVector reports whether id has a live vector for propKey.
func (db *DB) HasNodeVector(id graph.NodeID, propKey string) bool {
	_, ok := db.GetNodeVector(id, propKey)
	return ok
}

// TrainVectorIndex (re)builds an IVF index over every vector currently
// stored under propKey, replacing any previously trained index.
func (db *DB) TrainVectorIndex(propKey string, nClusters, nProbe int) error {
	pk, ok := db.schema.lookupPropkey(propKey)
	if !ok {
		return errNotFound("TrainVectorIndex", fmt.Errorf("propkey %q not registered", propKey))
	}
	db.vecMu.Lock()
	defer db.vecMu.Unlock()
	store, ok := db.vstore[pk]
	if !ok {
		return errNotFound("TrainVectorIndex", fmt.Errorf("no vectors stored for propkey %q", propKey))
	}

	var vectors [][]float32
	var ids []graph.NodeID
	store.Iterate(func(id graph.NodeID, v []float32) bool {
		ids = append(ids, id)
		vectors = append(vectors, v)
		return true
	})

	idx := ivf.NewIndex(int(store.Manifest.Dimensions), nClusters, nProbe, store.Manifest.Metric)
	if err := idx.Train(vectors); err != nil {
		return errValidation("TrainVectorIndex", err)
	}
	for i, v := range vectors {
		if err := idx.Insert(ids[i], v); err != nil {
			return errValidation("TrainVectorIndex", err)
		}
	}
	db.ivfIdx[pk] = idx
	return nil
}

// SearchVectors runs a top-k similarity search against propKey's trained
// IVF index.
func (db *DB) SearchVectors(propKey string, query []float32, k int, filter func(graph.NodeID) bool, threshold *float64) ([]ivf.Result, error) {
	pk, ok := db.schema.lookupPropkey(propKey)
	if !ok {
		return nil, errNotFound("SearchVectors", fmt.Errorf("propkey %q not registered", propKey))
	}
	db.vecMu.Lock()
	store := db.vstore[pk]
	idx := db.ivfIdx[pk]
	db.vecMu.Unlock()
	if store == nil {
		return nil, errNotFound("SearchVectors", fmt.Errorf("no vectors stored for propkey %q", propKey))
	}
	if idx == nil {
		return nil, errValidation("SearchVectors", fmt.Errorf("vector index for %q is untrained; call TrainVectorIndex first", propKey))
	}
	results, err := idx.Search(query, k, store, filter, threshold)
	if err != nil {
		return nil, errValidation("SearchVectors", err)
	}
	return results, nil
}
