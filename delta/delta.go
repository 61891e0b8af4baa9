// Package delta implements the in-memory overlay of pending and
// committed-but-not-yet-checkpointed mutations described in spec §4.5. It
// holds pure data; transaction staging and WAL replay are the only writers,
// and the graph engine's read path is the only consumer of its merge-on-read
// shape.
package delta

import (
	"sort"
	"sync"

	"github.com/tidwall/btree"

	"github.com/maskdotdev/kitedb/graph"
)

// Tombstone marks a deleted property distinct from an absent one.
type Tombstone struct{}

// PropEdit is either a Value or a Tombstone recording deletion.
type PropEdit struct {
	Deleted bool
	Value   graph.Value
}

func (e PropEdit) equal(o PropEdit) bool {
	return e.Deleted == o.Deleted && e.Value.Equal(o.Value)
}

func sameEditMap(a, b map[graph.PropKeyID]PropEdit) bool {
	if len(a) != len(b) {
		return false
	}
	for pk, ea := range a {
		eb, ok := b[pk]
		if !ok || !ea.equal(eb) {
			return false
		}
	}
	return true
}

func copyEditMap(m map[graph.PropKeyID]PropEdit) map[graph.PropKeyID]PropEdit {
	out := make(map[graph.PropKeyID]PropEdit, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CreatedNode captures the fields a createNode call staged, before they are
// folded into the read-facing graph.Node view. Never mutated in place once
// staged — a later edit to the same node goes through modifiedProp instead —
// so callers may compare two *CreatedNode by pointer to tell whether a node
// staged before some point in time is still exactly as it was then.
type CreatedNode struct {
	Key    string
	Labels []graph.LabelID
	Props  map[graph.PropKeyID]graph.Value
}

// EdgeEndpoint names the "other" side of an edge in a per-node adjacency
// delta: outAdd[src] holds {etype, dst}, inAdd[dst] holds {etype, src}.
type EdgeEndpoint struct {
	Etype graph.EtypeID
	Other graph.NodeID
}

func sameEndpoints(a, b []EdgeEndpoint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func copyEndpoints(v []EdgeEndpoint) []EdgeEndpoint {
	return append([]EdgeEndpoint(nil), v...)
}

// edgeKey identifies a single (src, etype, dst) edge for edgeProps.
type edgeKey struct {
	Src   graph.NodeID
	Etype graph.EtypeID
	Dst   graph.NodeID
}

// Delta is the mutable overlay described by spec §4.5. It uses
// tidwall/btree's ordered Map for the per-node collections, so each of them
// iterates in ascending key order; callers that combine delta and snapshot
// entries (snapshot.Build, listNodes) still sort the combined result.
type Delta struct {
	// mu guards every field below. The engine's live Delta is read by
	// arbitrary query goroutines and by a background checkpoint's Build
	// phase while the single writer keeps committing against it, so every
	// exported accessor and mutator takes this lock. A per-Txn staging
	// Delta pays an uncontended lock/unlock for the same safety, cheap
	// next to the cost of staging a transaction's records.
	mu sync.RWMutex

	createdNodes *btree.Map[graph.NodeID, *CreatedNode]
	deletedNodes *btree.Map[graph.NodeID, struct{}]
	modifiedProp *btree.Map[graph.NodeID, map[graph.PropKeyID]PropEdit]

	outAdd *btree.Map[graph.NodeID, []EdgeEndpoint]
	outDel *btree.Map[graph.NodeID, []EdgeEndpoint]
	inAdd  *btree.Map[graph.NodeID, []EdgeEndpoint]
	inDel  *btree.Map[graph.NodeID, []EdgeEndpoint]

	edgeProps map[edgeKey]map[graph.PropKeyID]PropEdit

	newLabels   map[graph.LabelID]string
	newEtypes   map[graph.EtypeID]string
	newPropkeys map[graph.PropKeyID]string

	keyIndex        *btree.Map[string, graph.NodeID]
	keyIndexDeleted map[string]struct{}

	vectors map[graph.PropKeyID]VectorOverlay
}

// VectorOverlay is the per-PropKey overlay the vector store attaches; it is
// an interface here so the delta package doesn't import the vector package
// (which itself depends on graph types) and create a cycle.
type VectorOverlay interface {
	Insert(id graph.NodeID, v []float32) error
	Delete(id graph.NodeID)
	Get(id graph.NodeID) ([]float32, bool)
}

// New returns an empty Delta.
func New() *Delta {
	return &Delta{
		createdNodes:    btree.NewMap[graph.NodeID, *CreatedNode](32),
		deletedNodes:    btree.NewMap[graph.NodeID, struct{}](32),
		modifiedProp:    btree.NewMap[graph.NodeID, map[graph.PropKeyID]PropEdit](32),
		outAdd:          btree.NewMap[graph.NodeID, []EdgeEndpoint](32),
		outDel:          btree.NewMap[graph.NodeID, []EdgeEndpoint](32),
		inAdd:           btree.NewMap[graph.NodeID, []EdgeEndpoint](32),
		inDel:           btree.NewMap[graph.NodeID, []EdgeEndpoint](32),
		edgeProps:       make(map[edgeKey]map[graph.PropKeyID]PropEdit),
		newLabels:       make(map[graph.LabelID]string),
		newEtypes:       make(map[graph.EtypeID]string),
		newPropkeys:     make(map[graph.PropKeyID]string),
		keyIndex:        btree.NewMap[string, graph.NodeID](32),
		keyIndexDeleted: make(map[string]struct{}),
		vectors:         make(map[graph.PropKeyID]VectorOverlay),
	}
}

// Reset clears every overlay. Only safe when nothing else can be observing
// or concurrently mutating d — the checkpoint engine uses Subtract instead,
// since its Build phase lets writers keep committing against the live Delta.
func (d *Delta) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	fresh := New()
	d.createdNodes = fresh.createdNodes
	d.deletedNodes = fresh.deletedNodes
	d.modifiedProp = fresh.modifiedProp
	d.outAdd = fresh.outAdd
	d.outDel = fresh.outDel
	d.inAdd = fresh.inAdd
	d.inDel = fresh.inDel
	d.edgeProps = fresh.edgeProps
	d.newLabels = fresh.newLabels
	d.newEtypes = fresh.newEtypes
	d.newPropkeys = fresh.newPropkeys
	d.keyIndex = fresh.keyIndex
	d.keyIndexDeleted = fresh.keyIndexDeleted
	// vectors is deliberately left alone: overlay registrations are
	// per-PropKey store bindings, not folded content, and must survive
	// every checkpoint and every Reset.
}

// Clone returns an independent, point-in-time copy of d: every collection
// is deep-copied so the result can be read (by snapshot.Build, in
// particular) without synchronizing against further writes to d. Used by
// the checkpoint engine to freeze the live Delta at the Switch phase before
// Build runs unlocked against the frozen copy.
func (d *Delta) Clone() *Delta {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := New()
	d.createdNodes.Scan(func(id graph.NodeID, n *CreatedNode) bool {
		out.createdNodes.Set(id, n) // CreatedNode is immutable once staged
		return true
	})
	d.deletedNodes.Scan(func(id graph.NodeID, v struct{}) bool {
		out.deletedNodes.Set(id, v)
		return true
	})
	d.modifiedProp.Scan(func(id graph.NodeID, m map[graph.PropKeyID]PropEdit) bool {
		out.modifiedProp.Set(id, copyEditMap(m))
		return true
	})
	cloneEdgeMap := func(src, dst *btree.Map[graph.NodeID, []EdgeEndpoint]) {
		src.Scan(func(id graph.NodeID, eps []EdgeEndpoint) bool {
			dst.Set(id, copyEndpoints(eps))
			return true
		})
	}
	cloneEdgeMap(d.outAdd, out.outAdd)
	cloneEdgeMap(d.outDel, out.outDel)
	cloneEdgeMap(d.inAdd, out.inAdd)
	cloneEdgeMap(d.inDel, out.inDel)
	for k, m := range d.edgeProps {
		out.edgeProps[k] = copyEditMap(m)
	}
	for id, name := range d.newLabels {
		out.newLabels[id] = name
	}
	for id, name := range d.newEtypes {
		out.newEtypes[id] = name
	}
	for id, name := range d.newPropkeys {
		out.newPropkeys[id] = name
	}
	d.keyIndex.Scan(func(k string, id graph.NodeID) bool {
		out.keyIndex.Set(k, id)
		return true
	})
	for k := range d.keyIndexDeleted {
		out.keyIndexDeleted[k] = struct{}{}
	}
	for pk, v := range d.vectors {
		out.vectors[pk] = v
	}
	return out
}

// Subtract removes from d exactly the entries that folded unchanged into a
// snapshot built from a prior Clone of d — any entry a concurrent commit
// has since overwritten is left alone, since the new snapshot does not
// reflect that newer value yet. This is the checkpoint engine's Complete
// phase hook: only the folded portion of the Delta is reclaimed, not
// whatever writers added while Build/Write were running against the
// frozen copy. Vector overlay registrations are never touched here — see
// Reset.
func (d *Delta) Subtract(folded *Delta) {
	d.mu.Lock()
	defer d.mu.Unlock()

	folded.createdNodes.Scan(func(id graph.NodeID, n *CreatedNode) bool {
		if cur, ok := d.createdNodes.Get(id); ok && cur == n {
			d.createdNodes.Delete(id)
		}
		return true
	})
	folded.deletedNodes.Scan(func(id graph.NodeID, _ struct{}) bool {
		if _, ok := d.deletedNodes.Get(id); ok {
			d.deletedNodes.Delete(id)
		}
		return true
	})
	folded.modifiedProp.Scan(func(id graph.NodeID, m map[graph.PropKeyID]PropEdit) bool {
		if cur, ok := d.modifiedProp.Get(id); ok && sameEditMap(cur, m) {
			d.modifiedProp.Delete(id)
		}
		return true
	})
	subtractEdgeMap := func(live, frozen *btree.Map[graph.NodeID, []EdgeEndpoint]) {
		frozen.Scan(func(id graph.NodeID, eps []EdgeEndpoint) bool {
			if cur, ok := live.Get(id); ok && sameEndpoints(cur, eps) {
				live.Delete(id)
			}
			return true
		})
	}
	subtractEdgeMap(d.outAdd, folded.outAdd)
	subtractEdgeMap(d.outDel, folded.outDel)
	subtractEdgeMap(d.inAdd, folded.inAdd)
	subtractEdgeMap(d.inDel, folded.inDel)
	for k, m := range folded.edgeProps {
		if cur, ok := d.edgeProps[k]; ok && sameEditMap(cur, m) {
			delete(d.edgeProps, k)
		}
	}
	for id, name := range folded.newLabels {
		if cur, ok := d.newLabels[id]; ok && cur == name {
			delete(d.newLabels, id)
		}
	}
	for id, name := range folded.newEtypes {
		if cur, ok := d.newEtypes[id]; ok && cur == name {
			delete(d.newEtypes, id)
		}
	}
	for id, name := range folded.newPropkeys {
		if cur, ok := d.newPropkeys[id]; ok && cur == name {
			delete(d.newPropkeys, id)
		}
	}
	folded.keyIndex.Scan(func(k string, id graph.NodeID) bool {
		if cur, ok := d.keyIndex.Get(k); ok && cur == id {
			d.keyIndex.Delete(k)
		}
		return true
	})
	for k := range folded.keyIndexDeleted {
		if _, ok := d.keyIndexDeleted[k]; ok {
			delete(d.keyIndexDeleted, k)
		}
	}
}

// Merge folds a transaction's staging Delta into d (the engine's live
// Delta) as a single locked operation, so a concurrent Clone never observes
// a partially-applied transaction.
func (d *Delta) Merge(staging *Delta) {
	staging.mu.RLock()
	defer staging.mu.RUnlock()
	d.mu.Lock()
	defer d.mu.Unlock()

	staging.createdNodes.Scan(func(id graph.NodeID, n *CreatedNode) bool {
		d.createdNodes.Set(id, n)
		d.deletedNodes.Delete(id)
		return true
	})
	staging.deletedNodes.Scan(func(id graph.NodeID, _ struct{}) bool {
		d.deletedNodes.Set(id, struct{}{})
		d.createdNodes.Delete(id)
		return true
	})
	for id, name := range staging.newLabels {
		d.newLabels[id] = name
	}
	for id, name := range staging.newEtypes {
		d.newEtypes[id] = name
	}
	for id, name := range staging.newPropkeys {
		d.newPropkeys[id] = name
	}
	keys := make([]string, 0, staging.keyIndex.Len())
	staging.keyIndex.Scan(func(k string, _ graph.NodeID) bool {
		keys = append(keys, k)
		return true
	})
	sort.Strings(keys)
	for _, key := range keys {
		if id, ok := staging.keyIndex.Get(key); ok {
			d.keyIndex.Set(key, id)
			delete(d.keyIndexDeleted, key)
		}
	}
}

// --- nodes ---

func (d *Delta) CreateNode(id graph.NodeID, n *CreatedNode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createdNodes.Set(id, n)
	d.deletedNodes.Delete(id)
}

func (d *Delta) DeleteNode(id graph.NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deletedNodes.Set(id, struct{}{})
	d.createdNodes.Delete(id)
	d.modifiedProp.Delete(id)
	d.outAdd.Delete(id)
	d.outDel.Delete(id)
	d.inAdd.Delete(id)
	d.inDel.Delete(id)
	for v := range d.vectors {
		d.vectors[v].Delete(id)
	}
}

func (d *Delta) IsDeleted(id graph.NodeID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.deletedNodes.Get(id)
	return ok
}

func (d *Delta) Created(id graph.NodeID) (*CreatedNode, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.createdNodes.Get(id)
}

// ScanCreatedNodes walks created nodes in ascending NodeID order.
func (d *Delta) ScanCreatedNodes(fn func(id graph.NodeID, n *CreatedNode) bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.createdNodes.Scan(fn)
}

func (d *Delta) ScanDeletedNodes(fn func(id graph.NodeID) bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.deletedNodes.Scan(func(id graph.NodeID, _ struct{}) bool { return fn(id) })
}

// --- node properties ---

func (d *Delta) SetNodeProp(id graph.NodeID, pk graph.PropKeyID, v graph.Value) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.modifiedProp.Get(id)
	if !ok {
		m = make(map[graph.PropKeyID]PropEdit)
	} else {
		m = copyEditMap(m) // never mutate a map another goroutine may be reading
	}
	m[pk] = PropEdit{Value: v}
	d.modifiedProp.Set(id, m)
}

func (d *Delta) DelNodeProp(id graph.NodeID, pk graph.PropKeyID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.modifiedProp.Get(id)
	if !ok {
		m = make(map[graph.PropKeyID]PropEdit)
	} else {
		m = copyEditMap(m)
	}
	m[pk] = PropEdit{Deleted: true}
	d.modifiedProp.Set(id, m)
}

func (d *Delta) NodePropEdit(id graph.NodeID, pk graph.PropKeyID) (PropEdit, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.modifiedProp.Get(id)
	if !ok {
		return PropEdit{}, false
	}
	e, ok := m[pk]
	return e, ok
}

// NodePropEdits returns a caller-owned copy of the node's pending property
// edits, safe to range over after this call returns.
func (d *Delta) NodePropEdits(id graph.NodeID) map[graph.PropKeyID]PropEdit {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, _ := d.modifiedProp.Get(id)
	if m == nil {
		return nil
	}
	return copyEditMap(m)
}

// --- edges ---

func (d *Delta) AddEdge(e graph.Edge) {
	d.mu.Lock()
	defer d.mu.Unlock()
	appendEndpoint(d.outAdd, e.Src, EdgeEndpoint{Etype: e.Etype, Other: e.Dst})
	appendEndpoint(d.inAdd, e.Dst, EdgeEndpoint{Etype: e.Etype, Other: e.Src})
	removeEndpoint(d.outDel, e.Src, EdgeEndpoint{Etype: e.Etype, Other: e.Dst})
	removeEndpoint(d.inDel, e.Dst, EdgeEndpoint{Etype: e.Etype, Other: e.Src})
}

func (d *Delta) DeleteEdge(e graph.Edge) {
	d.mu.Lock()
	defer d.mu.Unlock()
	appendEndpoint(d.outDel, e.Src, EdgeEndpoint{Etype: e.Etype, Other: e.Dst})
	appendEndpoint(d.inDel, e.Dst, EdgeEndpoint{Etype: e.Etype, Other: e.Src})
	removeEndpoint(d.outAdd, e.Src, EdgeEndpoint{Etype: e.Etype, Other: e.Dst})
	removeEndpoint(d.inAdd, e.Dst, EdgeEndpoint{Etype: e.Etype, Other: e.Src})
	delete(d.edgeProps, edgeKey{e.Src, e.Etype, e.Dst})
}

func (d *Delta) OutAdded(src graph.NodeID) []EdgeEndpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, _ := d.outAdd.Get(src)
	return copyEndpoints(v)
}

func (d *Delta) OutDeleted(src graph.NodeID) []EdgeEndpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, _ := d.outDel.Get(src)
	return copyEndpoints(v)
}

func (d *Delta) InAdded(dst graph.NodeID) []EdgeEndpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, _ := d.inAdd.Get(dst)
	return copyEndpoints(v)
}

func (d *Delta) InDeleted(dst graph.NodeID) []EdgeEndpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, _ := d.inDel.Get(dst)
	return copyEndpoints(v)
}

func appendEndpoint(m *btree.Map[graph.NodeID, []EdgeEndpoint], key graph.NodeID, ep EdgeEndpoint) {
	list, _ := m.Get(key)
	for _, e := range list {
		if e == ep {
			return
		}
	}
	m.Set(key, append(list, ep))
}

func removeEndpoint(m *btree.Map[graph.NodeID, []EdgeEndpoint], key graph.NodeID, ep EdgeEndpoint) {
	list, ok := m.Get(key)
	if !ok {
		return
	}
	out := list[:0]
	for _, e := range list {
		if e != ep {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		m.Delete(key)
		return
	}
	m.Set(key, out)
}

// --- edge properties ---

func (d *Delta) SetEdgeProp(e graph.Edge, pk graph.PropKeyID, v graph.Value) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := edgeKey{e.Src, e.Etype, e.Dst}
	m, ok := d.edgeProps[k]
	if !ok {
		m = make(map[graph.PropKeyID]PropEdit)
	} else {
		m = copyEditMap(m)
	}
	m[pk] = PropEdit{Value: v}
	d.edgeProps[k] = m
}

func (d *Delta) DelEdgeProp(e graph.Edge, pk graph.PropKeyID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := edgeKey{e.Src, e.Etype, e.Dst}
	m, ok := d.edgeProps[k]
	if !ok {
		m = make(map[graph.PropKeyID]PropEdit)
	} else {
		m = copyEditMap(m)
	}
	m[pk] = PropEdit{Deleted: true}
	d.edgeProps[k] = m
}

// EdgePropEdits returns a caller-owned copy of the edge's pending property
// edits, safe to range over after this call returns.
func (d *Delta) EdgePropEdits(e graph.Edge) map[graph.PropKeyID]PropEdit {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m := d.edgeProps[edgeKey{e.Src, e.Etype, e.Dst}]
	if m == nil {
		return nil
	}
	return copyEditMap(m)
}

// --- schema definitions ---

func (d *Delta) DefineLabel(id graph.LabelID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.newLabels[id] = name
}

func (d *Delta) DefineEtype(id graph.EtypeID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.newEtypes[id] = name
}

func (d *Delta) DefinePropkey(id graph.PropKeyID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.newPropkeys[id] = name
}

// Labels returns a caller-owned copy of the pending label definitions.
func (d *Delta) Labels() map[graph.LabelID]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[graph.LabelID]string, len(d.newLabels))
	for k, v := range d.newLabels {
		out[k] = v
	}
	return out
}

// Etypes returns a caller-owned copy of the pending edge-type definitions.
func (d *Delta) Etypes() map[graph.EtypeID]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[graph.EtypeID]string, len(d.newEtypes))
	for k, v := range d.newEtypes {
		out[k] = v
	}
	return out
}

// Propkeys returns a caller-owned copy of the pending property-key
// definitions.
func (d *Delta) Propkeys() map[graph.PropKeyID]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[graph.PropKeyID]string, len(d.newPropkeys))
	for k, v := range d.newPropkeys {
		out[k] = v
	}
	return out
}

// --- key index ---

func (d *Delta) SetKey(key string, id graph.NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keyIndex.Set(key, id)
	delete(d.keyIndexDeleted, key)
}

func (d *Delta) DeleteKey(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keyIndex.Delete(key)
	d.keyIndexDeleted[key] = struct{}{}
}

func (d *Delta) LookupKey(key string) (graph.NodeID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.keyIndex.Get(key)
}

func (d *Delta) KeyDeleted(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.keyIndexDeleted[key]
	return ok
}

// --- vectors ---

func (d *Delta) VectorOverlayFor(pk graph.PropKeyID) (VectorOverlay, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.vectors[pk]
	return v, ok
}

func (d *Delta) SetVectorOverlay(pk graph.PropKeyID, v VectorOverlay) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vectors[pk] = v
}

// Counts reports delta sizes for the stats surface.
func (d *Delta) Counts() (created, deleted, modified int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.createdNodes.Len(), d.deletedNodes.Len(), d.modifiedProp.Len()
}

// SortedKeys returns every delta key-index entry in hash-comparable sorted
// string order, used when merging with the snapshot's sorted buckets.
func (d *Delta) SortedKeys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, d.keyIndex.Len())
	d.keyIndex.Scan(func(k string, _ graph.NodeID) bool {
		keys = append(keys, k)
		return true
	})
	sort.Strings(keys)
	return keys
}
