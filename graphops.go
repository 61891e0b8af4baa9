package kitedb

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/maskdotdev/kitedb/delta"
	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/mvcc"
	"github.com/maskdotdev/kitedb/txn"
	"github.com/maskdotdev/kitedb/vector"
)

// Tx is a single open write transaction under the single-writer model
// (spec §5): only one Tx may be open at a time, and every mutation it
// stages is visible to the same Tx's own reads immediately but invisible
// to any other reader until Commit.
type Tx struct {
	db      *DB
	t       *txn.Txn
	traceID uuid.UUID

	rs *mvcc.ReadSet
	ws []mvcc.EntityRef
}

// Begin opens a write transaction. It fails if the database was opened
// read-only or another transaction is already open.
func (db *DB) Begin() (*Tx, error) {
	if db.opts.ReadOnly {
		return nil, errReadOnly("Begin")
	}
	t, err := db.txnMgr.Begin()
	if err != nil {
		return nil, errConcurrency("Begin", err)
	}
	tx := &Tx{db: db, t: t, traceID: uuid.New()}
	if db.mvccTracker != nil {
		tx.rs = mvcc.NewReadSet()
	}
	if db.logger != nil {
		db.logger.Debug("tx begin", "txID", t.ID(), "traceID", tx.traceID)
	}
	return tx, nil
}

// ID returns the transaction's monotonic identifier.
func (tx *Tx) ID() uint64 { return tx.t.ID() }

// TraceID returns a per-transaction correlation identifier, stable for
// the lifetime of this Tx and suitable for cross-referencing log lines
// from Begin through Commit or Rollback. It carries no ordering meaning;
// ID is the authoritative commit sequence number.
func (tx *Tx) TraceID() uuid.UUID { return tx.traceID }

// readLayers orders the staging area in front of the engine's live Delta,
// giving read-your-writes semantics for reads issued within this Tx.
func (tx *Tx) readLayers() []*delta.Delta {
	return []*delta.Delta{tx.t.Staging(), tx.db.liveD}
}

func (tx *Tx) recordRead(ref mvcc.EntityRef) {
	if tx.db.mvccTracker != nil {
		tx.db.mvccTracker.RecordRead(tx.rs, ref)
	}
}

func (tx *Tx) recordWrite(ref mvcc.EntityRef) {
	if tx.db.mvccTracker != nil {
		tx.ws = append(tx.ws, ref)
	}
}

func edgeMVCCKey(e graph.Edge) uint64 {
	var buf [20]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.Src))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(e.Etype))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(e.Dst))
	return xxhash.Sum64(buf[:])
}

// Commit validates the transaction's read set against the MVCC tracker
// (when enabled), appends its staged records to the WAL, and folds them
// into the engine's live Delta, per spec §4.9. A conflicting transaction
// is rolled back and reports KindConcurrency.
func (tx *Tx) Commit() error {
	fsync := func() error { return tx.db.pager.Sync() }

	if tx.db.mvccTracker != nil {
		if err := tx.db.mvccTracker.CheckAndCommit(tx.rs, tx.ws, tx.t.ID()); err != nil {
			tx.t.Rollback()
			return errConcurrency("Commit", err)
		}
	}

	if err := tx.t.Commit(fsync); err != nil {
		return errIO("Commit", err)
	}
	if tx.db.logger != nil {
		tx.db.logger.Debug("tx commit", "txID", tx.t.ID(), "traceID", tx.traceID)
	}

	if tx.db.opts.AutoCheckpoint {
		// The batch is already in the WAL, so nothing is pending.
		if tx.db.ckpt.ShouldCheckpoint(0, tx.db.opts.CheckpointThresh) {
			select {
			case <-tx.db.ckpt.Background():
			default:
			}
		}
	}
	return nil
}

// Rollback discards every staged mutation without touching the WAL.
func (tx *Tx) Rollback() error {
	if err := tx.t.Rollback(); err != nil {
		return errInvariant("Rollback", err)
	}
	if tx.db.logger != nil {
		tx.db.logger.Debug("tx rollback", "txID", tx.t.ID(), "traceID", tx.traceID)
	}
	return nil
}

func (tx *Tx) resolveLabels(names []string) []graph.LabelID {
	ids := make([]graph.LabelID, len(names))
	for i, name := range names {
		ids[i] = tx.db.schema.getOrCreateLabel(name, func(id graph.LabelID, n string) {
			tx.t.DefineLabel(id, n)
		})
	}
	return ids
}

func (tx *Tx) resolvePropkey(name string) graph.PropKeyID {
	return tx.db.schema.getOrCreatePropkey(name, func(id graph.PropKeyID, n string) {
		tx.t.DefinePropkey(id, n)
	})
}

func (tx *Tx) resolveEtype(name string) graph.EtypeID {
	return tx.db.schema.getOrCreateEtype(name, func(id graph.EtypeID, n string) {
		tx.t.DefineEtype(id, n)
	})
}

// CreateNode allocates a fresh NodeID, registers any unseen label/propkey
// names, and stages the node's creation. key, if non-empty, must be
// unique across the merged snapshot+delta view (spec §4.8).
func (tx *Tx) CreateNode(key string, labelNames []string, props map[string]graph.Value) (graph.NodeID, error) {
	if key != "" {
		if _, ok := getNodeByKeyMerged(tx.db.currentSnapshot(), tx.readLayers(), key); ok {
			return 0, errInvariant("CreateNode", fmt.Errorf("key %q already exists", key))
		}
	}

	id := tx.db.nextNodeID
	tx.db.nextNodeID++

	labels := tx.resolveLabels(labelNames)
	resolvedProps := make(map[graph.PropKeyID]graph.Value, len(props))
	for name, v := range props {
		resolvedProps[tx.resolvePropkey(name)] = v
	}

	if err := tx.t.CreateNode(id, key, labels, resolvedProps); err != nil {
		return 0, errInvariant("CreateNode", err)
	}
	if tx.db.header.MaxNodeID < uint64(id) {
		tx.db.header.MaxNodeID = uint64(id)
	}
	tx.recordWrite(mvcc.EntityRef{Kind: mvcc.EntityNode, Key: uint64(id)})
	return id, nil
}

// DeleteNode removes id, failing if it is already absent (spec §4.8). Its
// key, if any, and every vector attached to it are cascade-removed.
func (tx *Tx) DeleteNode(id graph.NodeID) error {
	tx.recordRead(mvcc.EntityRef{Kind: mvcc.EntityNode, Key: uint64(id)})
	n, err := getNodeMerged(tx.db.currentSnapshot(), tx.readLayers(), id)
	if err != nil {
		return errNotFound("DeleteNode", fmt.Errorf("node %d not found", id))
	}
	if err := tx.t.DeleteNode(id, n.Key); err != nil {
		return errInvariant("DeleteNode", err)
	}
	tx.db.vecMu.Lock()
	for _, store := range tx.db.vstore {
		store.Delete(id)
	}
	tx.db.vecMu.Unlock()
	tx.recordWrite(mvcc.EntityRef{Kind: mvcc.EntityNode, Key: uint64(id)})
	return nil
}

func (tx *Tx) requireLiveNode(op string, id graph.NodeID) error {
	if !nodeLiveMerged(id, tx.db.currentSnapshot(), tx.readLayers()) {
		return errNotFound(op, fmt.Errorf("node %d not found", id))
	}
	return nil
}

// AddEdge stages a new edge, registering etypeName if unseen. Both
// endpoints must already exist and src must differ from dst (spec §4.8).
func (tx *Tx) AddEdge(src graph.NodeID, etypeName string, dst graph.NodeID) error {
	if src == dst {
		return errInvariant("AddEdge", fmt.Errorf("self-loop edges are not allowed"))
	}
	for _, id := range []graph.NodeID{src, dst} {
		if !nodeLiveMerged(id, tx.db.currentSnapshot(), tx.readLayers()) {
			return errInvariant("AddEdge", fmt.Errorf("node %d not found", id))
		}
	}
	etype := tx.resolveEtype(etypeName)
	e := graph.Edge{Src: src, Etype: etype, Dst: dst}
	if err := tx.t.AddEdge(e); err != nil {
		return errInvariant("AddEdge", err)
	}
	tx.recordWrite(mvcc.EntityRef{Kind: mvcc.EntityEdge, Key: edgeMVCCKey(e)})
	return nil
}

// DeleteEdge stages an edge's removal. A missing edge is a silent no-op,
// matching delta.DeleteEdge's own idempotent semantics.
func (tx *Tx) DeleteEdge(src graph.NodeID, etypeName string, dst graph.NodeID) error {
	etype, ok := tx.db.schema.lookupEtype(etypeName)
	if !ok {
		return nil
	}
	e := graph.Edge{Src: src, Etype: etype, Dst: dst}
	if err := tx.t.DeleteEdge(e); err != nil {
		return errInvariant("DeleteEdge", err)
	}
	tx.recordWrite(mvcc.EntityRef{Kind: mvcc.EntityEdge, Key: edgeMVCCKey(e)})
	return nil
}

// SetNodeProp stages a node property write, registering propKey if unseen.
func (tx *Tx) SetNodeProp(id graph.NodeID, propKey string, v graph.Value) error {
	if err := tx.requireLiveNode("SetNodeProp", id); err != nil {
		return err
	}
	pk := tx.resolvePropkey(propKey)
	if err := tx.t.SetNodeProp(id, pk, v); err != nil {
		return errInvariant("SetNodeProp", err)
	}
	tx.recordWrite(mvcc.EntityRef{Kind: mvcc.EntityNode, Key: uint64(id)})
	return nil
}

// DelNodeProp stages a node property deletion.
func (tx *Tx) DelNodeProp(id graph.NodeID, propKey string) error {
	pk, ok := tx.db.schema.lookupPropkey(propKey)
	if !ok {
		return nil
	}
	if err := tx.t.DelNodeProp(id, pk); err != nil {
		return errInvariant("DelNodeProp", err)
	}
	tx.recordWrite(mvcc.EntityRef{Kind: mvcc.EntityNode, Key: uint64(id)})
	return nil
}

// SetEdgeProp stages an edge property write, registering propKey if unseen.
func (tx *Tx) SetEdgeProp(src graph.NodeID, etypeName string, dst graph.NodeID, propKey string, v graph.Value) error {
	etype := tx.resolveEtype(etypeName)
	e := graph.Edge{Src: src, Etype: etype, Dst: dst}
	if !edgeExistsMerged(tx.db.currentSnapshot(), tx.readLayers(), e) {
		return errNotFound("SetEdgeProp", fmt.Errorf("edge %+v not found", e))
	}
	pk := tx.resolvePropkey(propKey)
	if err := tx.t.SetEdgeProp(e, pk, v); err != nil {
		return errInvariant("SetEdgeProp", err)
	}
	tx.recordWrite(mvcc.EntityRef{Kind: mvcc.EntityEdge, Key: edgeMVCCKey(e)})
	return nil
}

// DelEdgeProp stages an edge property deletion.
func (tx *Tx) DelEdgeProp(src graph.NodeID, etypeName string, dst graph.NodeID, propKey string) error {
	etype, ok := tx.db.schema.lookupEtype(etypeName)
	if !ok {
		return nil
	}
	pk, ok := tx.db.schema.lookupPropkey(propKey)
	if !ok {
		return nil
	}
	e := graph.Edge{Src: src, Etype: etype, Dst: dst}
	if err := tx.t.DelEdgeProp(e, pk); err != nil {
		return errInvariant("DelEdgeProp", err)
	}
	tx.recordWrite(mvcc.EntityRef{Kind: mvcc.EntityEdge, Key: edgeMVCCKey(e)})
	return nil
}

// SetNodeVector stores id's vector under propKey, creating the PropKey's
// Store (and its manifest) on first use. Vector writes are applied
// directly to the live columnar store rather than staged through the WAL:
// they are durable as of the next checkpoint, not individually replayable
// from WAL records between checkpoints (see DESIGN.md's open-question
// resolution on vector durability).
func (tx *Tx) SetNodeVector(id graph.NodeID, propKey string, v []float32, metric graph.Metric) error {
	if err := tx.requireLiveNode("SetNodeVector", id); err != nil {
		return err
	}
	pk := tx.resolvePropkey(propKey)

	tx.db.vecMu.Lock()
	defer tx.db.vecMu.Unlock()
	store, ok := tx.db.vstore[pk]
	if !ok {
		store = vector.NewStore(vector.DefaultManifest(uint32(len(v)), metric))
		tx.db.vstore[pk] = store
		tx.db.liveD.SetVectorOverlay(pk, store)
	}
	if uint32(len(v)) != store.Manifest.Dimensions {
		return errSchema("SetNodeVector", fmt.Errorf("vector: dimension mismatch: got %d want %d", len(v), store.Manifest.Dimensions))
	}
	if err := store.Insert(id, v); err != nil {
		return errValidation("SetNodeVector", err)
	}
	return nil
}

// DelNodeVector removes id's vector for propKey, if any. A missing vector
// or unregistered propKey is a silent no-op.
func (tx *Tx) DelNodeVector(id graph.NodeID, propKey string) error {
	pk, ok := tx.db.schema.lookupPropkey(propKey)
	if !ok {
		return nil
	}
	tx.db.vecMu.Lock()
	defer tx.db.vecMu.Unlock()
	store, ok := tx.db.vstore[pk]
	if !ok {
		return nil
	}
	store.Delete(id)
	return nil
}
