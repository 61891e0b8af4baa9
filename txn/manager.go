package txn

import (
	"fmt"
	"sync"

	"github.com/maskdotdev/kitedb/delta"
	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/wal"
)

// State is a transaction's position in the Open → {Committed, Aborted}
// state machine (spec §4.9).
type State uint8

const (
	StateOpen State = iota
	StateCommitted
	StateAborted
)

// pendingRecord is a staged WAL record awaiting commit-time emission in
// canonical order: definitions, creates, deletes, edge adds, edge dels,
// prop sets, prop dels.
type pendingRecord struct {
	order int // canonical-order bucket, for stable sort at commit
	rec   wal.Record
}

const (
	orderDefine = iota
	orderCreate
	orderDelete
	orderEdgeAdd
	orderEdgeDel
	orderPropSet
	orderPropDel
)

// Txn is a single transaction's staging area: a scratch Delta (mirroring
// the engine Delta's shape, per spec §4.5) plus the ordered WAL records
// that will represent it on commit.
type Txn struct {
	id      uint64
	mgr     *Manager
	state   State
	staging *delta.Delta
	records []pendingRecord
}

func (t *Txn) ID() uint64 { return t.id }
func (t *Txn) State() State { return t.state }

func (t *Txn) requireOpen(op string) error {
	if t.state != StateOpen {
		return fmt.Errorf("txn: %s: transaction is not open", op)
	}
	return nil
}

func (t *Txn) stage(order int, rt wal.RecordType, payload []byte) {
	t.records = append(t.records, pendingRecord{order: order, rec: wal.Record{Type: rt, TxID: t.id, Payload: payload}})
}

func (t *Txn) DefineLabel(id graph.LabelID, name string) error {
	if err := t.requireOpen("DefineLabel"); err != nil {
		return err
	}
	t.staging.DefineLabel(id, name)
	t.stage(orderDefine, wal.DefineLabel, EncodeDefine(uint32(id), name))
	return nil
}

func (t *Txn) DefineEtype(id graph.EtypeID, name string) error {
	if err := t.requireOpen("DefineEtype"); err != nil {
		return err
	}
	t.staging.DefineEtype(id, name)
	t.stage(orderDefine, wal.DefineEtype, EncodeDefine(uint32(id), name))
	return nil
}

func (t *Txn) DefinePropkey(id graph.PropKeyID, name string) error {
	if err := t.requireOpen("DefinePropkey"); err != nil {
		return err
	}
	t.staging.DefinePropkey(id, name)
	t.stage(orderDefine, wal.DefinePropkey, EncodeDefine(uint32(id), name))
	return nil
}

func (t *Txn) CreateNode(id graph.NodeID, key string, labels []graph.LabelID, props map[graph.PropKeyID]graph.Value) error {
	if err := t.requireOpen("CreateNode"); err != nil {
		return err
	}
	t.staging.CreateNode(id, &delta.CreatedNode{Key: key, Labels: labels, Props: props})
	if key != "" {
		t.staging.SetKey(key, id)
	}
	t.stage(orderCreate, wal.CreateNode, EncodeCreateNode(CreateNodePayload{ID: id, Key: key, Labels: labels}))
	for pk, v := range props {
		t.stage(orderPropSet, wal.SetNodeProp, EncodeSetProp(PropPayload{EntityID: id, PropKey: pk, Value: v}))
	}
	return nil
}

func (t *Txn) DeleteNode(id graph.NodeID, key string) error {
	if err := t.requireOpen("DeleteNode"); err != nil {
		return err
	}
	t.staging.DeleteNode(id)
	if key != "" {
		t.staging.DeleteKey(key)
	}
	t.stage(orderDelete, wal.DeleteNode, EncodeNodeID(id))
	return nil
}

func (t *Txn) AddEdge(e graph.Edge) error {
	if err := t.requireOpen("AddEdge"); err != nil {
		return err
	}
	t.staging.AddEdge(e)
	t.stage(orderEdgeAdd, wal.AddEdge, EncodeEdge(EdgePayload{Src: e.Src, Etype: e.Etype, Dst: e.Dst}))
	return nil
}

func (t *Txn) DeleteEdge(e graph.Edge) error {
	if err := t.requireOpen("DeleteEdge"); err != nil {
		return err
	}
	t.staging.DeleteEdge(e)
	t.stage(orderEdgeDel, wal.DeleteEdge, EncodeEdge(EdgePayload{Src: e.Src, Etype: e.Etype, Dst: e.Dst}))
	return nil
}

func (t *Txn) SetNodeProp(id graph.NodeID, pk graph.PropKeyID, v graph.Value) error {
	if err := t.requireOpen("SetNodeProp"); err != nil {
		return err
	}
	t.staging.SetNodeProp(id, pk, v)
	t.stage(orderPropSet, wal.SetNodeProp, EncodeSetProp(PropPayload{EntityID: id, PropKey: pk, Value: v}))
	return nil
}

func (t *Txn) DelNodeProp(id graph.NodeID, pk graph.PropKeyID) error {
	if err := t.requireOpen("DelNodeProp"); err != nil {
		return err
	}
	t.staging.DelNodeProp(id, pk)
	t.stage(orderPropDel, wal.DelNodeProp, EncodeDelProp(id, 0, 0, false, pk))
	return nil
}

func (t *Txn) SetEdgeProp(e graph.Edge, pk graph.PropKeyID, v graph.Value) error {
	if err := t.requireOpen("SetEdgeProp"); err != nil {
		return err
	}
	t.staging.SetEdgeProp(e, pk, v)
	t.stage(orderPropSet, wal.SetEdgeProp, EncodeSetProp(PropPayload{EntityID: e.Src, Etype: e.Etype, Dst: e.Dst, IsEdge: true, PropKey: pk, Value: v}))
	return nil
}

func (t *Txn) DelEdgeProp(e graph.Edge, pk graph.PropKeyID) error {
	if err := t.requireOpen("DelEdgeProp"); err != nil {
		return err
	}
	t.staging.DelEdgeProp(e, pk)
	t.stage(orderPropDel, wal.DelEdgeProp, EncodeDelProp(e.Src, e.Etype, e.Dst, true, pk))
	return nil
}

// Staging exposes the transaction's scratch Delta for read-your-writes
// reads within the same transaction (spec: "operations are visible to
// subsequent reads in that same transaction immediately").
func (t *Txn) Staging() *delta.Delta { return t.staging }

// Manager serializes access to the single writer slot and owns the live
// Delta, WAL buffer, and next-txid counter.
type Manager struct {
	mu         sync.Mutex
	writerBusy bool

	buf     *wal.Buffer
	writer  *wal.Writer
	delta   *delta.Delta
	nextTxID uint64
}

// NewManager constructs a Manager over an already-open dual-region buffer.
func NewManager(buf *wal.Buffer, writer *wal.Writer, d *delta.Delta, nextTxID uint64) *Manager {
	return &Manager{buf: buf, writer: writer, delta: d, nextTxID: nextTxID}
}

// Delta returns the manager's live, committed-state Delta.
func (m *Manager) Delta() *delta.Delta { return m.delta }

func (m *Manager) NextTxID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextTxID
}

// Begin acquires the single writer slot and allocates a txid. It errors if
// another transaction is already open, per spec's single-writer model.
func (m *Manager) Begin() (*Txn, error) {
	m.mu.Lock()
	if m.writerBusy {
		m.mu.Unlock()
		return nil, fmt.Errorf("txn: begin: a transaction is already open")
	}
	m.writerBusy = true
	id := m.nextTxID
	m.nextTxID++
	m.mu.Unlock()

	return &Txn{id: id, mgr: m, state: StateOpen, staging: delta.New()}, nil
}

// Commit serializes the transaction's staged records in canonical order,
// appends BEGIN..COMMIT framing around them to the active WAL region,
// flushes per the configured durability mode, then applies the staging
// Delta into the live Delta and releases the writer slot.
func (t *Txn) Commit(fsync func() error) error {
	if err := t.requireOpen("Commit"); err != nil {
		return err
	}
	m := t.mgr

	orderedRecords := make([]pendingRecord, len(t.records))
	copy(orderedRecords, t.records)
	stableSortByOrder(orderedRecords)

	appendAll := func() error {
		if err := m.buf.WriteRecord(wal.Encode(wal.Record{Type: wal.Begin, TxID: t.id})); err != nil {
			return err
		}
		for _, pr := range orderedRecords {
			if err := m.buf.WriteRecord(wal.Encode(pr.rec)); err != nil {
				return err
			}
		}
		return m.buf.WriteRecord(wal.Encode(wal.Record{Type: wal.Commit, TxID: t.id}))
	}

	if err := m.writer.Commit(appendAll, fsync); err != nil {
		t.abort()
		return err
	}

	m.delta.Merge(t.staging)
	t.state = StateCommitted

	m.mu.Lock()
	m.writerBusy = false
	m.mu.Unlock()
	return nil
}

// Rollback discards the staging area without touching the WAL or the live
// Delta.
func (t *Txn) Rollback() error {
	if err := t.requireOpen("Rollback"); err != nil {
		return err
	}
	t.abort()
	return nil
}

func (t *Txn) abort() {
	t.state = StateAborted
	t.mgr.mu.Lock()
	t.mgr.writerBusy = false
	t.mgr.mu.Unlock()
}

func stableSortByOrder(records []pendingRecord) {
	// Insertion sort: record counts per transaction are small and this
	// keeps within-bucket relative order stable, matching "canonical
	// order" without pulling in sort.Stable for a handful of items.
	for i := 1; i < len(records); i++ {
		j := i
		for j > 0 && records[j-1].order > records[j].order {
			records[j-1], records[j] = records[j], records[j-1]
			j--
		}
	}
}

// ApplyRecord replays a single recovered WAL record into a Delta during
// crash recovery (spec §4.9: "scan... applying each complete BEGIN..COMMIT
// group to Delta"). It is used by the recovery path in the root engine,
// not during normal transaction commit.
func ApplyRecord(d *delta.Delta, rec wal.Record) error {
	switch rec.Type {
	case wal.DefineLabel:
		p, err := DecodeDefine(rec.Payload)
		if err != nil {
			return err
		}
		d.DefineLabel(graph.LabelID(p.ID), p.Name)
	case wal.DefineEtype:
		p, err := DecodeDefine(rec.Payload)
		if err != nil {
			return err
		}
		d.DefineEtype(graph.EtypeID(p.ID), p.Name)
	case wal.DefinePropkey:
		p, err := DecodeDefine(rec.Payload)
		if err != nil {
			return err
		}
		d.DefinePropkey(graph.PropKeyID(p.ID), p.Name)
	case wal.CreateNode:
		p, err := DecodeCreateNode(rec.Payload)
		if err != nil {
			return err
		}
		d.CreateNode(p.ID, &delta.CreatedNode{Key: p.Key, Labels: p.Labels, Props: map[graph.PropKeyID]graph.Value{}})
		if p.Key != "" {
			d.SetKey(p.Key, p.ID)
		}
	case wal.DeleteNode:
		id, err := DecodeNodeID(rec.Payload)
		if err != nil {
			return err
		}
		d.DeleteNode(id)
	case wal.AddEdge:
		p, err := DecodeEdge(rec.Payload)
		if err != nil {
			return err
		}
		d.AddEdge(graph.Edge{Src: p.Src, Etype: p.Etype, Dst: p.Dst})
	case wal.DeleteEdge:
		p, err := DecodeEdge(rec.Payload)
		if err != nil {
			return err
		}
		d.DeleteEdge(graph.Edge{Src: p.Src, Etype: p.Etype, Dst: p.Dst})
	case wal.SetNodeProp:
		p, err := DecodeProp(rec.Payload)
		if err != nil {
			return err
		}
		d.SetNodeProp(p.EntityID, p.PropKey, p.Value)
	case wal.DelNodeProp:
		entityID, _, _, _, pk, err := DecodeDelProp(rec.Payload)
		if err != nil {
			return err
		}
		d.DelNodeProp(entityID, pk)
	case wal.SetEdgeProp:
		p, err := DecodeProp(rec.Payload)
		if err != nil {
			return err
		}
		d.SetEdgeProp(graph.Edge{Src: p.EntityID, Etype: p.Etype, Dst: p.Dst}, p.PropKey, p.Value)
	case wal.DelEdgeProp:
		entityID, etype, dst, _, pk, err := DecodeDelProp(rec.Payload)
		if err != nil {
			return err
		}
		d.DelEdgeProp(graph.Edge{Src: entityID, Etype: etype, Dst: dst}, pk)
	case wal.Begin, wal.Commit, wal.Rollback, wal.SetNodeVector, wal.DelNodeVector:
		// Vector mutations are replayed by the vector store's own recovery
		// hook; BEGIN/COMMIT/ROLLBACK carry no state beyond transaction
		// framing, handled by the scanner that groups records.
	default:
		return fmt.Errorf("txn: unknown record type %d during replay", rec.Type)
	}
	return nil
}

// ScanTransactions groups a region's already-decoded records into complete
// BEGIN..COMMIT groups, dropping any trailing open transaction — an open
// transaction with no COMMIT is treated as aborted on recovery.
func ScanTransactions(records []wal.Record) [][]wal.Record {
	var groups [][]wal.Record
	var current []wal.Record
	inTxn := false
	for _, rec := range records {
		switch rec.Type {
		case wal.Begin:
			inTxn = true
			current = []wal.Record{rec}
		case wal.Commit:
			if inTxn {
				current = append(current, rec)
				groups = append(groups, current)
			}
			inTxn = false
			current = nil
		case wal.Rollback:
			inTxn = false
			current = nil
		default:
			if inTxn {
				current = append(current, rec)
			}
		}
	}
	return groups
}
