package snapshot

import (
	"encoding/binary"
	"sort"

	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/storage"
)

// edgeRef is a compact adjacency entry: (etype, other-node), sorted by
// (etype, other) within each node's slice to allow binary search by etype.
type edgeRef struct {
	Etype graph.EtypeID
	Other graph.NodeID
}

// Snapshot is the immutable, zero-copy-parseable CSR graph described in
// spec §4.6: dense node positions, forward/backward adjacency offset
// arrays, a shared string table, schema id->name arrays, a key index, and
// per-propkey property arrays. It never changes in place — a checkpoint
// produces a brand new Snapshot and the old one is dropped once readers
// have drained.
type Snapshot struct {
	Gen uint64

	physToNodeID []graph.NodeID
	nodeIDToPhys map[graph.NodeID]int
	nodeKeyStr   []uint32 // per node, 1-based string id (0 = none)

	labelOffsets []uint32 // len = numNodes+1, CSR over nodeLabelIDs
	nodeLabelIDs []graph.LabelID

	outOffsets []uint32
	outEdges   []edgeRef
	inOffsets  []uint32
	inEdges    []edgeRef

	strings *StringTable

	etypeStringIDs   []uint32
	labelStringIDs   []uint32
	propkeyStringIDs []uint32

	keys *KeyIndex
	prop *PropStore

	vectorManifests map[graph.PropKeyID][]byte
}

// Empty returns a zero-node snapshot, the starting point for a freshly
// created database before its first checkpoint.
func Empty() *Snapshot {
	return &Snapshot{
		physToNodeID:    nil,
		nodeIDToPhys:    make(map[graph.NodeID]int),
		labelOffsets:    []uint32{0},
		outOffsets:      []uint32{0},
		inOffsets:       []uint32{0},
		strings:         NewStringTableBuilder(),
		keys:            BuildKeyIndex(nil, NewStringTableBuilder()),
		prop:            NewPropStoreBuilder(),
		vectorManifests: make(map[graph.PropKeyID][]byte),
	}
}

// NumNodes and NumEdges report snapshot cardinality.
func (s *Snapshot) NumNodes() int { return len(s.physToNodeID) }
func (s *Snapshot) NumEdges() int { return len(s.outEdges) }

// Phys returns a node's dense position, if present.
func (s *Snapshot) Phys(id graph.NodeID) (int, bool) {
	p, ok := s.nodeIDToPhys[id]
	return p, ok
}

func (s *Snapshot) NodeIDAt(pos int) graph.NodeID { return s.physToNodeID[pos] }

// NodeKey returns a node's key, or "" if it has none.
func (s *Snapshot) NodeKey(pos int) string {
	return s.strings.String(s.nodeKeyStr[pos])
}

// NodeLabels returns a node's assigned labels by physical position. Labels
// are fixed at createNode time and carried forward unchanged by every
// subsequent checkpoint.
func (s *Snapshot) NodeLabels(pos int) []graph.LabelID {
	if pos+1 >= len(s.labelOffsets) {
		return nil
	}
	return s.nodeLabelIDs[s.labelOffsets[pos]:s.labelOffsets[pos+1]]
}

// Exists reports whether id is present in this snapshot (independent of
// any delta overlay).
func (s *Snapshot) Exists(id graph.NodeID) bool {
	_, ok := s.nodeIDToPhys[id]
	return ok
}

// OutEdges returns node id's outgoing edges (etype, dst), sorted by
// (etype, dst).
func (s *Snapshot) OutEdges(id graph.NodeID) []edgeRef {
	pos, ok := s.nodeIDToPhys[id]
	if !ok {
		return nil
	}
	return s.outEdges[s.outOffsets[pos]:s.outOffsets[pos+1]]
}

// InEdges returns node id's incoming edges (etype, src).
func (s *Snapshot) InEdges(id graph.NodeID) []edgeRef {
	pos, ok := s.nodeIDToPhys[id]
	if !ok {
		return nil
	}
	return s.inEdges[s.inOffsets[pos]:s.inOffsets[pos+1]]
}

// EdgeExists binary-searches a node's outgoing edges for (etype, dst).
func (s *Snapshot) EdgeExists(src graph.NodeID, etype graph.EtypeID, dst graph.NodeID) bool {
	edges := s.OutEdges(src)
	target := edgeRef{Etype: etype, Other: dst}
	i := sort.Search(len(edges), func(i int) bool { return !edgeLess(edges[i], target) })
	return i < len(edges) && edges[i] == target
}

func edgeLess(a, b edgeRef) bool {
	if a.Etype != b.Etype {
		return a.Etype < b.Etype
	}
	return a.Other < b.Other
}

// NodeProp returns a node's value for pk, using its physical position.
func (s *Snapshot) NodeProp(id graph.NodeID, pk graph.PropKeyID) (graph.Value, bool) {
	pos, ok := s.nodeIDToPhys[id]
	if !ok {
		return graph.Value{}, false
	}
	return s.prop.GetNode(uint64(pos), pk)
}

// AllNodeProps returns every propkey set on a node.
func (s *Snapshot) AllNodeProps(id graph.NodeID) map[graph.PropKeyID]graph.Value {
	pos, ok := s.nodeIDToPhys[id]
	if !ok {
		return nil
	}
	return s.prop.AllNode(uint64(pos))
}

// EdgeProp looks up an edge property by its position within src's adjacency
// list (the position used when the edge was written into the PropStore).
func (s *Snapshot) EdgeProp(src graph.NodeID, edgePos int, pk graph.PropKeyID) (graph.Value, bool) {
	pos, ok := s.nodeIDToPhys[src]
	if !ok {
		return graph.Value{}, false
	}
	globalPos := uint64(s.outOffsets[pos]) + uint64(edgePos)
	return s.prop.GetEdge(globalPos, pk)
}

// GetNodeByKey resolves a key through this snapshot's key index only
// (callers overlay the delta separately, per spec §4.6 merge policy).
func (s *Snapshot) GetNodeByKey(key string) (graph.NodeID, bool) {
	return s.keys.Lookup(key)
}

// LabelName, EtypeName, PropkeyName resolve a dense schema id to its name.
func (s *Snapshot) LabelName(id graph.LabelID) string {
	if int(id) >= len(s.labelStringIDs) {
		return ""
	}
	return s.strings.String(s.labelStringIDs[id])
}

func (s *Snapshot) EtypeName(id graph.EtypeID) string {
	if int(id) >= len(s.etypeStringIDs) {
		return ""
	}
	return s.strings.String(s.etypeStringIDs[id])
}

func (s *Snapshot) PropkeyName(id graph.PropKeyID) string {
	if int(id) >= len(s.propkeyStringIDs) {
		return ""
	}
	return s.strings.String(s.propkeyStringIDs[id])
}

func (s *Snapshot) NumLabels() int   { return len(s.labelStringIDs) }
func (s *Snapshot) NumEtypes() int   { return len(s.etypeStringIDs) }
func (s *Snapshot) NumPropkeys() int { return len(s.propkeyStringIDs) }

// VectorManifest returns the raw serialized manifest blob for a vector
// PropKey, if any; the vector package owns decoding it.
func (s *Snapshot) VectorManifest(pk graph.PropKeyID) ([]byte, bool) {
	b, ok := s.vectorManifests[pk]
	return b, ok
}

// --- encode/decode ---
//
// Section layout: header counts, physToNodeId, nodeKeyString, label CSR,
// out CSR, in CSR, string table, schema id arrays, key index, prop store, vector
// manifests — each length-prefixed so decode can skip sections it doesn't
// need. A single CRC32C covers the whole buffer (spec: "a whole-snapshot
// CRC, and be verifiable by the reader").

func (s *Snapshot) Encode() []byte {
	var body []byte
	body = appendU64(body, s.Gen)
	body = appendU32(body, uint32(len(s.physToNodeID)))
	for _, id := range s.physToNodeID {
		body = appendU64(body, uint64(id))
	}
	for _, k := range s.nodeKeyStr {
		body = appendU32(body, k)
	}

	body = appendU32Array(body, s.labelOffsets)
	labelIDsU32 := make([]uint32, len(s.nodeLabelIDs))
	for i, l := range s.nodeLabelIDs {
		labelIDsU32[i] = uint32(l)
	}
	body = appendU32Array(body, labelIDsU32)

	body = appendCSR(body, s.outOffsets, s.outEdges)
	body = appendCSR(body, s.inOffsets, s.inEdges)

	body = appendSection(body, s.strings.Encode())
	body = appendU32Array(body, s.etypeStringIDs)
	body = appendU32Array(body, s.labelStringIDs)
	body = appendU32Array(body, s.propkeyStringIDs)

	body = appendSection(body, s.keys.Encode())
	s.prop.Finalize()
	body = appendSection(body, s.prop.Encode())

	body = appendU32(body, uint32(len(s.vectorManifests)))
	pks := make([]int, 0, len(s.vectorManifests))
	for pk := range s.vectorManifests {
		pks = append(pks, int(pk))
	}
	sort.Ints(pks)
	for _, pkInt := range pks {
		pk := graph.PropKeyID(pkInt)
		body = appendU32(body, uint32(pk))
		body = appendSection(body, s.vectorManifests[pk])
	}

	crc := storage.CRC32C(body)
	out := make([]byte, len(body)+4)
	copy(out, body)
	binary.LittleEndian.PutUint32(out[len(body):], crc)
	return out
}

// Decode parses a snapshot buffer previously produced by Encode.
// skipCRCValidation is permitted only immediately after a freshly-written
// snapshot within the same process, per spec §4.6.
func Decode(buf []byte, skipCRCValidation bool) (*Snapshot, error) {
	if len(buf) < 4 {
		return nil, errShort("snapshot trailer")
	}
	body := buf[:len(buf)-4]
	wantCRC := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	if !skipCRCValidation {
		if got := storage.CRC32C(body); got != wantCRC {
			return nil, errCRC("snapshot")
		}
	}

	off := 0
	gen, n := readU64(body[off:])
	off += n
	numNodes, n := readU32(body[off:])
	off += n

	physToNodeID := make([]graph.NodeID, numNodes)
	for i := range physToNodeID {
		v, n := readU64(body[off:])
		physToNodeID[i] = graph.NodeID(v)
		off += n
	}
	nodeKeyStr := make([]uint32, numNodes)
	for i := range nodeKeyStr {
		v, n := readU32(body[off:])
		nodeKeyStr[i] = v
		off += n
	}

	labelOffsets, n := readU32Array(body[off:])
	off += n
	labelIDsU32, n := readU32Array(body[off:])
	off += n
	nodeLabelIDs := make([]graph.LabelID, len(labelIDsU32))
	for i, v := range labelIDsU32 {
		nodeLabelIDs[i] = graph.LabelID(v)
	}

	outOffsets, outEdges, n, err := readCSR(body[off:])
	if err != nil {
		return nil, err
	}
	off += n
	inOffsets, inEdges, n, err := readCSR(body[off:])
	if err != nil {
		return nil, err
	}
	off += n

	strBuf, n, err := readSection(body[off:])
	if err != nil {
		return nil, err
	}
	off += n
	strings_, _, err := DecodeStringTable(strBuf)
	if err != nil {
		return nil, err
	}

	etypeIDs, n := readU32Array(body[off:])
	off += n
	labelIDs, n := readU32Array(body[off:])
	off += n
	propkeyIDs, n := readU32Array(body[off:])
	off += n

	kiBuf, n, err := readSection(body[off:])
	if err != nil {
		return nil, err
	}
	off += n
	keys, _, err := DecodeKeyIndex(kiBuf, strings_)
	if err != nil {
		return nil, err
	}

	psBuf, n, err := readSection(body[off:])
	if err != nil {
		return nil, err
	}
	off += n
	props, _, err := DecodePropStore(psBuf)
	if err != nil {
		return nil, err
	}

	numManifests, n := readU32(body[off:])
	off += n
	manifests := make(map[graph.PropKeyID][]byte, numManifests)
	for i := uint32(0); i < numManifests; i++ {
		pk, n := readU32(body[off:])
		off += n
		blob, n, err := readSection(body[off:])
		if err != nil {
			return nil, err
		}
		off += n
		manifests[graph.PropKeyID(pk)] = blob
	}

	s := &Snapshot{
		Gen:              gen,
		physToNodeID:     physToNodeID,
		nodeIDToPhys:     make(map[graph.NodeID]int, numNodes),
		nodeKeyStr:       nodeKeyStr,
		labelOffsets:     labelOffsets,
		nodeLabelIDs:     nodeLabelIDs,
		outOffsets:       outOffsets,
		outEdges:         outEdges,
		inOffsets:        inOffsets,
		inEdges:          inEdges,
		strings:          strings_,
		etypeStringIDs:   etypeIDs,
		labelStringIDs:   labelIDs,
		propkeyStringIDs: propkeyIDs,
		keys:             keys,
		prop:             props,
		vectorManifests:  manifests,
	}
	for i, id := range physToNodeID {
		s.nodeIDToPhys[id] = i
	}
	return s, nil
}

// --- encoding helpers ---

func appendU32(buf []byte, v uint32) []byte {
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, v)
	return append(buf, tmp...)
}

func appendU64(buf []byte, v uint64) []byte {
	tmp := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp, v)
	return append(buf, tmp...)
}

func appendSection(buf []byte, section []byte) []byte {
	buf = appendU32(buf, uint32(len(section)))
	return append(buf, section...)
}

func appendU32Array(buf []byte, arr []uint32) []byte {
	buf = appendU32(buf, uint32(len(arr)))
	for _, v := range arr {
		buf = appendU32(buf, v)
	}
	return buf
}

func appendCSR(buf []byte, offsets []uint32, edges []edgeRef) []byte {
	buf = appendU32Array(buf, offsets)
	buf = appendU32(buf, uint32(len(edges)))
	for _, e := range edges {
		buf = appendU32(buf, uint32(e.Etype))
		buf = appendU64(buf, uint64(e.Other))
	}
	return buf
}

func readU32(buf []byte) (uint32, int) {
	return binary.LittleEndian.Uint32(buf), 4
}

func readU64(buf []byte) (uint64, int) {
	return binary.LittleEndian.Uint64(buf), 8
}

func readSection(buf []byte) ([]byte, int, error) {
	if len(buf) < 4 {
		return nil, 0, errShort("section length")
	}
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	if len(buf) < 4+n {
		return nil, 0, errShort("section body")
	}
	return buf[4 : 4+n], 4 + n, nil
}

func readU32Array(buf []byte) ([]uint32, int) {
	count, n := readU32(buf)
	off := n
	out := make([]uint32, count)
	for i := range out {
		out[i], n = readU32(buf[off:])
		off += n
	}
	return out, off
}

func readCSR(buf []byte) ([]uint32, []edgeRef, int, error) {
	offsets, n := readU32Array(buf)
	off := n
	if len(buf) < off+4 {
		return nil, nil, 0, errShort("csr edge count")
	}
	count, n := readU32(buf[off:])
	off += n
	edges := make([]edgeRef, count)
	for i := range edges {
		if len(buf) < off+12 {
			return nil, nil, 0, errShort("csr edge")
		}
		etype, n := readU32(buf[off:])
		off += n
		other, n := readU64(buf[off:])
		off += n
		edges[i] = edgeRef{Etype: graph.EtypeID(etype), Other: graph.NodeID(other)}
	}
	return offsets, edges, off, nil
}
