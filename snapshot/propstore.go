package snapshot

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/maskdotdev/kitedb/graph"
)

// propArray holds one propkey's values for either nodes or edges; both
// kinds share the same on-disk encoding, keyed by a dense "position" integer
// (node's physical position, or an edge's position in its owning node's
// adjacency list).
type propArray struct {
	PropKeyID graph.PropKeyID
	// Positions and Values are parallel, sorted ascending by Position,
	// enabling O(log k) lookup per entity by propkey.
	Positions []uint64
	Values    []graph.Value
}

// PropStore holds the compact per-propkey arrays for node and edge
// properties described in spec §4.6 ("Property arrays... a compact
// encoding that permits O(log k) lookup per node by propkey").
type PropStore struct {
	node map[graph.PropKeyID]*propArray
	edge map[graph.PropKeyID]*propArray
}

// NewPropStoreBuilder starts an empty store, filled via SetNode/SetEdge
// during snapshot construction.
func NewPropStoreBuilder() *PropStore {
	return &PropStore{
		node: make(map[graph.PropKeyID]*propArray),
		edge: make(map[graph.PropKeyID]*propArray),
	}
}

func (p *PropStore) SetNode(pos uint64, pk graph.PropKeyID, v graph.Value) {
	arr, ok := p.node[pk]
	if !ok {
		arr = &propArray{PropKeyID: pk}
		p.node[pk] = arr
	}
	arr.Positions = append(arr.Positions, pos)
	arr.Values = append(arr.Values, v)
}

func (p *PropStore) SetEdge(pos uint64, pk graph.PropKeyID, v graph.Value) {
	arr, ok := p.edge[pk]
	if !ok {
		arr = &propArray{PropKeyID: pk}
		p.edge[pk] = arr
	}
	arr.Positions = append(arr.Positions, pos)
	arr.Values = append(arr.Values, v)
}

// Finalize sorts every array by position, required for GetNode/GetEdge's
// binary search and for deterministic serialization.
func (p *PropStore) Finalize() {
	for _, arr := range p.node {
		sortPropArray(arr)
	}
	for _, arr := range p.edge {
		sortPropArray(arr)
	}
}

func sortPropArray(arr *propArray) {
	idx := make([]int, len(arr.Positions))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return arr.Positions[idx[i]] < arr.Positions[idx[j]] })
	positions := make([]uint64, len(idx))
	values := make([]graph.Value, len(idx))
	for i, j := range idx {
		positions[i] = arr.Positions[j]
		values[i] = arr.Values[j]
	}
	arr.Positions = positions
	arr.Values = values
}

func (p *PropStore) GetNode(pos uint64, pk graph.PropKeyID) (graph.Value, bool) {
	return lookupPropArray(p.node[pk], pos)
}

func (p *PropStore) GetEdge(pos uint64, pk graph.PropKeyID) (graph.Value, bool) {
	return lookupPropArray(p.edge[pk], pos)
}

// AllNode returns every propkey set on a node position, for full-record reads.
func (p *PropStore) AllNode(pos uint64) map[graph.PropKeyID]graph.Value {
	out := make(map[graph.PropKeyID]graph.Value)
	for pk, arr := range p.node {
		if v, ok := lookupPropArray(arr, pos); ok {
			out[pk] = v
		}
	}
	return out
}

func (p *PropStore) AllEdge(pos uint64) map[graph.PropKeyID]graph.Value {
	out := make(map[graph.PropKeyID]graph.Value)
	for pk, arr := range p.edge {
		if v, ok := lookupPropArray(arr, pos); ok {
			out[pk] = v
		}
	}
	return out
}

func lookupPropArray(arr *propArray, pos uint64) (graph.Value, bool) {
	if arr == nil {
		return graph.Value{}, false
	}
	i := sort.Search(len(arr.Positions), func(i int) bool { return arr.Positions[i] >= pos })
	if i < len(arr.Positions) && arr.Positions[i] == pos {
		return arr.Values[i], true
	}
	return graph.Value{}, false
}

// --- serialization ---
//
// Each value is tagged with its ValueKind so heterogeneous propkeys (which
// spec forbids at the engine layer, but the on-disk format stays defensive
// about) round-trip exactly.

func (p *PropStore) Encode() []byte {
	var buf []byte
	buf = appendArraysSection(buf, p.node)
	buf = appendArraysSection(buf, p.edge)
	return buf
}

func appendArraysSection(buf []byte, arrays map[graph.PropKeyID]*propArray) []byte {
	head := make([]byte, 4)
	binary.LittleEndian.PutUint32(head, uint32(len(arrays)))
	buf = append(buf, head...)

	// Deterministic order: sort by propkey id.
	pks := make([]int, 0, len(arrays))
	for pk := range arrays {
		pks = append(pks, int(pk))
	}
	sort.Ints(pks)

	for _, pkInt := range pks {
		pk := graph.PropKeyID(pkInt)
		arr := arrays[pk]
		hdr := make([]byte, 12)
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(pk))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(arr.Positions)))
		buf = append(buf, hdr[:8]...)
		for i := range arr.Positions {
			posBuf := make([]byte, 8)
			binary.LittleEndian.PutUint64(posBuf, arr.Positions[i])
			buf = append(buf, posBuf...)
			buf = append(buf, encodeValue(arr.Values[i])...)
		}
	}
	return buf
}

func encodeValue(v graph.Value) []byte {
	switch v.Kind {
	case graph.KindBool:
		b := byte(0)
		if v.B {
			b = 1
		}
		return []byte{byte(v.Kind), b}
	case graph.KindInt64:
		buf := make([]byte, 9)
		buf[0] = byte(v.Kind)
		binary.LittleEndian.PutUint64(buf[1:], uint64(v.I))
		return buf
	case graph.KindFloat64:
		buf := make([]byte, 9)
		buf[0] = byte(v.Kind)
		binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(v.F))
		return buf
	case graph.KindString:
		buf := make([]byte, 5+len(v.S))
		buf[0] = byte(v.Kind)
		binary.LittleEndian.PutUint32(buf[1:5], uint32(len(v.S)))
		copy(buf[5:], v.S)
		return buf
	case graph.KindVector:
		buf := make([]byte, 5+len(v.V)*4)
		buf[0] = byte(v.Kind)
		binary.LittleEndian.PutUint32(buf[1:5], uint32(len(v.V)))
		off := 5
		for _, f := range v.V {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(f))
			off += 4
		}
		return buf
	}
	return []byte{byte(v.Kind)}
}

func decodeValue(buf []byte) (graph.Value, int, error) {
	if len(buf) < 1 {
		return graph.Value{}, 0, errShort("value tag")
	}
	kind := graph.ValueKind(buf[0])
	switch kind {
	case graph.KindBool:
		if len(buf) < 2 {
			return graph.Value{}, 0, errShort("bool value")
		}
		return graph.Value{Kind: kind, B: buf[1] != 0}, 2, nil
	case graph.KindInt64:
		if len(buf) < 9 {
			return graph.Value{}, 0, errShort("int64 value")
		}
		return graph.Value{Kind: kind, I: int64(binary.LittleEndian.Uint64(buf[1:9]))}, 9, nil
	case graph.KindFloat64:
		if len(buf) < 9 {
			return graph.Value{}, 0, errShort("float64 value")
		}
		return graph.Value{Kind: kind, F: math.Float64frombits(binary.LittleEndian.Uint64(buf[1:9]))}, 9, nil
	case graph.KindString:
		if len(buf) < 5 {
			return graph.Value{}, 0, errShort("string value length")
		}
		n := int(binary.LittleEndian.Uint32(buf[1:5]))
		if len(buf) < 5+n {
			return graph.Value{}, 0, errShort("string value bytes")
		}
		return graph.Value{Kind: kind, S: string(buf[5 : 5+n])}, 5 + n, nil
	case graph.KindVector:
		if len(buf) < 5 {
			return graph.Value{}, 0, errShort("vector value length")
		}
		n := int(binary.LittleEndian.Uint32(buf[1:5]))
		if len(buf) < 5+n*4 {
			return graph.Value{}, 0, errShort("vector value floats")
		}
		vec := make([]float32, n)
		off := 5
		for i := 0; i < n; i++ {
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
			off += 4
		}
		return graph.Value{Kind: kind, V: vec}, off, nil
	}
	return graph.Value{}, 0, errShort("unknown value kind")
}

// DecodePropStore parses the format Encode produces, returning bytes consumed.
func DecodePropStore(buf []byte) (*PropStore, int, error) {
	ps := &PropStore{node: make(map[graph.PropKeyID]*propArray), edge: make(map[graph.PropKeyID]*propArray)}
	off := 0
	n, err := decodeArraysSection(buf[off:], ps.node)
	if err != nil {
		return nil, 0, err
	}
	off += n
	n, err = decodeArraysSection(buf[off:], ps.edge)
	if err != nil {
		return nil, 0, err
	}
	off += n
	return ps, off, nil
}

func decodeArraysSection(buf []byte, into map[graph.PropKeyID]*propArray) (int, error) {
	if len(buf) < 4 {
		return 0, errShort("prop arrays count")
	}
	numArrays := int(binary.LittleEndian.Uint32(buf[0:4]))
	off := 4
	for i := 0; i < numArrays; i++ {
		if len(buf) < off+8 {
			return 0, errShort("prop array header")
		}
		pk := graph.PropKeyID(binary.LittleEndian.Uint32(buf[off:]))
		count := int(binary.LittleEndian.Uint32(buf[off+4:]))
		off += 8
		arr := &propArray{PropKeyID: pk}
		for j := 0; j < count; j++ {
			if len(buf) < off+8 {
				return 0, errShort("prop array entry position")
			}
			pos := binary.LittleEndian.Uint64(buf[off:])
			off += 8
			v, n, err := decodeValue(buf[off:])
			if err != nil {
				return 0, err
			}
			off += n
			arr.Positions = append(arr.Positions, pos)
			arr.Values = append(arr.Values, v)
		}
		into[pk] = arr
	}
	return off, nil
}
