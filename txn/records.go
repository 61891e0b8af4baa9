// Package txn implements the Transaction Manager (spec §4.9): the
// begin/commit/rollback state machine, canonical WAL record emission, and
// crash recovery replay into a Delta. It owns translating graph-level
// mutations to and from framed WAL payloads.
package txn

import (
	"encoding/binary"
	"fmt"

	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/wal"
)

// --- payload encodings, one per record type in wal.RecordType ---

func encodeString(s string) []byte {
	buf := make([]byte, 4+len(s))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(s)))
	copy(buf[4:], s)
	return buf
}

func decodeString(buf []byte) (string, int, error) {
	if len(buf) < 4 {
		return "", 0, fmt.Errorf("txn: truncated string length")
	}
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	if len(buf) < 4+n {
		return "", 0, fmt.Errorf("txn: truncated string bytes")
	}
	return string(buf[4 : 4+n]), 4 + n, nil
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
		binary.LittleEndian.PutUint64(buf[1:], float64bits(v.F))
		return buf
	case graph.KindString:
		s := encodeString(v.S)
		return append([]byte{byte(v.Kind)}, s...)
	case graph.KindVector:
		buf := make([]byte, 5+len(v.V)*4)
		buf[0] = byte(v.Kind)
		binary.LittleEndian.PutUint32(buf[1:5], uint32(len(v.V)))
		off := 5
		for _, f := range v.V {
			binary.LittleEndian.PutUint32(buf[off:], float32bits(f))
			off += 4
		}
		return buf
	}
	return []byte{byte(v.Kind)}
}

func decodeValue(buf []byte) (graph.Value, int, error) {
	if len(buf) < 1 {
		return graph.Value{}, 0, fmt.Errorf("txn: truncated value tag")
	}
	kind := graph.ValueKind(buf[0])
	switch kind {
	case graph.KindBool:
		if len(buf) < 2 {
			return graph.Value{}, 0, fmt.Errorf("txn: truncated bool value")
		}
		return graph.Value{Kind: kind, B: buf[1] != 0}, 2, nil
	case graph.KindInt64:
		if len(buf) < 9 {
			return graph.Value{}, 0, fmt.Errorf("txn: truncated int64 value")
		}
		return graph.Value{Kind: kind, I: int64(binary.LittleEndian.Uint64(buf[1:9]))}, 9, nil
	case graph.KindFloat64:
		if len(buf) < 9 {
			return graph.Value{}, 0, fmt.Errorf("txn: truncated float64 value")
		}
		return graph.Value{Kind: kind, F: float64frombits(binary.LittleEndian.Uint64(buf[1:9]))}, 9, nil
	case graph.KindString:
		s, n, err := decodeString(buf[1:])
		if err != nil {
			return graph.Value{}, 0, err
		}
		return graph.Value{Kind: kind, S: s}, 1 + n, nil
	case graph.KindVector:
		if len(buf) < 5 {
			return graph.Value{}, 0, fmt.Errorf("txn: truncated vector length")
		}
		n := int(binary.LittleEndian.Uint32(buf[1:5]))
		if len(buf) < 5+n*4 {
			return graph.Value{}, 0, fmt.Errorf("txn: truncated vector floats")
		}
		vec := make([]float32, n)
		off := 5
		for i := 0; i < n; i++ {
			vec[i] = float32frombits(binary.LittleEndian.Uint32(buf[off:]))
			off += 4
		}
		return graph.Value{Kind: kind, V: vec}, off, nil
	}
	return graph.Value{}, 0, fmt.Errorf("txn: unknown value kind %d", kind)
}

// --- record-specific payloads ---

type DefinePayload struct {
	ID   uint32
	Name string
}

func EncodeDefine(id uint32, name string) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, id)
	return append(buf, encodeString(name)...)
}

func DecodeDefine(buf []byte) (DefinePayload, error) {
	if len(buf) < 4 {
		return DefinePayload{}, fmt.Errorf("txn: truncated define id")
	}
	id := binary.LittleEndian.Uint32(buf[0:4])
	name, _, err := decodeString(buf[4:])
	if err != nil {
		return DefinePayload{}, err
	}
	return DefinePayload{ID: id, Name: name}, nil
}

type CreateNodePayload struct {
	ID     graph.NodeID
	Key    string
	Labels []graph.LabelID
}

func EncodeCreateNode(p CreateNodePayload) []byte {
	var buf []byte
	idBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(idBuf, uint64(p.ID))
	buf = append(buf, idBuf...)
	buf = append(buf, encodeString(p.Key)...)
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(p.Labels)))
	buf = append(buf, lenBuf...)
	for _, l := range p.Labels {
		lb := make([]byte, 4)
		binary.LittleEndian.PutUint32(lb, uint32(l))
		buf = append(buf, lb...)
	}
	return buf
}

func DecodeCreateNode(buf []byte) (CreateNodePayload, error) {
	if len(buf) < 8 {
		return CreateNodePayload{}, fmt.Errorf("txn: truncated create_node id")
	}
	id := graph.NodeID(binary.LittleEndian.Uint64(buf[0:8]))
	off := 8
	key, n, err := decodeString(buf[off:])
	if err != nil {
		return CreateNodePayload{}, err
	}
	off += n
	if len(buf) < off+4 {
		return CreateNodePayload{}, fmt.Errorf("txn: truncated create_node label count")
	}
	count := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	labels := make([]graph.LabelID, count)
	for i := 0; i < count; i++ {
		if len(buf) < off+4 {
			return CreateNodePayload{}, fmt.Errorf("txn: truncated create_node labels")
		}
		labels[i] = graph.LabelID(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	return CreateNodePayload{ID: id, Key: key, Labels: labels}, nil
}

func EncodeNodeID(id graph.NodeID) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(id))
	return buf
}

func DecodeNodeID(buf []byte) (graph.NodeID, error) {
	if len(buf) < 8 {
		return 0, fmt.Errorf("txn: truncated node id")
	}
	return graph.NodeID(binary.LittleEndian.Uint64(buf[0:8])), nil
}

type EdgePayload struct {
	Src   graph.NodeID
	Etype graph.EtypeID
	Dst   graph.NodeID
}

func EncodeEdge(e EdgePayload) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.Src))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(e.Etype))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(e.Dst))
	return buf
}

func DecodeEdge(buf []byte) (EdgePayload, error) {
	if len(buf) < 20 {
		return EdgePayload{}, fmt.Errorf("txn: truncated edge payload")
	}
	return EdgePayload{
		Src:   graph.NodeID(binary.LittleEndian.Uint64(buf[0:8])),
		Etype: graph.EtypeID(binary.LittleEndian.Uint32(buf[8:12])),
		Dst:   graph.NodeID(binary.LittleEndian.Uint64(buf[12:20])),
	}, nil
}

type PropPayload struct {
	EntityID graph.NodeID // node id, or encoded edge src when entity is an edge
	Etype    graph.EtypeID
	Dst      graph.NodeID
	PropKey  graph.PropKeyID
	IsEdge   bool
	Value    graph.Value
}

func EncodeSetProp(p PropPayload) []byte {
	buf := make([]byte, 21)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(p.EntityID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Etype))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(p.Dst))
	if p.IsEdge {
		buf[20] = 1
	}
	pkBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(pkBuf, uint32(p.PropKey))
	buf = append(buf, pkBuf...)
	buf = append(buf, encodeValue(p.Value)...)
	return buf
}

func DecodeProp(buf []byte) (PropPayload, error) {
	if len(buf) < 25 {
		return PropPayload{}, fmt.Errorf("txn: truncated prop payload")
	}
	p := PropPayload{
		EntityID: graph.NodeID(binary.LittleEndian.Uint64(buf[0:8])),
		Etype:    graph.EtypeID(binary.LittleEndian.Uint32(buf[8:12])),
		Dst:      graph.NodeID(binary.LittleEndian.Uint64(buf[12:20])),
		IsEdge:   buf[20] != 0,
		PropKey:  graph.PropKeyID(binary.LittleEndian.Uint32(buf[21:25])),
	}
	v, _, err := decodeValue(buf[25:])
	if err != nil {
		return PropPayload{}, err
	}
	p.Value = v
	return p, nil
}

func EncodeDelProp(entityID graph.NodeID, etype graph.EtypeID, dst graph.NodeID, isEdge bool, pk graph.PropKeyID) []byte {
	buf := make([]byte, 25)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(entityID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(etype))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(dst))
	if isEdge {
		buf[20] = 1
	}
	binary.LittleEndian.PutUint32(buf[21:25], uint32(pk))
	return buf
}

func DecodeDelProp(buf []byte) (entityID graph.NodeID, etype graph.EtypeID, dst graph.NodeID, isEdge bool, pk graph.PropKeyID, err error) {
	if len(buf) < 25 {
		err = fmt.Errorf("txn: truncated del_prop payload")
		return
	}
	entityID = graph.NodeID(binary.LittleEndian.Uint64(buf[0:8]))
	etype = graph.EtypeID(binary.LittleEndian.Uint32(buf[8:12]))
	dst = graph.NodeID(binary.LittleEndian.Uint64(buf[12:20]))
	isEdge = buf[20] != 0
	pk = graph.PropKeyID(binary.LittleEndian.Uint32(buf[21:25]))
	return
}

// RecordTypeOf maps a wal.RecordType to a human label, used in logging.
func RecordTypeOf(t wal.RecordType) string { return t.String() }
