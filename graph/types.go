// Package graph defines the core domain types — nodes, edges, labels,
// edge types, property keys, and the tagged-union property value — shared
// by the delta overlay, the snapshot reader/writer, and the transaction
// manager. It mirrors the teacher's storage/document.go tagged-union
// value model, generalized from JSON documents to graph properties.
package graph

import "fmt"

// NodeID is a 64-bit monotonic identifier, never reused.
type NodeID uint64

// LabelID, EtypeID, and PropKeyID are dense 32-bit identifiers assigned in
// registration order; a name, once assigned an id, keeps it forever.
type LabelID uint32
type EtypeID uint32
type PropKeyID uint32

// Edge is the ordered triple (src, etype, dst). No parallel edges of the
// same etype exist between the same ordered pair.
type Edge struct {
	Src   NodeID
	Etype EtypeID
	Dst   NodeID
}

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindBool ValueKind = iota
	KindInt64
	KindFloat64
	KindString
	KindVector
)

func (k ValueKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt64:
		return "i64"
	case KindFloat64:
		return "f64"
	case KindString:
		return "string"
	case KindVector:
		return "vector"
	default:
		return fmt.Sprintf("ValueKind(%d)", k)
	}
}

// Value is the tagged-union property value: bool | i64 | f64 | string |
// vector<f32>. Exactly one field is meaningful per Kind.
type Value struct {
	Kind ValueKind
	B    bool
	I    int64
	F    float64
	S    string
	V    []float32
}

func BoolValue(b bool) Value       { return Value{Kind: KindBool, B: b} }
func IntValue(i int64) Value       { return Value{Kind: KindInt64, I: i} }
func FloatValue(f float64) Value   { return Value{Kind: KindFloat64, F: f} }
func StringValue(s string) Value   { return Value{Kind: KindString, S: s} }
func VectorValue(v []float32) Value {
	return Value{Kind: KindVector, V: append([]float32(nil), v...)}
}

// Equal reports whether two values hold the same kind and content.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindBool:
		return v.B == other.B
	case KindInt64:
		return v.I == other.I
	case KindFloat64:
		return v.F == other.F
	case KindString:
		return v.S == other.S
	case KindVector:
		if len(v.V) != len(other.V) {
			return false
		}
		for i := range v.V {
			if v.V[i] != other.V[i] {
				return false
			}
		}
		return true
	}
	return false
}

// Metric selects the distance function for a vector PropKey.
type Metric uint8

const (
	MetricCosine Metric = iota
	MetricEuclidean
	MetricDot
)

func (m Metric) String() string {
	switch m {
	case MetricCosine:
		return "cosine"
	case MetricEuclidean:
		return "euclidean"
	case MetricDot:
		return "dot"
	default:
		return fmt.Sprintf("Metric(%d)", m)
	}
}

// Node is a materialized, read-facing view of a node's identity and
// properties — the result of merging snapshot state with delta edits.
type Node struct {
	ID     NodeID
	Key    string // empty if none
	Labels []LabelID
	Props  map[PropKeyID]Value
}

// Stats reports snapshot/delta/WAL counters for the maintenance surface.
type Stats struct {
	SnapshotNodes    uint64
	SnapshotEdges    uint64
	DeltaCreated     uint64
	DeltaDeleted     uint64
	DeltaModified    uint64
	WALPrimaryUsed   uint64
	WALSecondaryUsed uint64
	WALPrimaryCap    uint64
	WALSecondaryCap  uint64
	CheckpointCount  uint64
}
