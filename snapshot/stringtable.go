package snapshot

import "encoding/binary"

// StringTable is the shared pool of interned strings referenced by node
// keys, label/etype/propkey names, per spec §4.6. String ids are 1-based;
// 0 means "no string" (e.g. a node with no key).
type StringTable struct {
	offsets []uint32 // len = numStrings+1
	bytes   []byte
	index   map[string]uint32 // string -> 1-based id, built lazily
}

// NewStringTableBuilder starts an empty, appendable string table.
func NewStringTableBuilder() *StringTable {
	return &StringTable{offsets: []uint32{0}, index: make(map[string]uint32)}
}

// Intern returns s's id, assigning a new one if s hasn't been seen.
func (t *StringTable) Intern(s string) uint32 {
	if id, ok := t.index[s]; ok {
		return id
	}
	t.bytes = append(t.bytes, s...)
	t.offsets = append(t.offsets, uint32(len(t.bytes)))
	id := uint32(len(t.offsets) - 1)
	t.index[s] = id
	return id
}

// String returns the string for a 1-based id, or "" for id 0.
func (t *StringTable) String(id uint32) string {
	if id == 0 || int(id) >= len(t.offsets) {
		return ""
	}
	start := t.offsets[id-1]
	end := t.offsets[id]
	return string(t.bytes[start:end])
}

// Count returns the number of interned strings.
func (t *StringTable) Count() int { return len(t.offsets) - 1 }

// Encode serializes the table as offsets followed by raw bytes.
func (t *StringTable) Encode() []byte {
	buf := make([]byte, 4+len(t.offsets)*4+len(t.bytes))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(t.offsets)))
	off := 4
	for _, o := range t.offsets {
		binary.LittleEndian.PutUint32(buf[off:off+4], o)
		off += 4
	}
	copy(buf[off:], t.bytes)
	return buf
}

// DecodeStringTable parses the format Encode produces.
func DecodeStringTable(buf []byte) (*StringTable, int, error) {
	if len(buf) < 4 {
		return nil, 0, errShort("stringtable header")
	}
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	off := 4
	need := off + n*4
	if len(buf) < need {
		return nil, 0, errShort("stringtable offsets")
	}
	offsets := make([]uint32, n)
	for i := 0; i < n; i++ {
		offsets[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
	byteLen := 0
	if n > 0 {
		byteLen = int(offsets[n-1])
	}
	if len(buf) < off+byteLen {
		return nil, 0, errShort("stringtable bytes")
	}
	data := append([]byte(nil), buf[off:off+byteLen]...)
	t := &StringTable{offsets: offsets, bytes: data, index: make(map[string]uint32, n)}
	for id := 1; id < n; id++ {
		t.index[t.String(uint32(id))] = uint32(id)
	}
	return t, off + byteLen, nil
}
