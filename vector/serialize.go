package vector

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring"
	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/storage"
)

const (
	vectorMagic   uint32 = 0x4b56454b // "KVEK"
	vectorVersion uint32 = 1
)

// Encode serializes the manifest, every fragment's row groups and
// tombstones, into a framed buffer: magic, version, manifest fields,
// fragment count, each fragment, then a whole-buffer CRC32C trailer —
// spec §4.11's "framed byte buffer with magic, version, and CRC".
func (s *Store) Encode() []byte {
	var buf []byte
	buf = appendU32(buf, vectorMagic)
	buf = appendU32(buf, vectorVersion)
	buf = appendU32(buf, s.Manifest.Dimensions)
	buf = appendU32(buf, uint32(s.Manifest.Metric))
	buf = appendU32(buf, s.Manifest.RowGroupSize)
	buf = appendU32(buf, s.Manifest.FragmentTargetSize)
	normalize := uint32(0)
	if s.Manifest.Normalize {
		normalize = 1
	}
	buf = appendU32(buf, normalize)
	buf = appendU32(buf, s.active)
	buf = appendU32(buf, s.nextID)

	buf = appendU32(buf, uint32(len(s.order)))
	for _, fid := range s.order {
		f := s.fragments[fid]
		buf = appendFragment(buf, f)
	}

	buf = appendU32(buf, uint32(len(s.locations)))
	for id, loc := range s.locations {
		buf = appendU64(buf, uint64(id))
		buf = appendU32(buf, loc.fragmentID)
		buf = appendU32(buf, loc.pos)
	}

	crc := storage.CRC32C(buf)
	buf = appendU32(buf, crc)
	return buf
}

func appendFragment(buf []byte, f *Fragment) []byte {
	buf = appendU32(buf, f.ID)
	buf = appendU32(buf, uint32(f.State))
	buf = appendU32(buf, f.TotalVectors)
	buf = appendU32(buf, f.DeletedCount)

	tomb, err := f.Tombstones.ToBytes()
	if err != nil {
		tomb = nil
	}
	buf = appendU32(buf, uint32(len(tomb)))
	buf = append(buf, tomb...)

	buf = appendU32(buf, uint32(len(f.RowGroups)))
	for _, rg := range f.RowGroups {
		buf = appendU32(buf, rg.Count)
		buf = appendU32(buf, uint32(len(rg.Data)))
		for _, v := range rg.Data {
			buf = appendU32(buf, math.Float32bits(v))
		}
	}
	return buf
}

func readFragment(buf []byte, off int, m Manifest) (*Fragment, int, error) {
	id, off, err := readU32(buf, off)
	if err != nil {
		return nil, 0, err
	}
	stateRaw, off, err := readU32(buf, off)
	if err != nil {
		return nil, 0, err
	}
	total, off, err := readU32(buf, off)
	if err != nil {
		return nil, 0, err
	}
	deleted, off, err := readU32(buf, off)
	if err != nil {
		return nil, 0, err
	}
	tombLen, off, err := readU32(buf, off)
	if err != nil {
		return nil, 0, err
	}
	if off+int(tombLen) > len(buf) {
		return nil, 0, fmt.Errorf("vector: truncated tombstone bitmap")
	}
	tomb := roaring.New()
	if tombLen > 0 {
		if err := tomb.UnmarshalBinary(buf[off : off+int(tombLen)]); err != nil {
			return nil, 0, fmt.Errorf("vector: tombstone bitmap: %w", err)
		}
	}
	off += int(tombLen)

	rgCount, off, err := readU32(buf, off)
	if err != nil {
		return nil, 0, err
	}
	f := &Fragment{
		ID:           id,
		manifest:     m,
		Tombstones:   tomb,
		TotalVectors: total,
		DeletedCount: deleted,
		State:        FragmentState(stateRaw),
	}
	for i := uint32(0); i < rgCount; i++ {
		count, o2, err := readU32(buf, off)
		if err != nil {
			return nil, 0, err
		}
		off = o2
		dataLen, o3, err := readU32(buf, off)
		if err != nil {
			return nil, 0, err
		}
		off = o3
		data := make([]float32, dataLen)
		for j := uint32(0); j < dataLen; j++ {
			bits, o4, err := readU32(buf, off)
			if err != nil {
				return nil, 0, err
			}
			off = o4
			data[j] = math.Float32frombits(bits)
		}
		f.RowGroups = append(f.RowGroups, &RowGroup{
			dims:  m.Dimensions,
			cap:   m.RowGroupSize,
			Data:  data,
			Count: count,
		})
	}
	return f, off, nil
}

// DecodeStore parses a buffer produced by Store.Encode.
func DecodeStore(buf []byte) (*Store, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("vector: short buffer")
	}
	gotCRC := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	body := buf[:len(buf)-4]
	wantCRC := storage.CRC32C(body)
	if gotCRC != wantCRC {
		return nil, fmt.Errorf("vector: crc mismatch")
	}

	magic, off, err := readU32(body, 0)
	if err != nil {
		return nil, err
	}
	if magic != vectorMagic {
		return nil, fmt.Errorf("vector: bad magic")
	}
	version, off, err := readU32(body, off)
	if err != nil {
		return nil, err
	}
	if version != vectorVersion {
		return nil, fmt.Errorf("vector: unsupported version %d", version)
	}

	var m Manifest
	var u32 uint32
	if u32, off, err = readU32(body, off); err != nil {
		return nil, err
	}
	m.Dimensions = u32
	if u32, off, err = readU32(body, off); err != nil {
		return nil, err
	}
	m.Metric = graph.Metric(u32)
	if u32, off, err = readU32(body, off); err != nil {
		return nil, err
	}
	m.RowGroupSize = u32
	if u32, off, err = readU32(body, off); err != nil {
		return nil, err
	}
	m.FragmentTargetSize = u32
	if u32, off, err = readU32(body, off); err != nil {
		return nil, err
	}
	m.Normalize = u32 != 0

	active, off, err := readU32(body, off)
	if err != nil {
		return nil, err
	}
	nextID, off, err := readU32(body, off)
	if err != nil {
		return nil, err
	}

	fragCount, off, err := readU32(body, off)
	if err != nil {
		return nil, err
	}
	s := &Store{
		Manifest:         m,
		fragments:        make(map[uint32]*Fragment),
		locations:        make(map[graph.NodeID]location),
		active:           active,
		nextID:           nextID,
		minDeletionRatio: 0.2,
	}
	for i := uint32(0); i < fragCount; i++ {
		f, o2, err := readFragment(body, off, m)
		if err != nil {
			return nil, err
		}
		off = o2
		s.fragments[f.ID] = f
		s.order = append(s.order, f.ID)
	}

	locCount, off, err := readU32(body, off)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < locCount; i++ {
		idRaw, o2, err := readU64(body, off)
		if err != nil {
			return nil, err
		}
		off = o2
		fid, o3, err := readU32(body, off)
		if err != nil {
			return nil, err
		}
		off = o3
		pos, o4, err := readU32(body, off)
		if err != nil {
			return nil, err
		}
		off = o4
		s.locations[graph.NodeID(idRaw)] = location{fragmentID: fid, pos: pos}
	}

	return s, nil
}

func appendU32(buf []byte, v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return append(buf, b...)
}

func appendU64(buf []byte, v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return append(buf, b...)
}

func readU32(buf []byte, off int) (uint32, int, error) {
	if off+4 > len(buf) {
		return 0, 0, fmt.Errorf("vector: truncated u32 at offset %d", off)
	}
	return binary.LittleEndian.Uint32(buf[off : off+4]), off + 4, nil
}

func readU64(buf []byte, off int) (uint64, int, error) {
	if off+8 > len(buf) {
		return 0, 0, fmt.Errorf("vector: truncated u64 at offset %d", off)
	}
	return binary.LittleEndian.Uint64(buf[off : off+8]), off + 8, nil
}
