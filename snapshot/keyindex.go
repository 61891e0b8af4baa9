package snapshot

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/maskdotdev/kitedb/graph"
)

// keyEntry is one (hash64, stringId, nodeId) tuple in the key index.
type keyEntry struct {
	Hash     uint64
	StringID uint32
	NodeID   graph.NodeID
}

// KeyIndex is the hash-bucketed key→NodeID index from spec §4.7: bucket
// count chosen so load factor at write time is ~0.5; entries within a
// bucket are sorted by (hash64, stringId) for binary search plus a final
// string-equality check to resolve hash collisions.
type KeyIndex struct {
	bucketStarts []uint32 // len = numBuckets+1
	entries      []keyEntry
	strings      *StringTable
}

// HashKey returns the xxHash64 of a key's UTF-8 bytes — the sole hash
// function spec §4.7 mandates.
func HashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

// BuildKeyIndex constructs a KeyIndex from a complete key->NodeID mapping
// plus the shared string table (which must already contain every key).
func BuildKeyIndex(keys map[string]graph.NodeID, strings *StringTable) *KeyIndex {
	numBuckets := bucketCountFor(len(keys))
	entries := make([]keyEntry, 0, len(keys))
	for k, id := range keys {
		entries = append(entries, keyEntry{
			Hash:     HashKey(k),
			StringID: strings.Intern(k),
			NodeID:   id,
		})
	}

	buckets := make([][]keyEntry, numBuckets)
	for _, e := range entries {
		b := e.Hash % uint64(numBuckets)
		buckets[b] = append(buckets[b], e)
	}
	for _, b := range buckets {
		sort.Slice(b, func(i, j int) bool {
			if b[i].Hash != b[j].Hash {
				return b[i].Hash < b[j].Hash
			}
			return b[i].StringID < b[j].StringID
		})
	}

	starts := make([]uint32, numBuckets+1)
	flat := make([]keyEntry, 0, len(entries))
	for i, b := range buckets {
		starts[i] = uint32(len(flat))
		flat = append(flat, b...)
	}
	starts[numBuckets] = uint32(len(flat))

	return &KeyIndex{bucketStarts: starts, entries: flat, strings: strings}
}

// bucketCountFor picks a power-of-two bucket count targeting load factor
// ~0.5 (entries ≈ numBuckets/2), with a floor of 1.
func bucketCountFor(numEntries int) int {
	n := 1
	for n < numEntries*2 {
		n *= 2
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Lookup resolves key to a NodeID, if present. It locates the bucket by
// hash, binary-searches for the (hash, any) range, then walks collisions
// confirming each candidate with a full string comparison.
func (k *KeyIndex) Lookup(key string) (graph.NodeID, bool) {
	if len(k.bucketStarts) <= 1 {
		return 0, false
	}
	numBuckets := len(k.bucketStarts) - 1
	h := HashKey(key)
	b := int(h % uint64(numBuckets))
	start, end := k.bucketStarts[b], k.bucketStarts[b+1]
	bucket := k.entries[start:end]

	i := sort.Search(len(bucket), func(i int) bool { return bucket[i].Hash >= h })
	for i < len(bucket) && bucket[i].Hash == h {
		if k.strings.String(bucket[i].StringID) == key {
			return bucket[i].NodeID, true
		}
		i++
	}
	return 0, false
}

// Encode serializes bucketStarts followed by the flat entries array.
func (k *KeyIndex) Encode() []byte {
	buf := make([]byte, 4+len(k.bucketStarts)*4+4+len(k.entries)*20)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(k.bucketStarts)))
	off += 4
	for _, s := range k.bucketStarts {
		binary.LittleEndian.PutUint32(buf[off:], s)
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(k.entries)))
	off += 4
	for _, e := range k.entries {
		binary.LittleEndian.PutUint64(buf[off:], e.Hash)
		binary.LittleEndian.PutUint32(buf[off+8:], e.StringID)
		binary.LittleEndian.PutUint64(buf[off+12:], uint64(e.NodeID))
		off += 20
	}
	return buf
}

// DecodeKeyIndex parses the format Encode produces, binding it to strings
// for subsequent Lookup calls. Returns bytes consumed.
func DecodeKeyIndex(buf []byte, strings *StringTable) (*KeyIndex, int, error) {
	if len(buf) < 4 {
		return nil, 0, errShort("keyindex bucketStarts length")
	}
	numStarts := int(binary.LittleEndian.Uint32(buf[0:4]))
	off := 4
	if len(buf) < off+numStarts*4+4 {
		return nil, 0, errShort("keyindex bucketStarts")
	}
	starts := make([]uint32, numStarts)
	for i := 0; i < numStarts; i++ {
		starts[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	numEntries := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+numEntries*20 {
		return nil, 0, errShort("keyindex entries")
	}
	entries := make([]keyEntry, numEntries)
	for i := 0; i < numEntries; i++ {
		entries[i] = keyEntry{
			Hash:     binary.LittleEndian.Uint64(buf[off:]),
			StringID: binary.LittleEndian.Uint32(buf[off+8:]),
			NodeID:   graph.NodeID(binary.LittleEndian.Uint64(buf[off+12:])),
		}
		off += 20
	}
	return &KeyIndex{bucketStarts: starts, entries: entries, strings: strings}, off, nil
}
