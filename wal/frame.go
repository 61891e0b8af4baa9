// Package wal implémente le format d'enregistrement du write-ahead log et
// le buffer circulaire à deux régions qui le porte, pour la zone WAL du
// layout sur disque. Il ne connaît rien à la sémantique du graphe — les
// appelants lui passent des octets de payload opaques par type
// d'enregistrement et les récupèrent inchangés au rejeu.
package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/maskdotdev/kitedb/storage"
)

// RecordType énumère les types d'enregistrements WAL encadrés. Une
// transaction, c'est un BEGIN, ses mutations dans l'ordre canonique, puis
// exactement un COMMIT.
type RecordType uint8

const (
	Begin RecordType = iota
	Commit
	Rollback
	DefineLabel
	DefineEtype
	DefinePropkey
	CreateNode
	DeleteNode
	AddEdge
	DeleteEdge
	SetNodeProp
	DelNodeProp
	SetEdgeProp
	DelEdgeProp
	SetNodeVector
	DelNodeVector
)

func (t RecordType) String() string {
	names := [...]string{
		"BEGIN", "COMMIT", "ROLLBACK", "DEFINE_LABEL", "DEFINE_ETYPE",
		"DEFINE_PROPKEY", "CREATE_NODE", "DELETE_NODE", "ADD_EDGE",
		"DELETE_EDGE", "SET_NODE_PROP", "DEL_NODE_PROP", "SET_EDGE_PROP",
		"DEL_EDGE_PROP", "SET_NODE_VECTOR", "DEL_NODE_VECTOR",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return fmt.Sprintf("RecordType(%d)", t)
}

// frameHeaderSize est la partie fixe d'une frame avant le payload :
// length(4) + type(1) + flags(1) + réservé(2) + txid(8) + payloadLen(4).
const frameHeaderSize = 20

// frameTrailerSize est le CRC32C final.
const frameTrailerSize = 4

// Record est une frame WAL décodée.
type Record struct {
	Type    RecordType
	Flags   uint8
	TxID    uint64
	Payload []byte
}

// Encode sérialise r en un enregistrement encadré aligné sur 8 octets :
// [length:u32][type:u8][flags:u8][réservé:u16][txid:u64][payloadLen:u32][payload][crc32c:u32][pad].
// length couvre header+payload+crc, pas le padding.
func Encode(r Record) []byte {
	unpadded := frameHeaderSize + len(r.Payload) + frameTrailerSize
	padded := align8(unpadded)

	buf := make([]byte, padded)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(unpadded))
	buf[4] = byte(r.Type)
	buf[5] = r.Flags
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint64(buf[8:16], r.TxID)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(r.Payload)))
	copy(buf[20:20+len(r.Payload)], r.Payload)

	crcOff := frameHeaderSize + len(r.Payload)
	crc := storage.CRC32C(buf[:crcOff])
	binary.LittleEndian.PutUint32(buf[crcOff:crcOff+4], crc)
	return buf
}

// Decode parse une seule frame à partir de buf[0]. Retourne l'enregistrement,
// le nombre total d'octets consommés (padding d'alignement inclus), et une
// erreur si le CRC est invalide ou si le buffer est trop court pour une
// frame complète — dans les deux cas, ça signale à l'appelant "arrête le
// scan ici", pour tolérer une queue de WAL tronquée.
func Decode(buf []byte) (Record, int, error) {
	if len(buf) < frameHeaderSize+frameTrailerSize {
		return Record{}, 0, fmt.Errorf("wal: short buffer for frame header")
	}
	length := binary.LittleEndian.Uint32(buf[0:4])
	if length < frameHeaderSize+frameTrailerSize {
		return Record{}, 0, fmt.Errorf("wal: invalid frame length %d", length)
	}
	padded := align8(int(length))
	if len(buf) < padded {
		return Record{}, 0, fmt.Errorf("wal: truncated frame (need %d, have %d)", padded, len(buf))
	}

	payloadLen := binary.LittleEndian.Uint32(buf[16:20])
	if frameHeaderSize+int(payloadLen)+frameTrailerSize != int(length) {
		return Record{}, 0, fmt.Errorf("wal: payload length inconsistent with frame length")
	}

	crcOff := frameHeaderSize + int(payloadLen)
	wantCRC := binary.LittleEndian.Uint32(buf[crcOff : crcOff+4])
	gotCRC := storage.CRC32C(buf[:crcOff])
	if wantCRC != gotCRC {
		return Record{}, 0, fmt.Errorf("wal: crc mismatch (want %x got %x)", wantCRC, gotCRC)
	}

	rec := Record{
		Type:    RecordType(buf[4]),
		Flags:   buf[5],
		TxID:    binary.LittleEndian.Uint64(buf[8:16]),
		Payload: append([]byte(nil), buf[20:20+payloadLen]...),
	}
	return rec, padded, nil
}

func align8(n int) int {
	if rem := n % 8; rem != 0 {
		n += 8 - rem
	}
	return n
}
