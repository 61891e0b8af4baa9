package storage

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize est la taille fixe du bloc d'en-tête.
const HeaderSize = 4096

// FormatVersion est incrémenté à chaque changement incompatible du format
// sur disque.
const FormatVersion = 1

var magic = [8]byte{'K', 'I', 'T', 'E', 'D', 'B', '1', '\n'}

// Sélecteur de région WAL.
const (
	RegionPrimary   uint8 = 0
	RegionSecondary uint8 = 1
)

// Header est le bloc de métadonnées de 4 Ko à l'offset 0 du fichier — le
// point de bascule atomique unique. Un checkpoint devient visible
// exactement au moment où le Header référençant le nouveau snapshot est
// fsyncé.
type Header struct {
	FormatVersion        uint32
	PageSize             uint32
	DBSizePages          uint64
	ActiveSnapshotGen    uint64
	SnapshotStartPage    uint64
	SnapshotPageCount    uint64
	WALStartPage         uint64
	WALPageCount         uint64
	WALPrimaryHead       uint64
	WALSecondaryHead     uint64
	ActiveWALRegion      uint8
	CheckpointInProgress uint8
	MaxNodeID            uint64
	NextTxID             uint64
	ChangeCounter        uint64
	SnapshotCompressed   uint8  // 1 if the snapshot region holds snappy-compressed bytes
	SnapshotByteLength   uint64 // exact byte length of the (possibly compressed) snapshot blob, since SnapshotPageCount is page-rounded
}

// offsets en octets des champs dans le bloc d'en-tête de 4 Ko.
const (
	offMagic                = 0
	offFormatVersion        = 8
	offPageSize              = 12
	offDBSizePages           = 16
	offActiveSnapshotGen     = 24
	offSnapshotStartPage     = 32
	offSnapshotPageCount     = 40
	offWALStartPage          = 48
	offWALPageCount          = 56
	offWALPrimaryHead        = 64
	offWALSecondaryHead      = 72
	offActiveWALRegion       = 80
	offCheckpointInProgress  = 81
	offMaxNodeID             = 88
	offNextTxID              = 96
	offChangeCounter         = 104
	offSnapshotCompressed    = 112
	offSnapshotByteLength    = 120
	offCRC                   = HeaderSize - 4
)

// Encode sérialise h dans un buffer de HeaderSize octets, CRC32C inclus.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[offMagic:], magic[:])
	binary.LittleEndian.PutUint32(buf[offFormatVersion:], h.FormatVersion)
	binary.LittleEndian.PutUint32(buf[offPageSize:], h.PageSize)
	binary.LittleEndian.PutUint64(buf[offDBSizePages:], h.DBSizePages)
	binary.LittleEndian.PutUint64(buf[offActiveSnapshotGen:], h.ActiveSnapshotGen)
	binary.LittleEndian.PutUint64(buf[offSnapshotStartPage:], h.SnapshotStartPage)
	binary.LittleEndian.PutUint64(buf[offSnapshotPageCount:], h.SnapshotPageCount)
	binary.LittleEndian.PutUint64(buf[offWALStartPage:], h.WALStartPage)
	binary.LittleEndian.PutUint64(buf[offWALPageCount:], h.WALPageCount)
	binary.LittleEndian.PutUint64(buf[offWALPrimaryHead:], h.WALPrimaryHead)
	binary.LittleEndian.PutUint64(buf[offWALSecondaryHead:], h.WALSecondaryHead)
	buf[offActiveWALRegion] = h.ActiveWALRegion
	buf[offCheckpointInProgress] = h.CheckpointInProgress
	binary.LittleEndian.PutUint64(buf[offMaxNodeID:], h.MaxNodeID)
	binary.LittleEndian.PutUint64(buf[offNextTxID:], h.NextTxID)
	binary.LittleEndian.PutUint64(buf[offChangeCounter:], h.ChangeCounter)
	buf[offSnapshotCompressed] = h.SnapshotCompressed
	binary.LittleEndian.PutUint64(buf[offSnapshotByteLength:], h.SnapshotByteLength)
	crc := CRC32C(buf[:offCRC])
	binary.LittleEndian.PutUint32(buf[offCRC:], crc)
	return buf
}

// DecodeHeader parse et valide un buffer de HeaderSize octets. Retourne une
// erreur (enveloppée en CorruptionError par l'appelant) en cas de magic, de
// version ou de CRC invalide.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("header: short buffer (%d bytes)", len(buf))
	}
	if string(buf[offMagic:offMagic+8]) != string(magic[:]) {
		return nil, fmt.Errorf("header: bad magic")
	}
	wantCRC := binary.LittleEndian.Uint32(buf[offCRC:])
	gotCRC := CRC32C(buf[:offCRC])
	if wantCRC != gotCRC {
		return nil, fmt.Errorf("header: crc mismatch (want %x got %x)", wantCRC, gotCRC)
	}
	version := binary.LittleEndian.Uint32(buf[offFormatVersion:])
	if version != FormatVersion {
		return nil, fmt.Errorf("header: unsupported format version %d", version)
	}
	h := &Header{
		FormatVersion:        version,
		PageSize:             binary.LittleEndian.Uint32(buf[offPageSize:]),
		DBSizePages:          binary.LittleEndian.Uint64(buf[offDBSizePages:]),
		ActiveSnapshotGen:    binary.LittleEndian.Uint64(buf[offActiveSnapshotGen:]),
		SnapshotStartPage:    binary.LittleEndian.Uint64(buf[offSnapshotStartPage:]),
		SnapshotPageCount:    binary.LittleEndian.Uint64(buf[offSnapshotPageCount:]),
		WALStartPage:         binary.LittleEndian.Uint64(buf[offWALStartPage:]),
		WALPageCount:         binary.LittleEndian.Uint64(buf[offWALPageCount:]),
		WALPrimaryHead:       binary.LittleEndian.Uint64(buf[offWALPrimaryHead:]),
		WALSecondaryHead:     binary.LittleEndian.Uint64(buf[offWALSecondaryHead:]),
		ActiveWALRegion:      buf[offActiveWALRegion],
		CheckpointInProgress: buf[offCheckpointInProgress],
		MaxNodeID:            binary.LittleEndian.Uint64(buf[offMaxNodeID:]),
		NextTxID:             binary.LittleEndian.Uint64(buf[offNextTxID:]),
		ChangeCounter:        binary.LittleEndian.Uint64(buf[offChangeCounter:]),
		SnapshotCompressed:   buf[offSnapshotCompressed],
		SnapshotByteLength:   binary.LittleEndian.Uint64(buf[offSnapshotByteLength:]),
	}
	return h, nil
}
