package storage

import "hash/crc32"

// castagnoliTable sert de base à tous les checksums sur disque de KiteDB
// (header, enregistrements WAL, sections snapshot).
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C calcule le CRC32 Castagnoli de b.
func CRC32C(b []byte) uint32 {
	return crc32.Checksum(b, castagnoliTable)
}
