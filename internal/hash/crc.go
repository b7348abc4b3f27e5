// Package hash holds the checksums shared by every on-disk format.
package hash

import "hash/crc32"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the Castagnoli checksum of b.
func CRC32C(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}

// UpdateCRC32C extends crc with b.
func UpdateCRC32C(crc uint32, b []byte) uint32 {
	return crc32.Update(crc, castagnoli, b)
}
