package sstore

import (
	"encoding/binary"
	"hash/crc32"
)

// On-disk format constants.
const (
	// magic bytes at the start of every store file.
	magic = "SSTORE\000\000"

	// formatVersion is the current on-disk format version.
	formatVersion = 4

	// headerSize is the fixed header length in bytes.
	headerSize = 64

	// indexTagAdd / indexTagRemove are the index-log record discriminants.
	indexTagAdd    = 0x01
	indexTagRemove = 0x02
)

// Header field offsets (bytes from file start).
const (
	offMagic        = 0x00 // [8]byte
	offVersion      = 0x08 // uint32
	offFlags        = 0x0C // uint32
	offDataEnd      = 0x10 // uint64
	offIndexHead    = 0x18 // uint64
	offGeneration   = 0x20 // uint64 (seqlock counter, even = stable)
	offIndexStart   = 0x28 // uint64 (fixed, start of index-log region)
	offDataStart    = 0x30 // uint64 (fixed, start of data region)
	offHeaderCRC32C = 0x38 // uint32
	offReserved     = 0x3C // uint32, must be zero
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// header mirrors the fixed-size on-disk header.
type header struct {
	Version      uint32
	Flags        uint32
	DataEnd      uint64
	IndexHead    uint64
	Generation   uint64
	IndexStart   uint64
	DataStart    uint64
	HeaderCRC32C uint32
}

// encodeHeader serializes h into a fresh headerSize-byte buffer, computing
// and storing the CRC.
func encodeHeader(h *header) []byte {
	buf := make([]byte, headerSize)
	copy(buf[offMagic:], magic)
	binary.LittleEndian.PutUint32(buf[offVersion:], h.Version)
	binary.LittleEndian.PutUint32(buf[offFlags:], h.Flags)
	binary.LittleEndian.PutUint64(buf[offDataEnd:], h.DataEnd)
	binary.LittleEndian.PutUint64(buf[offIndexHead:], h.IndexHead)
	binary.LittleEndian.PutUint64(buf[offGeneration:], h.Generation)
	binary.LittleEndian.PutUint64(buf[offIndexStart:], h.IndexStart)
	binary.LittleEndian.PutUint64(buf[offDataStart:], h.DataStart)

	crc := computeHeaderCRC(buf)
	binary.LittleEndian.PutUint32(buf[offHeaderCRC32C:], crc)

	return buf
}

// decodeHeader parses a headerSize-byte buffer without validating CRC or
// magic; callers validate separately via validateMagic and
// validateHeaderCRC.
func decodeHeader(buf []byte) header {
	var h header
	h.Version = binary.LittleEndian.Uint32(buf[offVersion:])
	h.Flags = binary.LittleEndian.Uint32(buf[offFlags:])
	h.DataEnd = binary.LittleEndian.Uint64(buf[offDataEnd:])
	h.IndexHead = binary.LittleEndian.Uint64(buf[offIndexHead:])
	h.Generation = binary.LittleEndian.Uint64(buf[offGeneration:])
	h.IndexStart = binary.LittleEndian.Uint64(buf[offIndexStart:])
	h.DataStart = binary.LittleEndian.Uint64(buf[offDataStart:])
	h.HeaderCRC32C = binary.LittleEndian.Uint32(buf[offHeaderCRC32C:])

	return h
}

// computeHeaderCRC computes the CRC32-C of the header buffer treating the
// frequently-mutated cursor fields (data_end, index_head, generation) as
// zero. data_end and index_head are published via plain aligned atomic
// stores on every commit, so a write never rewrites the whole header;
// generation is excluded with them. Only the rarely-changing structural fields
// (magic, version, flags, index_start, data_start) are covered by the
// checksum, validated once at open time.
func computeHeaderCRC(buf []byte) uint32 {
	tmp := make([]byte, headerSize)
	copy(tmp, buf[:headerSize])

	for _, off := range [...]int{offDataEnd, offIndexHead, offGeneration} {
		for i := off; i < off+8; i++ {
			tmp[i] = 0
		}
	}

	for i := offHeaderCRC32C; i < offHeaderCRC32C+4; i++ {
		tmp[i] = 0
	}

	return crc32.Checksum(tmp, crc32cTable)
}

// validateHeaderCRC reports whether buf's stored CRC matches its computed
// CRC.
func validateHeaderCRC(buf []byte) bool {
	stored := binary.LittleEndian.Uint32(buf[offHeaderCRC32C:])
	return stored == computeHeaderCRC(buf)
}

// validateMagic reports whether buf begins with the expected magic bytes.
func validateMagic(buf []byte) bool {
	return string(buf[offMagic:offMagic+8]) == magic
}

// fnv1aKeyHash computes the FNV-1a 64-bit hash of key, used as the
// advisory key_hash field in journal records.
func fnv1aKeyHash(key string) uint64 {
	const (
		offsetBasis = 14695981039346656037
		prime       = 1099511628211
	)

	h := uint64(offsetBasis)
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= prime
	}

	return h
}
