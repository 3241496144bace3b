package sstore

// Hardcoded implementation limits.
//
// These exist to keep arithmetic safely away from overflow boundaries and
// to bound resource usage for configurations the test suite does not
// exercise. Key and value length violations are treated as
// programming/configuration errors and return ErrInvalidArgument; running
// out of indexRegionReserve returns ErrCorruptStore (see below).
const (
	// maxKeyLen is the largest key length the index log's u16 length
	// prefix can represent.
	maxKeyLen = 65535

	// maxBlobLen bounds a single Add payload; spec.md allows up to 2^31-1,
	// the signed 32-bit boundary used by the Testable Properties.
	maxBlobLen = 1<<31 - 1

	// defaultInitialFileSize is used when Options.InitialSize is zero.
	defaultInitialFileSize = 1 << 20 // 1 MiB

	// growDoublingCeiling is the file size below which growth doubles the
	// current size; beyond it growth is additive (spec.md §4.1).
	growDoublingCeiling = 1 << 30 // 1 GiB

	// growSpareBytes is extra headroom added on top of the immediately
	// required bytes when growing, to amortize future small appends.
	growSpareBytes = 1 << 16 // 64 KiB

	// addStreamChunkSize bounds the buffer used by AddStream's copy loop.
	addStreamChunkSize = 1 << 16 // 64 KiB

	// indexRegionReserve is the fixed capacity set aside for the index log
	// between the header and the start of the data region at creation time
	// (spec.md Open Question (a)). Only the data region grows independently
	// (via the remap-grow in mmapfile.go); this reserve is a hard ceiling on
	// how many index records a store can ever hold before Add/Remove start
	// failing with ErrCorruptStore, so it must outlast the largest scale
	// this package names: 200,000 Add index records at up to ~40 bytes/
	// record (tag + u16 key length + key + offset + length + crc32c) is
	// ~8 MiB; sized well past that with headroom for longer keys.
	indexRegionReserve = 32 << 20 // 32 MiB
)
