package sstore

import "errors"

// Error classification codes.
//
// These are sentinels: callers MUST classify errors using errors.Is, since
// all are wrapped with additional context via fmt.Errorf("...: %w", ...).
var (
	// ErrDisposed indicates the store has been closed.
	ErrDisposed = errors.New("sstore: disposed")

	// ErrInvalidArgument indicates a caller-supplied argument violates a
	// documented constraint (empty/over-long key, negative offset, zero
	// length slice, a write on a read-only store, ...).
	ErrInvalidArgument = errors.New("sstore: invalid argument")

	// ErrOutOfRange indicates a GetSlice request falls outside the blob's
	// bounds.
	ErrOutOfRange = errors.New("sstore: out of range")

	// ErrIO indicates a failure talking to the underlying file while growing
	// it: disk full on grow, or an unmap/remap failure. External truncation
	// of the file is not detected.
	ErrIO = errors.New("sstore: io")

	// ErrCorruptStore indicates the on-disk file failed validation at open
	// time: bad magic, unknown version, or a header checksum mismatch. Add
	// and Remove also return it once the fixed index-log region is full.
	ErrCorruptStore = errors.New("sstore: corrupt store")

	// ErrLayoutConflict indicates the target path denotes a layout that
	// cannot be opened or auto-converted (unknown file, or a legacy layout
	// with unreadable index.bin).
	ErrLayoutConflict = errors.New("sstore: layout conflict")

	// ErrBusy indicates a conflicting writer is already active, either in
	// this process or another.
	ErrBusy = errors.New("sstore: busy")

	// ErrCanceled indicates an AddStream call observed its cancel channel
	// between chunks and stopped before the value became visible.
	ErrCanceled = errors.New("sstore: canceled")
)
