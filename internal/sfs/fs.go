// Package sfs provides a small filesystem abstraction used by sstore to
// inject a single, targeted fault: a simulated full disk on the next file
// growth. It is deliberately not a general-purpose fault-injection harness.
package sfs

import (
	"io"
	"os"
)

// File represents an OS-backed open file descriptor.
//
// This interface is satisfied by [os.File]; implementations must behave
// like it, including that Fd returns a valid descriptor usable with
// syscalls (for example syscall.Ftruncate) until the file is closed.
type File interface {
	io.ReadWriteCloser
	io.Seeker

	Fd() uintptr
	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
}

// FS defines the filesystem operations sstore needs, mirroring their [os]
// package equivalents so they can be intercepted for testing.
type FS interface {
	OpenFile(path string, flag int, perm os.FileMode) (File, error)
	Stat(path string) (os.FileInfo, error)
	Remove(path string) error

	// FailNextResize, when the FS supports fault injection, causes the
	// next call that grows a file (Truncate to a larger size) to fail with
	// a disk-full-shaped error. Implementations that don't support
	// injection (Real) treat this as a no-op.
	FailNextResize()
}

var _ File = (*os.File)(nil)
