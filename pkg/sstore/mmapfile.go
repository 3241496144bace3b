package sstore

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/sstore/internal/sfs"
)

// mmapFile owns one on-disk file and a single active memory mapping over
// it. It provides typed read/write primitives at absolute offsets, bulk
// byte copies, flush, and atomic growth (unmap, extend, remap).
//
// mmapFile itself does no locking; callers serialize growTo/writeBytes
// against concurrent readers (see lock.go).
type mmapFile struct {
	fsys FS
	f    sfs.File
	fd   int
	data []byte
}

// FS aliases sfs.FS, the filesystem a mmapFile depends on, at this layer so
// store.go can pass either the real filesystem or one with fault injection
// armed.
type FS = sfs.FS

// createFile creates a new file at path, sized to initialSize, and maps it
// read-write. The caller is responsible for writing a valid header into
// the returned mapping before any other use.
func createFile(fsys FS, path string, initialSize int64) (*mmapFile, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}

	if err := f.Truncate(initialSize); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("truncate: %w", err)
	}

	return mapOpenFile(fsys, f, initialSize)
}

// openFile opens an existing file at path and maps it according to its
// current size. readOnly selects a read-only open and mmap protection.
func openFile(fsys FS, path string, readOnly bool) (*mmapFile, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	f, err := fsys.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}

	return mapOpenFileMode(fsys, f, info.Size(), readOnly)
}

func mapOpenFile(fsys FS, f sfs.File, size int64) (*mmapFile, error) {
	return mapOpenFileMode(fsys, f, size, false)
}

func mapOpenFileMode(fsys FS, f sfs.File, size int64, readOnly bool) (*mmapFile, error) {
	fd := int(f.Fd())

	prot := syscall.PROT_READ
	if !readOnly {
		prot |= syscall.PROT_WRITE
	}

	data, err := syscall.Mmap(fd, 0, int(size), prot, syscall.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap: %w", err)
	}

	return &mmapFile{fsys: fsys, f: f, fd: fd, data: data}, nil
}

func (m *mmapFile) size() int64 { return int64(len(m.data)) }

// readBytes returns a fresh copy of data[offset:offset+length].
func (m *mmapFile) readBytes(offset, length uint64) []byte {
	out := make([]byte, length)
	copy(out, m.data[offset:offset+length])

	return out
}

// readSlice returns a view into the mapping; its lifetime is tied to the
// mapping and is invalidated by the next growTo.
func (m *mmapFile) readSlice(offset, length uint64) []byte {
	return m.data[offset : offset+length]
}

// writeBytes copies b into the mapping at offset. The caller guarantees
// offset+len(b) is within the current mapping.
func (m *mmapFile) writeBytes(offset uint64, b []byte) {
	copy(m.data[offset:], b)
}

// growthTarget computes the next mapped size per the doubling-then-additive
// growth policy: double while below growDoublingCeiling, then grow
// additively by growDoublingCeiling, always at least large enough to fit
// required bytes plus spare headroom.
func growthTarget(current, required uint64) uint64 {
	minNeeded := current + required + growSpareBytes

	var doubled uint64
	if current < growDoublingCeiling {
		doubled = current * 2
	} else {
		doubled = current + growDoublingCeiling
	}

	if doubled < minNeeded {
		return minNeeded
	}

	return doubled
}

// growTo unmaps the current mapping, extends the file to newSize via the
// (possibly fault-injecting) filesystem, and remaps.
//
// On truncate failure (e.g. simulated disk-full), the previous mapping is
// restored at its original size and ErrIO is returned; data_end/index_head
// are untouched by the caller in that case since they're only advanced
// after a successful grow.
func (m *mmapFile) growTo(newSize uint64) error {
	oldSize := uint64(len(m.data))

	if err := syscall.Munmap(m.data); err != nil {
		return fmt.Errorf("munmap: %w: %w", err, ErrIO)
	}

	m.data = nil

	truncErr := m.f.Truncate(int64(newSize))
	if truncErr != nil {
		// Restore the previous mapping so the store remains usable.
		data, remapErr := syscall.Mmap(m.fd, 0, int(oldSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
		if remapErr != nil {
			return fmt.Errorf("remap after failed grow: %w: %w", remapErr, ErrIO)
		}

		m.data = data

		return fmt.Errorf("grow to %d: %w: %w", newSize, truncErr, ErrIO)
	}

	data, err := syscall.Mmap(m.fd, 0, int(newSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("remap: %w: %w", err, ErrIO)
	}

	m.data = data

	return nil
}

// flush forces the mapping to durable storage.
func (m *mmapFile) flush() error {
	if len(m.data) == 0 {
		return nil
	}

	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}

	return nil
}

func (m *mmapFile) close() error {
	var err error

	if len(m.data) > 0 {
		if uerr := syscall.Munmap(m.data); uerr != nil {
			err = uerr
		}

		m.data = nil
	}

	if cerr := m.f.Close(); cerr != nil && err == nil {
		err = cerr
	}

	return err
}
