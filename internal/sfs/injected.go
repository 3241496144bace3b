package sfs

import (
	"os"
	"sync/atomic"
	"syscall"
)

// Injected wraps an inner [FS] and supports the single testable fault this
// package exists for: failing the next file growth with ENOSPC.
type Injected struct {
	inner        FS
	failNextGrow atomic.Bool
}

// NewInjected wraps inner with fault-injection support.
func NewInjected(inner FS) *Injected {
	return &Injected{inner: inner}
}

func (i *Injected) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	f, err := i.inner.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &injectedFile{File: f, owner: i}, nil
}

func (i *Injected) Stat(path string) (os.FileInfo, error) { return i.inner.Stat(path) }
func (i *Injected) Remove(path string) error               { return i.inner.Remove(path) }

// FailNextResize arms the injector: the next Truncate call that grows a
// file returns a disk-full error instead of performing the growth.
func (i *Injected) FailNextResize() {
	i.failNextGrow.Store(true)
}

type injectedFile struct {
	File
	owner *Injected
}

func (f *injectedFile) Truncate(size int64) error {
	info, statErr := f.File.Stat()
	grows := statErr != nil || size > info.Size()

	if grows && f.owner.failNextGrow.CompareAndSwap(true, false) {
		return syscall.ENOSPC
	}

	return f.File.Truncate(size)
}

var _ FS = (*Injected)(nil)
