package sfs

import "os"

// Real implements [FS] using the real filesystem. All methods are pure
// passthroughs to the os package; FailNextResize is a no-op since Real
// never injects faults.
type Real struct{}

// NewReal returns a new [Real] filesystem.
func NewReal() *Real {
	return &Real{}
}

func (r *Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

func (r *Real) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

func (r *Real) Remove(path string) error {
	return os.Remove(path)
}

func (r *Real) FailNextResize() {}

var _ FS = (*Real)(nil)
