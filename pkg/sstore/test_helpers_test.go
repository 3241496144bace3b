package sstore_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/sstore/pkg/sstore"
)

// newStoreAt opens a writable store at a fresh path inside t.TempDir(),
// failing the test on error, and registers Close as a cleanup.
func newStoreAt(t *testing.T, name string, opts sstore.Options) (*sstore.Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	opts.Path = path

	st, err := sstore.Open(opts)
	if err != nil {
		t.Fatalf("Open(%s) failed: %v", path, err)
	}

	t.Cleanup(func() { _ = st.Close() })

	return st, path
}

// mutateFile rewrites path after applying mutate to its full contents.
func mutateFile(tb testing.TB, path string, mutate func([]byte)) {
	tb.Helper()

	data, readErr := os.ReadFile(path)
	if readErr != nil {
		tb.Fatalf("read file: %v", readErr)
	}

	mutate(data)

	writeErr := os.WriteFile(path, data, 0o600)
	if writeErr != nil {
		tb.Fatalf("write file: %v", writeErr)
	}
}

// headerOffsets mirrors the unexported offsets in format.go, duplicated here
// since the on-disk layout is part of the format's compatibility contract,
// not an implementation detail the tests should reach into the package for.
const (
	testOffMagic        = 0x00
	testOffVersion      = 0x08
	testOffDataEnd      = 0x10
	testOffIndexHead    = 0x18
	testOffGeneration   = 0x20
	testOffHeaderCRC32C = 0x38
)

func putU64(data []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(data[off:], v)
}

func getU64(data []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(data[off:])
}
