// Disk-full fault injection tests.
//
// These exercise internal/sfs.Injected's single testable fault (fail the
// next growing Truncate with ENOSPC) through the public Store API: a grow
// that hits a full disk must surface ErrIO, move the store to StateFaulted,
// and leave the store's previously-committed cursors unchanged.

package sstore_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/sstore/internal/sfs"
	"github.com/calvinalkan/sstore/pkg/sstore"
)

func Test_Add_Returns_ErrIO_When_Growth_Hits_A_Simulated_Full_Disk(t *testing.T) {
	t.Parallel()

	tmp := filepath.Join(t.TempDir(), "store.sstore")

	injected := sfs.NewInjected(sfs.NewReal())

	st, err := sstore.Open(sstore.Options{
		Path:           tmp,
		InitialSize:    1 << 16,
		DisableLocking: true,
		FS:             injected,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer st.Close()

	injected.FailNextResize()

	big := make([]byte, 1<<20) // far larger than the data region's 64 KiB of spare room, forces growTo

	err = st.Add("big", big)
	if !errors.Is(err, sstore.ErrIO) {
		t.Fatalf("Add error mismatch: got=%v want=%v", err, sstore.ErrIO)
	}

	if st.State() != sstore.StateFaulted {
		t.Fatalf("State after failed grow: got=%v want=%v", st.State(), sstore.StateFaulted)
	}

	if _, ok, getErr := st.Get("big"); ok || getErr != nil {
		t.Fatalf("Get(big) after failed Add: ok=%v err=%v, want not found", ok, getErr)
	}
}

func Test_Add_Succeeds_After_A_One_Time_Fault_Is_Consumed(t *testing.T) {
	t.Parallel()

	tmp := filepath.Join(t.TempDir(), "store.sstore")

	injected := sfs.NewInjected(sfs.NewReal())

	st, err := sstore.Open(sstore.Options{
		Path:           tmp,
		InitialSize:    1 << 16,
		DisableLocking: true,
		FS:             injected,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer st.Close()

	injected.FailNextResize()

	big := make([]byte, 1<<20)

	if err := st.Add("first", big); !errors.Is(err, sstore.ErrIO) {
		t.Fatalf("Add(first) error mismatch: got=%v want=%v", err, sstore.ErrIO)
	}

	// The fault was one-shot; a retried Add of the same size must now
	// succeed and leave the store usable again.
	if err := st.Add("second", big); err != nil {
		t.Fatalf("Add(second) after fault consumed failed: %v", err)
	}

	_, ok, getErr := st.Get("second")
	if getErr != nil || !ok {
		t.Fatalf("Get(second): ok=%v err=%v", ok, getErr)
	}
}
