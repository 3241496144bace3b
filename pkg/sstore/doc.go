// Package sstore is a low-latency, single-file, embedded key/value blob
// store optimized for random-access reads and appends of medium-sized
// binary values.
//
// A store is a single memory-mapped file holding three regions: a fixed
// header, an append-only index log, and an append-only data region. Reads
// return buffers copied out of the mapping (or, via GetStream, a view over
// the mapping directly); writes append to both the data region and the
// index log under a single writer lock, then advance the header cursors as
// the commit point.
//
// # Basic usage
//
//	st, err := sstore.Open(sstore.Options{Path: "/var/lib/app/blobs.sstore"})
//	if err != nil {
//	    // handle sstore.ErrCorruptStore / sstore.ErrLayoutConflict
//	}
//	defer st.Close()
//
//	err = st.Add("key", []byte("value"))
//	v, ok, err := st.Get("key")
//
// # Concurrency
//
// One writer, many readers. All exported methods are safe for concurrent
// use; Add/AddStream/Remove serialize on an internal writer lock shared
// across handles on the same underlying file within a process, and on an
// advisory cross-process lock file across processes.
//
// # Durability
//
// Without an explicit Flush, a successful Add is visible to any later Get
// in the same process and durable across a clean close, but is not
// guaranteed to survive a hard power loss. See the package-level
// invariants in the project's design notes for the exact commit ordering.
package sstore
