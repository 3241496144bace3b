// Crash-recovery tests.
//
// These simulate a crash between the in-mapping atomic cursor advance and
// the journal's completing "post" write: the on-disk header is left
// pointing past a record that looks, byte-for-byte, like a successfully
// committed Add, while the side journal still carries an incomplete
// (pre-only) entry for it. A correct reopen must roll the header cursors
// back to the journal's pre-mutation values, so the dangling record never
// becomes visible, rather than trusting the header at face value.
//
// Technique: perform one real Add/Close to get a valid baseline file, then
// hand-craft a second, well-formed-looking index record plus a matching
// incomplete journal entry directly on disk, bypassing the package API.

package sstore_test

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/sstore/pkg/sstore"
)

const (
	testHeaderSize      = 64
	testIndexTagAdd     = 0x01
	testIncompletePost  = ^uint64(0)
	testJournalRecSize  = 1 + 8*5 + 4
)

var testCRC32CTable = crc32.MakeTable(crc32.Castagnoli)

// encodeTestAddRecord mirrors indexlog.go's encodeAddRecord byte-for-byte,
// constructing a record the package's own replay logic cannot distinguish
// from one it wrote itself.
func encodeTestAddRecord(key string, offset, length uint64) []byte {
	buf := make([]byte, 0, 1+2+len(key)+8+8+4)
	buf = append(buf, testIndexTagAdd)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(key)))
	buf = append(buf, key...)
	buf = binary.LittleEndian.AppendUint64(buf, offset)
	buf = binary.LittleEndian.AppendUint64(buf, length)

	sum := crc32.Checksum(buf, testCRC32CTable)

	return binary.LittleEndian.AppendUint32(buf, sum)
}

// encodeTestJournalRecord mirrors journal.go's encodeJournalRecord.
func encodeTestJournalRecord(op byte, keyHash, preDataEnd, preIndexHead, postDataEnd, postIndexHead uint64) []byte {
	buf := make([]byte, 0, testJournalRecSize)
	buf = append(buf, op)
	buf = binary.LittleEndian.AppendUint64(buf, keyHash)
	buf = binary.LittleEndian.AppendUint64(buf, preDataEnd)
	buf = binary.LittleEndian.AppendUint64(buf, preIndexHead)
	buf = binary.LittleEndian.AppendUint64(buf, postDataEnd)
	buf = binary.LittleEndian.AppendUint64(buf, postIndexHead)

	sum := crc32.Checksum(buf, testCRC32CTable)

	return binary.LittleEndian.AppendUint32(buf, sum)
}

func Test_Reopen_Rolls_Back_A_Dangling_Record_Left_By_An_Incomplete_Journal_Entry(t *testing.T) {
	t.Parallel()

	tmp := filepath.Join(t.TempDir(), "store.sstore")

	st, err := sstore.Open(sstore.Options{Path: tmp, DisableLocking: true})
	if err != nil {
		t.Fatalf("Open(create) failed: %v", err)
	}

	if addErr := st.Add("k", []byte("v")); addErr != nil {
		t.Fatalf("Add failed: %v", addErr)
	}

	if closeErr := st.Close(); closeErr != nil {
		t.Fatalf("Close failed: %v", closeErr)
	}

	var preDataEnd, preIndexHead uint64

	mutateFile(t, tmp, func(data []byte) {
		preDataEnd = getU64(data, testOffDataEnd)
		preIndexHead = getU64(data, testOffIndexHead)
	})

	danglingValue := []byte("v2")
	rec := encodeTestAddRecord("k2", preDataEnd, uint64(len(danglingValue)))

	postDataEnd := preDataEnd + uint64(len(danglingValue))
	postIndexHead := preIndexHead + uint64(len(rec))

	mutateFile(t, tmp, func(data []byte) {
		copy(data[preDataEnd:], danglingValue)
		copy(data[preIndexHead:], rec)

		// Make the header look as if the commit's cursor advance already
		// happened (the step that, per store.go's Add, runs before the
		// journal's writePost).
		putU64(data, testOffDataEnd, postDataEnd)
		putU64(data, testOffIndexHead, postIndexHead)
	})

	journalPath := tmp + ".log"
	journalRec := encodeTestJournalRecord(testIndexTagAdd, 0, preDataEnd, preIndexHead, testIncompletePost, testIncompletePost)

	if err := os.WriteFile(journalPath, journalRec, 0o600); err != nil {
		t.Fatalf("write journal: %v", err)
	}

	st2, err := sstore.Open(sstore.Options{Path: tmp, DisableLocking: true})
	if err != nil {
		t.Fatalf("Open(recovering) failed: %v", err)
	}
	defer st2.Close()

	if _, ok, getErr := st2.Get("k2"); ok || getErr != nil {
		t.Fatalf("Get(k2) after recovery: ok=%v err=%v, want not found (rolled back)", ok, getErr)
	}

	got, ok, getErr := st2.Get("k")
	if getErr != nil || !ok || string(got) != "v" {
		t.Fatalf("Get(k) after recovery: got=%q ok=%v err=%v", got, ok, getErr)
	}

	mutateFile(t, tmp, func(data []byte) {
		if gotDataEnd := getU64(data, testOffDataEnd); gotDataEnd != preDataEnd {
			t.Fatalf("data_end after recovery: got=%d want=%d", gotDataEnd, preDataEnd)
		}

		if gotIndexHead := getU64(data, testOffIndexHead); gotIndexHead != preIndexHead {
			t.Fatalf("index_head after recovery: got=%d want=%d", gotIndexHead, preIndexHead)
		}
	})
}

func Test_Reopen_Leaves_A_Completed_Journal_Entry_Alone(t *testing.T) {
	t.Parallel()

	tmp := filepath.Join(t.TempDir(), "store.sstore")

	st, err := sstore.Open(sstore.Options{Path: tmp, DisableLocking: true})
	if err != nil {
		t.Fatalf("Open(create) failed: %v", err)
	}

	if addErr := st.Add("k", []byte("v")); addErr != nil {
		t.Fatalf("Add failed: %v", addErr)
	}

	if closeErr := st.Close(); closeErr != nil {
		t.Fatalf("Close failed: %v", closeErr)
	}

	var dataEnd, indexHead uint64

	mutateFile(t, tmp, func(data []byte) {
		dataEnd = getU64(data, testOffDataEnd)
		indexHead = getU64(data, testOffIndexHead)
	})

	// A completed journal entry (post cursors present) must not trigger a
	// rollback, even if left behind (e.g. a crash right after writePost
	// but before the subsequent jr.clear() on close).
	journalPath := tmp + ".log"
	journalRec := encodeTestJournalRecord(testIndexTagAdd, 0, 0, testHeaderSize, dataEnd, indexHead)

	if err := os.WriteFile(journalPath, journalRec, 0o600); err != nil {
		t.Fatalf("write journal: %v", err)
	}

	st2, err := sstore.Open(sstore.Options{Path: tmp, DisableLocking: true})
	if err != nil {
		t.Fatalf("Open(completed journal) failed: %v", err)
	}
	defer st2.Close()

	got, ok, getErr := st2.Get("k")
	if getErr != nil || !ok || string(got) != "v" {
		t.Fatalf("Get(k) after completed-journal open: got=%q ok=%v err=%v", got, ok, getErr)
	}
}
