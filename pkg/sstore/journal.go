package sstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/calvinalkan/sstore/internal/sfs"
)

// journalRecordSize is the fixed on-disk size of a journal record:
// op(1) + key_hash(8) + pre_data_end(8) + pre_index_head(8) +
// post_data_end(8) + post_index_head(8) + checksum(4).
const journalRecordSize = 1 + 8*5 + 4

// incompletePost marks a journal record's post-mutation cursors as not yet
// written.
const incompletePost = ^uint64(0)

// journalRecord is the decoded shape of the side journal file.
type journalRecord struct {
	op             byte
	keyHash        uint64
	preDataEnd     uint64
	preIndexHead   uint64
	postDataEnd    uint64
	postIndexHead  uint64
	valid          bool // checksum matched on read
	postComplete   bool // postDataEnd/postIndexHead were published
}

// journal is the side "<path>.log" file used only for crash recovery: it
// records the pre-mutation cursors before a write begins and the
// post-mutation cursors once the header has been advanced, so a reopen
// after a crash mid-commit can tell whether the in-flight mutation
// completed.
type journal struct {
	fsys    sfs.FS
	f       sfs.File
	path    string
	pending journalRecord
}

// openJournal opens or creates the journal sidecar for storePath, and
// reports any record left behind by a prior, possibly-crashed, session.
func openJournal(fsys sfs.FS, storePath string) (*journal, *journalRecord, error) {
	path := storePath + ".log"

	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}

	j := &journal{fsys: fsys, f: f, path: path}

	rec, err := j.read()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	return j, rec, nil
}

func (j *journal) read() (*journalRecord, error) {
	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek journal: %w", err)
	}

	buf := make([]byte, journalRecordSize)

	n, err := io.ReadFull(j.f, buf)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, nil
		}

		return nil, fmt.Errorf("read journal: %w", err)
	}

	if n < journalRecordSize {
		return nil, nil
	}

	return decodeJournalRecord(buf), nil
}

func decodeJournalRecord(buf []byte) *journalRecord {
	body := buf[:journalRecordSize-4]
	storedSum := binary.LittleEndian.Uint32(buf[journalRecordSize-4:])

	rec := &journalRecord{
		op:            buf[0],
		keyHash:       binary.LittleEndian.Uint64(buf[1:]),
		preDataEnd:    binary.LittleEndian.Uint64(buf[9:]),
		preIndexHead:  binary.LittleEndian.Uint64(buf[17:]),
		postDataEnd:   binary.LittleEndian.Uint64(buf[25:]),
		postIndexHead: binary.LittleEndian.Uint64(buf[33:]),
	}

	rec.valid = crc32.Checksum(body, crc32cTable) == storedSum
	rec.postComplete = rec.postDataEnd != incompletePost && rec.postIndexHead != incompletePost

	return rec
}

func encodeJournalRecord(r journalRecord) []byte {
	buf := make([]byte, 0, journalRecordSize)
	buf = append(buf, r.op)
	buf = binary.LittleEndian.AppendUint64(buf, r.keyHash)
	buf = binary.LittleEndian.AppendUint64(buf, r.preDataEnd)
	buf = binary.LittleEndian.AppendUint64(buf, r.preIndexHead)
	buf = binary.LittleEndian.AppendUint64(buf, r.postDataEnd)
	buf = binary.LittleEndian.AppendUint64(buf, r.postIndexHead)

	sum := crc32.Checksum(buf, crc32cTable)
	return binary.LittleEndian.AppendUint32(buf, sum)
}

// writePre records the pre-mutation state before any bytes are written to
// the mapping.
func (j *journal) writePre(op byte, keyHash, preDataEnd, preIndexHead uint64) error {
	j.pending = journalRecord{
		op:            op,
		keyHash:       keyHash,
		preDataEnd:    preDataEnd,
		preIndexHead:  preIndexHead,
		postDataEnd:   incompletePost,
		postIndexHead: incompletePost,
	}

	return j.writeAtZero(encodeJournalRecord(j.pending))
}

// writePost records the post-mutation cursors once the header has been
// advanced, completing the pending record.
func (j *journal) writePost(postDataEnd, postIndexHead uint64) error {
	j.pending.postDataEnd = postDataEnd
	j.pending.postIndexHead = postIndexHead

	return j.writeAtZero(encodeJournalRecord(j.pending))
}

func (j *journal) writeAtZero(buf []byte) error {
	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek journal: %w", err)
	}

	if _, err := j.f.Write(buf); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}

	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}

	return nil
}

// clear truncates the journal to zero length on a clean close.
func (j *journal) clear() error {
	if err := j.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate journal: %w", err)
	}

	return j.f.Sync()
}

func (j *journal) close() error {
	return j.f.Close()
}
