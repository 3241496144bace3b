package sstore

import (
	"encoding/binary"
	"hash/crc32"
)

// indexRecord is one decoded index-log entry.
type indexRecord struct {
	tag    byte
	key    string
	offset uint64
	length uint64
}

// encodeAddRecord serializes an Add record: tag, key_len, key, offset,
// length, checksum.
func encodeAddRecord(key string, offset, length uint64) []byte {
	buf := make([]byte, 0, 1+2+len(key)+8+8+4)
	buf = appendRecordHead(buf, indexTagAdd, key)
	buf = binary.LittleEndian.AppendUint64(buf, offset)
	buf = binary.LittleEndian.AppendUint64(buf, length)

	return appendChecksum(buf)
}

// encodeRemoveRecord serializes a Remove record: tag, key_len, key,
// checksum.
func encodeRemoveRecord(key string) []byte {
	buf := make([]byte, 0, 1+2+len(key)+4)
	buf = appendRecordHead(buf, indexTagRemove, key)

	return appendChecksum(buf)
}

func appendRecordHead(buf []byte, tag byte, key string) []byte {
	buf = append(buf, tag)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(key)))
	buf = append(buf, key...)

	return buf
}

func appendChecksum(buf []byte) []byte {
	sum := crc32.Checksum(buf, crc32cTable)
	return binary.LittleEndian.AppendUint32(buf, sum)
}

// decodeRecordAt parses one record starting at data[pos:]. It returns the
// decoded record, the number of bytes consumed, and whether the record is
// well-formed (in bounds and checksum-valid). A false ok means replay must
// stop here; pos itself becomes the new index head.
func decodeRecordAt(data []byte, pos int) (rec indexRecord, consumed int, ok bool) {
	if pos+3 > len(data) {
		return indexRecord{}, 0, false
	}

	tag := data[pos]
	if tag != indexTagAdd && tag != indexTagRemove {
		return indexRecord{}, 0, false
	}

	keyLen := int(binary.LittleEndian.Uint16(data[pos+1:]))
	head := pos + 3

	payloadLen := 0
	if tag == indexTagAdd {
		payloadLen = 16
	}

	end := head + keyLen + payloadLen + 4
	if end > len(data) || end < head {
		return indexRecord{}, 0, false
	}

	body := data[pos : end-4]
	storedSum := binary.LittleEndian.Uint32(data[end-4 : end])

	if crc32.Checksum(body, crc32cTable) != storedSum {
		return indexRecord{}, 0, false
	}

	key := string(data[head : head+keyLen])
	rec = indexRecord{tag: tag, key: key}

	if tag == indexTagAdd {
		off := head + keyLen
		rec.offset = binary.LittleEndian.Uint64(data[off:])
		rec.length = binary.LittleEndian.Uint64(data[off+8:])
	}

	return rec, end - pos, true
}

// replayIndexLog scans data[:length] (a view of the index-log region, 0
// being its logical start) applying each well-formed record to idx in
// order. It returns the byte offset (relative to the region start) of the
// first malformed/truncated record, i.e. the position the caller should
// truncate index_head to. If every byte up to length was consumed by
// well-formed records, the returned offset equals length.
func replayIndexLog(data []byte, length uint64, idx *memIndex) uint64 {
	pos := 0

	for uint64(pos) < length {
		rec, consumed, ok := decodeRecordAt(data, pos)
		if !ok {
			break
		}

		switch rec.tag {
		case indexTagAdd:
			idx.insert(rec.key, blobRef{offset: rec.offset, length: rec.length})
		case indexTagRemove:
			idx.erase(rec.key)
		}

		pos += consumed
	}

	return uint64(pos)
}
