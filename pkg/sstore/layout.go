package sstore

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/natefinch/atomic"

	"github.com/calvinalkan/sstore/internal/sfs"
)

// Layout classifies what Open finds at a given path before deciding how to
// proceed.
type Layout int

const (
	// LayoutInvalid denotes a path that exists but is neither a current
	// single file nor a recognizable legacy layout.
	LayoutInvalid Layout = iota
	// LayoutNewlyCreated denotes a path with nothing at it yet.
	LayoutNewlyCreated
	// LayoutSingleFile denotes the current on-disk format at path.
	LayoutSingleFile
	// LayoutFolderMerged denotes a directory holding a single merged
	// data+index file produced by a prior conversion.
	LayoutFolderMerged
	// LayoutFolderStandalone denotes the legacy layout: a directory
	// containing separate data.bin and index.bin files.
	LayoutFolderStandalone
)

func (l Layout) String() string {
	switch l {
	case LayoutNewlyCreated:
		return "NewlyCreated"
	case LayoutSingleFile:
		return "SingleFile"
	case LayoutFolderMerged:
		return "FolderWithMergedDataAndIndexFile"
	case LayoutFolderStandalone:
		return "FolderWithStandaloneDataAndIndexFiles"
	default:
		return "Invalid"
	}
}

const (
	legacyDataFile   = "data.bin"
	legacyIndexFile  = "index.bin"
	mergedStoreFile  = "merged.sstore"
)

// DetectLayout classifies the target path without opening it for writing.
func DetectLayout(fsys sfs.FS, path string) (Layout, error) {
	info, err := fsys.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return LayoutNewlyCreated, nil
		}

		return LayoutInvalid, fmt.Errorf("stat: %w", err)
	}

	if !info.IsDir() {
		f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return LayoutInvalid, fmt.Errorf("open: %w", err)
		}
		defer f.Close()

		buf := make([]byte, headerSize)
		if n, _ := f.Read(buf); n == headerSize && validateMagic(buf) {
			return LayoutSingleFile, nil
		}

		return LayoutInvalid, nil
	}

	dataPath := filepath.Join(path, legacyDataFile)
	indexPath := filepath.Join(path, legacyIndexFile)

	if existsFile(fsys, filepath.Join(path, mergedStoreFile)) {
		return LayoutFolderMerged, nil
	}

	if existsFile(fsys, dataPath) && existsFile(fsys, indexPath) {
		return LayoutFolderStandalone, nil
	}

	return LayoutInvalid, nil
}

func existsFile(fsys sfs.FS, path string) bool {
	info, err := fsys.Stat(path)
	return err == nil && !info.IsDir()
}

// legacyIndexRecord is one line of the legacy index.bin JSON-lines format.
type legacyIndexRecord struct {
	Key    string `json:"key"`
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}

// convertLegacyFolder performs a one-time, non-destructive conversion of a
// FolderWithStandaloneDataAndIndexFiles layout at dir into a current
// single-file store at newPath. The legacy folder is left untouched; the
// caller decides whether to remove it afterward.
func convertLegacyFolder(fsys sfs.FS, dir, newPath string) error {
	dataPath := filepath.Join(dir, legacyDataFile)
	indexPath := filepath.Join(dir, legacyIndexFile)

	dataBytes, err := readWholeFile(fsys, dataPath)
	if err != nil {
		return fmt.Errorf("read legacy data file: %w: %w", err, ErrLayoutConflict)
	}

	indexFile, err := fsys.OpenFile(indexPath, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open legacy index file: %w: %w", err, ErrLayoutConflict)
	}
	defer indexFile.Close()

	var records []legacyIndexRecord

	scanner := bufio.NewScanner(indexFile)
	scanner.Buffer(make([]byte, 64*1024), 1<<24)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec legacyIndexRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("decode legacy index record: %w: %w", err, ErrLayoutConflict)
		}

		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan legacy index: %w: %w", err, ErrLayoutConflict)
	}

	buf, err := buildMergedStoreBytes(dataBytes, records)
	if err != nil {
		return err
	}

	return atomic.WriteFile(newPath, bytes.NewReader(buf))
}

// buildMergedStoreBytes assembles a complete, valid single-file store image
// in memory from legacy data bytes and the legacy key index.
func buildMergedStoreBytes(dataBytes []byte, records []legacyIndexRecord) ([]byte, error) {
	indexStart := uint64(headerSize)

	var indexLogLen uint64
	for _, rec := range records {
		if len(rec.Key) > maxKeyLen {
			return nil, fmt.Errorf("legacy key %q exceeds max length: %w", rec.Key, ErrLayoutConflict)
		}

		indexLogLen += uint64(len(encodeAddRecord(rec.Key, 0, 0)))
	}

	// A full indexRegionReserve is left free after the converted records so
	// the converted store accepts further Add/Remove records.
	dataStart := indexStart + indexLogLen + indexRegionReserve

	// Legacy offsets are relative to the start of data.bin; index records
	// hold absolute file offsets.
	var indexLog bytes.Buffer
	for _, rec := range records {
		indexLog.Write(encodeAddRecord(rec.Key, dataStart+rec.Offset, rec.Length))
	}

	h := header{
		Version:    formatVersion,
		DataEnd:    dataStart + uint64(len(dataBytes)),
		IndexHead:  indexStart + uint64(indexLog.Len()),
		Generation: 0,
		IndexStart: indexStart,
		DataStart:  dataStart,
	}

	var out bytes.Buffer
	out.Write(encodeHeader(&h))
	out.Write(indexLog.Bytes())
	out.Write(make([]byte, dataStart-indexStart-uint64(indexLog.Len())))
	out.Write(dataBytes)

	return out.Bytes(), nil
}

func readWholeFile(fsys sfs.FS, path string) ([]byte, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, info.Size())
	if _, err := readFull(f, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

func readFull(f sfs.File, buf []byte) (int, error) {
	total := 0

	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n

		if err != nil {
			if total == len(buf) {
				return total, nil
			}

			return total, err
		}

		if n == 0 {
			break
		}
	}

	return total, nil
}
