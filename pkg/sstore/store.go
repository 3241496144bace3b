package sstore

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/calvinalkan/sstore/internal/sfs"
)

// State is the lifecycle state of a Store handle.
type State int32

const (
	StateOpening State = iota
	StateReady
	StateResizing
	StateClosing
	StateClosed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "Opening"
	case StateReady:
		return "Ready"
	case StateResizing:
		return "Resizing"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// Options configures Open.
type Options struct {
	// Path is the store's location: either a single file (current format)
	// or a directory holding a legacy data.bin/index.bin pair, or a path
	// that doesn't exist yet (a new store is created there).
	Path string

	// InitialSize is the file size used when creating a new store.
	// Defaults to defaultInitialFileSize. Sizes smaller than the header
	// plus indexRegionReserve plus growSpareBytes (about 32 MiB) are raised
	// to that minimum.
	InitialSize int64

	// ReadOnly opens a point-in-time snapshot: no writer lock is taken,
	// Add/AddStream/Remove return ErrInvalidArgument, and the
	// mapped size and in-memory index are fixed at open time (Open
	// Question (c): never refreshed until reopened).
	ReadOnly bool

	// DisableLocking skips the cross-process advisory flock, leaving only
	// the in-process registry guard. Intended for tests and single-process
	// deployments that already serialize access externally.
	DisableLocking bool

	// Logger receives structured lifecycle and fault events. A nil Logger
	// is replaced with zap.NewNop().
	Logger *zap.Logger

	// FS overrides the filesystem implementation, primarily so tests can
	// inject a disk-full fault via internal/sfs.Injected. Defaults to
	// sfs.NewReal().
	FS sfs.FS
}

// Entry is one element of List's point-in-time enumeration.
type Entry struct {
	Key    string
	Length int64
}

// Stats is a point-in-time snapshot of a Store's operation counters.
type Stats struct {
	CountAdd              uint64
	CountContains         uint64
	CountGet              uint64
	CountGetInvalidKey    uint64
	CountGetSlice         uint64
	CountGetStream        uint64
	CountRemove           uint64
	CountRemoveInvalidKey uint64
	CountList             uint64
	CountFlush            uint64
	LatestKeyAdded        string
	LatestKeyFlushed      string
}

type counters struct {
	add              atomic.Uint64
	contains         atomic.Uint64
	get              atomic.Uint64
	getInvalidKey    atomic.Uint64
	getSlice         atomic.Uint64
	getStream        atomic.Uint64
	remove           atomic.Uint64
	removeInvalidKey atomic.Uint64
	list             atomic.Uint64
	flush            atomic.Uint64
}

// Store is a single open handle onto a memory-mapped blob store file. See
// the package doc for the concurrency and durability model.
type Store struct {
	path     string
	fsys     sfs.FS
	readOnly bool
	logger   *zap.Logger

	mf  *mmapFile
	idx *memIndex

	identity fileIdentity
	registry *registryEntry

	jr              *journal
	wlock           *writerFileLock
	pendingRecovery *journalRecord

	// writeMu serializes Add/AddStream/Remove/grow on this handle; reads
	// additionally take registry.mu.RLock() to exclude an in-flight remap
	// from any handle in this process sharing the same file.
	writeMu sync.Mutex

	// hdr mirrors the header fields this handle currently believes to be
	// true. DataEnd/IndexHead are only advanced by this handle's own
	// writes (single-writer-per-file, enforced by registry.activeWriter).
	hdr header

	state atomic.Int32

	counters counters

	latestMu         sync.Mutex
	latestKeyAdded   string
	latestKeyFlushed string

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates a store at opts.Path. See Options for the
// supported modes.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("path is required: %w", ErrInvalidArgument)
	}

	fsys := opts.FS
	if fsys == nil {
		fsys = sfs.NewReal()
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	layout, err := DetectLayout(fsys, opts.Path)
	if err != nil {
		return nil, err
	}

	if layout == LayoutInvalid {
		return nil, fmt.Errorf("unrecognized layout at %s: %w", opts.Path, ErrLayoutConflict)
	}

	realPath := opts.Path

	switch layout {
	case LayoutFolderStandalone:
		if opts.ReadOnly {
			return nil, fmt.Errorf("cannot open legacy layout read-only before conversion: %w", ErrLayoutConflict)
		}

		merged := filepath.Join(opts.Path, mergedStoreFile)
		if !existsFile(fsys, merged) {
			logger.Info("layout_migrate", zap.String("path", opts.Path))

			if err := convertLegacyFolder(fsys, opts.Path, merged); err != nil {
				return nil, err
			}
		}

		realPath = merged
		layout = LayoutFolderMerged
	case LayoutFolderMerged:
		realPath = filepath.Join(opts.Path, mergedStoreFile)
	}

	var mf *mmapFile

	if layout == LayoutNewlyCreated {
		if opts.ReadOnly {
			return nil, fmt.Errorf("cannot create a new store read-only: %w", ErrInvalidArgument)
		}

		mf, err = createNewStoreFile(fsys, realPath, opts.InitialSize)
	} else {
		mf, err = openFile(fsys, realPath, opts.ReadOnly)
	}

	if err != nil {
		return nil, err
	}

	hdrBuf := mf.readBytes(0, headerSize)

	if !validateMagic(hdrBuf) {
		_ = mf.close()
		return nil, fmt.Errorf("bad magic at %s: %w", realPath, ErrCorruptStore)
	}

	if !validateHeaderCRC(hdrBuf) {
		_ = mf.close()
		return nil, fmt.Errorf("header checksum mismatch at %s: %w", realPath, ErrCorruptStore)
	}

	hdr := decodeHeader(hdrBuf)
	if hdr.Version != formatVersion {
		_ = mf.close()
		return nil, fmt.Errorf("unsupported format version %d at %s: %w", hdr.Version, realPath, ErrCorruptStore)
	}

	// data_end/index_head are the frequently-mutated cursors published via
	// plain aligned atomic stores on every commit (see format.go); read them
	// back through the matching atomic load rather than trusting the
	// snapshot copy decodeHeader parsed from hdrBuf.
	hdr.DataEnd = atomicLoadUint64(mf.data[offDataEnd:])
	hdr.IndexHead = atomicLoadUint64(mf.data[offIndexHead:])

	id, err := getFileIdentity(mf.fd)
	if err != nil {
		_ = mf.close()
		return nil, err
	}

	registry := getOrCreateRegistryEntry(id)

	st := &Store{
		path:     realPath,
		fsys:     fsys,
		readOnly: opts.ReadOnly,
		logger:   logger,
		mf:       mf,
		idx:      newMemIndex(),
		identity: id,
		registry: registry,
		hdr:      hdr,
	}
	st.state.Store(int32(StateOpening))

	if !opts.ReadOnly {
		if err := st.becomeWriter(opts.DisableLocking); err != nil {
			releaseRegistryEntry(id)
			_ = mf.close()

			return nil, err
		}

		if err := st.recoverFromJournal(); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	consumed := replayIndexLog(mf.readSlice(st.hdr.IndexStart, st.hdr.IndexHead-st.hdr.IndexStart), st.hdr.IndexHead-st.hdr.IndexStart, st.idx)
	if want := st.hdr.IndexHead - st.hdr.IndexStart; consumed != want {
		logger.Warn("index_log_truncated", zap.Uint64("consumed", consumed), zap.Uint64("wanted", want))

		st.hdr.IndexHead = st.hdr.IndexStart + consumed
		if !opts.ReadOnly {
			atomicStoreUint64(mf.data[offIndexHead:], st.hdr.IndexHead)
		}
	}

	if opts.ReadOnly {
		logger.Info("readonly_open", zap.String("path", realPath))
	} else {
		logger.Info("store_open", zap.String("path", realPath), zap.Int64("size", mf.size()))
	}

	st.state.Store(int32(StateReady))

	return st, nil
}

func createNewStoreFile(fsys sfs.FS, path string, initialSize int64) (*mmapFile, error) {
	if initialSize <= 0 {
		initialSize = defaultInitialFileSize
	}

	minSize := int64(headerSize + indexRegionReserve + growSpareBytes)
	if initialSize < minSize {
		initialSize = minSize
	}

	mf, err := createFile(fsys, path, initialSize)
	if err != nil {
		return nil, err
	}

	dataStart := uint64(headerSize + indexRegionReserve)

	h := header{
		Version:    formatVersion,
		DataEnd:    dataStart,
		IndexHead:  headerSize,
		Generation: 0,
		IndexStart: headerSize,
		DataStart:  dataStart,
	}

	mf.writeBytes(0, encodeHeader(&h))

	if err := mf.flush(); err != nil {
		_ = mf.close()
		return nil, err
	}

	return mf, nil
}

// becomeWriter registers this handle as the file's single active in-process
// writer and, unless disabled, acquires the cross-process advisory lock.
func (s *Store) becomeWriter(disableLocking bool) error {
	s.registry.mu.Lock()

	if s.registry.activeWriter != nil {
		s.registry.mu.Unlock()
		return ErrBusy
	}

	s.registry.activeWriter = s
	s.registry.mu.Unlock()

	if !disableLocking {
		wlock, err := tryAcquireWriteLock(s.path)
		if err != nil {
			s.registry.mu.Lock()
			s.registry.activeWriter = nil
			s.registry.mu.Unlock()

			return err
		}

		s.wlock = wlock
	}

	jr, pending, err := openJournal(s.fsys, s.path)
	if err != nil {
		s.wlock.release()

		s.registry.mu.Lock()
		s.registry.activeWriter = nil
		s.registry.mu.Unlock()

		return err
	}

	s.jr = jr
	s.pendingRecovery = pending

	return nil
}

// recoverFromJournal inspects a journal record left by a prior session and,
// if it describes a mutation that never completed, rolls the header cursors
// back to their pre-mutation values.
func (s *Store) recoverFromJournal() error {
	rec := s.pendingRecovery
	s.pendingRecovery = nil

	if rec == nil || !rec.valid || rec.postComplete {
		if s.jr != nil {
			return s.jr.clear()
		}

		return nil
	}

	s.logger.Warn("recover_journal",
		zap.String("path", s.path),
		zap.Uint64("pre_data_end", rec.preDataEnd),
		zap.Uint64("pre_index_head", rec.preIndexHead),
	)

	atomicStoreUint64(s.mf.data[offDataEnd:], rec.preDataEnd)
	atomicStoreUint64(s.mf.data[offIndexHead:], rec.preIndexHead)

	s.hdr.DataEnd = rec.preDataEnd
	s.hdr.IndexHead = rec.preIndexHead

	if err := s.mf.flush(); err != nil {
		return err
	}

	return s.jr.clear()
}

// ensureCapacity grows the mapping, if needed, so that dataBytes more can
// be appended to the data region and indexBytes more to the index log.
// Must be called with writeMu held.
func (s *Store) ensureCapacity(dataBytes, indexBytes uint64) error {
	if s.hdr.IndexHead+indexBytes > s.hdr.DataStart {
		return fmt.Errorf("index log region exhausted at %s: %w", s.path, ErrCorruptStore)
	}

	needed := s.hdr.DataEnd + dataBytes
	if needed <= uint64(s.mf.size()) {
		return nil
	}

	s.state.Store(int32(StateResizing))

	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()

	target := growthTarget(uint64(s.mf.size()), needed-uint64(s.mf.size()))

	if err := s.mf.growTo(target); err != nil {
		s.state.Store(int32(StateFaulted))
		s.logger.Warn("disk_full", zap.String("path", s.path), zap.Uint64("target", target), zap.Error(err))

		return err
	}

	s.state.Store(int32(StateReady))
	s.logger.Info("grow", zap.String("path", s.path), zap.Uint64("new_size", target))

	return nil
}

func validateKey(key string) error {
	if len(key) == 0 || len(key) > maxKeyLen {
		return fmt.Errorf("key length %d out of bounds: %w", len(key), ErrInvalidArgument)
	}

	return nil
}

// Add stores value under key, overwriting any previous value for key.
func (s *Store) Add(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	if len(value) > maxBlobLen {
		return fmt.Errorf("value length %d exceeds maximum: %w", len(value), ErrInvalidArgument)
	}

	if s.readOnly {
		return fmt.Errorf("store opened read-only: %w", ErrInvalidArgument)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if State(s.state.Load()) == StateClosed {
		return ErrDisposed
	}

	rec := encodeAddRecord(key, s.hdr.DataEnd, uint64(len(value)))

	if err := s.ensureCapacity(uint64(len(value)), uint64(len(rec))); err != nil {
		return err
	}

	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()

	preDataEnd, preIndexHead := s.hdr.DataEnd, s.hdr.IndexHead

	if s.jr != nil {
		if err := s.jr.writePre(indexTagAdd, fnv1aKeyHash(key), preDataEnd, preIndexHead); err != nil {
			return err
		}
	}

	// Recompute the record: DataEnd cannot have moved since ensureCapacity
	// only grows file capacity, never the cursors themselves.
	rec = encodeAddRecord(key, preDataEnd, uint64(len(value)))

	s.mf.writeBytes(preDataEnd, value)
	s.mf.writeBytes(preIndexHead, rec)

	newDataEnd := preDataEnd + uint64(len(value))
	newIndexHead := preIndexHead + uint64(len(rec))

	atomicStoreUint64(s.mf.data[offDataEnd:], newDataEnd)
	atomicStoreUint64(s.mf.data[offIndexHead:], newIndexHead)

	if s.jr != nil {
		if err := s.jr.writePost(newDataEnd, newIndexHead); err != nil {
			return err
		}
	}

	s.hdr.DataEnd = newDataEnd
	s.hdr.IndexHead = newIndexHead

	s.idx.insert(key, blobRef{offset: preDataEnd, length: uint64(len(value))})

	s.counters.add.Add(1)
	s.latestMu.Lock()
	s.latestKeyAdded = key
	s.latestMu.Unlock()

	return nil
}

// AddStream stores the entirety of r under key, reading in chunks. progress,
// if non-nil, is called after every chunk with the cumulative number of
// bytes read so far. cancel, if non-nil, is checked between chunks; once
// observed closed or readable, AddStream stops reading and returns
// ErrCanceled without ever calling Add, leaving the store in its pre-call
// state since the header cursors are only advanced by a single Add once the
// whole stream has been buffered.
func (s *Store) AddStream(key string, r io.Reader, progress func(bytesRead int64), cancel <-chan struct{}) error {
	buf := make([]byte, 0, addStreamChunkSize)
	chunk := make([]byte, addStreamChunkSize)

	for {
		select {
		case <-cancel:
			return ErrCanceled
		default:
		}

		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)

			if len(buf) > maxBlobLen {
				return fmt.Errorf("stream exceeds maximum value length: %w", ErrInvalidArgument)
			}

			if progress != nil {
				progress(int64(len(buf)))
			}
		}

		if err == io.EOF {
			break
		}

		if err != nil {
			return fmt.Errorf("read stream for key %q: %w", key, err)
		}
	}

	return s.Add(key, buf)
}

// Remove deletes key, reporting whether it was present.
func (s *Store) Remove(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		s.counters.removeInvalidKey.Add(1)
		return false, err
	}

	if s.readOnly {
		return false, fmt.Errorf("store opened read-only: %w", ErrInvalidArgument)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if State(s.state.Load()) == StateClosed {
		return false, ErrDisposed
	}

	if _, ok := s.idx.lookup(key); !ok {
		s.counters.remove.Add(1)
		return false, nil
	}

	rec := encodeRemoveRecord(key)

	if err := s.ensureCapacity(0, uint64(len(rec))); err != nil {
		return false, err
	}

	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()

	preDataEnd, preIndexHead := s.hdr.DataEnd, s.hdr.IndexHead

	if s.jr != nil {
		if err := s.jr.writePre(indexTagRemove, fnv1aKeyHash(key), preDataEnd, preIndexHead); err != nil {
			return false, err
		}
	}

	s.mf.writeBytes(preIndexHead, rec)

	newIndexHead := preIndexHead + uint64(len(rec))
	atomicStoreUint64(s.mf.data[offIndexHead:], newIndexHead)

	if s.jr != nil {
		if err := s.jr.writePost(preDataEnd, newIndexHead); err != nil {
			return false, err
		}
	}

	s.hdr.IndexHead = newIndexHead
	s.idx.erase(key)
	s.counters.remove.Add(1)

	return true, nil
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		s.counters.getInvalidKey.Add(1)
		return nil, false, err
	}

	if State(s.state.Load()) == StateClosed {
		return nil, false, ErrDisposed
	}

	s.registry.mu.RLock()
	defer s.registry.mu.RUnlock()

	s.counters.get.Add(1)

	ref, ok := s.idx.lookup(key)
	if !ok {
		return nil, false, nil
	}

	return s.mf.readBytes(ref.offset, ref.length), true, nil
}

// GetSlice returns a copy of value[offset:offset+length] for the blob
// stored under key.
func (s *Store) GetSlice(key string, offset, length int64) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		s.counters.getInvalidKey.Add(1)
		return nil, false, err
	}

	if offset < 0 || length < 1 {
		return nil, false, fmt.Errorf("offset must be >= 0 and length must be >= 1: %w", ErrInvalidArgument)
	}

	if State(s.state.Load()) == StateClosed {
		return nil, false, ErrDisposed
	}

	s.registry.mu.RLock()
	defer s.registry.mu.RUnlock()

	s.counters.getSlice.Add(1)

	ref, ok := s.idx.lookup(key)
	if !ok {
		return nil, false, nil
	}

	if uint64(offset+length) > ref.length {
		return nil, true, fmt.Errorf("slice [%d:%d] out of bounds for blob of length %d: %w", offset, offset+length, ref.length, ErrOutOfRange)
	}

	return s.mf.readBytes(ref.offset+uint64(offset), uint64(length)), true, nil
}

// GetStream returns an io.ReadCloser positioned at blob.offset+offset over
// the value stored under key. The returned reader is a view directly over
// the mapping, not a copy; it is not safe against a concurrent Remove or
// overwrite of the same key, and its lifetime is bounded by the store's
// lifetime.
func (s *Store) GetStream(key string, offset int64) (io.ReadCloser, bool, error) {
	if err := validateKey(key); err != nil {
		s.counters.getInvalidKey.Add(1)
		return nil, false, err
	}

	if offset < 0 {
		return nil, false, fmt.Errorf("negative offset: %w", ErrInvalidArgument)
	}

	if State(s.state.Load()) == StateClosed {
		return nil, false, ErrDisposed
	}

	s.registry.mu.RLock()
	defer s.registry.mu.RUnlock()

	s.counters.getStream.Add(1)

	ref, ok := s.idx.lookup(key)
	if !ok {
		return nil, false, nil
	}

	if uint64(offset) > ref.length {
		return nil, true, fmt.Errorf("offset %d out of bounds for blob of length %d: %w", offset, ref.length, ErrOutOfRange)
	}

	view := s.mf.readSlice(ref.offset+uint64(offset), ref.length-uint64(offset))

	return io.NopCloser(bytes.NewReader(view)), true, nil
}

// GetSize returns the length of the value stored under key without copying
// it.
func (s *Store) GetSize(key string) (int64, bool, error) {
	if err := validateKey(key); err != nil {
		return 0, false, err
	}

	if State(s.state.Load()) == StateClosed {
		return 0, false, ErrDisposed
	}

	ref, ok := s.idx.lookup(key)
	if !ok {
		return 0, false, nil
	}

	return int64(ref.length), true, nil
}

// Contains reports whether key is currently present.
func (s *Store) Contains(key string) bool {
	if State(s.state.Load()) == StateClosed {
		return false
	}

	s.counters.contains.Add(1)

	_, ok := s.idx.lookup(key)
	return ok
}

// List returns a point-in-time snapshot of every live key.
func (s *Store) List() []Entry {
	if State(s.state.Load()) == StateClosed {
		return nil
	}

	s.counters.list.Add(1)

	snap := s.idx.snapshot()
	out := make([]Entry, len(snap))

	for i, e := range snap {
		out[i] = Entry{Key: e.Key, Length: int64(e.Length)}
	}

	return out
}

// Flush forces all writes made so far to durable storage.
func (s *Store) Flush() error {
	if State(s.state.Load()) == StateClosed {
		return ErrDisposed
	}

	s.registry.mu.RLock()
	defer s.registry.mu.RUnlock()

	if err := s.mf.flush(); err != nil {
		return err
	}

	s.counters.flush.Add(1)

	s.latestMu.Lock()
	s.latestKeyFlushed = s.latestKeyAdded
	s.latestMu.Unlock()

	return nil
}

// GetUsedBytes returns the number of bytes currently occupied by live and
// tombstoned records (data region + index log), excluding the header.
func (s *Store) GetUsedBytes() int64 {
	return int64((s.hdr.DataEnd - s.hdr.DataStart) + (s.hdr.IndexHead - s.hdr.IndexStart))
}

// GetReservedBytes returns the current size of the underlying mapped file.
func (s *Store) GetReservedBytes() int64 {
	return s.mf.size()
}

// State returns the store's current lifecycle state.
func (s *Store) State() State {
	return State(s.state.Load())
}

// Stats returns a point-in-time snapshot of the store's operation counters.
func (s *Store) Stats() Stats {
	s.latestMu.Lock()
	added, flushed := s.latestKeyAdded, s.latestKeyFlushed
	s.latestMu.Unlock()

	return Stats{
		CountAdd:              s.counters.add.Load(),
		CountContains:         s.counters.contains.Load(),
		CountGet:              s.counters.get.Load(),
		CountGetInvalidKey:    s.counters.getInvalidKey.Load(),
		CountGetSlice:         s.counters.getSlice.Load(),
		CountGetStream:        s.counters.getStream.Load(),
		CountRemove:           s.counters.remove.Load(),
		CountRemoveInvalidKey: s.counters.removeInvalidKey.Load(),
		CountList:             s.counters.list.Load(),
		CountFlush:            s.counters.flush.Load(),
		LatestKeyAdded:        added,
		LatestKeyFlushed:      flushed,
	}
}

// Close releases the mapping, the writer lock (if held), and the file
// handle. Close is idempotent in that a second call never repeats the work
// or corrupts state, but per the documented disposal contract it reports
// that the store is already gone: only the first call returns the outcome
// of the actual close, every later call returns ErrDisposed.
func (s *Store) Close() error {
	first := false

	s.closeOnce.Do(func() {
		first = true

		s.state.Store(int32(StateClosing))

		var err error

		if !s.readOnly {
			if ferr := s.mf.flush(); ferr != nil {
				err = ferr
			}

			if s.jr != nil {
				if cerr := s.jr.clear(); cerr != nil && err == nil {
					err = cerr
				}

				if cerr := s.jr.close(); cerr != nil && err == nil {
					err = cerr
				}
			}

			s.wlock.release()

			s.registry.mu.Lock()
			if s.registry.activeWriter == s {
				s.registry.activeWriter = nil
			}
			s.registry.mu.Unlock()
		}

		if cerr := s.mf.close(); cerr != nil && err == nil {
			err = cerr
		}

		releaseRegistryEntry(s.identity)

		s.logger.Info("store_close", zap.String("path", s.path))

		s.state.Store(int32(StateClosed))
		s.closeErr = err
	})

	if !first {
		return ErrDisposed
	}

	return s.closeErr
}
