// Package pstore implements an append-only, memory-mapped,
// multi-reader/single-writer embedded key-value store. A Database owns a
// backing file's mapped storage, the address of its current revision's
// footer, and a small index-handle cache; a Transaction, begun against a
// writable Database, allocates and writes new bytes and, on commit,
// publishes a new footer that makes them visible to every other reader of
// the same file.
package pstore

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SNSystems/pstore-go/internal/closeutil"
	"github.com/SNSystems/pstore-go/internal/revision"
	"github.com/SNSystems/pstore-go/internal/shared"
	"github.com/SNSystems/pstore-go/internal/storage"
	"github.com/SNSystems/pstore-go/pkg/fs"
)

// AccessMode selects how Open treats an existing or missing backing file.
type AccessMode int

const (
	// ReadOnly opens an existing file with a shared-read lock; only Getro
	// and Sync are permitted.
	ReadOnly AccessMode = iota
	// Writable opens or creates the file, taking an exclusive lock during
	// initialisation; transactions are permitted.
	Writable
	// WritableNoCreate behaves like Writable but fails with ErrNotFound if
	// the file does not already exist.
	WritableNoCreate
)

// VacuumMode is advisory state read by the vacuum daemon when it attaches;
// it has no effect on read/write semantics.
type VacuumMode int

const (
	VacuumDisabled VacuumMode = iota
	VacuumImmediate
	VacuumBackground
)

// Database is the user-facing handle onto one store file: it owns the
// mapped storage, the address of the current revision's footer, the
// process-local write lock, and a lazily populated index-handle cache.
type Database struct {
	storage        *storage.Storage
	file           storage.File
	mode           AccessMode
	uuid           uuid.UUID
	footerPos      storage.Address
	logicalSize    uint64
	headerBytes    []byte
	headerLockHeld bool
	txnActive      bool
	vacuumMode     VacuumMode
	indexCache     [NumIndices]any
	control        *shared.ControlBlock
	log            zerolog.Logger
}

// Options configure Open.
type Options struct {
	// RegionSizes overrides the storage layer's default min/full region
	// sizes. Zero values mean "use the defaults".
	MinRegionSize, FullRegionSize uint64
	// SmallFiles enables small-files mode (exact-size region growth).
	SmallFiles bool
	// Logger receives structured diagnostic events. nil uses the global
	// logger.
	Logger *zerolog.Logger
}

// Open opens, or in Writable/WritableNoCreate modes creates, the store at
// path within fsys.
func Open(fsys fs.FS, path string, mode AccessMode, opts Options) (*Database, error) {
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}

	writable := mode != ReadOnly

	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}

	existed := true
	if _, err := fsys.Stat(path); err != nil {
		existed = false
	}

	if !existed {
		if mode == ReadOnly || mode == WritableNoCreate {
			return nil, fmt.Errorf("pstore: open %q: %w", path, ErrNotFound)
		}

		flag |= os.O_CREATE
	}

	file, err := storage.OpenPosixFile(fsys, path, flag, writable, 0o644)
	if err != nil {
		return nil, err
	}

	lockKind := storage.SharedRead
	if writable {
		lockKind = storage.ExclusiveWrite
	}

	if err := file.Lock(0, HeaderSize, lockKind, storage.Blocking); err != nil {
		closeutil.Swallow("close after failed lock", file.Close)
		return nil, fmt.Errorf("pstore: lock header: %w", err)
	}

	st, err := storage.Open(file, storageOptions(opts)...)
	if err != nil {
		closeutil.Swallow("unlock after failed storage open", func() error { return file.Unlock(0, HeaderSize) })
		closeutil.Swallow("close after failed storage open", file.Close)
		return nil, err
	}

	db := &Database{storage: st, file: file, mode: mode, log: lg}

	if !existed {
		id := uuid.New()
		if err := buildNewStore(st, id); err != nil {
			db.unlockHeader()
			closeutil.Swallow("close after failed open", st.Close)
			return nil, fmt.Errorf("pstore: build new store: %w", err)
		}
	}

	if err := db.loadHeader(); err != nil {
		db.unlockHeader()
		st.Close()
		return nil, err
	}

	if err := db.loadCurrentTrailer(); err != nil {
		db.unlockHeader()
		st.Close()
		return nil, err
	}

	db.attachSharedControl()

	// A read-only Database holds its shared lock for its whole lifetime,
	// so it always observes a consistent header. A writable Database only
	// needed the exclusive lock to serialise initial header creation;
	// from here on, each Transaction acquires and releases its own
	// exclusive lock (see Begin), matching the per-transaction write-lock
	// ownership in the design.
	if writable {
		db.unlockHeader()
	} else {
		db.headerLockHeld = true
	}

	db.log.Debug().Str("path", path).Str("uuid", db.uuid.String()).Uint64("revision", db.currentGeneration()).Msg("store opened")

	return db, nil
}

func storageOptions(opts Options) []storage.Option {
	var so []storage.Option

	if opts.MinRegionSize != 0 {
		so = append(so, storage.WithRegionSizes(opts.MinRegionSize, opts.FullRegionSize))
	}

	if opts.SmallFiles {
		so = append(so, storage.SmallFilesMode())
	}

	return so
}

// buildNewStore writes a fresh leader and an empty generation-0 trailer
// into st, a storage layer over an empty file, and points the leader's
// footer_pos at that trailer.
func buildNewStore(st *storage.Storage, id uuid.UUID) error {
	t := trailer{generation: 0, prev: 0, timestamp: time.Now()}

	buf := make([]byte, trailerSize)
	encodeTrailer(buf, t)

	if err := st.WriteBytes(HeaderSize, buf); err != nil {
		return fmt.Errorf("write initial trailer: %w", err)
	}

	headerBuf := make([]byte, HeaderSize)
	encodeHeader(headerBuf, id, HeaderSize)

	if err := st.WriteBytes(0, headerBuf); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	return nil
}

func (db *Database) loadHeader() error {
	raw, err := db.storage.AddressToPointer(0, HeaderSize)
	if err != nil {
		return err
	}

	h, footerPos, err := decodeHeader(raw)
	if err != nil {
		return err
	}

	db.uuid = h.uuid
	db.headerBytes = raw
	db.footerPos = footerPos

	return nil
}

func (db *Database) loadCurrentTrailer() error {
	t, err := db.readTrailer(db.footerPos)
	if err != nil {
		return err
	}

	db.logicalSize = uint64(db.footerPos) + trailerSize
	for i, ext := range t.indices {
		db.indexCache[i] = ext
	}

	return nil
}

func (db *Database) readTrailer(addr storage.Address) (trailer, error) {
	if err := db.storage.MapBytes(addr, trailerSize); err != nil {
		return trailer{}, err
	}

	raw, err := db.storage.AddressToPointer(addr, trailerSize)
	if err != nil {
		return trailer{}, err
	}

	return decodeTrailer(raw)
}

func (db *Database) currentGeneration() uint64 {
	t, err := db.readTrailer(db.footerPos)
	if err != nil {
		return 0
	}

	return t.generation
}

// UUID returns the store's identity, assigned when it was first created.
func (db *Database) UUID() uuid.UUID { return db.uuid }

// Revision returns the generation number of the database's current view.
func (db *Database) Revision() uint64 { return db.currentGeneration() }

// VacuumMode returns the advisory vacuum policy recorded for this
// connection; it has no bearing on read/write correctness.
func (db *Database) VacuumMode() VacuumMode { return db.vacuumMode }

// SetVacuumMode updates the advisory vacuum policy.
func (db *Database) SetVacuumMode(m VacuumMode) { db.vacuumMode = m }

// IsWritable reports whether the database was opened in a writable mode.
func (db *Database) IsWritable() bool { return db.mode != ReadOnly }

// File returns the underlying backing file, for collaborators (the vacuum
// watch task's external-modification probe) that need to query its mtime or
// take a momentary lock on it directly.
func (db *Database) File() storage.File { return db.file }

// SharedControl returns the store's attached shared control block, or nil
// if attaching it failed (a Database still functions without it; the
// block carries only advisory vacuum-coordination and access-tick state,
// not anything read/write correctness depends on).
func (db *Database) SharedControl() *shared.ControlBlock { return db.control }

// attachSharedControl attaches (creating if necessary) the store's named
// shared control block and records this open in its access-tick counter
// and heartbeat. Failure is logged and otherwise ignored: every consumer
// of the block treats it as advisory.
func (db *Database) attachSharedControl() {
	name := shared.SyncName(db.uuid)

	cb, err := shared.Attach(name)
	if err != nil {
		db.log.Warn().Err(err).Str("name", name).Msg("attach shared control block")
		return
	}

	db.control = cb
	db.control.IncrementOpenTick()
	db.control.Touch(uint64(time.Now().UnixNano()))
}

// Getro returns an immutable view of [addr, addr+size). The returned slice
// must not be retained past the database's next Sync call: a spanning
// read is backed by a private copy, but a non-spanning read aliases the
// live mapping and a later remap may reuse or shrink the file's view.
func (db *Database) Getro(addr storage.Address, size uint64) ([]byte, error) {
	if uint64(addr)+size > db.logicalSize {
		return nil, fmt.Errorf("pstore: read [%d,%d) exceeds logical size %d: %w", addr, uint64(addr)+size, db.logicalSize, storage.ErrOutOfRange)
	}

	return db.storage.AddressToPointer(addr, size)
}

// Getrw returns a writable view of [addr, addr+size). It requires the
// database to be writable and a transaction to be in progress; writes
// through the returned slice are only valid until that transaction ends.
func (db *Database) Getrw(addr storage.Address, size uint64) ([]byte, error) {
	if !db.IsWritable() {
		return nil, ErrReadOnly
	}

	if !db.txnActive {
		return nil, fmt.Errorf("pstore: Getrw requires a live transaction")
	}

	return db.storage.AddressToPointer(addr, size)
}

// Allocate reserves bytes within the current transaction's pending region,
// aligned to align (which must be a power of two), and returns the address
// of the first reserved byte. It may only be called while a transaction is
// in progress (or, internally, while building a fresh store).
func (db *Database) Allocate(size, align uint64) (storage.Address, error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("pstore: alignment %d is not a power of two: %w", align, storage.ErrBadAlignment)
	}

	logical := db.logicalSize
	padded := alignUp(logical, align) - logical
	newLogical := logical + padded + size

	if err := db.storage.Grow(newLogical); err != nil {
		return 0, err
	}

	db.logicalSize = newLogical

	return storage.Address(logical + padded), nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Sync changes the database's visible revision. revision.Head walks the
// header's current footer; any other value walks the chain backwards from
// the currently visible trailer.
func (db *Database) Sync(rev uint64) error {
	if rev == revision.Head {
		return db.remapTo(loadFooterPos(db.headerBytes))
	}

	start, err := db.readTrailer(db.footerPos)
	if err != nil {
		return err
	}

	if rev > start.generation {
		return fmt.Errorf("pstore: revision %d exceeds visible generation %d: %w", rev, start.generation, ErrUnknownRevision)
	}

	if rev == start.generation {
		return nil
	}

	cur := start.prev

	for {
		t, err := db.readTrailer(cur)
		if err != nil {
			return err
		}

		if t.generation == rev {
			return db.remapTo(cur)
		}

		if t.generation == 0 {
			return fmt.Errorf("pstore: revision %d not found: %w", rev, ErrUnknownRevision)
		}

		cur = t.prev
	}
}

func (db *Database) remapTo(addr storage.Address) error {
	t, err := db.readTrailer(addr)
	if err != nil {
		return err
	}

	db.footerPos = addr
	db.logicalSize = uint64(addr) + trailerSize
	db.indexCache = [NumIndices]any{}

	for i, ext := range t.indices {
		db.indexCache[i] = ext
	}

	return nil
}

// Index returns the extent recorded for the given named-index slot at the
// database's current revision, and whether one has ever been written.
func (db *Database) Index(slot int) (storage.Extent, bool) {
	v, ok := db.indexCache[slot].(storage.Extent)
	return v, ok && v.Size != 0
}

// setNewFooter publishes newFooterPos as the header's footer_pos using a
// single atomic store; this is always the final mutation of a commit.
func (db *Database) setNewFooter(newFooterPos storage.Address) {
	storeFooterPos(db.headerBytes, newFooterPos)
	db.footerPos = newFooterPos
}

func (db *Database) unlockHeader() {
	if err := db.file.Unlock(0, HeaderSize); err != nil {
		db.log.Warn().Err(err).Msg("unlock header during cleanup")
	}

	db.headerLockHeld = false
}

// Close releases the database's resources: it unmaps storage, detaches the
// shared control block if one was attached, and, if held, releases the
// header lock.
func (db *Database) Close() error {
	if db.headerLockHeld {
		db.unlockHeader()
	}

	if db.control != nil {
		closeutil.Swallow("detach shared control block", db.control.Detach)
	}

	return db.storage.Close()
}
