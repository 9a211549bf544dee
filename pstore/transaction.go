package pstore

import (
	"fmt"
	"time"

	"github.com/SNSystems/pstore-go/internal/storage"
)

// Transaction is a short-lived object layered on a writable Database: it
// allocates and writes bytes and, on Commit, publishes a new trailer
// linking back to the one it started from. At most one Transaction may be
// open against a Database at a time; it holds the database's inter-process
// write lock for its entire lifetime.
type Transaction struct {
	db           *Database
	startLogical uint64
	startFooter  storage.Address
	indices      [NumIndices]storage.Extent
	blockMode    storage.BlockMode
	done         bool
}

// Begin starts a transaction against db, blocking until the write lock is
// acquired. It fails with ErrReadOnly if db was not opened writable and
// with ErrTransactionInProgress if one is already open.
func Begin(db *Database) (*Transaction, error) {
	return begin(db, storage.Blocking)
}

// TryBegin behaves like Begin but fails fast with ErrWouldBlock instead of
// waiting for a contended write lock.
func TryBegin(db *Database) (*Transaction, error) {
	return begin(db, storage.NonBlocking)
}

func begin(db *Database, block storage.BlockMode) (*Transaction, error) {
	if !db.IsWritable() {
		return nil, ErrReadOnly
	}

	if db.txnActive {
		return nil, ErrTransactionInProgress
	}

	if err := db.file.Lock(0, HeaderSize, storage.ExclusiveWrite, block); err != nil {
		if block == storage.NonBlocking && err == storage.ErrWouldBlock {
			return nil, ErrWouldBlock
		}

		return nil, fmt.Errorf("pstore: begin: %w", err)
	}

	start, err := db.readTrailer(db.footerPos)
	if err != nil {
		db.unlockHeader()
		return nil, err
	}

	db.txnActive = true

	return &Transaction{
		db:           db,
		startLogical: db.logicalSize,
		startFooter:  db.footerPos,
		indices:      start.indices,
		blockMode:    block,
	}, nil
}

// Allocate reserves size bytes aligned to align within the transaction and
// returns the address of the first reserved byte.
func (t *Transaction) Allocate(size, align uint64) (storage.Address, error) {
	if t.done {
		return 0, fmt.Errorf("pstore: transaction already ended")
	}

	return t.db.Allocate(size, align)
}

// AllocRW allocates size bytes and returns a writable view onto them,
// bound to this transaction: the view must not be used after Commit or
// Rollback.
func (t *Transaction) AllocRW(size, align uint64) (storage.Address, []byte, error) {
	addr, err := t.Allocate(size, align)
	if err != nil {
		return 0, nil, err
	}

	view, err := t.db.Getrw(addr, size)
	if err != nil {
		return 0, nil, err
	}

	return addr, view, nil
}

// SetIndex records the extent of the named index slot as of this
// transaction's pending commit; slots not set retain the value carried
// over from the previous revision.
func (t *Transaction) SetIndex(slot int, ext storage.Extent) {
	t.indices[slot] = ext
}

// Commit allocates and writes a new trailer linking back to the revision
// this transaction started from, demotes every newly written page to
// read-only, and atomically publishes the new trailer's address as the
// database's current footer. It then releases the write lock.
func (t *Transaction) Commit() error {
	if t.done {
		return fmt.Errorf("pstore: transaction already ended")
	}

	defer t.end()

	prevGeneration := uint64(0)
	if prev, err := t.db.readTrailer(t.startFooter); err == nil {
		prevGeneration = prev.generation
	}

	newTrailer := trailer{
		generation: prevGeneration + 1,
		prev:       t.startFooter,
		timestamp:  time.Now(),
		indices:    t.indices,
	}

	trailerAddr, err := t.db.Allocate(trailerSize, 8)
	if err != nil {
		return fmt.Errorf("pstore: commit: allocate trailer: %w", err)
	}

	buf := make([]byte, trailerSize)
	encodeTrailer(buf, newTrailer)

	if err := t.db.storage.WriteBytes(trailerAddr, buf); err != nil {
		return fmt.Errorf("pstore: commit: write trailer: %w", err)
	}

	newTrailerEnd := storage.Address(uint64(trailerAddr) + trailerSize)

	if err := t.db.storage.Protect(storage.Address(t.startLogical), newTrailerEnd); err != nil {
		t.db.log.Warn().Err(err).Msg("protect committed range")
	}

	// Durability boundary: the new data and trailer must reach stable
	// storage before the footer word is published, or a crash between the
	// two could leave footer_pos pointing at a trailer whose bytes never
	// made it to disk.
	if err := t.db.storage.Sync(); err != nil {
		return fmt.Errorf("pstore: commit: sync before publish: %w", err)
	}

	t.db.setNewFooter(trailerAddr)

	if err := t.db.storage.Sync(); err != nil {
		t.db.log.Warn().Err(err).Msg("sync after publishing footer")
	}

	for i, ext := range t.indices {
		t.db.indexCache[i] = ext
	}

	return nil
}

// Rollback discards every byte allocated since Begin and restores the
// database's footer to what it was before the transaction started, then
// releases the write lock.
func (t *Transaction) Rollback() error {
	if t.done {
		return fmt.Errorf("pstore: transaction already ended")
	}

	defer t.end()

	if err := t.db.file.Truncate(int64(t.startLogical)); err != nil {
		t.db.log.Debug().Err(err).Msg("rollback truncate (ignored, logical size tracked separately)")
	}

	t.db.footerPos = t.startFooter
	t.db.logicalSize = t.startLogical

	return nil
}

func (t *Transaction) end() {
	t.done = true
	t.db.txnActive = false

	if err := t.db.file.Unlock(0, HeaderSize); err != nil {
		t.db.log.Warn().Err(err).Msg("unlock after transaction end")
	}
}
