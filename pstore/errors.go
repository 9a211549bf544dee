package pstore

import "errors"

// Sentinel errors for the kinds named in the core's error-handling design.
// Callers classify with errors.Is; additional context (a path, an offset, a
// requested revision) is attached with fmt.Errorf's %w verb at the call
// site, following the same pattern as internal/storage's sentinels.
var (
	// ErrHeaderCorrupt is returned when a header's magic signatures, CRC, or
	// internal invariants fail validation on open.
	ErrHeaderCorrupt = errors.New("pstore: header corrupt")

	// ErrHeaderVersionMismatch is returned when a header's size or
	// major/minor version does not match what this implementation expects.
	ErrHeaderVersionMismatch = errors.New("pstore: header version mismatch")

	// ErrUnknownRevision is returned by Sync when the requested revision
	// cannot be resolved by walking the currently visible chain backwards.
	ErrUnknownRevision = errors.New("pstore: unknown revision")

	// ErrBadAlignment is returned when a typed read/write address does not
	// satisfy the alignment contract of the element type.
	ErrBadAlignment = errors.New("pstore: bad alignment")

	// ErrShortRead is returned when fewer bytes were read than requested
	// and a full read was required.
	ErrShortRead = errors.New("pstore: did not read the number of bytes requested")

	// ErrNotFound is returned when Open is called in a mode that requires
	// the store file to already exist, and it does not.
	ErrNotFound = errors.New("pstore: not found")

	// ErrWouldBlock is returned by a non-blocking transaction Begin that
	// could not acquire the write lock immediately.
	ErrWouldBlock = errors.New("pstore: would block")

	// ErrTransactionInProgress is returned by Begin when the database
	// already has a live transaction.
	ErrTransactionInProgress = errors.New("pstore: transaction already in progress")

	// ErrReadOnly is returned when a write operation is attempted on a
	// database opened read-only.
	ErrReadOnly = errors.New("pstore: database is read-only")
)
