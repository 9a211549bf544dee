package pstore

import (
	"fmt"
	"unsafe"

	"github.com/SNSystems/pstore-go/internal/storage"
)

// TypedAddress pairs a store address with a phantom element type T, so the
// address carries its own alignment contract instead of callers repeating
// sizeof(T) and alignof(T) at every call site. It has no runtime
// representation beyond the wrapped Address; T is never instantiated.
type TypedAddress[T any] struct {
	Addr storage.Address
}

// MakeTypedAddress wraps addr as a TypedAddress[T], performing no check:
// the alignment contract is enforced when the address is actually used to
// read or write, by GetroT/GetrwT.
func MakeTypedAddress[T any](addr storage.Address) TypedAddress[T] {
	return TypedAddress[T]{Addr: addr}
}

func checkAlignment[T any](addr storage.Address) error {
	var zero T

	align := uint64(unsafe.Alignof(zero))
	if uint64(addr)%align != 0 {
		return fmt.Errorf("pstore: address %s is not aligned to %d for %T: %w", addr, align, zero, ErrBadAlignment)
	}

	return nil
}

// GetroT returns an immutable view of count contiguous T values starting at
// addr, failing with ErrBadAlignment if addr does not satisfy T's
// alignment. It is a thin wrapper over Database.Getro that multiplies by
// sizeof(T) and checks alignment first, mirroring the reference design's
// getro(typed_address, count).
func GetroT[T any](db *Database, addr TypedAddress[T], count uint64) ([]byte, error) {
	if err := checkAlignment[T](addr.Addr); err != nil {
		return nil, err
	}

	var zero T
	size := uint64(unsafe.Sizeof(zero)) * count

	return db.Getro(addr.Addr, size)
}

// GetroExtent is GetroT for an already-computed byte extent, checking
// alignment against T but trusting ext.Size rather than recomputing it from
// count. It mirrors the reference design's getro(extent) overload.
func GetroExtent[T any](db *Database, addr TypedAddress[T], ext storage.Extent) ([]byte, error) {
	if err := checkAlignment[T](addr.Addr); err != nil {
		return nil, err
	}

	return db.Getro(ext.Addr, ext.Size)
}

// GetrwT is GetroT's writable counterpart: it requires a live transaction
// (see Database.Getrw) and fails with ErrBadAlignment under the same
// condition.
func GetrwT[T any](db *Database, addr TypedAddress[T], count uint64) ([]byte, error) {
	if err := checkAlignment[T](addr.Addr); err != nil {
		return nil, err
	}

	var zero T
	size := uint64(unsafe.Sizeof(zero)) * count

	return db.Getrw(addr.Addr, size)
}
