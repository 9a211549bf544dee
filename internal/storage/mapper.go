package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pageSize is the OS page size, used to align mmap offsets and to round
// Protect's range to whole pages (the OS can only change protection at page
// granularity).
var pageSize = unix.Getpagesize()

// Mapping owns a single contiguous memory-mapped view of a file range.
// Destruction (Unmap) releases the view. ReadOnly demotes a sub-range to
// read-only in place; it requires [addr,addr+len) to lie entirely inside
// the mapped bytes.
type Mapping struct {
	data []byte
}

// MapFile maps length bytes of fd starting at offset. offset must be a
// multiple of the OS page size. The mapping is read-write if writable,
// otherwise read-only.
func MapFile(fd uintptr, writable bool, offset int64, length int) (*Mapping, error) {
	if offset%int64(pageSize) != 0 {
		return nil, fmt.Errorf("mmap offset %d is not page-aligned (page size %d)", offset, pageSize)
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(int(fd), offset, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	return &Mapping{data: data}, nil
}

// Bytes returns the mapped range as a slice. The slice is only valid for
// the lifetime of the Mapping; callers that need the bytes to outlive an
// Unmap must copy them first.
func (m *Mapping) Bytes() []byte { return m.data }

// ReadOnly demotes the sub-range [addr, addr+ln) of this mapping to
// read-only. The caller is responsible for page-aligning addr and ln
// (Storage.Protect does this); mprotect itself requires page alignment.
func (m *Mapping) ReadOnly(addr, ln uintptr) error {
	if addr+ln > uintptr(len(m.data)) {
		return fmt.Errorf("read-only range [%d,%d) exceeds mapping size %d", addr, addr+ln, len(m.data))
	}

	if err := unix.Mprotect(m.data[addr:addr+ln], unix.PROT_READ); err != nil {
		return fmt.Errorf("mprotect: %w", err)
	}

	return nil
}

// Unmap releases the mapping. It is an error to use Bytes after Unmap.
func (m *Mapping) Unmap() error {
	if m.data == nil {
		return nil
	}

	err := unix.Munmap(m.data)
	m.data = nil

	if err != nil {
		return fmt.Errorf("munmap: %w", err)
	}

	return nil
}

// pageFloor rounds x down to the nearest page boundary.
func pageFloor(x uint64) uint64 {
	ps := uint64(pageSize)
	return x &^ (ps - 1)
}

// pageCeil rounds x up to the nearest page boundary.
func pageCeil(x uint64) uint64 {
	ps := uint64(pageSize)
	return (x + ps - 1) &^ (ps - 1)
}
