package storage

import (
	"fmt"
	"sync"
	"time"
)

// memLockRange tracks advisory locks held against a MemFile's byte ranges.
// Real fcntl locks are process/fd scoped; an in-memory store has no kernel
// to arbitrate for it, so MemFile enforces the same shared/exclusive
// discipline itself, keyed by range, for use in single-process tests.
type memLockRange struct {
	offset, size int64
	exclusive    bool
}

// MemFile is an in-memory File, used by tests and by embedders that want a
// store without a filesystem (the design's "in-memory buffer" backing-file
// variant). It is not a substitute for real cross-process coordination:
// locks are only enforced within the owning process.
//
// Its backing bytes live in fixed, SegmentSize-sized chunks rather than one
// contiguous, reallocating slice. A real file's pages, once mapped
// MAP_SHARED, are visible identically to every mapping of that file; a
// plain growable []byte cannot offer the same guarantee, since growth
// reallocates and strands any slice handed out before it. Chunking gives
// every RegionFactory that opens a Storage over the same *MemFile (the
// same-process, multiple-connection case exercised by cross-connection
// visibility tests) a stable, shared view of each segment's bytes.
type MemFile struct {
	mu       sync.Mutex
	chunks   [][]byte
	size     int64
	path     string
	writable bool
	modTime  time.Time
	locks    []memLockRange
}

// NewMemFile creates an empty in-memory backing file.
func NewMemFile(path string, writable bool) *MemFile {
	return &MemFile{path: path, writable: writable, modTime: time.Now()}
}

// Chunk returns the stable, shared SegmentSize-sized backing slice for the
// chunk covering byte offset, creating and zero-filling it if this is the
// first request to reach that far. The returned slice is the same one
// returned by every future call with an offset in the same chunk, for the
// lifetime of the MemFile.
func (m *MemFile) Chunk(offset uint64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := int(offset / SegmentSize)

	for len(m.chunks) <= idx {
		m.chunks = append(m.chunks, make([]byte, SegmentSize))
	}

	return m.chunks[idx]
}

func (m *MemFile) ReadAt(buf []byte, off int64) (int, error) {
	m.mu.Lock()
	size := m.size
	m.mu.Unlock()

	if off < 0 || off > size {
		return 0, fmt.Errorf("read at %d: %w", off, ErrShortTransfer)
	}

	total := 0
	for total < len(buf) && int64(total)+off < size {
		chunk := m.Chunk(uint64(off + int64(total)))
		chunkOff := (off + int64(total)) % SegmentSize

		n := copy(buf[total:], chunk[chunkOff:])
		if remain := size - (off + int64(total)); int64(n) > remain {
			n = int(remain)
		}

		total += n
	}

	if total < len(buf) {
		return total, fmt.Errorf("read %d of %d bytes at %d: %w", total, len(buf), off, ErrShortTransfer)
	}

	return total, nil
}

func (m *MemFile) WriteAt(buf []byte, off int64) (int, error) {
	if !m.writable {
		return 0, fmt.Errorf("memfile %q not writable", m.path)
	}

	total := 0
	for total < len(buf) {
		chunk := m.Chunk(uint64(off + int64(total)))
		chunkOff := (off + int64(total)) % SegmentSize

		n := copy(chunk[chunkOff:], buf[total:])
		total += n
	}

	m.mu.Lock()
	if need := off + int64(len(buf)); need > m.size {
		m.size = need
	}
	m.modTime = time.Now()
	m.mu.Unlock()

	return total, nil
}

func (m *MemFile) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.size, nil
}

func (m *MemFile) Truncate(size int64) error {
	if size < 0 {
		return fmt.Errorf("negative truncate size %d", size)
	}

	if size > 0 {
		// Ensure chunks exist up to the new size so that later reads of
		// [oldSize, size) observe zero bytes rather than growing lazily.
		m.Chunk(uint64(size - 1))
	}

	m.mu.Lock()
	m.size = size
	m.mu.Unlock()

	return nil
}

func (m *MemFile) Rename(newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.path = newPath

	return nil
}

func (m *MemFile) Path() string     { return m.path }
func (m *MemFile) IsWritable() bool { return m.writable }

// Fd reports no OS descriptor: MemFile cannot be mmap'd and is only usable
// with a Storage, whose RegionFactory detects the absence of a descriptor
// and asks MemFile directly for each segment's stable chunk instead.
func (m *MemFile) Fd() (uintptr, bool) { return 0, false }

func (m *MemFile) ModTime() (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.modTime, nil
}

func (m *MemFile) Lock(offset, size int64, kind LockKind, block BlockMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		conflict := false

		for _, held := range m.locks {
			if !rangesOverlap(held.offset, held.size, offset, size) {
				continue
			}

			if held.exclusive || kind == ExclusiveWrite {
				conflict = true
				break
			}
		}

		if !conflict {
			m.locks = append(m.locks, memLockRange{offset: offset, size: size, exclusive: kind == ExclusiveWrite})
			return nil
		}

		if block == NonBlocking {
			return ErrWouldBlock
		}

		m.mu.Unlock()
		time.Sleep(time.Millisecond)
		m.mu.Lock()
	}
}

func (m *MemFile) Unlock(offset, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.locks[:0]

	for _, held := range m.locks {
		if held.offset == offset && held.size == size {
			continue
		}

		out = append(out, held)
	}

	m.locks = out

	return nil
}

// Sync is a no-op: a MemFile's chunks are already the durable state as far
// as this process is concerned, there is no separate backing store to
// flush to.
func (m *MemFile) Sync() error { return nil }

func (m *MemFile) Close() error { return nil }

func rangesOverlap(aOff, aSize, bOff, bSize int64) bool {
	aEnd := aOff + aSize
	bEnd := bOff + bSize

	if aSize == 0 {
		aEnd = aOff + 1<<62
	}

	if bSize == 0 {
		bEnd = bOff + 1<<62
	}

	return aOff < bEnd && bOff < aEnd
}
