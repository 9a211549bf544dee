package storage

import (
	"fmt"
)

// defaultMinRegionSize and defaultFullRegionSize bound the growth policy a
// Storage uses when it has not been given explicit sizes: grow in
// SegmentSize steps, up to 128 segments (512 MiB) per mapping call.
const (
	defaultMinRegionSize  = SegmentSize
	defaultFullRegionSize = 128 * SegmentSize
)

// Storage composes the backing file, region factory, and segment address
// table into the single façade the rest of the store talks to: translate an
// Address to live bytes, grow the mapped range to cover new addresses, copy
// across a region boundary when a request spans one, and change the
// protection of a byte range to read-only once its transaction has been
// committed.
//
// SmallFilesMode, when set, disables Truncate-ahead growth: the backing
// file is grown to exactly cover what has been requested rather than by
// whole regions at a time. This trades mmap call volume for a smaller
// on-disk footprint, matching the original implementation's small-files
// database mode (see original_source/include/pstore/core/database.hpp).
type Storage struct {
	file           File
	factory        *RegionFactory
	sat            *SAT
	size           uint64
	smallFilesMode bool
	minSize        uint64
	fullSize       uint64
}

// Option configures a new Storage.
type Option func(*Storage)

// WithRegionSizes overrides the factory's default min/full region sizes.
// Both must be multiples of SegmentSize, since region boundaries must fall
// on segment boundaries for the SAT to address them.
func WithRegionSizes(minSize, fullSize uint64) Option {
	return func(s *Storage) {
		s.minSize, s.fullSize = minSize, fullSize
	}
}

// SmallFilesMode disables ahead-of-need region growth.
func SmallFilesMode() Option {
	return func(s *Storage) { s.smallFilesMode = true }
}

func (s *Storage) withSizes() (uint64, uint64) {
	if s.minSize == 0 {
		return defaultMinRegionSize, defaultFullRegionSize
	}

	return s.minSize, s.fullSize
}

// Open builds a Storage over file, whose current size becomes the store's
// initial logical size; the initial mapping covers that size rounded up to
// a whole number of segments (at least one segment).
func Open(file File, opts ...Option) (*Storage, error) {
	s := &Storage{file: file, sat: NewSAT()}

	for _, opt := range opts {
		opt(s)
	}

	minSize, fullSize := s.withSizes()

	factory, err := NewRegionFactory(file, minSize, fullSize)
	if err != nil {
		return nil, err
	}

	factory.SetExactSizes(s.smallFilesMode)
	s.factory = factory

	currentSize, err := file.Size()
	if err != nil {
		return nil, err
	}

	initSize := pageCeilSegment(uint64(currentSize))
	if initSize == 0 {
		initSize = SegmentSize
	}

	if _, err := factory.Init(initSize); err != nil {
		return nil, err
	}

	if err := s.sat.Rebuild(collectRegions(factory)); err != nil {
		return nil, err
	}

	s.size = uint64(currentSize)

	return s, nil
}

func pageCeilSegment(size uint64) uint64 {
	return (size + SegmentSize - 1) &^ (SegmentSize - 1)
}

func collectRegions(factory *RegionFactory) []*Region {
	rs := make([]*Region, 0, factory.Regions().Len())

	factory.Regions().Each(func(_ int, r *Region) {
		rs = append(rs, *r)
	})

	return rs
}

// Size returns the store's current logical size in bytes. This may be
// smaller than the mapped region size, since regions are grown ahead of
// need.
func (s *Storage) Size() uint64 { return s.size }

// Grow extends the store's logical size to at least newSize bytes, mapping
// additional regions if the currently mapped range does not already cover
// it.
func (s *Storage) Grow(newSize uint64) error {
	if newSize <= s.size {
		s.size = max(s.size, newSize)
		return nil
	}

	mappedEnd := s.mappedEnd()

	if newSize > mappedEnd {
		request := newSize - mappedEnd

		if _, err := s.factory.Append(request); err != nil {
			return fmt.Errorf("storage: grow to %d: %w", newSize, err)
		}

		if err := s.sat.Rebuild(collectRegions(s.factory)); err != nil {
			return fmt.Errorf("storage: rebuild sat: %w", err)
		}
	}

	s.size = newSize

	return nil
}

func (s *Storage) mappedEnd() uint64 {
	regions := collectRegions(s.factory)
	if len(regions) == 0 {
		return 0
	}

	last := regions[len(regions)-1]

	return last.Offset() + last.Size()
}

// MapBytes grows the store, if necessary, so that [addr, addr+size) is
// mapped, then returns it. Requests are expected to have been size-checked
// by the caller (pstore's Database.Allocate reserves space, via Grow,
// before handing out addresses).
func (s *Storage) MapBytes(addr Address, size uint64) error {
	end := uint64(addr) + size
	if end > s.size {
		return s.Grow(end)
	}

	return nil
}

// AddressToPointer returns the bytes at [addr, addr+size). When the
// request's segment-local offset plus size does not exceed the segment
// boundary, the returned slice is a direct view into the mapped region (no
// copy). When it spans a segment boundary, the bytes are assembled into a
// freshly allocated buffer by the spanning-copy engine below, since no
// single mapped region covers a range that straddles two segments.
func (s *Storage) AddressToPointer(addr Address, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}

	ext := Extent{Addr: addr, Size: size}
	if !ext.spansSegment() {
		return s.directSlice(addr, size)
	}

	return s.spanningRead(addr, size)
}

func (s *Storage) directSlice(addr Address, size uint64) ([]byte, error) {
	region, regionOffset, err := s.sat.Lookup(addr.Segment())
	if err != nil {
		return nil, err
	}

	start := regionOffset + addr.Offset()
	end := start + size

	bytes := region.Bytes()
	if end > uint64(len(bytes)) {
		return nil, fmt.Errorf("storage: range [%d,%d) exceeds region size %d: %w", start, end, len(bytes), ErrOutOfRange)
	}

	return bytes[start:end], nil
}

// spanningRead copies a range that crosses one or more segment boundaries
// into a dedicated buffer, one segment's worth at a time. This mirrors the
// reference design's spanning-request handling: a request may cross a
// region boundary even though regions themselves never do, because
// segments (not regions) are the unit addresses are split on.
func (s *Storage) spanningRead(addr Address, size uint64) ([]byte, error) {
	out := make([]byte, size)

	var written uint64
	cur := addr

	for written < size {
		remainInSegment := SegmentSize - cur.Offset()
		chunk := size - written
		if chunk > remainInSegment {
			chunk = remainInSegment
		}

		part, err := s.directSlice(cur, chunk)
		if err != nil {
			return nil, fmt.Errorf("storage: spanning read at %s: %w", cur, err)
		}

		copy(out[written:written+chunk], part)

		written += chunk
		cur = cur.Add(chunk)
	}

	return out, nil
}

// WriteBytes writes data at addr, growing the store first if needed. Like
// AddressToPointer, it copies one segment at a time when the write spans a
// segment boundary.
func (s *Storage) WriteBytes(addr Address, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if err := s.MapBytes(addr, uint64(len(data))); err != nil {
		return err
	}

	var written uint64
	cur := addr
	size := uint64(len(data))

	for written < size {
		remainInSegment := SegmentSize - cur.Offset()
		chunk := size - written
		if chunk > remainInSegment {
			chunk = remainInSegment
		}

		dst, err := s.directSlice(cur, chunk)
		if err != nil {
			return fmt.Errorf("storage: spanning write at %s: %w", cur, err)
		}

		copy(dst, data[written:written+chunk])

		written += chunk
		cur = cur.Add(chunk)
	}

	return nil
}

// Protect demotes the byte range [first, last) to read-only, one segment at
// a time, rounding each segment's sub-range IN to whole pages: the start of
// a sub-range rounds up, the end rounds down (mprotect requires
// page-aligned boundaries, and only a page entirely inside [first, last)
// may safely become read-only). Rounding up the start rather than down
// means the result is never less than first, so a range that starts
// partway through the leader's page (as every transaction's committed
// range does, since the leader is smaller than a page) never drags that
// page's still-mutable fields, such as footer_pos, into the protected
// range. Any partial page at either edge of [first, last) is left
// writable. It is called once a transaction commits, so that previously
// written bytes cannot be mutated in place by a later, buggy write through
// a stale pointer.
func (s *Storage) Protect(first, last Address) error {
	if last <= first {
		return nil
	}

	cur := first

	for cur < last {
		remainInSegment := SegmentSize - cur.Offset()
		segEnd := cur.Add(remainInSegment)
		if segEnd > last {
			segEnd = last
		}

		region, regionOffset, err := s.sat.Lookup(cur.Segment())
		if err != nil {
			return err
		}

		start := regionOffset + cur.Offset()
		end := regionOffset + (segEnd.Offset())
		if segEnd.Offset() == 0 {
			end = regionOffset + SegmentSize
		}

		pageStart := pageCeil(start)
		pageEnd := pageFloor(end)

		if pageEnd > pageStart {
			if err := region.ReadOnly(pageStart, pageEnd-pageStart); err != nil {
				return fmt.Errorf("storage: protect [%d,%d): %w", pageStart, pageEnd, err)
			}
		}

		cur = segEnd
	}

	return nil
}

// Sync flushes the backing file to stable storage, including dirty bytes
// written through a mapped region rather than through WriteAt directly.
func (s *Storage) Sync() error {
	return s.file.Sync()
}

// Close unmaps every region and closes the backing file.
func (s *Storage) Close() error {
	if err := s.factory.Close(); err != nil {
		return err
	}

	return s.file.Close()
}

func max(a, b uint64) uint64 {
	if a > b {
		return a
	}

	return b
}
