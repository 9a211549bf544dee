package storage

import (
	"fmt"

	"github.com/SNSystems/pstore-go/internal/chunked"
)

// chunkProvider is implemented by in-memory backing files (MemFile) to
// hand out a stable, shared slice per segment, so that two Storage
// instances wrapping the same *MemFile observe each other's writes
// exactly as two real mmap(MAP_SHARED) mappings of the same file would.
type chunkProvider interface {
	Chunk(offset uint64) []byte
}

// Region is a single contiguous span of the address space backed either by
// a memory mapping of the store file or, for an in-memory store, by a
// plain byte slice allocated once at the region's final size (never grown
// in place, so pointers into it stay valid).
type Region struct {
	offset  uint64
	size    uint64
	mapping *Mapping // nil for an in-memory-backed region
	mem     []byte   // non-nil for an in-memory-backed region
}

// Offset returns the region's starting offset within the store's address
// space.
func (r *Region) Offset() uint64 { return r.offset }

// Size returns the region's length in bytes.
func (r *Region) Size() uint64 { return r.size }

// Bytes returns the region's backing storage as a slice.
func (r *Region) Bytes() []byte {
	if r.mapping != nil {
		return r.mapping.Bytes()
	}

	return r.mem
}

// Contains reports whether [addr, addr+length) lies entirely within this
// region's offset range.
func (r *Region) Contains(addr, length uint64) bool {
	return addr >= r.offset && addr+length <= r.offset+r.size
}

// ReadOnly demotes the sub-range [addr, addr+length) of this region, given
// as an offset into the region's own bytes, to read-only. It is a no-op for
// in-memory-backed regions, which have no OS protection to change.
func (r *Region) ReadOnly(addr, length uint64) error {
	if r.mapping == nil {
		return nil
	}

	return r.mapping.ReadOnly(uintptr(addr), uintptr(length))
}

// Close releases any OS resources (the memory mapping) held by the region.
// It is a no-op for in-memory-backed regions.
func (r *Region) Close() error {
	if r.mapping == nil {
		return nil
	}

	return r.mapping.Unmap()
}

// RegionFactory appends new Regions to cover a growing store, mapping
// successive, non-overlapping byte ranges of a backing File. Regions are
// held in a chunked.Chunked so that a *Region handed out to the segment
// address table (internal/storage's SAT) remains valid no matter how many
// more regions are appended later.
//
// minSize and fullSize bound how aggressively the factory grows the file: a
// region is never smaller than minSize (avoiding many tiny mmap calls for a
// store that grows one small transaction at a time) nor larger than
// fullSize (bounding the virtual memory committed by a single mmap call).
type RegionFactory struct {
	file       File
	minSize    uint64
	fullSize   uint64
	inMemory   bool
	chunkSrc   chunkProvider
	exactSizes bool
	regions    *chunked.Chunked[*Region]
}

// SetExactSizes disables the minSize floor: Append and Init map exactly
// what was requested (still capped at fullSize), used for small-files mode
// where minimizing the file's on-disk footprint matters more than
// minimizing the number of mmap calls.
func (rf *RegionFactory) SetExactSizes(exact bool) { rf.exactSizes = exact }

// NewRegionFactory creates a factory appending regions of at least minSize
// and at most fullSize bytes, backed by file. If file.Fd() reports no OS
// descriptor (MemFile), regions are plain allocated slices instead of
// mappings.
func NewRegionFactory(file File, minSize, fullSize uint64) (*RegionFactory, error) {
	if minSize == 0 || fullSize < minSize {
		return nil, fmt.Errorf("region factory: invalid sizes (min=%d full=%d)", minSize, fullSize)
	}

	_, hasFd := file.Fd()
	src, _ := file.(chunkProvider)

	return &RegionFactory{
		file:     file,
		minSize:  minSize,
		fullSize: fullSize,
		inMemory: !hasFd,
		chunkSrc: src,
		regions:  chunked.New[*Region](),
	}, nil
}

// Regions returns the factory's live region list, in append order.
func (rf *RegionFactory) Regions() *chunked.Chunked[*Region] { return rf.regions }

// Init maps the first region, covering [0, size) of the backing file. size
// is rounded up to minSize if smaller.
func (rf *RegionFactory) Init(size uint64) (*Region, error) {
	if rf.regions.Len() != 0 {
		return nil, fmt.Errorf("region factory: already initialized")
	}

	return rf.appendAt(0, size)
}

// Append extends the store by at least minSize bytes (more, up to
// fullSize, if requested) and maps the new range as a further region.
func (rf *RegionFactory) Append(requested uint64) (*Region, error) {
	if rf.regions.Len() == 0 {
		return nil, fmt.Errorf("region factory: Init must be called first")
	}

	last := rf.regions.At(rf.regions.Len() - 1)
	offset := (*last).offset + (*last).size

	return rf.appendAt(offset, requested)
}

func (rf *RegionFactory) appendAt(offset, requested uint64) (*Region, error) {
	if rf.inMemory {
		return rf.appendChunksAt(offset, requested)
	}

	size := requested
	if size < rf.minSize && !rf.exactSizes {
		size = rf.minSize
	}

	if size > rf.fullSize {
		size = rf.fullSize
	}

	region, err := rf.mapRange(offset, size)
	if err != nil {
		return nil, err
	}

	return *rf.regions.Append(region), nil
}

// appendChunksAt covers [offset, offset+requested) with one Region per
// segment, each aliasing the chunkProvider's stable, shared chunk for that
// segment. Grouping segments the way mmap'd regions group them would
// require a single contiguous slice across chunks that were never
// contiguously allocated, so in-memory regions are always segment-sized.
func (rf *RegionFactory) appendChunksAt(offset, requested uint64) (*Region, error) {
	if requested == 0 {
		requested = SegmentSize
	}

	end := offset + requested
	end = (end + SegmentSize - 1) &^ (SegmentSize - 1)

	if err := rf.growFile(end); err != nil {
		return nil, err
	}

	var last *Region

	for o := offset; o < end; o += SegmentSize {
		region := &Region{offset: o, size: SegmentSize, mem: rf.chunkSrc.Chunk(o)}
		last = *rf.regions.Append(region)
	}

	return last, nil
}

func (rf *RegionFactory) growFile(newEnd uint64) error {
	currentSize, err := rf.file.Size()
	if err != nil {
		return err
	}

	if uint64(currentSize) < newEnd {
		if err := rf.file.Truncate(int64(newEnd)); err != nil {
			return fmt.Errorf("region factory: grow file to %d: %w", newEnd, err)
		}
	}

	return nil
}

func (rf *RegionFactory) mapRange(offset, size uint64) (*Region, error) {
	newEnd := offset + size

	if err := rf.growFile(newEnd); err != nil {
		return nil, err
	}

	fd, _ := rf.file.Fd()

	mapping, err := MapFile(fd, rf.file.IsWritable(), int64(offset), int(size))
	if err != nil {
		return nil, fmt.Errorf("region factory: map range [%d,%d): %w", offset, newEnd, err)
	}

	return &Region{offset: offset, size: size, mapping: mapping}, nil
}

// Close unmaps every region created by the factory.
func (rf *RegionFactory) Close() error {
	var first error

	rf.regions.Each(func(_ int, r *Region) {
		if err := (*r).Close(); err != nil && first == nil {
			first = err
		}
	})

	return first
}
