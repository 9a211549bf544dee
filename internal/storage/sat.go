package storage

import "fmt"

// satEntry records, for one segment, the Region that currently backs it and
// the byte offset within that region's bytes where the segment begins. A
// segment whose bytes happen to be entirely contained in one Region needs
// only this; the spanning case (internal/storage's Storage.AddressToPointer)
// falls back to a copy because no single slice covers the range.
type satEntry struct {
	region       *Region
	regionOffset uint64
}

// SAT is the segment address table: it maps a segment number to the live
// Region bytes backing it. Segments are appended in order as the store
// grows, so the table is just a slice indexed by segment number; unlike the
// regions themselves, the table is rebuilt (not resized in place) whenever
// the set of mapped regions changes, since the whole point of the table is
// a cheap O(1) segment lookup.
type SAT struct {
	entries []satEntry
}

// NewSAT creates an empty table.
func NewSAT() *SAT {
	return &SAT{}
}

// Rebuild recomputes the table from the current region list. It is called
// after RegionFactory.Init or Append changes the set of live regions.
func (s *SAT) Rebuild(regions []*Region) error {
	s.entries = s.entries[:0]

	var segmentCursor uint64
	var pendingOffset uint64

	for _, r := range regions {
		offset := r.Offset()
		size := r.Size()

		if offset%SegmentSize != 0 {
			return fmt.Errorf("sat: region at %d is not segment-aligned", offset)
		}

		segmentCursor = offset / SegmentSize
		pendingOffset = 0

		for pendingOffset < size {
			for len(s.entries) <= int(segmentCursor) {
				s.entries = append(s.entries, satEntry{})
			}

			s.entries[segmentCursor] = satEntry{region: r, regionOffset: pendingOffset}
			pendingOffset += SegmentSize
			segmentCursor++
		}
	}

	return nil
}

// Lookup returns the Region backing the given segment number and the byte
// offset within that region's bytes where the segment's bytes begin.
func (s *SAT) Lookup(segment uint64) (*Region, uint64, error) {
	if segment >= uint64(len(s.entries)) {
		return nil, 0, fmt.Errorf("sat: segment %d: %w", segment, ErrOutOfRange)
	}

	e := s.entries[segment]
	if e.region == nil {
		return nil, 0, fmt.Errorf("sat: segment %d has no mapping: %w", segment, ErrOutOfRange)
	}

	return e.region, e.regionOffset, nil
}

// Segments returns the number of segments currently covered by the table.
func (s *SAT) Segments() int { return len(s.entries) }
