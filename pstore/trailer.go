package pstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/SNSystems/pstore-go/internal/storage"
)

// NumIndices is the number of named index slots a trailer carries pointers
// for. The index types themselves (the hash-array-mapped-trie
// implementation and the specific name/digest/path indices built on it)
// are external collaborators; a trailer here only records, per slot, the
// extent of whatever the caller last persisted there.
const NumIndices = 8

// trailerMagic lets a backward scan identify a trailer without reference
// to the header, distinct from the header's own magic so the two records
// can never be confused by a scanner walking raw bytes.
const trailerMagic uint64 = 0x74726c722d763031 // "trlr-v01"

const (
	trOffMagic      = 0
	trOffSize       = 8  // self-describing total size, for backward walking
	trOffGeneration = 12
	trOffTimestamp  = 20
	trOffPrev       = 28
	trOffIndices    = 36
	indexEntrySize  = 16 // Extent{Addr uint64, Size uint64}
)

// trailerFixedSize is the size of a trailer with zero index slots; the
// actual on-disk size is trailerFixedSize + NumIndices*indexEntrySize + 4
// (the closing CRC).
const trailerFixedSize = trOffIndices

// trailerSize is the fixed total encoded size of a trailer record.
const trailerSize = trailerFixedSize + NumIndices*indexEntrySize + 4

// trailer is the decoded form of a footer record: the generation number,
// the extent of each named index at this revision, a back-link to the
// previous trailer, and an optional creation timestamp.
type trailer struct {
	generation uint64
	timestamp  time.Time
	prev       storage.Address
	indices    [NumIndices]storage.Extent
}

// encodeTrailer serialises t into buf, which must be at least
// trailerSize bytes, and returns the CRC it wrote.
func encodeTrailer(buf []byte, t trailer) uint32 {
	binary.LittleEndian.PutUint64(buf[trOffMagic:], trailerMagic)
	binary.LittleEndian.PutUint32(buf[trOffSize:], trailerSize)
	binary.LittleEndian.PutUint64(buf[trOffGeneration:], t.generation)

	var ts int64
	if !t.timestamp.IsZero() {
		ts = t.timestamp.UnixNano()
	}

	binary.LittleEndian.PutUint64(buf[trOffTimestamp:], uint64(ts))
	binary.LittleEndian.PutUint64(buf[trOffPrev:], uint64(t.prev))

	for i, ext := range t.indices {
		off := trOffIndices + i*indexEntrySize
		binary.LittleEndian.PutUint64(buf[off:], uint64(ext.Addr))
		binary.LittleEndian.PutUint64(buf[off+8:], ext.Size)
	}

	crc := crc32Trailer(buf[:trailerSize-4])
	binary.LittleEndian.PutUint32(buf[trailerSize-4:], crc)

	return crc
}

func crc32Trailer(buf []byte) uint32 {
	return crc32.Checksum(buf, crcTable)
}

// decodeTrailer validates and decodes the trailer record in buf.
func decodeTrailer(buf []byte) (trailer, error) {
	if len(buf) < trailerSize {
		return trailer{}, fmt.Errorf("pstore: trailer truncated (%d bytes, want %d): %w", len(buf), trailerSize, ErrHeaderCorrupt)
	}

	if binary.LittleEndian.Uint64(buf[trOffMagic:]) != trailerMagic {
		return trailer{}, fmt.Errorf("pstore: bad trailer magic: %w", ErrHeaderCorrupt)
	}

	if sz := binary.LittleEndian.Uint32(buf[trOffSize:]); sz != trailerSize {
		return trailer{}, fmt.Errorf("pstore: trailer size %d != %d: %w", sz, trailerSize, ErrHeaderVersionMismatch)
	}

	wantCRC := binary.LittleEndian.Uint32(buf[trailerSize-4:])
	if got := crc32Trailer(buf[:trailerSize-4]); got != wantCRC {
		return trailer{}, fmt.Errorf("pstore: trailer CRC mismatch (got %#x want %#x): %w", got, wantCRC, ErrHeaderCorrupt)
	}

	t := trailer{
		generation: binary.LittleEndian.Uint64(buf[trOffGeneration:]),
		prev:       storage.Address(binary.LittleEndian.Uint64(buf[trOffPrev:])),
	}

	if ts := int64(binary.LittleEndian.Uint64(buf[trOffTimestamp:])); ts != 0 {
		t.timestamp = time.Unix(0, ts).UTC()
	}

	for i := range t.indices {
		off := trOffIndices + i*indexEntrySize
		t.indices[i] = storage.Extent{
			Addr: storage.Address(binary.LittleEndian.Uint64(buf[off:])),
			Size: binary.LittleEndian.Uint64(buf[off+8:]),
		}
	}

	return t, nil
}
