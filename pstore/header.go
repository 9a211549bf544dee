package pstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"

	"github.com/SNSystems/pstore-go/internal/storage"
)

// Two arbitrary, distinctive 64-bit values identifying a pstore file. A
// file failing either check is rejected outright rather than risking a
// partial, misleading decode of the rest of the header.
const (
	magic1 uint64 = 0x7073746f72652d31 // "pstore-1"
	magic2 uint64 = 0x646174612d737430 // "data-st0"
)

// headerVersionMajor and headerVersionMinor are bumped when the on-disk
// leader layout changes incompatibly (major) or gains an optional,
// backward-compatible field (minor).
const (
	headerVersionMajor uint16 = 1
	headerVersionMinor uint16 = 0
)

// Byte offsets within the leader record. The CRC covers only the fields
// that are fixed at creation (magic, size, version, UUID); footer_pos is
// deliberately placed after the CRC and excluded from it; it is the one
// field the commit protocol updates in place; covering it with the header
// CRC would mean every commit invalidated the checksum. footerPos itself
// is kept 8-byte aligned, as required by the atomic single-word footer
// publication the commit protocol depends on.
const (
	offMagic1   = 0
	offMagic2   = 8
	offHeaderSz = 16
	offVerMajor = 20
	offVerMinor = 22
	offUUID     = 24
	offCRC      = 40 // covers buf[:offCRC]

	offFooterPos = 48 // 8-byte aligned, not covered by the header CRC
	// HeaderSize is the total size in bytes of the leader record, and so
	// the lowest legal allocate() address in a freshly created store.
	HeaderSize = 56
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// header is the in-memory, decoded form of the leader record at the start
// of every pstore file.
type header struct {
	uuid uuid.UUID
	// footerPos's on-disk slot is read/written atomically through bytes,
	// never cached here across a commit.
}

// encodeHeader writes a freshly created header, including an initial
// footerPos and its CRC, into buf (which must be at least HeaderSize
// bytes).
func encodeHeader(buf []byte, id uuid.UUID, footerPos storage.Address) {
	binary.LittleEndian.PutUint64(buf[offMagic1:], magic1)
	binary.LittleEndian.PutUint64(buf[offMagic2:], magic2)
	binary.LittleEndian.PutUint32(buf[offHeaderSz:], HeaderSize)
	binary.LittleEndian.PutUint16(buf[offVerMajor:], headerVersionMajor)
	binary.LittleEndian.PutUint16(buf[offVerMinor:], headerVersionMinor)
	copy(buf[offUUID:offUUID+16], id[:])
	binary.LittleEndian.PutUint32(buf[offCRC:], computeHeaderCRC(buf))
	binary.LittleEndian.PutUint64(buf[offFooterPos:], uint64(footerPos))
}

// computeHeaderCRC checksums every header field except the CRC slot itself.
func computeHeaderCRC(buf []byte) uint32 {
	return crc32.Checksum(buf[:offCRC], crcTable)
}

// decodeHeader validates and decodes the leader record in buf.
func decodeHeader(buf []byte) (header, storage.Address, error) {
	if len(buf) < HeaderSize {
		return header{}, 0, fmt.Errorf("pstore: header truncated (%d bytes): %w", len(buf), ErrHeaderCorrupt)
	}

	if binary.LittleEndian.Uint64(buf[offMagic1:]) != magic1 ||
		binary.LittleEndian.Uint64(buf[offMagic2:]) != magic2 {
		return header{}, 0, fmt.Errorf("pstore: bad magic signature: %w", ErrHeaderCorrupt)
	}

	if sz := binary.LittleEndian.Uint32(buf[offHeaderSz:]); sz != HeaderSize {
		return header{}, 0, fmt.Errorf("pstore: header size %d != %d: %w", sz, HeaderSize, ErrHeaderVersionMismatch)
	}

	major := binary.LittleEndian.Uint16(buf[offVerMajor:])
	minor := binary.LittleEndian.Uint16(buf[offVerMinor:])

	if major != headerVersionMajor || minor != headerVersionMinor {
		return header{}, 0, fmt.Errorf("pstore: version %d.%d != %d.%d: %w", major, minor, headerVersionMajor, headerVersionMinor, ErrHeaderVersionMismatch)
	}

	wantCRC := binary.LittleEndian.Uint32(buf[offCRC:])
	if got := computeHeaderCRC(buf); got != wantCRC {
		return header{}, 0, fmt.Errorf("pstore: header CRC mismatch (got %#x want %#x): %w", got, wantCRC, ErrHeaderCorrupt)
	}

	id, err := uuid.FromBytes(buf[offUUID : offUUID+16])
	if err != nil {
		return header{}, 0, fmt.Errorf("pstore: decode UUID: %w", err)
	}

	footerPos := storage.Address(binary.LittleEndian.Uint64(buf[offFooterPos:]))

	return header{uuid: id}, footerPos, nil
}

// loadFooterPos atomically reads the footer_pos word directly out of the
// mapped header bytes, per the single-word-atomic publication contract
// that lets a crash between commit steps be tolerated (see Transaction's
// commit and the original design's §4.6/§6 discussion of this field).
func loadFooterPos(headerBytes []byte) storage.Address {
	p := (*uint64)(unsafe.Pointer(&headerBytes[offFooterPos]))
	return storage.Address(atomic.LoadUint64(p))
}

// storeFooterPos atomically publishes a new footer_pos. This single write,
// performed last, is what makes a newly committed revision visible to
// every reader sharing the mapping.
func storeFooterPos(headerBytes []byte, addr storage.Address) {
	p := (*uint64)(unsafe.Pointer(&headerBytes[offFooterPos]))
	atomic.StoreUint64(p, uint64(addr))
}
