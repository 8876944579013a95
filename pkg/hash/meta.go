package hash

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"hashdb/pkg/freemap"

	"github.com/cespare/xxhash/v2"
)

// header is the persistent state of a table, stored on page META_PN.
type header struct {
	lorder    uint32 // LITTLE_ENDIAN or BIG_ENDIAN
	bsize     uint32 // Page size
	bshift    uint32 // log2(bsize)
	maxBucket uint32 // Highest bucket number in use
	highMask  uint32 // Mask for the next doubling of the table
	lowMask   uint32 // Mask for the current doubling of the table
	ffactor   uint32 // Fill factor
	nkeys     uint64 // Number of keys stored
	hdrPages  uint32 // Pages before bucket 0
	hashCheck uint32 // Hash of CHARKEY
	alloc     freemap.State
}

// byteOrder returns the encoding for a byte order tag.
func byteOrder(lorder uint32) binary.ByteOrder {
	if lorder == BIG_ENDIAN {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// lorderOf returns the tag for a byte order.
func lorderOf(order binary.ByteOrder) (uint32, error) {
	probe := make([]byte, 2)
	order.PutUint16(probe, 1)
	switch {
	case probe[0] == 1:
		return LITTLE_ENDIAN, nil
	case probe[1] == 1:
		return BIG_ENDIAN, nil
	}
	return 0, ErrInvalidByteOrder
}

// hostOrder is the tag of the host's byte order.
var hostOrder, _ = lorderOf(binary.NativeEndian)

// encode writes the header into buf in the table's byte order.
func (h *header) encode(buf []byte) {
	order := byteOrder(h.lorder)
	clear(buf[:META_SIZE])
	order.PutUint32(buf[MAGIC_OFFSET:], HASHMAGIC)
	order.PutUint32(buf[VERSION_OFFSET:], HASHVERSION)
	order.PutUint32(buf[LORDER_OFFSET:], h.lorder)
	order.PutUint32(buf[BSIZE_OFFSET:], h.bsize)
	order.PutUint32(buf[BSHIFT_OFFSET:], h.bshift)
	order.PutUint32(buf[OVFL_POINT_OFFSET:], h.alloc.OvflPoint)
	order.PutUint32(buf[LAST_FREED_OFFSET:], h.alloc.LastFreed)
	order.PutUint32(buf[MAX_BUCKET_OFFSET:], h.maxBucket)
	order.PutUint32(buf[HIGH_MASK_OFFSET:], h.highMask)
	order.PutUint32(buf[LOW_MASK_OFFSET:], h.lowMask)
	order.PutUint32(buf[FFACTOR_OFFSET:], h.ffactor)
	order.PutUint64(buf[NKEYS_OFFSET:], h.nkeys)
	order.PutUint32(buf[HDRPAGES_OFFSET:], h.hdrPages)
	order.PutUint32(buf[HASH_CHECK_OFFSET:], h.hashCheck)
	for i := 0; i < NCACHED; i++ {
		order.PutUint32(buf[SPARES_OFFSET+4*i:], h.alloc.Spares[i])
		order.PutUint16(buf[BITMAPS_OFFSET+2*i:], h.alloc.Bitmaps[i])
	}
	order.PutUint64(buf[CHECKSUM_OFFSET:], xxhash.Sum64(buf[:CHECKSUM_OFFSET]))
}

// decodeHeader parses a header, detecting its byte order from the magic
// number.
func decodeHeader(buf []byte) (*header, error) {
	if len(buf) < META_SIZE {
		return nil, fmt.Errorf("%w: header is %d bytes", ErrInvalidMagic, len(buf))
	}
	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(buf[MAGIC_OFFSET:]) == HASHMAGIC:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(buf[MAGIC_OFFSET:]) == HASHMAGIC:
		order = binary.BigEndian
	default:
		return nil, ErrInvalidMagic
	}
	if v := order.Uint32(buf[VERSION_OFFSET:]); v != HASHVERSION {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, v)
	}
	if order.Uint64(buf[CHECKSUM_OFFSET:]) != xxhash.Sum64(buf[:CHECKSUM_OFFSET]) {
		return nil, ErrChecksum
	}
	h := &header{
		lorder:    order.Uint32(buf[LORDER_OFFSET:]),
		bsize:     order.Uint32(buf[BSIZE_OFFSET:]),
		bshift:    order.Uint32(buf[BSHIFT_OFFSET:]),
		maxBucket: order.Uint32(buf[MAX_BUCKET_OFFSET:]),
		highMask:  order.Uint32(buf[HIGH_MASK_OFFSET:]),
		lowMask:   order.Uint32(buf[LOW_MASK_OFFSET:]),
		ffactor:   order.Uint32(buf[FFACTOR_OFFSET:]),
		nkeys:     order.Uint64(buf[NKEYS_OFFSET:]),
		hdrPages:  order.Uint32(buf[HDRPAGES_OFFSET:]),
		hashCheck: order.Uint32(buf[HASH_CHECK_OFFSET:]),
	}
	h.alloc.OvflPoint = order.Uint32(buf[OVFL_POINT_OFFSET:])
	h.alloc.LastFreed = order.Uint32(buf[LAST_FREED_OFFSET:])
	for i := 0; i < NCACHED; i++ {
		h.alloc.Spares[i] = order.Uint32(buf[SPARES_OFFSET+4*i:])
		h.alloc.Bitmaps[i] = order.Uint16(buf[BITMAPS_OFFSET+2*i:])
	}
	if err := h.validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// validate rejects headers that would send the table out of bounds.
func (h *header) validate() error {
	if h.lorder != LITTLE_ENDIAN && h.lorder != BIG_ENDIAN {
		return fmt.Errorf("%w: byte order %d", ErrCorrupt, h.lorder)
	}
	if !validPageSize(int(h.bsize)) || h.bsize != 1<<h.bshift {
		return fmt.Errorf("%w: page size %d", ErrCorrupt, h.bsize)
	}
	if h.hdrPages != HDRPAGES || h.ffactor == 0 {
		return fmt.Errorf("%w: bad header fields", ErrCorrupt)
	}
	if h.alloc.OvflPoint >= NCACHED || h.lowMask > h.highMask || h.maxBucket > h.highMask {
		return fmt.Errorf("%w: bad split state", ErrCorrupt)
	}
	return nil
}

// readHeader reads the header of an existing table file without going
// through a pager, whose page size is not yet known.
func readHeader(path string) (*header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, META_SIZE)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("%w: reading header: %w", ErrIO, err)
	}
	return decodeHeader(buf)
}

// validPageSize reports whether size is a supported power of two.
func validPageSize(size int) bool {
	return size >= MIN_PAGESIZE && size <= MAX_PAGESIZE && size&(size-1) == 0
}
