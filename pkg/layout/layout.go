// Package layout implements the on-page format shared by bucket, overflow and
// big-pair pages of a hash file.
//
// A page is an array of 16-bit cells. Cell 0 holds N, the number of occupied
// offset-table cells. Cells 1..N hold entries, two cells each. Cell N+1 holds
// the free space in bytes and cell N+2 the offset of the lowest used data
// byte. Key and value bytes are packed downward from the end of the page while
// the offset table grows upward, so
//
//	OFFSET - (N+3)*CellSize == FREESPACE
//
// holds between any two operations.
package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	CellSize     = 2            // Bytes per header/offset cell
	HeaderSize   = 3 * CellSize // N, FREESPACE and OFFSET of an empty page
	PairOverhead = 2 * CellSize // Offset-table cost of one entry
	LinkSize     = 2 * CellSize // Offset-table cost of an overflow link
	MaxPageSize  = 1 << 15      // OFFSET must fit in a cell
	MinPageSize  = 512          // Smallest page that can hold the metadata page
)

// Flag values stored in the second cell of an entry. Real value offsets are
// never below HeaderSize, so they cannot collide.
const (
	OVFLPAGE uint16 = 0
	BIGPAIR  uint16 = 1
)

// ErrCorrupt is returned by Check when a page header is inconsistent.
var ErrCorrupt = errors.New("page header is corrupt")

// Cells are kept in host order while a page is in memory; the pager converts
// to the table's byte order on the way to and from disk.
var order = binary.NativeEndian

// Kind tags an offset-table entry.
type Kind int

const (
	KindPair Kind = iota // Inline key/value pair
	KindBig              // Placeholder for a pair stored out of line
	KindLink             // Link to the next page of the chain
)

// Entry is one decoded offset-table entry.
type Entry struct {
	Kind   Kind
	KeyOff uint16 // KindPair: start of the key bytes
	ValOff uint16 // KindPair: start of the value bytes
	Off    uint16 // KindBig: start of the placeholder bytes
	Addr   uint16 // KindLink: overflow address of the next page
}

// low returns the lowest data byte used by the entry.
func (e Entry) low() int {
	switch e.Kind {
	case KindPair:
		return int(e.ValOff)
	case KindBig:
		return int(e.Off)
	}
	return -1
}

// Page is a view over a page-sized buffer.
type Page []byte

// PairSize returns the number of bytes an inline pair consumes.
func PairSize(keyLen, valLen int) int {
	return keyLen + valLen + PairOverhead
}

// FitsEmpty reports whether a pair fits on a freshly initialized page of
// the given size.
func FitsEmpty(pageSize, keyLen, valLen int) bool {
	return PairSize(keyLen, valLen)+LinkSize <= pageSize-HeaderSize
}

func (p Page) cell(i int) uint16 {
	return order.Uint16(p[i*CellSize:])
}

func (p Page) setCell(i int, v uint16) {
	order.PutUint16(p[i*CellSize:], v)
}

// Init resets the page to an empty page.
func (p Page) Init() {
	clear(p)
	p.setHeader(0, len(p))
}

// setHeader writes N, FREESPACE and OFFSET.
func (p Page) setHeader(n int, off int) {
	p.setCell(0, uint16(n))
	p.setCell(n+1, uint16(off-(n+3)*CellSize))
	// An empty page has OFFSET == len(p), which only fits a cell because
	// MaxPageSize is 1<<15.
	p.setCell(n+2, uint16(off))
}

// N returns the number of occupied offset-table cells.
func (p Page) N() int {
	return int(p.cell(0))
}

// FreeSpace returns the free bytes between the offset table and the data.
func (p Page) FreeSpace() int {
	return int(p.cell(p.N() + 1))
}

// Offset returns the offset of the lowest occupied data byte.
func (p Page) Offset() int {
	return int(p.cell(p.N() + 2))
}

// NumEntries returns the number of entries, including an overflow link.
func (p Page) NumEntries() int {
	return p.N() / 2
}

// NumPairs returns the number of pair and placeholder entries.
func (p Page) NumPairs() int {
	if p.HasLink() {
		return p.NumEntries() - 1
	}
	return p.NumEntries()
}

// Entry decodes entry i.
func (p Page) Entry(i int) Entry {
	a, b := p.cell(2*i+1), p.cell(2*i+2)
	switch b {
	case OVFLPAGE:
		return Entry{Kind: KindLink, Addr: a}
	case BIGPAIR:
		return Entry{Kind: KindBig, Off: a}
	}
	return Entry{Kind: KindPair, KeyOff: a, ValOff: b}
}

// Entries decodes the whole offset table.
func (p Page) Entries() []Entry {
	ret := make([]Entry, p.NumEntries())
	for i := range ret {
		ret[i] = p.Entry(i)
	}
	return ret
}

// prevLow returns the upper bound of entry i's data.
func (p Page) prevLow(i int) int {
	if i == 0 {
		return len(p)
	}
	return p.Entry(i - 1).low()
}

// PairAt returns the key and value of the pair entry i. Both slices alias the
// page.
func (p Page) PairAt(i int) (key []byte, val []byte) {
	e := p.Entry(i)
	if e.Kind != KindPair {
		panic(fmt.Sprintf("layout: entry %d is not a pair", i))
	}
	hi := p.prevLow(i)
	return p[e.KeyOff:hi], p[e.ValOff:e.KeyOff]
}

// Placeholder returns the placeholder bytes of big entry i, aliasing the page.
func (p Page) Placeholder(i int) []byte {
	e := p.Entry(i)
	if e.Kind != KindBig {
		panic(fmt.Sprintf("layout: entry %d is not a big pair", i))
	}
	return p[e.Off:p.prevLow(i)]
}

// HasLink reports whether the last entry links to an overflow page.
func (p Page) HasLink() bool {
	n := p.N()
	return n > 0 && p.cell(n) == OVFLPAGE
}

// Link returns the overflow address of the next page, or 0.
func (p Page) Link() uint16 {
	if !p.HasLink() {
		return 0
	}
	return p.cell(p.N() - 1)
}

// PairFits reports whether a pair can be appended while leaving room for an
// overflow link.
func (p Page) PairFits(keyLen, valLen int) bool {
	return !p.HasLink() && PairSize(keyLen, valLen)+LinkSize <= p.FreeSpace()
}

// SqueezeFits reports whether a pair can be inserted in front of the page's
// overflow link.
func (p Page) SqueezeFits(keyLen, valLen int) bool {
	return p.HasLink() && PairSize(keyLen, valLen) <= p.FreeSpace()
}

// PutPair appends a pair. The caller must have checked PairFits.
func (p Page) PutPair(key, val []byte) {
	if !p.PairFits(len(key), len(val)) {
		panic("layout: PutPair on a page without room")
	}
	p.put(key, val, false)
}

// SqueezePair inserts a pair just before the overflow link, which stays the
// last entry. The caller must have checked SqueezeFits.
func (p Page) SqueezePair(key, val []byte) {
	if !p.SqueezeFits(len(key), len(val)) {
		panic("layout: SqueezePair on a page without room")
	}
	p.put(key, val, false)
}

// PutBigPair appends a big-pair placeholder.
func (p Page) PutBigPair(ph []byte) {
	if !p.PairFits(len(ph), 0) {
		panic("layout: PutBigPair on a page without room")
	}
	p.put(ph, nil, true)
}

// SqueezeBigPair inserts a big-pair placeholder before the overflow link.
func (p Page) SqueezeBigPair(ph []byte) {
	if !p.SqueezeFits(len(ph), 0) {
		panic("layout: SqueezeBigPair on a page without room")
	}
	p.put(ph, nil, true)
}

func (p Page) put(key, val []byte, big bool) {
	n := p.N()
	off := p.Offset() - len(key)
	copy(p[off:], key)
	a, b := uint16(off), BIGPAIR
	if !big {
		off -= len(val)
		copy(p[off:], val)
		b = uint16(off)
	}
	if p.HasLink() {
		// Slide the link up one entry.
		p.setCell(n+1, p.cell(n-1))
		p.setCell(n+2, OVFLPAGE)
		p.setCell(n-1, a)
		p.setCell(n, b)
	} else {
		p.setCell(n+1, a)
		p.setCell(n+2, b)
	}
	p.setHeader(n+2, off)
}

// AddLink appends an overflow link to addr.
func (p Page) AddLink(addr uint16) {
	if p.HasLink() || p.FreeSpace() < LinkSize {
		panic("layout: AddLink on a linked or full page")
	}
	n, off := p.N(), p.Offset()
	p.setCell(n+1, addr)
	p.setCell(n+2, OVFLPAGE)
	p.setHeader(n+2, off)
}

// SetLink points the existing overflow link at addr.
func (p Page) SetLink(addr uint16) {
	if !p.HasLink() {
		panic("layout: SetLink on a page without a link")
	}
	p.setCell(p.N()-1, addr)
}

// RemoveLink drops the overflow link.
func (p Page) RemoveLink() {
	if !p.HasLink() {
		panic("layout: RemoveLink on a page without a link")
	}
	n, off := p.N(), p.Offset()
	p.setHeader(n-2, off)
}

// Remove deletes pair or placeholder entry i. Data of later entries is moved
// up to close the gap and their offsets are shifted; an overflow link keeps
// its value and only moves down one slot.
func (p Page) Remove(i int) {
	e := p.Entry(i)
	if e.Kind == KindLink {
		panic("layout: Remove of an overflow link")
	}
	n, off := p.N(), p.Offset()
	hi, lo := p.prevLow(i), e.low()
	span := hi - lo
	copy(p[off+span:hi], p[off:lo])
	for j := i + 1; j < n/2; j++ {
		a, b := p.cell(2*j+1), p.cell(2*j+2)
		if b != OVFLPAGE {
			a += uint16(span)
			if b != BIGPAIR {
				b += uint16(span)
			}
		}
		p.setCell(2*j-1, a)
		p.setCell(2*j, b)
	}
	p.setHeader(n-2, off+span)
}

// Check validates the header invariant and the offset table.
func (p Page) Check() error {
	if len(p) < MinPageSize || len(p) > MaxPageSize {
		return fmt.Errorf("%w: page size %d", ErrCorrupt, len(p))
	}
	n := p.N()
	if n%2 != 0 || (n+3)*CellSize > len(p) {
		return fmt.Errorf("%w: bad entry count %d", ErrCorrupt, n)
	}
	off, free := p.Offset(), p.FreeSpace()
	if off > len(p) || off-(n+3)*CellSize != free {
		return fmt.Errorf("%w: offset %d, free space %d, n %d", ErrCorrupt, off, free, n)
	}
	hi := len(p)
	for i := 0; i < n/2; i++ {
		e := p.Entry(i)
		switch e.Kind {
		case KindLink:
			if i != n/2-1 {
				return fmt.Errorf("%w: overflow link at entry %d of %d", ErrCorrupt, i, n/2)
			}
			continue
		case KindPair:
			if e.KeyOff > uint16(hi) || e.ValOff > e.KeyOff {
				return fmt.Errorf("%w: entry %d out of order", ErrCorrupt, i)
			}
		case KindBig:
			if int(e.Off) > hi {
				return fmt.Errorf("%w: entry %d out of order", ErrCorrupt, i)
			}
		}
		hi = e.low()
	}
	if hi != off {
		return fmt.Errorf("%w: data ends at %d but offset is %d", ErrCorrupt, hi, off)
	}
	return nil
}
