// Package freemap allocates overflow pages for a hash file.
//
// Overflow pages are numbered in split generations. SPARES[i] is the total
// number of overflow slots handed out once split point i was reached, so split
// point i owns the global slots [SPARES[i-1], SPARES[i]). A slot is addressed
// on disk as (split point, offset within that split point), packed into 16
// bits. One bit per slot records whether it is in use; the bits live on
// bitmap pages which themselves occupy overflow slots.
package freemap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"hashdb/pkg/logger"

	"github.com/bits-and-blooms/bitset"
)

const (
	SplitShift = 11                // Bits of an address holding the offset
	SplitMask  = 1<<SplitShift - 1 // Largest offset within a split point
	NCached    = 32                // Split points and bitmap pages per table
	wordSize   = 4                 // Bitmaps are stored as 32-bit words
)

var (
	ErrTableFull     = errors.New("hash table is full: no overflow addresses left")
	ErrBadAddress    = errors.New("invalid overflow address")
	ErrNotAllocated  = errors.New("overflow page is not allocated")
	ErrBitmapMissing = errors.New("bitmap page is missing")
)

// OAddr packs a split point and an offset into an overflow address.
func OAddr(split, offset int) uint16 {
	return uint16(split<<SplitShift | offset)
}

// Split returns the split point of an overflow address.
func Split(addr uint16) int {
	return int(addr >> SplitShift)
}

// Offset returns the offset of an overflow address within its split point.
func Offset(addr uint16) int {
	return int(addr & SplitMask)
}

// Store reads and writes bitmap pages. Buffers hold page-sized bitmaps as
// 32-bit words in host byte order.
type Store interface {
	ReadBitmap(addr uint16, buf []byte) error
	WriteBitmap(addr uint16, buf []byte) error
}

// State is the persistent part of the allocator, kept in the table's
// metadata page.
type State struct {
	OvflPoint uint32
	LastFreed uint32
	Spares    [NCached]uint32
	Bitmaps   [NCached]uint16
}

type bitmap struct {
	bits  *bitset.BitSet
	dirty bool
}

// Allocator hands out and reclaims overflow page addresses. It is not safe
// for concurrent use.
type Allocator struct {
	st         State
	store      Store
	pageSize   int
	bitsPerMap uint32
	maps       map[int]*bitmap // Cached bitmaps by bitmap number
	log        logger.Logger
}

// New returns an allocator resuming from st.
func New(store Store, pageSize int, st State, log logger.Logger) *Allocator {
	return &Allocator{
		st:         st,
		store:      store,
		pageSize:   pageSize,
		bitsPerMap: uint32(pageSize * 8),
		maps:       make(map[int]*bitmap),
		log:        logger.OrDiscard(log),
	}
}

// Init sets up a new table whose first split point is ovflPoint. The first
// bitmap page takes slot 1 of that split point.
func (a *Allocator) Init(ovflPoint int) {
	a.st = State{OvflPoint: uint32(ovflPoint)}
	a.st.Spares[ovflPoint] = 1
	a.maps = make(map[int]*bitmap)
	a.newBitmap(0)
}

// State returns a copy of the persistent state.
func (a *Allocator) State() State {
	return a.st
}

// OvflPoint returns the current split point.
func (a *Allocator) OvflPoint() int {
	return int(a.st.OvflPoint)
}

// Spares returns SPARES[i].
func (a *Allocator) Spares(i int) uint32 {
	return a.st.Spares[i]
}

// base returns the first global slot of split point s.
func (a *Allocator) base(s int) uint32 {
	if s == 0 {
		return 0
	}
	return a.st.Spares[s-1]
}

// Addr converts a global slot number to an overflow address.
func (a *Allocator) Addr(bit uint32) (uint16, error) {
	for s := 0; s <= int(a.st.OvflPoint); s++ {
		if bit < a.st.Spares[s] {
			off := bit - a.base(s) + 1
			if off > SplitMask {
				return 0, fmt.Errorf("%w: slot %d", ErrBadAddress, bit)
			}
			return OAddr(s, int(off)), nil
		}
	}
	return 0, fmt.Errorf("%w: slot %d", ErrBadAddress, bit)
}

// Bit converts an overflow address to its global slot number.
func (a *Allocator) Bit(addr uint16) (uint32, error) {
	s, off := Split(addr), Offset(addr)
	if off == 0 || s > int(a.st.OvflPoint) {
		return 0, fmt.Errorf("%w: %#x", ErrBadAddress, addr)
	}
	bit := a.base(s) + uint32(off) - 1
	if bit >= a.st.Spares[s] {
		return 0, fmt.Errorf("%w: %#x", ErrBadAddress, addr)
	}
	return bit, nil
}

// newBitmap creates bitmap n in the slot at the start of its range and marks
// that slot used. The slot must already be counted in SPARES.
func (a *Allocator) newBitmap(n int) {
	bit := uint32(n) * a.bitsPerMap
	addr, err := a.Addr(bit)
	if err != nil {
		panic(fmt.Sprintf("freemap: bitmap %d has no slot: %v", n, err))
	}
	bm := &bitmap{bits: bitset.New(uint(a.bitsPerMap)), dirty: true}
	bm.bits.Set(0)
	a.st.Bitmaps[n] = addr
	a.maps[n] = bm
}

// Fetch materializes bitmap n from the store if it is not already cached.
func (a *Allocator) Fetch(n int) error {
	_, err := a.fetch(n)
	return err
}

func (a *Allocator) fetch(n int) (*bitmap, error) {
	if bm, ok := a.maps[n]; ok {
		return bm, nil
	}
	if n >= NCached || a.st.Bitmaps[n] == 0 {
		return nil, fmt.Errorf("%w: %d", ErrBitmapMissing, n)
	}
	buf := make([]byte, a.pageSize)
	if err := a.store.ReadBitmap(a.st.Bitmaps[n], buf); err != nil {
		return nil, fmt.Errorf("reading bitmap %d: %w", n, err)
	}
	bm := &bitmap{bits: bitset.From(decodeWords(buf))}
	a.maps[n] = bm
	return bm, nil
}

// locate fetches the bitmap holding bit and returns the bit's index in it.
func (a *Allocator) locate(bit uint32) (*bitmap, uint, error) {
	bm, err := a.fetch(int(bit / a.bitsPerMap))
	if err != nil {
		return nil, 0, err
	}
	return bm, uint(bit % a.bitsPerMap), nil
}

// Allocate returns the address of a free overflow page and marks it used.
// The lowest free slot at or after LAST_FREED is reused first; otherwise a
// new slot is added to the current split point.
func (a *Allocator) Allocate() (uint16, error) {
	limit := a.st.Spares[a.st.OvflPoint]
	for bit := a.st.LastFreed; bit < limit; {
		n := bit / a.bitsPerMap
		bm, err := a.fetch(int(n))
		if err != nil {
			return 0, err
		}
		end := min((n+1)*a.bitsPerMap, limit)
		i, ok := bm.bits.NextClear(uint(bit - n*a.bitsPerMap))
		if ok && n*a.bitsPerMap+uint32(i) < end {
			free := n*a.bitsPerMap + uint32(i)
			bm.bits.Set(i)
			bm.dirty = true
			if free > a.st.LastFreed {
				a.st.LastFreed = free
			}
			return a.Addr(free)
		}
		bit = end
	}
	return a.extend()
}

// extend adds a slot to the current split point, preceded by a new bitmap
// page when the slot starts a bitmap range.
func (a *Allocator) extend() (uint16, error) {
	p := int(a.st.OvflPoint)
	bit := a.st.Spares[p]
	need := uint32(1)
	n := int(bit / a.bitsPerMap)
	newMap := bit%a.bitsPerMap == 0
	if newMap {
		need++
	}
	if bit+need-a.base(p) > SplitMask {
		a.log.Warn("overflow split point exhausted", "split", p, "spares", bit)
		return 0, ErrTableFull
	}
	if newMap && n >= NCached {
		a.log.Warn("bitmap table exhausted", "bitmaps", n)
		return 0, ErrTableFull
	}
	a.st.Spares[p] += need
	if newMap {
		a.newBitmap(n)
		a.log.Info("added bitmap page", "bitmap", n, "addr", a.st.Bitmaps[n])
		bit++
	}
	bm, idx, err := a.locate(bit)
	if err != nil {
		return 0, err
	}
	bm.bits.Set(idx)
	bm.dirty = true
	a.st.LastFreed = bit
	return a.Addr(bit)
}

// Free returns an overflow page to the allocator.
func (a *Allocator) Free(addr uint16) error {
	bit, err := a.Bit(addr)
	if err != nil {
		return err
	}
	bm, idx, err := a.locate(bit)
	if err != nil {
		return err
	}
	if !bm.bits.Test(idx) {
		return fmt.Errorf("%w: %#x", ErrNotAllocated, addr)
	}
	if idx == 0 {
		return fmt.Errorf("%w: %#x holds a bitmap", ErrBadAddress, addr)
	}
	bm.bits.Clear(idx)
	bm.dirty = true
	if bit < a.st.LastFreed {
		a.st.LastFreed = bit
	}
	return nil
}

// Touch loads the bitmap covering addr so that a later Free of addr does not
// need I/O.
func (a *Allocator) Touch(addr uint16) error {
	bit, err := a.Bit(addr)
	if err != nil {
		return err
	}
	_, _, err = a.locate(bit)
	return err
}

// Allocated reports whether addr is marked in use.
func (a *Allocator) Allocated(addr uint16) (bool, error) {
	bit, err := a.Bit(addr)
	if err != nil {
		return false, err
	}
	bm, idx, err := a.locate(bit)
	if err != nil {
		return false, err
	}
	return bm.bits.Test(idx), nil
}

// AdvanceSplitPoint moves the current split point to p when the table grows
// past it. New slots are then numbered after every slot of earlier points.
func (a *Allocator) AdvanceSplitPoint(p int) {
	if p <= int(a.st.OvflPoint) {
		return
	}
	if p >= NCached {
		panic(fmt.Sprintf("freemap: split point %d out of range", p))
	}
	for s := int(a.st.OvflPoint) + 1; s <= p; s++ {
		a.st.Spares[s] = a.st.Spares[a.st.OvflPoint]
	}
	a.st.OvflPoint = uint32(p)
}

// InUse returns the number of used overflow slots, bitmap pages included.
func (a *Allocator) InUse() (int, error) {
	total := a.st.Spares[a.st.OvflPoint]
	count := 0
	for n := 0; uint32(n)*a.bitsPerMap < total; n++ {
		bm, err := a.fetch(n)
		if err != nil {
			return 0, err
		}
		count += int(bm.bits.Count())
	}
	return count, nil
}

// Slots returns the number of overflow slots handed out so far.
func (a *Allocator) Slots() uint32 {
	return a.st.Spares[a.st.OvflPoint]
}

// Flush writes every modified bitmap to the store.
func (a *Allocator) Flush() error {
	for n, bm := range a.maps {
		if !bm.dirty {
			continue
		}
		buf := make([]byte, a.pageSize)
		encodeWords(buf, bm.bits.Bytes())
		if err := a.store.WriteBitmap(a.st.Bitmaps[n], buf); err != nil {
			return fmt.Errorf("writing bitmap %d: %w", n, err)
		}
		bm.dirty = false
	}
	return nil
}

// decodeWords packs the 32-bit words of a bitmap page into the 64-bit words
// used by bitset. Bit i of the page is bit i%32 of word i/32.
func decodeWords(buf []byte) []uint64 {
	words := make([]uint64, len(buf)/(2*wordSize))
	for i := range words {
		lo := binary.NativeEndian.Uint32(buf[2*i*wordSize:])
		hi := binary.NativeEndian.Uint32(buf[(2*i+1)*wordSize:])
		words[i] = uint64(hi)<<32 | uint64(lo)
	}
	return words
}

func encodeWords(buf []byte, words []uint64) {
	for i, w := range words {
		binary.NativeEndian.PutUint32(buf[2*i*wordSize:], uint32(w))
		binary.NativeEndian.PutUint32(buf[(2*i+1)*wordSize:], uint32(w>>32))
	}
}
