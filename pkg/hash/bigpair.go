package hash

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"hashdb/pkg/layout"
)

// A pair too large for an empty page is stored out of line, on a chain of
// overflow pages each holding one fragment pair: a slice of the key bytes
// followed by a slice of the value bytes. The bucket keeps a placeholder
// naming the first page of the chain and both lengths.

// bigCapacity returns the number of key and value bytes one fragment page
// holds.
func (table *HashTable) bigCapacity() int {
	return int(table.hdr.bsize) - layout.HeaderSize - layout.PairOverhead - layout.LinkSize
}

func makePlaceholder(addr uint16, klen, vlen int) []byte {
	ph := make([]byte, BIG_PLACEHOLDER_SIZE)
	binary.BigEndian.PutUint16(ph[0:], addr)
	binary.BigEndian.PutUint32(ph[2:], uint32(klen))
	binary.BigEndian.PutUint32(ph[6:], uint32(vlen))
	return ph
}

// bigAddr returns the first overflow address of a big pair's chain.
func bigAddr(ph []byte) uint16 {
	return binary.BigEndian.Uint16(ph[0:])
}

// bigLens returns the key and value lengths of a big pair.
func bigLens(ph []byte) (klen int, vlen int) {
	return int(binary.BigEndian.Uint32(ph[2:])), int(binary.BigEndian.Uint32(ph[6:]))
}

// storeBig writes key and val to a new chain of overflow pages and returns the
// placeholder referencing it. Every page is allocated before any is written,
// so a full table leaves nothing behind.
func (table *HashTable) storeBig(key, val []byte) ([]byte, error) {
	capacity := table.bigCapacity()
	total := len(key) + len(val)
	n := (total + capacity - 1) / capacity
	addrs := make([]uint16, 0, n)
	for len(addrs) < n {
		addr, err := table.ovfl.Allocate()
		if err != nil {
			table.freeAll(addrs)
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	for i, addr := range addrs {
		lo, hi := i*capacity, min((i+1)*capacity, total)
		kpart := key[min(lo, len(key)):min(hi, len(key))]
		vpart := val[max(lo-len(key), 0):max(hi-len(key), 0)]
		page, err := table.newPage(table.oaddrToPage(addr))
		if err != nil {
			table.freeAll(addrs)
			return nil, err
		}
		lp := layout.Page(page.GetData())
		lp.PutPair(kpart, vpart)
		if i+1 < len(addrs) {
			lp.AddLink(addrs[i+1])
		}
		table.release(page)
	}
	return makePlaceholder(addrs[0], len(key), len(val)), nil
}

// freeAll returns pages to the allocator after a failed operation.
func (table *HashTable) freeAll(addrs []uint16) {
	for _, addr := range addrs {
		if err := table.ovfl.Free(addr); err != nil {
			table.log.Error("failed to release overflow page", "addr", addr, "error", err)
		}
	}
}

// readBig reassembles a big pair. The value is only read when wantVal is set.
func (table *HashTable) readBig(ph []byte, wantVal bool) (key []byte, val []byte, err error) {
	klen, vlen := bigLens(ph)
	key = make([]byte, 0, klen)
	if wantVal {
		val = make([]byte, 0, vlen)
	}
	addr := bigAddr(ph)
	for addr != 0 && (len(key) < klen || (wantVal && len(val) < vlen)) {
		page, err := table.getOvflPage(addr)
		if err != nil {
			return nil, nil, err
		}
		lp := layout.Page(page.GetData())
		if lp.NumPairs() != 1 || lp.Entry(0).Kind != layout.KindPair {
			table.release(page)
			return nil, nil, fmt.Errorf("%w: big pair page %#x", ErrCorrupt, addr)
		}
		k, v := lp.PairAt(0)
		key = append(key, k...)
		if wantVal {
			val = append(val, v...)
		}
		addr = lp.Link()
		table.release(page)
	}
	if len(key) != klen || (wantVal && len(val) != vlen) {
		return nil, nil, fmt.Errorf("%w: big pair chain at %#x is short", ErrCorrupt, bigAddr(ph))
	}
	return key, val, nil
}

// bigKey returns the key of a big pair.
func (table *HashTable) bigKey(ph []byte) ([]byte, error) {
	key, _, err := table.readBig(ph, false)
	return key, err
}

// bigMatches reports whether a big pair's key is key. Lengths are compared
// first so that most mismatches need no I/O.
func (table *HashTable) bigMatches(ph []byte, key []byte) (bool, error) {
	if klen, _ := bigLens(ph); klen != len(key) {
		return false, nil
	}
	stored, err := table.bigKey(ph)
	if err != nil {
		return false, err
	}
	return bytes.Equal(stored, key), nil
}

// bigPages returns the overflow addresses of a big pair's chain.
func (table *HashTable) bigPages(ph []byte) ([]uint16, error) {
	klen, vlen := bigLens(ph)
	capacity := table.bigCapacity()
	want := (klen + vlen + capacity - 1) / capacity
	addrs := make([]uint16, 0, want)
	for addr := bigAddr(ph); addr != 0; {
		if len(addrs) == want {
			return nil, fmt.Errorf("%w: big pair chain at %#x is too long", ErrCorrupt, bigAddr(ph))
		}
		page, err := table.getOvflPage(addr)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
		addr = layout.Page(page.GetData()).Link()
		table.release(page)
	}
	if len(addrs) != want {
		return nil, fmt.Errorf("%w: big pair chain at %#x is short", ErrCorrupt, bigAddr(ph))
	}
	return addrs, nil
}

// deleteBig frees every page of a big pair. The chain is read and each
// bitmap loaded before anything is freed.
func (table *HashTable) deleteBig(ph []byte) error {
	addrs, err := table.bigPages(ph)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if err := table.ovfl.Touch(addr); err != nil {
			return err
		}
	}
	for _, addr := range addrs {
		if err := table.ovfl.Free(addr); err != nil {
			return err
		}
	}
	return nil
}
