package hash

import (
	"fmt"

	"hashdb/pkg/layout"
)

// IsHash checks the structure of a table: every page of every chain is well
// formed, every key lives in the bucket it hashes to, every overflow page in
// use is marked allocated and the key count matches the header.
func IsHash(table *HashTable) (bool, error) {
	table.mu.Lock()
	defer table.mu.Unlock()
	if table.closed {
		return false, ErrTableClosed
	}
	var keys uint64
	for b := uint32(0); b <= table.hdr.maxBucket; b++ {
		n, err := table.verifyBucket(b)
		if err != nil {
			return false, err
		}
		keys += uint64(n)
	}
	if keys != table.hdr.nkeys {
		return false, fmt.Errorf("%w: header counts %d keys, chains hold %d", ErrCorrupt, table.hdr.nkeys, keys)
	}
	return true, nil
}

// verifyBucket checks one chain and returns the number of pairs in it.
func (table *HashTable) verifyBucket(b uint32) (int, error) {
	page, err := table.getBucketPage(b)
	if err != nil {
		return 0, err
	}
	pairs := 0
	limit := int(table.alloc.Slots())
	for pages := 0; ; pages++ {
		if pages > limit {
			table.release(page)
			return 0, fmt.Errorf("%w: bucket %d chain has a cycle", ErrCorrupt, b)
		}
		lp := layout.Page(page.GetData())
		for i := 0; i < lp.NumPairs(); i++ {
			var key []byte
			if lp.Entry(i).Kind == layout.KindBig {
				ph := lp.Placeholder(i)
				if key, err = table.bigKey(ph); err == nil {
					err = table.checkAllocated(table.bigPages(ph))
				}
				if err != nil {
					table.release(page)
					return 0, err
				}
			} else {
				key, _ = lp.PairAt(i)
			}
			if got := table.bucketOf(table.hash(key)); got != b {
				table.release(page)
				return 0, fmt.Errorf("%w: key %q of bucket %d hashes to bucket %d", ErrCorrupt, key, b, got)
			}
			pairs++
		}
		next := lp.Link()
		table.release(page)
		if next == 0 {
			return pairs, nil
		}
		if err := table.checkAllocated([]uint16{next}, nil); err != nil {
			return 0, err
		}
		if page, err = table.getOvflPage(next); err != nil {
			return 0, err
		}
	}
}

// checkAllocated fails unless every address is marked in use.
func (table *HashTable) checkAllocated(addrs []uint16, err error) error {
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		ok, err := table.alloc.Allocated(addr)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: overflow page %#x is in use but free in its bitmap", ErrCorrupt, addr)
		}
	}
	return nil
}
