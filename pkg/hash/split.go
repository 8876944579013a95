package hash

import (
	"fmt"

	"hashdb/pkg/layout"
	"hashdb/pkg/pager"
)

// expand adds bucket MAX_BUCKET+1 and moves into it the keys of the bucket
// it splits from. On failure the bucket count and masks are restored; the
// split point may stay advanced, which only reserves addresses.
func (table *HashTable) expand() error {
	hdr := &table.hdr
	newBucket := hdr.maxBucket + 1
	p := int(log2(newBucket + 1))
	if p >= NCACHED {
		return fmt.Errorf("%w: %d buckets", ErrTableFull, newBucket)
	}
	oldBucket := newBucket & hdr.lowMask
	savedMax, savedLow, savedHigh := hdr.maxBucket, hdr.lowMask, hdr.highMask

	if p > table.alloc.OvflPoint() {
		table.alloc.AdvanceSplitPoint(p)
		table.log.Info("advanced split point", "split", p, "buckets", newBucket+1)
	}
	hdr.maxBucket = newBucket
	if newBucket > hdr.highMask {
		hdr.lowMask = hdr.highMask
		hdr.highMask = newBucket | hdr.lowMask
	}
	if err := table.split(oldBucket, newBucket); err != nil {
		hdr.maxBucket, hdr.lowMask, hdr.highMask = savedMax, savedLow, savedHigh
		return err
	}
	return nil
}

// chainPlan is the new content of one bucket chain.
type chainPlan struct {
	pgnos []int64  // Page of each chain position; the first is the bucket's
	addrs []uint16 // Overflow address of positions 1.. of the chain
	items [][]item // Items of each page, in order
}

// split redistributes the chain of bucket oldB between oldB and newB under
// the current masks. Every entry is staged in chain order first, then every
// overflow page the result needs is allocated, and only then are pages
// rewritten, so a failure before the rewrite leaves the old chain as it was.
func (table *HashTable) split(oldB, newB uint32) error {
	staged, ovfl, err := table.stageChain(oldB)
	if err != nil {
		return err
	}
	var keep, move []item
	for _, it := range staged {
		key := it.key
		if it.big {
			if key, err = table.bigKey(it.key); err != nil {
				return err
			}
		}
		switch table.bucketOf(table.hash(key)) {
		case oldB:
			keep = append(keep, it)
		case newB:
			move = append(move, it)
		default:
			return fmt.Errorf("%w: bucket %d holds a key of bucket %d", ErrCorrupt,
				oldB, table.bucketOf(table.hash(key)))
		}
	}
	oldPages, newPages := table.pack(keep), table.pack(move)

	// Old overflow pages are reused by the old bucket first, then by the new
	// one; fresh pages make up any shortage and leftovers are freed.
	var fresh []uint16
	for need := len(oldPages) - 1 + len(newPages) - 1 - len(ovfl); len(fresh) < need; {
		addr, err := table.ovfl.Allocate()
		if err != nil {
			table.freeAll(fresh)
			return err
		}
		fresh = append(fresh, addr)
	}
	pool := append(append([]uint16(nil), ovfl...), fresh...)

	oldPlan := chainPlan{
		pgnos: []int64{table.bucketToPage(oldB)},
		items: oldPages,
	}
	newPlan := chainPlan{
		pgnos: []int64{table.bucketToPage(newB)},
		items: newPages,
	}
	next := 0
	for _, plan := range []*chainPlan{&oldPlan, &newPlan} {
		for len(plan.pgnos) < len(plan.items) {
			plan.addrs = append(plan.addrs, pool[next])
			plan.pgnos = append(plan.pgnos, table.oaddrToPage(pool[next]))
			next++
		}
	}
	surplus := pool[next:]
	for _, addr := range surplus {
		if err := table.ovfl.Touch(addr); err != nil {
			table.freeAll(fresh)
			return err
		}
	}

	// The chain is staged, so every planned page is rebuilt from scratch and
	// only one frame is pinned at a time. Once a page is rewritten there is
	// no way back.
	written := false
	for _, plan := range []*chainPlan{&oldPlan, &newPlan} {
		for i, items := range plan.items {
			page, err := table.pager.NewPage(plan.pgnos[i], pager.DataPage)
			if err != nil {
				if !written {
					table.freeAll(fresh)
				}
				return pageErr(plan.pgnos[i], err)
			}
			written = true
			lp := layout.Page(page.GetData())
			lp.Init()
			for _, it := range items {
				putItem(lp, it)
			}
			if i < len(plan.addrs) {
				lp.AddLink(plan.addrs[i])
			}
			table.release(page)
		}
	}
	for _, addr := range surplus {
		if err := table.ovfl.Free(addr); err != nil {
			return err
		}
	}
	return nil
}

// stageChain copies every entry of bucket b's chain in chain order, page by
// page and in on-page order within a page, and returns the overflow addresses
// of the chain.
func (table *HashTable) stageChain(b uint32) (items []item, ovfl []uint16, err error) {
	page, err := table.getBucketPage(b)
	if err != nil {
		return nil, nil, err
	}
	for {
		lp := layout.Page(page.GetData())
		for i := 0; i < lp.NumPairs(); i++ {
			items = append(items, itemAt(lp, i))
		}
		next := lp.Link()
		table.release(page)
		if next == 0 {
			return items, ovfl, nil
		}
		ovfl = append(ovfl, next)
		if page, err = table.getOvflPage(next); err != nil {
			return nil, nil, err
		}
	}
}

// pack lays items out on as few pages as possible without reordering them.
// Every page keeps room for an overflow link. There is always at least one
// page, possibly empty.
func (table *HashTable) pack(items []item) [][]item {
	room := int(table.hdr.bsize) - layout.HeaderSize
	pages := [][]item{nil}
	used := 0
	for _, it := range items {
		size := layout.PairSize(len(it.key), len(it.val))
		if used+size+layout.LinkSize > room {
			pages = append(pages, nil)
			used = 0
		}
		pages[len(pages)-1] = append(pages[len(pages)-1], it)
		used += size
	}
	return pages
}
