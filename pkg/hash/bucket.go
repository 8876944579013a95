package hash

import (
	"bytes"
	"errors"

	"hashdb/pkg/layout"
	"hashdb/pkg/pager"
)

// item is a pair as it is stored on a page: an inline key and value, or the
// placeholder of a big pair.
type item struct {
	key []byte // Key bytes, or the placeholder when big is set
	val []byte
	big bool
}

// putItem places it on lp, in front of the overflow link if there is one.
// The caller must have checked itemFits.
func putItem(lp layout.Page, it item) {
	switch {
	case it.big && lp.HasLink():
		lp.SqueezeBigPair(it.key)
	case it.big:
		lp.PutBigPair(it.key)
	case lp.HasLink():
		lp.SqueezePair(it.key, it.val)
	default:
		lp.PutPair(it.key, it.val)
	}
}

// itemFits reports whether it can be placed on lp.
func itemFits(lp layout.Page, it item) bool {
	return lp.SqueezeFits(len(it.key), len(it.val)) || lp.PairFits(len(it.key), len(it.val))
}

// itemAt copies entry i of lp.
func itemAt(lp layout.Page, i int) item {
	if lp.Entry(i).Kind == layout.KindBig {
		return item{key: bytes.Clone(lp.Placeholder(i)), big: true}
	}
	k, v := lp.PairAt(i)
	return item{key: bytes.Clone(k), val: bytes.Clone(v)}
}

// location is a pair found in a bucket chain. page and prev stay pinned until
// released.
type location struct {
	page  *pager.Page
	prev  *pager.Page // The page linking to page; nil on the primary page
	addr  uint16      // Overflow address of page; 0 on the primary page
	index int         // Entry index on page
}

func (table *HashTable) releaseLoc(loc location) {
	table.release(loc.prev, loc.page)
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////// Lookup ///////////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// find walks the chain of key's bucket in link order, keeping at most the
// current page and the one before it pinned.
func (table *HashTable) find(key []byte) (loc location, found bool, err error) {
	page, err := table.getBucketPage(table.bucketOf(table.hash(key)))
	if err != nil {
		return location{}, false, err
	}
	var prev *pager.Page
	var addr uint16
	for {
		lp := layout.Page(page.GetData())
		for i, e := range lp.Entries() {
			match := false
			switch e.Kind {
			case layout.KindPair:
				k, _ := lp.PairAt(i)
				match = bytes.Equal(k, key)
			case layout.KindBig:
				if match, err = table.bigMatches(lp.Placeholder(i), key); err != nil {
					table.release(prev, page)
					return location{}, false, err
				}
			}
			if match {
				return location{page: page, prev: prev, addr: addr, index: i}, true, nil
			}
		}
		next := lp.Link()
		table.release(prev)
		if next == 0 {
			table.release(page)
			return location{}, false, nil
		}
		prev, addr = page, next
		if page, err = table.getOvflPage(next); err != nil {
			table.release(prev)
			return location{}, false, err
		}
	}
}

// Get returns the value stored under key.
func (table *HashTable) Get(key []byte) ([]byte, error) {
	table.mu.Lock()
	defer table.mu.Unlock()
	if table.closed {
		return nil, ErrTableClosed
	}
	if len(key) == 0 {
		return nil, ErrKeyEmpty
	}
	loc, found, err := table.find(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	defer table.releaseLoc(loc)
	it := itemAt(layout.Page(loc.page.GetData()), loc.index)
	if !it.big {
		return it.val, nil
	}
	_, val, err := table.readBig(it.key, true)
	return val, err
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////// Insertion ////////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

type putMode int

const (
	putUpsert putMode = iota // Insert or replace
	putInsert                // Fail if the key exists
	putUpdate                // Fail if the key does not exist
)

// Put stores val under key, replacing any previous value.
func (table *HashTable) Put(key, val []byte) error {
	return table.put(key, val, putUpsert)
}

// Insert stores val under key. It returns ErrKeyExists if the key is present.
func (table *HashTable) Insert(key, val []byte) error {
	return table.put(key, val, putInsert)
}

// Update replaces the value of key. It returns ErrKeyNotFound if the key is
// absent.
func (table *HashTable) Update(key, val []byte) error {
	return table.put(key, val, putUpdate)
}

func (table *HashTable) put(key, val []byte, mode putMode) error {
	table.mu.Lock()
	defer table.mu.Unlock()
	if table.closed {
		return ErrTableClosed
	}
	if len(key) == 0 {
		return ErrKeyEmpty
	}
	loc, found, err := table.find(key)
	if err != nil {
		return err
	}
	switch {
	case found && mode == putInsert:
		table.releaseLoc(loc)
		return ErrKeyExists
	case !found && mode == putUpdate:
		return ErrKeyNotFound
	}

	it, err := table.makeItem(key, val)
	if err != nil {
		if found {
			table.releaseLoc(loc)
		}
		return err
	}
	if found {
		return table.replace(loc, key, it)
	}
	if err := table.addItem(table.bucketOf(table.hash(key)), it); err != nil {
		table.discardItem(it)
		return err
	}
	table.hdr.nkeys++
	return table.maybeExpand()
}

// makeItem prepares a pair for placement, storing it out of line when it
// does not fit on an empty page.
func (table *HashTable) makeItem(key, val []byte) (item, error) {
	if layout.FitsEmpty(int(table.hdr.bsize), len(key), len(val)) {
		return item{key: key, val: val}, nil
	}
	ph, err := table.storeBig(key, val)
	if err != nil {
		return item{}, err
	}
	return item{key: ph, big: true}, nil
}

// discardItem releases the pages of an item that was never placed.
func (table *HashTable) discardItem(it item) {
	if !it.big {
		return
	}
	if err := table.deleteBig(it.key); err != nil {
		table.log.Error("failed to release big pair", "error", err)
	}
}

// replace swaps the pair at loc for it. The old pair is removed first; if the
// new one then cannot be placed, the old one is put back. Space it gave up is
// enough to hold it again, so the restore needs no new page unless its
// overflow page was freed.
func (table *HashTable) replace(loc location, key []byte, it item) error {
	old := itemAt(layout.Page(loc.page.GetData()), loc.index)
	if err := table.removeAt(loc, false); err != nil {
		table.discardItem(it)
		return err
	}
	b := table.bucketOf(table.hash(key))
	if err := table.addItem(b, it); err != nil {
		table.discardItem(it)
		if rerr := table.addItem(b, old); rerr != nil {
			table.log.Error("failed to restore replaced pair", "key", key, "error", rerr)
			return errors.Join(err, rerr)
		}
		table.hdr.nkeys++
		return err
	}
	table.hdr.nkeys++
	if old.big {
		return table.deleteBig(old.key)
	}
	return nil
}

// addItem places it in bucket b. Linked pages with room take it in front of
// their link; otherwise it goes on the last page of the chain, or on a new
// overflow page linked after it.
func (table *HashTable) addItem(b uint32, it item) error {
	page, err := table.getBucketPage(b)
	if err != nil {
		return err
	}
	for {
		lp := layout.Page(page.GetData())
		if itemFits(lp, it) {
			putItem(lp, it)
			page.SetDirty(true)
			table.release(page)
			return nil
		}
		if lp.HasLink() {
			next := lp.Link()
			table.release(page)
			if page, err = table.getOvflPage(next); err != nil {
				return err
			}
			continue
		}
		addr, err := table.ovfl.Allocate()
		if err != nil {
			table.release(page)
			if errors.Is(err, ErrTableFull) {
				table.log.Warn("no overflow page for insert", "bucket", b)
			}
			return err
		}
		ovfl, err := table.newPage(table.oaddrToPage(addr))
		if err != nil {
			table.release(page)
			table.freeAll([]uint16{addr})
			return err
		}
		putItem(layout.Page(ovfl.GetData()), it)
		lp.AddLink(addr)
		page.SetDirty(true)
		table.release(page, ovfl)
		return nil
	}
}

// maybeExpand grows the table by one bucket when the average chain holds
// more keys than the fill factor. A table that cannot grow, or whose cache
// has no frame to spare for the split, keeps working with longer chains.
func (table *HashTable) maybeExpand() error {
	if table.hdr.nkeys/(uint64(table.hdr.maxBucket)+1) <= uint64(table.hdr.ffactor) {
		return nil
	}
	err := table.expand()
	if errors.Is(err, ErrTableFull) || errors.Is(err, pager.ErrRanOutOfPages) {
		table.log.Warn("table cannot grow", "buckets", table.hdr.maxBucket+1,
			"keys", table.hdr.nkeys, "error", err)
		return nil
	}
	return err
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////// Deletion /////////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Delete removes key and its value.
func (table *HashTable) Delete(key []byte) error {
	table.mu.Lock()
	defer table.mu.Unlock()
	if table.closed {
		return ErrTableClosed
	}
	if len(key) == 0 {
		return ErrKeyEmpty
	}
	loc, found, err := table.find(key)
	if err != nil {
		return err
	}
	if !found {
		return ErrKeyNotFound
	}
	return table.removeAt(loc, true)
}

// removeAt deletes the entry at loc and releases its pages. An overflow page
// left without pairs is unlinked and freed. The chain of a big pair is freed
// only when freeBig is set.
func (table *HashTable) removeAt(loc location, freeBig bool) error {
	defer table.releaseLoc(loc)
	lp := layout.Page(loc.page.GetData())
	unlink := loc.prev != nil && lp.NumPairs() == 1
	if unlink {
		// Load the bitmap now so nothing can fail once the chain changes.
		if err := table.ovfl.Touch(loc.addr); err != nil {
			return err
		}
	}
	if freeBig && lp.Entry(loc.index).Kind == layout.KindBig {
		if err := table.deleteBig(bytes.Clone(lp.Placeholder(loc.index))); err != nil {
			return err
		}
	}
	lp.Remove(loc.index)
	loc.page.SetDirty(true)
	table.hdr.nkeys--
	if !unlink {
		return nil
	}
	prev := layout.Page(loc.prev.GetData())
	if next := lp.Link(); next != 0 {
		prev.SetLink(next)
	} else {
		prev.RemoveLink()
	}
	loc.prev.SetDirty(true)
	return table.ovfl.Free(loc.addr)
}
