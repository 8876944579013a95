package hash

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"hashdb/pkg/freemap"
	"hashdb/pkg/layout"
	"hashdb/pkg/logger"
	"hashdb/pkg/pager"
)

// pageAllocator hands out overflow page addresses. *freemap.Allocator is the
// only production implementation.
type pageAllocator interface {
	Allocate() (uint16, error)
	Free(addr uint16) error
	Touch(addr uint16) error
}

// A HashTable is an on-disk key/value store that uses linear hashing: the
// table grows one bucket at a time, splitting the bucket that the new one
// takes keys from, whenever the average number of keys per bucket exceeds
// the fill factor.
type HashTable struct {
	hdr    header             // Persistent state, written to META_PN on Sync
	pager  *pager.Pager       // The pager holding every page of the table
	alloc  *freemap.Allocator // Overflow page bitmaps
	ovfl   pageAllocator      // Overflow allocation; alloc unless replaced in tests
	hash   HashFunc           // Key hash function
	log    logger.Logger
	closed bool
	mu     sync.Mutex // Taken by every exported method
}

// Open opens the table stored at path, creating it if the file does not exist
// or is empty. Options that describe the file format only apply on creation.
func Open(path string, opts ...Option) (*HashTable, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	info, err := os.Stat(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	exists := err == nil && info.Size() > 0

	var hdr *header
	if exists {
		hdr, err = readHeader(path)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		if hdr.hashCheck != o.hash([]byte(CHARKEY)) {
			return nil, ErrHashMismatch
		}
	} else {
		hdr, err = newHeader(o)
		if err != nil {
			return nil, err
		}
	}

	p, err := pager.New(path, pager.Options{
		PageSize: int(hdr.bsize),
		MaxPages: o.cacheSize,
		Swap:     hdr.lorder != hostOrder,
		DirectIO: o.directIO,
	})
	if err != nil {
		return nil, err
	}
	if exists {
		if hdr, err = reloadHeader(path, hdr); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
	}
	table := &HashTable{hdr: *hdr, pager: p, hash: o.hash, log: o.logger}
	table.alloc = freemap.New(table, int(hdr.bsize), hdr.alloc, o.logger)
	table.ovfl = table.alloc

	if exists {
		table.log.Info("opened hash table", "path", path, "bsize", hdr.bsize,
			"buckets", hdr.maxBucket+1, "keys", hdr.nkeys)
		return table, nil
	}
	if err := table.create(); err != nil {
		_ = p.Close()
		return nil, err
	}
	table.log.Info("created hash table", "path", path, "bsize", hdr.bsize,
		"buckets", hdr.maxBucket+1, "ffactor", hdr.ffactor)
	return table, nil
}

// reloadHeader reads the header again once the pager holds the file lock.
// Its page geometry and hash check must match what the pager was opened with.
func reloadHeader(path string, opened *header) (*header, error) {
	hdr, err := readHeader(path)
	if err != nil {
		return nil, err
	}
	if hdr.bsize != opened.bsize || hdr.lorder != opened.lorder ||
		hdr.hashCheck != opened.hashCheck {
		return nil, ErrHeaderChanged
	}
	return hdr, nil
}

// newHeader validates creation options and returns the header of an empty
// table.
func newHeader(o Options) (*header, error) {
	if !validPageSize(o.pageSize) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageSize, o.pageSize)
	}
	if o.fillFactor < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFillFactor, o.fillFactor)
	}
	lorder, err := lorderOf(o.order)
	if err != nil {
		return nil, err
	}
	nbuckets := max(o.buckets, 1)
	if uint64(nbuckets) > 1<<MAX_BUCKETS_LOG2 {
		return nil, fmt.Errorf("%w: %d initial buckets", ErrTableFull, nbuckets)
	}
	l2 := log2(uint32(nbuckets))
	nbuckets = 1 << l2
	return &header{
		lorder:    lorder,
		bsize:     uint32(o.pageSize),
		bshift:    log2(uint32(o.pageSize)),
		maxBucket: uint32(nbuckets - 1),
		lowMask:   uint32(nbuckets - 1),
		highMask:  uint32(nbuckets<<1 - 1),
		ffactor:   uint32(o.fillFactor),
		hdrPages:  HDRPAGES,
		hashCheck: o.hash([]byte(CHARKEY)),
		alloc:     freemap.State{OvflPoint: l2},
	}, nil
}

// create lays out the initial buckets and the first bitmap and writes the
// header, so the file is a valid table as soon as Open returns.
func (table *HashTable) create() error {
	table.alloc.Init(int(table.hdr.alloc.OvflPoint))
	for b := uint32(0); b <= table.hdr.maxBucket; b++ {
		page, err := table.newPage(table.bucketToPage(b))
		if err != nil {
			return err
		}
		table.release(page)
	}
	return table.sync()
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////// Accessors ////////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// GetPager returns the pager backing the table.
func (table *HashTable) GetPager() *pager.Pager {
	return table.pager
}

// PageSize returns the size of every page of the table.
func (table *HashTable) PageSize() int {
	return int(table.hdr.bsize)
}

// NumKeys returns the number of keys stored.
func (table *HashTable) NumKeys() uint64 {
	table.mu.Lock()
	defer table.mu.Unlock()
	return table.hdr.nkeys
}

// MaxBucket returns the highest bucket number in use.
func (table *HashTable) MaxBucket() uint32 {
	table.mu.Lock()
	defer table.mu.Unlock()
	return table.hdr.maxBucket
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////// Page I/O Adapter /////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// bucketOf returns the bucket a hash value belongs to.
func (table *HashTable) bucketOf(h uint32) uint32 {
	b := h & table.hdr.highMask
	if b > table.hdr.maxBucket {
		b &= table.hdr.lowMask
	}
	return b
}

// bucketToPage returns the page number of a bucket's primary page. Buckets
// of each doubling follow the overflow pages of all earlier split points.
func (table *HashTable) bucketToPage(b uint32) int64 {
	pgno := int64(b) + HDRPAGES
	if b > 0 {
		pgno += int64(table.alloc.Spares(int(log2(b+1)) - 1))
	}
	return pgno
}

// oaddrToPage returns the page number of an overflow address. Overflow pages
// of split point s sit right after the last bucket of that doubling.
func (table *HashTable) oaddrToPage(addr uint16) int64 {
	last := uint32(1)<<freemap.Split(addr) - 1
	return table.bucketToPage(last) + int64(freemap.Offset(addr))
}

// pageErr annotates an error from the pager with the page it concerns.
func pageErr(pgno int64, err error) error {
	if errors.Is(err, ErrCorrupt) {
		return fmt.Errorf("page %d: %w", pgno, err)
	}
	return fmt.Errorf("%w: page %d: %w", ErrIO, pgno, err)
}

// getPage reads and pins a data page, rejecting pages whose header is
// inconsistent.
func (table *HashTable) getPage(pgno int64) (*pager.Page, error) {
	page, err := table.pager.GetPage(pgno, pager.DataPage)
	if err != nil {
		return nil, pageErr(pgno, err)
	}
	if err := layout.Page(page.GetData()).Check(); err != nil {
		table.release(page)
		return nil, pageErr(pgno, err)
	}
	return page, nil
}

// getBucketPage pins the primary page of bucket b.
func (table *HashTable) getBucketPage(b uint32) (*pager.Page, error) {
	return table.getPage(table.bucketToPage(b))
}

// getOvflPage pins the overflow page at addr.
func (table *HashTable) getOvflPage(addr uint16) (*pager.Page, error) {
	return table.getPage(table.oaddrToPage(addr))
}

// newPage pins an empty data page at pgno without reading the file.
func (table *HashTable) newPage(pgno int64) (*pager.Page, error) {
	page, err := table.pager.NewPage(pgno, pager.DataPage)
	if err != nil {
		return nil, pageErr(pgno, err)
	}
	layout.Page(page.GetData()).Init()
	return page, nil
}

// release unpins pages. A nil page is skipped.
func (table *HashTable) release(pages ...*pager.Page) {
	for _, page := range pages {
		if page != nil {
			_ = table.pager.PutPage(page)
		}
	}
}

// ReadBitmap loads the bitmap page at addr for the allocator.
func (table *HashTable) ReadBitmap(addr uint16, buf []byte) error {
	pgno := table.oaddrToPage(addr)
	page, err := table.pager.GetPage(pgno, pager.BitmapPage)
	if err != nil {
		return pageErr(pgno, err)
	}
	defer table.release(page)
	copy(buf, page.GetData())
	return nil
}

// WriteBitmap stores the bitmap page at addr for the allocator.
func (table *HashTable) WriteBitmap(addr uint16, buf []byte) error {
	pgno := table.oaddrToPage(addr)
	page, err := table.pager.NewPage(pgno, pager.BitmapPage)
	if err != nil {
		return pageErr(pgno, err)
	}
	defer table.release(page)
	page.Update(buf, 0)
	return nil
}

// writeMeta encodes the header into the metadata page.
func (table *HashTable) writeMeta() error {
	page, err := table.pager.NewPage(META_PN, pager.MetaPage)
	if err != nil {
		return pageErr(META_PN, err)
	}
	defer table.release(page)
	table.hdr.alloc = table.alloc.State()
	table.hdr.encode(page.GetData())
	return nil
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////// Sync and Close ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Sync writes the bitmaps, the header and every dirty page, then commits the
// file to stable storage.
func (table *HashTable) Sync() error {
	table.mu.Lock()
	defer table.mu.Unlock()
	if table.closed {
		return ErrTableClosed
	}
	return table.sync()
}

func (table *HashTable) sync() error {
	if err := table.alloc.Flush(); err != nil {
		return err
	}
	if err := table.writeMeta(); err != nil {
		return err
	}
	if err := table.pager.Sync(); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

// Close syncs the table and closes its file. The table cannot be used
// afterwards.
func (table *HashTable) Close() error {
	table.mu.Lock()
	defer table.mu.Unlock()
	if table.closed {
		return ErrTableClosed
	}
	table.closed = true
	syncErr := table.sync()
	closeErr := table.pager.Close()
	table.log.Info("closed hash table", "path", table.pager.GetFileName(),
		"buckets", table.hdr.maxBucket+1, "keys", table.hdr.nkeys)
	return errors.Join(syncErr, closeErr)
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////// Stats and Printing ///////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Stats describes the shape of a table.
type Stats struct {
	PageSize      int
	FillFactor    int
	Keys          uint64
	Buckets       uint32
	HighMask      uint32
	LowMask       uint32
	OvflPoint     int
	OverflowPages int // Overflow slots in use, bitmap pages included
	Bitmaps       int
	ResidentPages int
	PinnedPages   int
}

// Stats returns the current shape of the table.
func (table *HashTable) Stats() (Stats, error) {
	table.mu.Lock()
	defer table.mu.Unlock()
	if table.closed {
		return Stats{}, ErrTableClosed
	}
	inUse, err := table.alloc.InUse()
	if err != nil {
		return Stats{}, err
	}
	st := table.alloc.State()
	bitmaps := 0
	for _, addr := range st.Bitmaps {
		if addr != 0 {
			bitmaps++
		}
	}
	resident, pinned := table.pager.Resident()
	return Stats{
		PageSize:      int(table.hdr.bsize),
		FillFactor:    int(table.hdr.ffactor),
		Keys:          table.hdr.nkeys,
		Buckets:       table.hdr.maxBucket + 1,
		HighMask:      table.hdr.highMask,
		LowMask:       table.hdr.lowMask,
		OvflPoint:     int(st.OvflPoint),
		OverflowPages: inUse,
		Bitmaps:       bitmaps,
		ResidentPages: resident,
		PinnedPages:   pinned,
	}, nil
}

// Print writes the stats of a table.
func (st Stats) Print(w io.Writer) {
	fmt.Fprintf(w, "page size: %d\n", st.PageSize)
	fmt.Fprintf(w, "fill factor: %d\n", st.FillFactor)
	fmt.Fprintf(w, "keys: %d\n", st.Keys)
	fmt.Fprintf(w, "buckets: %d (high mask %#x, low mask %#x)\n", st.Buckets, st.HighMask, st.LowMask)
	fmt.Fprintf(w, "split point: %d\n", st.OvflPoint)
	fmt.Fprintf(w, "overflow pages: %d (%d bitmaps)\n", st.OverflowPages, st.Bitmaps)
	fmt.Fprintf(w, "resident pages: %d (%d pinned)\n", st.ResidentPages, st.PinnedPages)
}

// Print writes a string representation of this entire table (including its
// buckets) to the specified writer.
func (table *HashTable) Print(w io.Writer) error {
	table.mu.Lock()
	defer table.mu.Unlock()
	if table.closed {
		return ErrTableClosed
	}
	io.WriteString(w, "====\n")
	fmt.Fprintf(w, "buckets: %d, keys: %d, ffactor: %d\n",
		table.hdr.maxBucket+1, table.hdr.nkeys, table.hdr.ffactor)
	for b := uint32(0); b <= table.hdr.maxBucket; b++ {
		io.WriteString(w, "====\n")
		if err := table.printBucket(b, w); err != nil {
			return err
		}
	}
	io.WriteString(w, "====\n")
	return nil
}

// PrintBucket writes the pages of one bucket's chain.
func (table *HashTable) PrintBucket(b uint32, w io.Writer) error {
	table.mu.Lock()
	defer table.mu.Unlock()
	if table.closed {
		return ErrTableClosed
	}
	if b > table.hdr.maxBucket {
		return fmt.Errorf("bucket %d out of range [0, %d]", b, table.hdr.maxBucket)
	}
	return table.printBucket(b, w)
}

func (table *HashTable) printBucket(b uint32, w io.Writer) error {
	fmt.Fprintf(w, "bucket %d\n", b)
	page, err := table.getBucketPage(b)
	if err != nil {
		return err
	}
	for {
		lp := layout.Page(page.GetData())
		fmt.Fprintf(w, "  page %d: entries %d, free %d, offset %d\n",
			page.GetPageNum(), lp.NumEntries(), lp.FreeSpace(), lp.Offset())
		for i, e := range lp.Entries() {
			switch e.Kind {
			case layout.KindPair:
				k, v := lp.PairAt(i)
				fmt.Fprintf(w, "    %q: %q\n", k, v)
			case layout.KindBig:
				klen, vlen := bigLens(lp.Placeholder(i))
				fmt.Fprintf(w, "    big pair at %#x (key %d bytes, value %d bytes)\n",
					bigAddr(lp.Placeholder(i)), klen, vlen)
			case layout.KindLink:
				fmt.Fprintf(w, "    -> %#x\n", e.Addr)
			}
		}
		next := lp.Link()
		table.release(page)
		if next == 0 {
			return nil
		}
		if page, err = table.getOvflPage(next); err != nil {
			return err
		}
	}
}
