// Package pager implements the page buffer cache and page I/O used by hash
// tables: a fixed set of frames, pin counts, LRU eviction of unpinned pages and
// byte-order conversion on the way to and from disk.
package pager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"hashdb/pkg/config"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
	"github.com/ncw/directio"
)

var (
	// Error for when there are no free/unpinned pages to be used
	ErrRanOutOfPages = errors.New("no available pages")
	// A read returned fewer bytes than a page, e.g. past the end of the file
	ErrShortRead = errors.New("short read")
	// A write stored fewer bytes than a page
	ErrShortWrite = errors.New("short write")
	// The file length is not a multiple of the page size
	ErrCorruptFile = errors.New("DB file has been corrupted")
	ErrInvalidPage = errors.New("invalid pagenum")
	ErrPinned      = errors.New("pages are still pinned on close")
	ErrLocked      = errors.New("DB file is locked by another process")
)

// Options configures a Pager.
type Options struct {
	PageSize int  // Bytes per page
	MaxPages int  // Number of frames in the buffer
	Swap     bool // The file's byte order differs from the host's
	DirectIO bool // Bypass the OS page cache when the page size allows it
}

// Pager is a data structure that manages pages of data stored in a file.
type Pager struct {
	file     *os.File // File descriptor for the file that backs this pager on disk.
	opts     Options
	numPages int64   // One past the highest page number known to the pager.
	freeList []*Page // Frames that hold no page.
	// Resident pages that are not in use, oldest first. Eviction takes from here.
	unpinned *freelru.LRU[int64, *Page]
	// The page table, which maps pagenums to resident pages.
	pageTable map[int64]*Page
	scratch   []byte     // Aligned buffer for byte-swapped writes.
	ptMtx     sync.Mutex // Mutex for protecting the page table for concurrent use.
}

// hashPagenum spreads page numbers over the LRU's buckets.
func hashPagenum(pagenum int64) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(pagenum))
	return uint32(xxhash.Sum64(buf[:]))
}

// New constructs a new Pager, backing it with a database file at the specified filePath.
// See [*Pager.Open] for more details on backing the Pager with database files.
func New(filePath string, opts Options) (pager *Pager, err error) {
	if opts.PageSize <= 0 {
		opts.PageSize = config.DefaultPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = config.MaxPagesInBuffer
	}
	if opts.PageSize%directio.BlockSize != 0 {
		opts.DirectIO = false
	}
	pager = &Pager{opts: opts}
	pager.pageTable = make(map[int64]*Page)
	pager.unpinned, err = freelru.New[int64, *Page](uint32(opts.MaxPages), hashPagenum)
	if err != nil {
		return nil, err
	}
	frames := directio.AlignedBlock(opts.PageSize * opts.MaxPages)
	for i := 0; i < opts.MaxPages; i++ {
		frame := frames[i*opts.PageSize : (i+1)*opts.PageSize]
		pager.freeList = append(pager.freeList, &Page{
			pager:   pager,
			pagenum: NoPage,
			data:    frame,
		})
	}
	pager.scratch = directio.AlignedBlock(opts.PageSize)

	err = pager.Open(filePath)
	if err != nil {
		pager = nil
	}
	return
}

// GetFileName returns the file name/path used to open the pager's backing file.
func (pager *Pager) GetFileName() (filename string) {
	return pager.file.Name()
}

// GetNumPages returns the number of pages.
func (pager *Pager) GetNumPages() (numPages int64) {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	return pager.numPages
}

// PageSize returns the size of every page.
func (pager *Pager) PageSize() int {
	return pager.opts.PageSize
}

// Open (re-)initializes our pager with a database file at the specified filePath.
//
// If the database file didn't exist previously, it is created.
// If the database file does exist but it can't be opened, is locked by another
// process or its contents are not properly aligned to the page size, returns
// an error. The Pager should not be used if an error is returned.
func (pager *Pager) Open(filePath string) (err error) {
	// Create the necessary prerequisite directories.
	if dir := filepath.Dir(filePath); dir != "." {
		err = os.MkdirAll(dir, 0775)
		if err != nil {
			return err
		}
	}
	// Open or create the db file.
	if pager.opts.DirectIO {
		pager.file, err = directio.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0666)
	} else {
		pager.file, err = os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0666)
	}
	if err != nil {
		return err
	}
	if err = lockFile(pager.file); err != nil {
		_ = pager.file.Close()
		return err
	}
	// Get info about the size of the pager.
	info, err := pager.file.Stat()
	if err != nil {
		_ = pager.file.Close()
		return err
	}
	size := info.Size()
	if size%int64(pager.opts.PageSize) != 0 {
		_ = pager.file.Close()
		return fmt.Errorf("%w: size %d is not a multiple of %d", ErrCorruptFile, size, pager.opts.PageSize)
	}
	pager.numPages = size / int64(pager.opts.PageSize)
	return nil
}

// Close signals our pager to flush all dirty pages to disk
// and close its backing file.
func (pager *Pager) Close() error {
	// Prevent new data from being paged in.
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	// Check that no pages are pinned
	for _, page := range pager.pageTable {
		if page.PinCount() > 0 {
			return fmt.Errorf("%w: page %d", ErrPinned, page.pagenum)
		}
	}
	// Cleanup.
	flushErr := pager.flushAll()
	syncErr := pager.file.Sync()
	return errors.Join(flushErr, syncErr, pager.file.Close())
}

// readPage populates a page's data field from the data currently on disk,
// converting it to host byte order.
func (pager *Pager) readPage(page *Page) error {
	n, err := pager.file.ReadAt(page.data, page.pagenum*int64(pager.opts.PageSize))
	if n < len(page.data) {
		if err == nil || errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: page %d: got %d of %d bytes", ErrShortRead, page.pagenum, n, len(page.data))
		}
		return err
	}
	if pager.opts.Swap {
		swapIn(page.data, page.kind)
	}
	return nil
}

// writePage stores a page, converting it to the file's byte order.
func (pager *Pager) writePage(page *Page) error {
	buf := page.data
	if pager.opts.Swap && page.kind != MetaPage {
		copy(pager.scratch, page.data)
		buf = pager.scratch
		swapOut(buf, page.kind)
	}
	n, err := pager.file.WriteAt(buf, page.pagenum*int64(pager.opts.PageSize))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("%w: page %d: wrote %d of %d bytes", ErrShortWrite, page.pagenum, n, len(buf))
	}
	return nil
}

// newPage returns a currently unused Page from the free list or by evicting
// the least recently used unpinned page, or an ErrRanOutOfPages if every
// frame is pinned. The ptMtx should be locked on entry.
func (pager *Pager) newPage(pagenum int64, kind Kind) (newPage *Page, err error) {
	if n := len(pager.freeList); n > 0 {
		// Check the free list first
		newPage = pager.freeList[n-1]
		pager.freeList = pager.freeList[:n-1]
	} else if _, victim, ok := pager.unpinned.RemoveOldest(); ok {
		// If no page was found, evict a page from the unpinned list.
		if err = pager.FlushPage(victim); err != nil {
			pager.unpinned.Add(victim.pagenum, victim)
			return nil, err
		}
		delete(pager.pageTable, victim.pagenum)
		newPage = victim
	} else {
		// If still no page is found, error.
		return nil, ErrRanOutOfPages
	}
	newPage.pagenum = pagenum
	newPage.kind = kind
	newPage.dirty = false
	newPage.pinCount.Store(1)
	return newPage, nil
}

// pin takes another reference to a resident page.
// The ptMtx should be locked on entry.
func (pager *Pager) pin(page *Page) {
	if page.PinCount() == 0 {
		pager.unpinned.Remove(page.pagenum)
	}
	page.Get()
}

// NewPage returns a pinned, zeroed and dirty page for pagenum without reading
// the file. Use it for pages that are about to be initialized.
func (pager *Pager) NewPage(pagenum int64, kind Kind) (page *Page, err error) {
	if pagenum < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPage, pagenum)
	}
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	page, ok := pager.pageTable[pagenum]
	if ok {
		pager.pin(page)
		page.kind = kind
	} else {
		page, err = pager.newPage(pagenum, kind)
		if err != nil {
			return nil, err
		}
		pager.pageTable[pagenum] = page
	}
	clear(page.data)
	// Mark dirty so new page is eventually flushed to disk.
	page.dirty = true
	if pagenum >= pager.numPages {
		pager.numPages = pagenum + 1
	}
	return page, nil
}

// GetPage returns an existing Page corresponding to the given pagenum.
func (pager *Pager) GetPage(pagenum int64, kind Kind) (page *Page, err error) {
	if pagenum < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPage, pagenum)
	}
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	if page, ok := pager.pageTable[pagenum]; ok {
		pager.pin(page)
		return page, nil
	}

	// Else, find a frame to hold the page in.
	page, err = pager.newPage(pagenum, kind)
	if err != nil {
		return nil, err
	}

	// Read the page in from disk.
	err = pager.readPage(page)
	if err != nil {
		page.pagenum = NoPage
		page.pinCount.Store(0)
		pager.freeList = append(pager.freeList, page)
		return nil, err
	}
	pager.pageTable[pagenum] = page
	return page, nil
}

// PutPage releases a reference to a page.
func (pager *Pager) PutPage(page *Page) (err error) {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	// Decrement pinCount
	ret := page.Put()
	if ret < 0 {
		page.pinCount.Store(0)
		return fmt.Errorf("pinCount for page %d is < 0", page.pagenum)
	}
	// Check if we can unpin this page; if so, make it evictable.
	if ret == 0 {
		pager.unpinned.Add(page.pagenum, page)
	}
	return nil
}

// FlushPage flushes a particular page's data to disk if it is dirty.
func (pager *Pager) FlushPage(page *Page) error {
	if !page.IsDirty() {
		return nil
	}
	if err := pager.writePage(page); err != nil {
		return err
	}
	page.SetDirty(false)
	return nil
}

// FlushAllPages flushes all dirty pages to disk.
func (pager *Pager) FlushAllPages() error {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	return pager.flushAll()
}

// flushAll writes every dirty resident page. The ptMtx should be locked on entry.
func (pager *Pager) flushAll() error {
	var errs []error
	for _, page := range pager.pageTable {
		if err := pager.FlushPage(page); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sync flushes all dirty pages and commits the file to stable storage.
func (pager *Pager) Sync() error {
	if err := pager.FlushAllPages(); err != nil {
		return err
	}
	return pager.file.Sync()
}

// Resident returns the number of pages held in frames and how many of those
// are pinned.
func (pager *Pager) Resident() (resident int, pinned int) {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	return len(pager.pageTable), len(pager.pageTable) - pager.unpinned.Len()
}
