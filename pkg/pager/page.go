package pager

import (
	"sync/atomic"
)

// NoPage is the pagenum for when there is no page being held
const NoPage = -1

// Kind says how a page is laid out on disk, which decides how its bytes are
// converted between the table's byte order and the host's. Pages do not
// describe themselves, so callers pass the kind explicitly.
type Kind int

const (
	DataPage   Kind = iota // 16-bit cells: bucket, overflow and big-pair pages
	BitmapPage             // 32-bit words
	MetaPage               // Encoded in table order by its owner; never swapped
)

func (k Kind) String() string {
	switch k {
	case DataPage:
		return "data"
	case BitmapPage:
		return "bitmap"
	case MetaPage:
		return "meta"
	}
	return "unknown"
}

// Page caches a page from disk and stores additional metadata.
type Page struct {
	pager    *Pager       // Pointer to the pager that this page belongs to
	pagenum  int64        // Position of the page in the pager's file
	kind     Kind         // On-disk layout of the page
	pinCount atomic.Int64 // The number of active references to this page
	dirty    bool         // Flag on whether the page's data has changed and needs to be written to disk
	data     []byte       // The page image, in host byte order
}

// GetPager returns the pager this page belongs to.
func (page *Page) GetPager() *Pager {
	return page.pager
}

// GetPageNum returns the page's pagenum (unique identifier).
func (page *Page) GetPageNum() int64 {
	return page.pagenum
}

// GetKind returns the page's on-disk layout.
func (page *Page) GetKind() Kind {
	return page.kind
}

// IsDirty reports whether the page's data has changed and needs to be written to disk.
func (page *Page) IsDirty() bool {
	return page.dirty
}

// SetDirty changes the dirty status of a page.
func (page *Page) SetDirty(dirty bool) {
	page.dirty = dirty
}

// GetData returns the byte data held by the page.
func (page *Page) GetData() []byte {
	return page.data
}

// PinCount returns the number of active references to this page.
func (page *Page) PinCount() int64 {
	return page.pinCount.Load()
}

// Get increments the pin count, indicating that another process is using this page.
func (page *Page) Get() {
	page.pinCount.Add(1)
}

// Put decrements the pincount, indicating that a process is done using this page.
func (page *Page) Put() int64 {
	return page.pinCount.Add(-1)
}

// Update copies data into the page at the specified offset and marks it dirty.
func (page *Page) Update(data []byte, offset int) {
	page.dirty = true
	copy(page.data[offset:offset+len(data)], data)
}
