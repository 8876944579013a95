package pager_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"hashdb/pkg/layout"
	"hashdb/pkg/pager"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pageSize = 512
const maxPages = 8

// setupPager creates a new pager on a fresh file in the test's temp dir.
func setupPager(t *testing.T, swap bool) *pager.Pager {
	t.Parallel()
	return openPager(t, filepath.Join(t.TempDir(), "pager.db"), swap)
}

// openPager opens a pager on path and closes it when the test ends.
func openPager(t *testing.T, path string, swap bool) *pager.Pager {
	p, err := pager.New(path, pager.Options{PageSize: pageSize, MaxPages: maxPages, Swap: swap})
	require.NoError(t, err, "Failed to create a new pager")
	t.Cleanup(func() {
		// Don't check close error since we are only concerned with resource cleanup
		_ = p.Close()
	})
	return p
}

// newPage wraps a call to Pager.NewPage() with error checking.
// If deferPut is true, queues the page to be put when the test ends.
func newPage(t *testing.T, p *pager.Pager, pagenum int64, deferPut bool) *pager.Page {
	page, err := p.NewPage(pagenum, pager.DataPage)
	require.NoError(t, err, "Error getting new page")
	if deferPut {
		t.Cleanup(func() {
			// Don't need to check put error since we explicitly check in testTooManyPuts
			_ = p.PutPage(page)
		})
	}
	return page
}

// getPage wraps a call to Pager.GetPage(pagenum) with error checking.
// If deferPut is true, queues the page to be put when the test ends.
func getPage(t *testing.T, p *pager.Pager, pagenum int64, deferPut bool) *pager.Page {
	page, err := p.GetPage(pagenum, pager.DataPage)
	require.NoError(t, err, "Error getting existing page %d", pagenum)
	if deferPut {
		t.Cleanup(func() {
			assert.NoError(t, p.PutPage(page))
		})
	}
	return page
}

// closeAndReopen closes a pager then opens a new one on the same file.
func closeAndReopen(t *testing.T, p *pager.Pager, swap bool) *pager.Pager {
	name := p.GetFileName()
	require.NoError(t, p.Close(), "Failed to close pager")
	return openPager(t, name, swap)
}

func TestPager(t *testing.T) {
	t.Run("NewPage", testNewPage)
	t.Run("GetPagePagenumber", testGetPagePagenumber)
	t.Run("NegativePagenumber", testNegativePagenumber)
	t.Run("MaxNewPages", testMaxNewPages)
	t.Run("FlushOnePage", testFlushOnePage)
	t.Run("TooManyPuts", testTooManyPuts)
	t.Run("PincountsOnClose", testPincountsOnClose)
	t.Run("GetExistingChangedPage", testGetExistingChangedPage)
	t.Run("EvictionWritesBack", testEvictionWritesBack)
	t.Run("ShortRead", testShortRead)
	t.Run("CorruptLength", testCorruptLength)
	t.Run("Locked", testLocked)
	t.Run("ByteOrder", testByteOrder)
	t.Run("BitmapByteOrder", testBitmapByteOrder)
}

/*
Checks that NewPage returns a zeroed, dirty, pinned page with the right pager
and page number.
*/
func testNewPage(t *testing.T) {
	p := setupPager(t, false)
	page := newPage(t, p, 3, true)
	assert.Same(t, p, page.GetPager())
	assert.Equal(t, int64(3), page.GetPageNum())
	assert.Equal(t, pager.DataPage, page.GetKind())
	assert.True(t, page.IsDirty())
	assert.Equal(t, int64(1), page.PinCount())
	assert.Equal(t, make([]byte, pageSize), page.GetData())
	assert.Equal(t, int64(4), p.GetNumPages())
}

/*
Gets two new pages and retrieves page 1 again; the same frame comes back.
*/
func testGetPagePagenumber(t *testing.T) {
	p := setupPager(t, false)
	p1 := newPage(t, p, 0, true)
	p2 := newPage(t, p, 1, true)
	p3 := getPage(t, p, 1, true)
	assert.Equal(t, int64(0), p1.GetPageNum())
	assert.Equal(t, int64(1), p2.GetPageNum())
	assert.Same(t, p2, p3)
	assert.Equal(t, int64(2), p3.PinCount())
}

func testNegativePagenumber(t *testing.T) {
	p := setupPager(t, false)
	_, err := p.GetPage(-1, pager.DataPage)
	assert.ErrorIs(t, err, pager.ErrInvalidPage)
	_, err = p.NewPage(-1, pager.DataPage)
	assert.ErrorIs(t, err, pager.ErrInvalidPage)
}

/*
Pins every frame, then checks that one more page cannot be brought in.
*/
func testMaxNewPages(t *testing.T) {
	p := setupPager(t, false)
	for i := 0; i < maxPages; i++ {
		_ = newPage(t, p, int64(i), true)
	}
	_, err := p.NewPage(maxPages, pager.DataPage)
	assert.ErrorIs(t, err, pager.ErrRanOutOfPages)
	resident, pinned := p.Resident()
	assert.Equal(t, maxPages, resident)
	assert.Equal(t, maxPages, pinned)
}

/*
Writes to a page, flushes it, and reopens the pager; the data survives.
*/
func testFlushOnePage(t *testing.T) {
	p := setupPager(t, false)
	page := newPage(t, p, 0, false)
	data := []byte("hello")
	page.Update(data, 0)
	require.NoError(t, p.PutPage(page))
	require.NoError(t, p.FlushPage(page))
	assert.False(t, page.IsDirty())

	p = closeAndReopen(t, p, false)
	page = getPage(t, p, 0, true)
	assert.True(t, bytes.Equal(page.GetData()[:len(data)], data), "Data not flushed properly")
}

func testTooManyPuts(t *testing.T) {
	p := setupPager(t, false)
	page := newPage(t, p, 0, false)
	require.NoError(t, p.PutPage(page), "Initial put page shouldn't fail")
	assert.Error(t, p.PutPage(page), "PutPage should fail because pincount < 0")
}

func testPincountsOnClose(t *testing.T) {
	p := setupPager(t, false)
	page := newPage(t, p, 0, false)
	assert.ErrorIs(t, p.Close(), pager.ErrPinned)
	require.NoError(t, p.PutPage(page))
}

/*
Changes a page without flushing; GetPage returns the buffered frame.
*/
func testGetExistingChangedPage(t *testing.T) {
	p := setupPager(t, false)
	p1 := newPage(t, p, 0, true)
	data := []byte("test data")
	p1.Update(data, 0)
	p2 := getPage(t, p, 0, true)
	assert.Same(t, p1, p2)
	assert.Equal(t, data, p2.GetData()[:len(data)])
}

/*
Writes many more pages than there are frames; evicted dirty pages are
written back and read again on demand.
*/
func testEvictionWritesBack(t *testing.T) {
	p := setupPager(t, false)
	for i := 0; i < 10*maxPages; i++ {
		page := newPage(t, p, int64(i), false)
		binary.LittleEndian.PutUint64(page.GetData(), uint64(i*7))
		require.NoError(t, p.PutPage(page))
	}
	resident, pinned := p.Resident()
	assert.Equal(t, maxPages, resident)
	assert.Equal(t, 0, pinned)
	for i := 0; i < 10*maxPages; i++ {
		page := getPage(t, p, int64(i), false)
		assert.Equal(t, uint64(i*7), binary.LittleEndian.Uint64(page.GetData()))
		require.NoError(t, p.PutPage(page))
	}
}

func testShortRead(t *testing.T) {
	p := setupPager(t, false)
	_, err := p.GetPage(5, pager.DataPage)
	assert.ErrorIs(t, err, pager.ErrShortRead)
	// The frame went back to the free list.
	resident, _ := p.Resident()
	assert.Equal(t, 0, resident)
}

func testCorruptLength(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.db")
	require.NoError(t, os.WriteFile(path, make([]byte, pageSize+3), 0666))
	_, err := pager.New(path, pager.Options{PageSize: pageSize})
	assert.ErrorIs(t, err, pager.ErrCorruptFile)
}

func testLocked(t *testing.T) {
	p := setupPager(t, false)
	_, err := pager.New(p.GetFileName(), pager.Options{PageSize: pageSize})
	assert.ErrorIs(t, err, pager.ErrLocked)
}

/*
Writes a data page through a swapping pager; the file holds the header cells
in the opposite byte order and a swapping reader restores the page.
*/
func testByteOrder(t *testing.T) {
	p := setupPager(t, true)
	page := newPage(t, p, 1, false)
	lp := layout.Page(page.GetData())
	lp.Init()
	lp.PutPair([]byte("key"), []byte("value"))
	lp.AddLink(0x0803)
	want := append([]byte(nil), page.GetData()...)
	require.NoError(t, p.PutPage(page))
	require.NoError(t, p.FlushAllPages())

	raw, err := os.ReadFile(p.GetFileName())
	require.NoError(t, err)
	onDisk := raw[pageSize : 2*pageSize]
	assert.Equal(t, uint16(4), swapped16(onDisk[0:]), "N is stored swapped")
	assert.Equal(t, "valuekey", string(onDisk[pageSize-8:]), "pair bytes are not swapped")

	p = closeAndReopen(t, p, true)
	page = getPage(t, p, 1, true)
	assert.Equal(t, want, page.GetData())
	lp = layout.Page(page.GetData())
	require.NoError(t, lp.Check())
	k, v := lp.PairAt(0)
	assert.Equal(t, "key", string(k))
	assert.Equal(t, "value", string(v))
	assert.Equal(t, uint16(0x0803), lp.Link())
}

func testBitmapByteOrder(t *testing.T) {
	p := setupPager(t, true)
	page, err := p.NewPage(2, pager.BitmapPage)
	require.NoError(t, err)
	binary.NativeEndian.PutUint32(page.GetData()[4:], 0x01020304)
	require.NoError(t, p.PutPage(page))
	require.NoError(t, p.FlushAllPages())

	raw, err := os.ReadFile(p.GetFileName())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04030201), binary.NativeEndian.Uint32(raw[2*pageSize+4:]))

	p = closeAndReopen(t, p, true)
	page, err = p.GetPage(2, pager.BitmapPage)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), binary.NativeEndian.Uint32(page.GetData()[4:]))
	require.NoError(t, p.PutPage(page))
}

// swapped16 reads a cell stored in the opposite of host byte order.
func swapped16(b []byte) uint16 {
	v := binary.NativeEndian.Uint16(b)
	return v>>8 | v<<8
}
