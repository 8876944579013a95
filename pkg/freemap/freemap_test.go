package freemap_test

import (
	"errors"
	"testing"

	"hashdb/pkg/freemap"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =====================================================================
// HELPERS
// =====================================================================

// memStore keeps bitmap pages in memory.
type memStore struct {
	pages  map[uint16][]byte
	reads  int
	failOn error
}

func newMemStore() *memStore {
	return &memStore{pages: make(map[uint16][]byte)}
}

func (s *memStore) ReadBitmap(addr uint16, buf []byte) error {
	s.reads++
	if s.failOn != nil {
		return s.failOn
	}
	p, ok := s.pages[addr]
	if !ok {
		return errors.New("short read")
	}
	copy(buf, p)
	return nil
}

func (s *memStore) WriteBitmap(addr uint16, buf []byte) error {
	s.pages[addr] = append([]byte(nil), buf...)
	return nil
}

// newAllocator returns an initialized allocator on a 512-byte page store.
func newAllocator(t *testing.T, ovflPoint int) (*freemap.Allocator, *memStore) {
	t.Helper()
	store := newMemStore()
	a := freemap.New(store, 512, freemap.State{}, nil)
	a.Init(ovflPoint)
	return a, store
}

// mustAllocate wraps Allocate with error checking.
func mustAllocate(t *testing.T, a *freemap.Allocator) uint16 {
	t.Helper()
	addr, err := a.Allocate()
	require.NoError(t, err)
	return addr
}

// =====================================================================
// TESTS
// =====================================================================

func TestFreemap(t *testing.T) {
	t.Run("AddressCodec", testAddressCodec)
	t.Run("Sequential", testSequential)
	t.Run("ReuseLowest", testReuseLowest)
	t.Run("RoundTrip", testRoundTrip)
	t.Run("SplitPoints", testSplitPoints)
	t.Run("NewBitmapPage", testNewBitmapPage)
	t.Run("TableFull", testTableFull)
	t.Run("FlushAndFetch", testFlushAndFetch)
	t.Run("FetchFailure", testFetchFailure)
	t.Run("FreeErrors", testFreeErrors)
}

func testAddressCodec(t *testing.T) {
	t.Parallel()
	addr := freemap.OAddr(3, 17)
	assert.Equal(t, uint16(3<<11|17), addr)
	assert.Equal(t, 3, freemap.Split(addr))
	assert.Equal(t, 17, freemap.Offset(addr))
	assert.Equal(t, freemap.SplitMask, freemap.Offset(freemap.OAddr(1, freemap.SplitMask)))
}

func testSequential(t *testing.T) {
	t.Parallel()
	a, _ := newAllocator(t, 2)
	// Slot 1 of split point 2 holds the first bitmap.
	assert.Equal(t, freemap.OAddr(2, 1), a.State().Bitmaps[0])
	for i := 2; i <= 10; i++ {
		assert.Equal(t, freemap.OAddr(2, i), mustAllocate(t, a))
	}
	assert.Equal(t, uint32(10), a.Slots())
	used, err := a.InUse()
	require.NoError(t, err)
	assert.Equal(t, 10, used)
}

func testReuseLowest(t *testing.T) {
	t.Parallel()
	a, _ := newAllocator(t, 0)
	addrs := []uint16{}
	for i := 0; i < 8; i++ {
		addrs = append(addrs, mustAllocate(t, a))
	}
	require.NoError(t, a.Free(addrs[5]))
	require.NoError(t, a.Free(addrs[2]))
	assert.Equal(t, uint32(3), a.State().LastFreed)

	assert.Equal(t, addrs[2], mustAllocate(t, a))
	assert.Equal(t, addrs[5], mustAllocate(t, a))
	assert.Equal(t, freemap.OAddr(0, 10), mustAllocate(t, a))
}

func testRoundTrip(t *testing.T) {
	t.Parallel()
	fresh, _ := newAllocator(t, 1)
	want := mustAllocate(t, fresh)

	a, _ := newAllocator(t, 1)
	addrs := []uint16{}
	for i := 0; i < 50; i++ {
		addrs = append(addrs, mustAllocate(t, a))
	}
	for _, i := range []int{7, 49, 0, 13, 31} {
		require.NoError(t, a.Free(addrs[i]))
		addrs[i] = 0
	}
	for _, addr := range addrs {
		if addr != 0 {
			require.NoError(t, a.Free(addr))
		}
	}
	assert.Equal(t, want, mustAllocate(t, a))
}

func testSplitPoints(t *testing.T) {
	t.Parallel()
	a, _ := newAllocator(t, 0)
	first := mustAllocate(t, a)
	a.AdvanceSplitPoint(1)
	assert.Equal(t, 1, a.OvflPoint())
	assert.Equal(t, a.Spares(0), a.Spares(1))

	second := mustAllocate(t, a)
	assert.Equal(t, freemap.OAddr(1, 1), second)
	a.AdvanceSplitPoint(3)
	third := mustAllocate(t, a)
	assert.Equal(t, freemap.OAddr(3, 1), third)
	a.AdvanceSplitPoint(2) // never moves backwards
	assert.Equal(t, 3, a.OvflPoint())

	for _, addr := range []uint16{first, second, third} {
		bit, err := a.Bit(addr)
		require.NoError(t, err)
		back, err := a.Addr(bit)
		require.NoError(t, err)
		assert.Equal(t, addr, back)
	}

	// Freed slots of older split points are reused first.
	require.NoError(t, a.Free(first))
	assert.Equal(t, first, mustAllocate(t, a))
}

// A 512-byte bitmap covers 4096 slots, more than one split point can
// address, so the second bitmap appears two split points later.
func testNewBitmapPage(t *testing.T) {
	t.Parallel()
	a, _ := newAllocator(t, 0)
	for i := 1; i < freemap.SplitMask; i++ {
		mustAllocate(t, a)
	}
	a.AdvanceSplitPoint(1)
	for i := 0; i < freemap.SplitMask; i++ {
		mustAllocate(t, a)
	}
	require.Equal(t, uint32(4094), a.Slots())
	a.AdvanceSplitPoint(2)
	assert.Equal(t, freemap.OAddr(2, 1), mustAllocate(t, a))
	assert.Equal(t, freemap.OAddr(2, 2), mustAllocate(t, a))
	assert.Equal(t, uint16(0), a.State().Bitmaps[1])

	// Slot 4096 starts a new bitmap, which takes the slot for itself.
	assert.Equal(t, freemap.OAddr(2, 4), mustAllocate(t, a))
	assert.Equal(t, freemap.OAddr(2, 3), a.State().Bitmaps[1])
	assert.Equal(t, uint32(4098), a.Slots())
	used, err := a.InUse()
	require.NoError(t, err)
	assert.Equal(t, 4098, used)
}

func testTableFull(t *testing.T) {
	t.Parallel()
	a, _ := newAllocator(t, 0)
	for i := 1; i < freemap.SplitMask; i++ {
		mustAllocate(t, a)
	}
	before := a.State()
	_, err := a.Allocate()
	assert.ErrorIs(t, err, freemap.ErrTableFull)
	assert.Equal(t, before, a.State(), "failed allocation changes nothing")

	// Freeing makes room again within the split point.
	require.NoError(t, a.Free(freemap.OAddr(0, 100)))
	assert.Equal(t, freemap.OAddr(0, 100), mustAllocate(t, a))

	// A later split point has a fresh offset space.
	a.AdvanceSplitPoint(1)
	assert.Equal(t, freemap.OAddr(1, 1), mustAllocate(t, a))
}

func testFlushAndFetch(t *testing.T) {
	t.Parallel()
	a, store := newAllocator(t, 0)
	addrs := []uint16{}
	for i := 0; i < 40; i++ {
		addrs = append(addrs, mustAllocate(t, a))
	}
	require.NoError(t, a.Free(addrs[4]))
	require.NoError(t, a.Flush())
	require.Contains(t, store.pages, a.State().Bitmaps[0])

	b := freemap.New(store, 512, a.State(), nil)
	for i, addr := range addrs {
		ok, err := b.Allocated(addr)
		require.NoError(t, err)
		assert.Equal(t, i != 4, ok, "addr %#x", addr)
	}
	assert.Equal(t, 1, store.reads, "bitmaps are cached after the first fetch")
	assert.Equal(t, addrs[4], mustAllocate(t, b))
}

func testFetchFailure(t *testing.T) {
	t.Parallel()
	a, store := newAllocator(t, 0)
	addr := mustAllocate(t, a)
	require.NoError(t, a.Flush())

	store.failOn = errors.New("disk on fire")
	b := freemap.New(store, 512, a.State(), nil)
	err := b.Free(addr)
	assert.ErrorIs(t, err, store.failOn)
	_, err = b.Allocate()
	assert.ErrorIs(t, err, store.failOn)
	assert.ErrorIs(t, b.Touch(addr), store.failOn)

	store.failOn = nil
	require.NoError(t, b.Touch(addr))
	store.failOn = errors.New("not read again")
	require.NoError(t, b.Free(addr))
}

func testFreeErrors(t *testing.T) {
	t.Parallel()
	a, _ := newAllocator(t, 0)
	addr := mustAllocate(t, a)
	require.NoError(t, a.Free(addr))
	assert.ErrorIs(t, a.Free(addr), freemap.ErrNotAllocated)
	assert.ErrorIs(t, a.Free(freemap.OAddr(0, 0)), freemap.ErrBadAddress)
	assert.ErrorIs(t, a.Free(freemap.OAddr(0, 500)), freemap.ErrBadAddress)
	assert.ErrorIs(t, a.Free(freemap.OAddr(4, 1)), freemap.ErrBadAddress)
	assert.ErrorIs(t, a.Free(a.State().Bitmaps[0]), freemap.ErrBadAddress)
}
