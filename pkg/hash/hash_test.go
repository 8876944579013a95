package hash

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"syscall"
	"testing"

	"hashdb/pkg/entry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =====================================================================
// HELPERS
// =====================================================================

// tablePath returns a fresh table file in the test's directory.
func tablePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "t.hdb")
}

// openTable creates a table with 512-byte pages unless opts say otherwise.
func openTable(t *testing.T, path string, opts ...Option) *HashTable {
	t.Helper()
	table, err := Open(path, append([]Option{WithPageSize(512)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = table.Close() })
	return table
}

// closeAndReopen closes the table, which writes it to disk, and opens the
// file again.
func closeAndReopen(t *testing.T, table *HashTable, opts ...Option) *HashTable {
	t.Helper()
	path := table.GetPager().GetFileName()
	require.NoError(t, table.Close())
	return openTable(t, path, opts...)
}

// inUse returns the number of overflow slots in use, bitmaps included.
func inUse(t *testing.T, table *HashTable) int {
	t.Helper()
	n, err := table.alloc.InUse()
	require.NoError(t, err)
	return n
}

// checkFind fails the test unless key maps to want.
func checkFind(t *testing.T, table *HashTable, key, want []byte) {
	t.Helper()
	got, err := table.Get(key)
	if assert.NoError(t, err, "key %q", key) {
		assert.Equal(t, want, got, "key %q", key)
	}
}

// checkConsistent fails the test unless the table passes IsHash.
func checkConsistent(t *testing.T, table *HashTable) {
	t.Helper()
	ok, err := IsHash(table)
	require.NoError(t, err)
	require.True(t, ok)
}

func key(i int) []byte   { return []byte(fmt.Sprintf("key%d", i)) }
func value(i int) []byte { return []byte(fmt.Sprintf("value%d", i)) }

// =====================================================================
// TESTS
// =====================================================================

func TestHashInsert(t *testing.T) {
	t.Run("Ascending", testInsertAscending)
	t.Run("AscendingLongChains", testInsertLongChains)
	t.Run("Random", testInsertRandom)
	t.Run("DefaultPageSize", testInsertDefaultPageSize)
}

// Inserts ascending keys into a table that must grow many times, then checks
// them before and after a reopen.
func testInsertAscending(t *testing.T) {
	table := openTable(t, tablePath(t), WithFillFactor(8))
	const n = 3000
	for i := 0; i < n; i++ {
		require.NoError(t, table.Insert(key(i), value(i)))
	}
	assert.Equal(t, uint64(n), table.NumKeys())
	assert.Greater(t, table.MaxBucket(), uint32(n/8/2))
	for i := 0; i < n; i++ {
		checkFind(t, table, key(i), value(i))
	}
	checkConsistent(t, table)

	table = closeAndReopen(t, table)
	assert.Equal(t, uint64(n), table.NumKeys())
	for i := 0; i < n; i++ {
		checkFind(t, table, key(i), value(i))
	}
	checkConsistent(t, table)
}

// A fill factor larger than a page holds forces overflow chains in every
// bucket.
func testInsertLongChains(t *testing.T) {
	table := openTable(t, tablePath(t), WithFillFactor(100))
	const n = 2000
	for i := 0; i < n; i++ {
		require.NoError(t, table.Insert(key(i), value(i)))
	}
	st, err := table.Stats()
	require.NoError(t, err)
	assert.Greater(t, st.OverflowPages, st.Bitmaps)
	for i := 0; i < n; i++ {
		checkFind(t, table, key(i), value(i))
	}
	checkConsistent(t, table)

	table = closeAndReopen(t, table)
	for i := 0; i < n; i++ {
		checkFind(t, table, key(i), value(i))
	}
	checkConsistent(t, table)
}

// Inserts, replaces and deletes random keys, some of them with values too
// big for a page, and compares the table with a map.
func testInsertRandom(t *testing.T) {
	table := openTable(t, tablePath(t), WithFillFactor(4))
	r := rand.New(rand.NewSource(42))
	want := make(map[string][]byte)
	for i := 0; i < 3000; i++ {
		k := []byte(fmt.Sprintf("k%d", r.Intn(1000)))
		v := []byte(fmt.Sprintf("v%d", r.Int63()))
		if r.Intn(40) == 0 {
			v = make([]byte, 600+r.Intn(1500))
			r.Read(v)
		}
		switch r.Intn(4) {
		case 0:
			err := table.Delete(k)
			if _, ok := want[string(k)]; ok {
				require.NoError(t, err)
				delete(want, string(k))
			} else {
				require.ErrorIs(t, err, ErrKeyNotFound)
			}
		default:
			require.NoError(t, table.Put(k, v))
			want[string(k)] = v
		}
	}
	assert.Equal(t, uint64(len(want)), table.NumKeys())
	for k, v := range want {
		checkFind(t, table, []byte(k), v)
	}
	checkConsistent(t, table)

	table = closeAndReopen(t, table)
	for k, v := range want {
		checkFind(t, table, []byte(k), v)
	}
	checkConsistent(t, table)
}

func testInsertDefaultPageSize(t *testing.T) {
	table, err := Open(tablePath(t))
	require.NoError(t, err)
	defer table.Close()
	assert.Equal(t, 4096, table.PageSize())
	for i := 0; i < 5000; i++ {
		require.NoError(t, table.Insert(key(i), value(i)))
	}
	for i := 0; i < 5000; i++ {
		checkFind(t, table, key(i), value(i))
	}
	checkConsistent(t, table)
}

// Tables opened for direct I/O read back what they wrote. Page sizes that
// are not a multiple of the device block fall back to buffered I/O.
func TestHashDirectIO(t *testing.T) {
	for _, size := range []int{512, 4096} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			path := tablePath(t)
			table, err := Open(path, WithPageSize(size), WithDirectIO())
			if errors.Is(err, syscall.EINVAL) {
				t.Skip("filesystem does not support O_DIRECT")
			}
			require.NoError(t, err)
			const n = 3000
			for i := 0; i < n; i++ {
				require.NoError(t, table.Put(key(i), value(i)))
			}
			require.NoError(t, table.Close())

			table = openTable(t, path, WithDirectIO())
			assert.Equal(t, size, table.PageSize())
			assert.Equal(t, uint64(n), table.NumKeys())
			for i := 0; i < n; i++ {
				checkFind(t, table, key(i), value(i))
			}
			checkConsistent(t, table)
		})
	}
}

func TestHashHasherByName(t *testing.T) {
	for name := range Hashers {
		h, err := HasherByName(name)
		require.NoError(t, err)
		table := openTable(t, tablePath(t), WithHash(h))
		require.NoError(t, table.Put([]byte("a"), []byte("1")))
		table = closeAndReopen(t, table, WithHash(h))
		checkFind(t, table, []byte("a"), []byte("1"))
	}
	_, err := HasherByName("crc")
	require.Error(t, err)
	assert.NotEqual(t, XxHasher([]byte(CHARKEY)), MurmurHasher([]byte(CHARKEY)))
}

func TestHashModes(t *testing.T) {
	table := openTable(t, tablePath(t))

	require.ErrorIs(t, table.Update([]byte("a"), []byte("1")), ErrKeyNotFound)
	require.NoError(t, table.Insert([]byte("a"), []byte("1")))
	require.ErrorIs(t, table.Insert([]byte("a"), []byte("2")), ErrKeyExists)
	checkFind(t, table, []byte("a"), []byte("1"))

	require.NoError(t, table.Update([]byte("a"), []byte("2")))
	checkFind(t, table, []byte("a"), []byte("2"))
	require.NoError(t, table.Put([]byte("a"), []byte("three")))
	require.NoError(t, table.Put([]byte("b"), []byte("4")))
	checkFind(t, table, []byte("a"), []byte("three"))
	checkFind(t, table, []byte("b"), []byte("4"))
	assert.Equal(t, uint64(2), table.NumKeys())

	// Empty values are allowed, empty keys are not.
	require.NoError(t, table.Put([]byte("c"), nil))
	got, err := table.Get([]byte("c"))
	require.NoError(t, err)
	assert.Empty(t, got)

	require.ErrorIs(t, table.Put(nil, []byte("x")), ErrKeyEmpty)
	_, err = table.Get([]byte{})
	require.ErrorIs(t, err, ErrKeyEmpty)
	require.ErrorIs(t, table.Delete(nil), ErrKeyEmpty)
	checkConsistent(t, table)
}

func TestHashDelete(t *testing.T) {
	table := openTable(t, tablePath(t), WithFillFactor(50))
	const n = 1500
	for i := 0; i < n; i++ {
		require.NoError(t, table.Insert(key(i), value(i)))
	}
	// Delete the odd keys.
	for i := 1; i < n; i += 2 {
		require.NoError(t, table.Delete(key(i)))
	}
	for i := 0; i < n; i++ {
		if i%2 == 1 {
			_, err := table.Get(key(i))
			require.ErrorIs(t, err, ErrKeyNotFound)
		} else {
			checkFind(t, table, key(i), value(i))
		}
	}
	require.ErrorIs(t, table.Delete(key(1)), ErrKeyNotFound)
	checkConsistent(t, table)

	// Delete the rest. Every overflow page goes back to the allocator.
	for i := 0; i < n; i += 2 {
		require.NoError(t, table.Delete(key(i)))
	}
	assert.Equal(t, uint64(0), table.NumKeys())
	st, err := table.Stats()
	require.NoError(t, err)
	assert.Equal(t, st.Bitmaps, st.OverflowPages)
	entries, err := table.Select()
	require.NoError(t, err)
	assert.Empty(t, entries)
	checkConsistent(t, table)

	table = closeAndReopen(t, table)
	assert.Equal(t, uint64(0), table.NumKeys())
	checkConsistent(t, table)
}

func TestHashClosed(t *testing.T) {
	table, err := Open(tablePath(t), WithPageSize(512))
	require.NoError(t, err)
	require.NoError(t, table.Close())

	require.ErrorIs(t, table.Close(), ErrTableClosed)
	_, err = table.Get([]byte("a"))
	require.ErrorIs(t, err, ErrTableClosed)
	require.ErrorIs(t, table.Put([]byte("a"), []byte("b")), ErrTableClosed)
	require.ErrorIs(t, table.Delete([]byte("a")), ErrTableClosed)
	require.ErrorIs(t, table.Sync(), ErrTableClosed)
	_, err = table.Select()
	require.ErrorIs(t, err, ErrTableClosed)
	_, err = table.Stats()
	require.ErrorIs(t, err, ErrTableClosed)
	_, err = IsHash(table)
	require.ErrorIs(t, err, ErrTableClosed)
}

func TestHashOptions(t *testing.T) {
	_, err := Open(tablePath(t), WithPageSize(1000))
	require.ErrorIs(t, err, ErrInvalidPageSize)
	_, err = Open(tablePath(t), WithPageSize(256))
	require.ErrorIs(t, err, ErrInvalidPageSize)
	_, err = Open(tablePath(t), WithFillFactor(0))
	require.ErrorIs(t, err, ErrInvalidFillFactor)

	// Bucket counts round up to a power of two.
	table := openTable(t, tablePath(t), WithBuckets(5))
	assert.Equal(t, uint32(7), table.MaxBucket())
	assert.Equal(t, uint32(7), table.hdr.lowMask)
	assert.Equal(t, uint32(15), table.hdr.highMask)
	assert.Equal(t, 3, table.alloc.OvflPoint())

	// An existing table keeps its page size and fill factor.
	table = closeAndReopen(t, table, WithPageSize(1024), WithFillFactor(3))
	assert.Equal(t, 512, table.PageSize())
	assert.Equal(t, uint32(DefaultOptions().fillFactor), table.hdr.ffactor)
}

func TestHashSelectAndCursor(t *testing.T) {
	table := openTable(t, tablePath(t), WithFillFactor(8))

	_, err := table.Cursor()
	require.ErrorIs(t, err, ErrEmptyTable)

	const n = 500
	want := make(map[string]string)
	for i := 0; i < n; i++ {
		require.NoError(t, table.Insert(key(i), value(i)))
		want[string(key(i))] = string(value(i))
	}
	big := make([]byte, 1200)
	rand.New(rand.NewSource(1)).Read(big)
	require.NoError(t, table.Insert([]byte("big"), big))
	want["big"] = string(big)

	entries, err := table.Select()
	require.NoError(t, err)
	assert.Equal(t, want, toMap(entries))

	cursor, err := table.Cursor()
	require.NoError(t, err)
	defer cursor.Close()
	var seen []entry.Entry
	lastBucket := cursor.Bucket()
	for {
		e, err := cursor.GetEntry()
		require.NoError(t, err)
		seen = append(seen, e)
		require.GreaterOrEqual(t, cursor.Bucket(), lastBucket)
		lastBucket = cursor.Bucket()
		if cursor.Next() {
			break
		}
	}
	require.NoError(t, cursor.Err())
	assert.Equal(t, want, toMap(seen))
	_, err = cursor.GetEntry()
	assert.Error(t, err)
}

func toMap(entries []entry.Entry) map[string]string {
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		m[string(e.Key)] = string(e.Value)
	}
	return m
}

func TestHashIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "people.hdb")
	index, err := OpenTable(path, WithPageSize(512))
	require.NoError(t, err)
	assert.Equal(t, "people", index.GetName())

	require.NoError(t, index.Insert([]byte("ada"), []byte("lovelace")))
	require.NoError(t, index.Put([]byte("alan"), []byte("turing")))
	require.NoError(t, index.Update([]byte("alan"), []byte("kay")))
	e, err := index.Find([]byte("alan"))
	require.NoError(t, err)
	assert.Equal(t, []byte("kay"), e.Value)
	assert.Equal(t, []byte("alan"), e.Key)

	c, err := index.CursorAtStart()
	require.NoError(t, err)
	require.NotNil(t, c)
	c.Close()

	require.NoError(t, index.Delete([]byte("ada")))
	_, err = index.Find([]byte("ada"))
	require.ErrorIs(t, err, ErrKeyNotFound)
	require.NoError(t, index.Sync())
	require.NoError(t, index.Close())

	index, err = OpenTable(path)
	require.NoError(t, err)
	defer index.Close()
	entries, err := index.Select()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alan": "kay"}, toMap(entries))
}
