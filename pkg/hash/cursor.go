package hash

import (
	"errors"

	"hashdb/pkg/cursor"
	"hashdb/pkg/entry"
)

// chainEntries returns copies of the pairs of bucket b in chain order, with
// big pairs read back in full.
func (table *HashTable) chainEntries(b uint32) ([]entry.Entry, error) {
	items, _, err := table.stageChain(b)
	if err != nil {
		return nil, err
	}
	ret := make([]entry.Entry, 0, len(items))
	for _, it := range items {
		if !it.big {
			ret = append(ret, entry.New(it.key, it.val))
			continue
		}
		key, val, err := table.readBig(it.key, true)
		if err != nil {
			return nil, err
		}
		ret = append(ret, entry.New(key, val))
	}
	return ret, nil
}

// Select returns every entry of the table, bucket by bucket in chain order.
func (table *HashTable) Select() ([]entry.Entry, error) {
	table.mu.Lock()
	defer table.mu.Unlock()
	if table.closed {
		return nil, ErrTableClosed
	}
	ret := make([]entry.Entry, 0, table.hdr.nkeys)
	for b := uint32(0); b <= table.hdr.maxBucket; b++ {
		entries, err := table.chainEntries(b)
		if err != nil {
			return nil, err
		}
		ret = append(ret, entries...)
	}
	return ret, nil
}

// HashCursor points to a spot in the hash table. It holds a copy of the
// current bucket, so writes made while it is open are only seen in buckets
// it has not reached yet.
type HashCursor struct {
	table   *HashTable
	bucket  uint32
	entries []entry.Entry
	index   int
	err     error
}

// Cursor returns a cursor to the first entry in the table, or ErrEmptyTable.
func (table *HashTable) Cursor() (*HashCursor, error) {
	cursor := &HashCursor{table: table}
	if err := cursor.load(); err != nil {
		return nil, err
	}
	// If we are in an empty bucket, move to the first non-empty one.
	if len(cursor.entries) == 0 && cursor.Next() {
		if cursor.err != nil {
			return nil, cursor.err
		}
		return nil, ErrEmptyTable
	}
	return cursor, nil
}

// load copies the cursor's bucket.
func (cursor *HashCursor) load() error {
	table := cursor.table
	table.mu.Lock()
	defer table.mu.Unlock()
	if table.closed {
		return ErrTableClosed
	}
	entries, err := table.chainEntries(cursor.bucket)
	if err != nil {
		return err
	}
	cursor.entries, cursor.index = entries, 0
	return nil
}

// Next moves the cursor ahead by one entry.
// Returns true if we reach the end of the table or a read fails; Err tells
// which.
func (cursor *HashCursor) Next() bool {
	if cursor.err != nil {
		return true
	}
	cursor.index++
	for cursor.index >= len(cursor.entries) {
		if cursor.bucket >= cursor.table.MaxBucket() {
			return true
		}
		cursor.bucket++
		if cursor.err = cursor.load(); cursor.err != nil {
			return true
		}
	}
	return false
}

// GetEntry returns the entry currently pointed to by the cursor.
func (cursor *HashCursor) GetEntry() (entry.Entry, error) {
	if cursor.err != nil {
		return entry.Entry{}, cursor.err
	}
	if cursor.index >= len(cursor.entries) {
		return entry.Entry{}, errors.New("getEntry: cursor is not pointing at a valid entry")
	}
	return cursor.entries[cursor.index], nil
}

// Err returns the error that stopped the cursor, if any.
func (cursor *HashCursor) Err() error {
	return cursor.err
}

// Bucket returns the bucket the cursor is in.
func (cursor *HashCursor) Bucket() uint32 {
	return cursor.bucket
}

// Close is called when we no longer need to use the cursor anymore.
func (cursor *HashCursor) Close() {
	// Nothing is pinned between calls.
}

var _ cursor.Cursor = (*HashCursor)(nil)

