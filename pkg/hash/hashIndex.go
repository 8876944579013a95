package hash

import (
	"io"
	"path/filepath"
	"strings"

	"hashdb/pkg/cursor"
	"hashdb/pkg/entry"
	"hashdb/pkg/pager"
)

// HashIndex is an index that uses a HashTable as its underlying datastructure.
type HashIndex struct {
	table *HashTable // The HashTable
	name  string     // Table name: the file's base name without its extension
}

// Opens the table stored in filename, creating it if needed.
func OpenTable(filename string, opts ...Option) (*HashIndex, error) {
	table, err := Open(filename, opts...)
	if err != nil {
		return nil, err
	}
	base := filepath.Base(filename)
	return &HashIndex{table: table, name: strings.TrimSuffix(base, filepath.Ext(base))}, nil
}

// GetName returns the name of the table.
func (index *HashIndex) GetName() string {
	return index.name
}

// GetPager returns the pager backing this index
func (index *HashIndex) GetPager() *pager.Pager {
	return index.table.GetPager()
}

// Get table.
func (index *HashIndex) GetTable() *HashTable {
	return index.table
}

// Closes the table, writing its header.
func (index *HashIndex) Close() error {
	return index.table.Close()
}

// Sync flushes the table to disk.
func (index *HashIndex) Sync() error {
	return index.table.Sync()
}

// Find element by key.
func (index *HashIndex) Find(key []byte) (entry.Entry, error) {
	val, err := index.table.Get(key)
	if err != nil {
		return entry.Entry{}, err
	}
	return entry.New(key, val), nil
}

// Insert given element.
func (index *HashIndex) Insert(key []byte, value []byte) error {
	return index.table.Insert(key, value)
}

// Update given element.
func (index *HashIndex) Update(key []byte, value []byte) error {
	return index.table.Update(key, value)
}

// Put inserts or replaces the given element.
func (index *HashIndex) Put(key []byte, value []byte) error {
	return index.table.Put(key, value)
}

// Delete given element.
func (index *HashIndex) Delete(key []byte) error {
	return index.table.Delete(key)
}

// Select all elements.
func (index *HashIndex) Select() ([]entry.Entry, error) {
	return index.table.Select()
}

// Stats describes the table.
func (index *HashIndex) Stats() (Stats, error) {
	return index.table.Stats()
}

// Print all elements.
func (index *HashIndex) Print(w io.Writer) error {
	return index.table.Print(w)
}

// Print the chain of one bucket.
func (index *HashIndex) PrintPN(bucket int, w io.Writer) error {
	return index.table.PrintBucket(uint32(bucket), w)
}

// CursorAtStart returns a cursor to the first entry in the table.
func (index *HashIndex) CursorAtStart() (cursor.Cursor, error) {
	c, err := index.table.Cursor()
	if err != nil {
		return nil, err
	}
	return c, nil
}
