package database

import (
	"io"

	"hashdb/pkg/cursor"
	"hashdb/pkg/entry"
	"hashdb/pkg/hash"
	"hashdb/pkg/pager"
)

// IndexType names the structure backing a table.
type IndexType string

const (
	HashIndexType IndexType = "hash"
)

// Index interface.
type Index interface {
	Close() error
	Sync() error
	GetName() string
	GetPager() *pager.Pager
	Find([]byte) (entry.Entry, error)
	Insert([]byte, []byte) error
	Update([]byte, []byte) error
	Put([]byte, []byte) error
	Delete([]byte) error
	Select() ([]entry.Entry, error)
	Stats() (hash.Stats, error)
	Print(io.Writer) error
	PrintPN(int, io.Writer) error
	CursorAtStart() (cursor.Cursor, error)
}

var _ Index = (*hash.HashIndex)(nil)
