package hash

import (
	"errors"

	"hashdb/pkg/freemap"
	"hashdb/pkg/layout"
)

var (
	ErrKeyNotFound       = errors.New("key not found")
	ErrKeyExists         = errors.New("key already exists")
	ErrKeyEmpty          = errors.New("key cannot be empty")
	ErrTableClosed       = errors.New("table is closed")
	ErrEmptyTable        = errors.New("all buckets are empty")
	ErrIO                = errors.New("page I/O failed")
	ErrInvalidMagic      = errors.New("not a hash table file")
	ErrInvalidVersion    = errors.New("unsupported hash table version")
	ErrChecksum          = errors.New("header checksum mismatch")
	ErrHashMismatch      = errors.New("table was created with a different hash function")
	ErrInvalidPageSize   = errors.New("page size must be a power of two between 512 and 32768")
	ErrInvalidFillFactor = errors.New("fill factor must be positive")
	ErrInvalidByteOrder  = errors.New("byte order must be little or big endian")
	ErrHeaderChanged     = errors.New("table header changed while opening")

	// Overflow or split-point address space exhausted.
	ErrTableFull = freemap.ErrTableFull
	// A page or header failed validation.
	ErrCorrupt = layout.ErrCorrupt
)
