package hash

import (
	"encoding/binary"

	"hashdb/pkg/config"
	"hashdb/pkg/logger"
)

// Options configures a table. Page size, fill factor, bucket count and byte
// order only apply when a table is created; an existing table keeps the
// values stored in its header.
type Options struct {
	pageSize   int
	fillFactor int
	buckets    int
	order      binary.ByteOrder
	hash       HashFunc
	cacheSize  int
	directIO   bool
	logger     logger.Logger
}

// DefaultOptions returns the configuration used when no option is given.
func DefaultOptions() Options {
	return Options{
		pageSize:   config.DefaultPageSize,
		fillFactor: config.DefaultFillFactor,
		buckets:    1,
		order:      binary.NativeEndian,
		hash:       XxHasher,
		cacheSize:  config.MaxPagesInBuffer,
		logger:     logger.Discard{},
	}
}

// Option configures a table using the functional options pattern.
type Option func(*Options)

// WithPageSize sets the page size of a new table.
func WithPageSize(size int) Option {
	return func(opts *Options) {
		opts.pageSize = size
	}
}

// WithFillFactor sets the average number of keys per bucket above which the
// table grows by one bucket.
func WithFillFactor(ffactor int) Option {
	return func(opts *Options) {
		opts.fillFactor = ffactor
	}
}

// WithBuckets sets the initial number of buckets, rounded up to a power of
// two.
func WithBuckets(n int) Option {
	return func(opts *Options) {
		opts.buckets = n
	}
}

// WithByteOrder sets the byte order of a new table's file. Pages are
// converted on every read and write when it differs from the host's.
func WithByteOrder(order binary.ByteOrder) Option {
	return func(opts *Options) {
		opts.order = order
	}
}

// WithHash sets the key hash function. A table must always be opened with
// the function it was created with.
func WithHash(hash HashFunc) Option {
	return func(opts *Options) {
		opts.hash = hash
	}
}

// WithCacheSize sets the number of page frames in the buffer.
func WithCacheSize(pages int) Option {
	return func(opts *Options) {
		opts.cacheSize = pages
	}
}

// WithDirectIO opens the file with O_DIRECT when the page size is a multiple
// of the device block size.
func WithDirectIO() Option {
	return func(opts *Options) {
		opts.directIO = true
	}
}

// WithLogger sets the logger for table events.
func WithLogger(l logger.Logger) Option {
	return func(opts *Options) {
		opts.logger = logger.OrDiscard(l)
	}
}
