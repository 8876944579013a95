package hash

import (
	"fmt"

	"github.com/cespare/xxhash"
	"github.com/spaolacci/murmur3"
)

// HashFunc maps a key to a 32-bit hash. Buckets are chosen from the low bits.
type HashFunc func(key []byte) uint32

// XxHasher returns the low 32 bits of the xxHash of the key.
func XxHasher(key []byte) uint32 {
	return uint32(xxhash.Sum64(key))
}

// MurmurHasher returns the 32-bit MurmurHash3 of the key.
func MurmurHasher(key []byte) uint32 {
	return murmur3.Sum32(key)
}

// Hashers names the hash functions a table can be created with.
var Hashers = map[string]HashFunc{
	"xx":     XxHasher,
	"murmur": MurmurHasher,
}

// HasherByName returns the named hash function.
func HasherByName(name string) (HashFunc, error) {
	if h, ok := Hashers[name]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("unknown hash %q: use xx or murmur", name)
}

// log2 returns the smallest i such that 1<<i >= n.
func log2(n uint32) uint32 {
	i := uint32(0)
	for limit := uint64(1); limit < uint64(n); limit <<= 1 {
		i++
	}
	return i
}
