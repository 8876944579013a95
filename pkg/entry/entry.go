package entry

import (
	"fmt"
	"io"
)

// Entry is a key-value pair stored in a hash table.
type Entry struct {
	Key   []byte
	Value []byte
}

// New constructs and returns a new Entry with the specified key and value.
func New(key []byte, value []byte) Entry {
	return Entry{key, value}
}

// Print writes the entry to the specified writer in the following format: (<key>, <value>)
func (entry Entry) Print(w io.Writer) {
	fmt.Fprintf(w, "(%q, %q), ", entry.Key, entry.Value)
}
