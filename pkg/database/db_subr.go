package database

import (
	"fmt"
	"io"

	"hashdb/pkg/entry"
)

// printResults prints all given entries in a standard format.
func printResults(entries []entry.Entry, w io.Writer) {
	for _, e := range entries {
		fmt.Fprintf(w, "(%s, %s)\n", e.Key, e.Value)
	}
}
