package pager

import (
	"encoding/binary"
	"math/bits"
)

// Data pages are arrays of 16-bit cells and bitmap pages arrays of 32-bit
// words. Only the header and offset table of a data page are swapped; key
// and value bytes are opaque.

// swapIn converts a page read from a file of the opposite byte order.
func swapIn(data []byte, kind Kind) {
	switch kind {
	case DataPage:
		// Cell 0 first: it gives the number of cells to convert.
		swapCell(data, 0)
		for i := 1; i <= cellsInUse(data); i++ {
			swapCell(data, i)
		}
	case BitmapPage:
		swapWords(data)
	}
}

// swapOut converts a host-order page for a file of the opposite byte order.
func swapOut(data []byte, kind Kind) {
	switch kind {
	case DataPage:
		n := cellsInUse(data)
		for i := 0; i <= n; i++ {
			swapCell(data, i)
		}
	case BitmapPage:
		swapWords(data)
	}
}

// cellsInUse returns the index of the last header cell (OFFSET) of a page
// whose cell 0 is in host order, clamped to the page.
func cellsInUse(data []byte) int {
	n := int(binary.NativeEndian.Uint16(data)) + 2
	return min(n, len(data)/2-1)
}

func swapCell(data []byte, i int) {
	v := binary.NativeEndian.Uint16(data[2*i:])
	binary.NativeEndian.PutUint16(data[2*i:], bits.ReverseBytes16(v))
}

func swapWords(data []byte) {
	for i := 0; i+4 <= len(data); i += 4 {
		v := binary.NativeEndian.Uint32(data[i:])
		binary.NativeEndian.PutUint32(data[i:], bits.ReverseBytes32(v))
	}
}
