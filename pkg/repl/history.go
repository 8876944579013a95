package repl

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/icza/backscanner"
)

// History is an append-only file of REPL input lines.
type History struct {
	mu   sync.Mutex
	file *os.File
}

// OpenHistory opens or creates the history file at path.
func OpenHistory(path string) (*History, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0775); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, err
	}
	return &History{file: file}, nil
}

// Append records one input line.
func (h *History) Append(line string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.file, line+"\n")
	return err
}

// Last returns up to n of the most recent lines, oldest first. The file is
// scanned backwards so only the tail is read.
func (h *History) Last(n int) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info, err := h.file.Stat()
	if err != nil {
		return nil, err
	}
	scanner := backscanner.New(h.file, int(info.Size()))
	lines := make([]string, 0, n)
	for len(lines) < n {
		line, _, err := scanner.Line()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		// The file ends with a newline, which yields an empty last line.
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	slices.Reverse(lines)
	return lines, nil
}

// Close closes the history file.
func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Close()
}
