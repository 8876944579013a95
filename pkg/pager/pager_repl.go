package pager

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"hashdb/pkg/repl"
)

// Creates a Pager REPL for inspecting a page file with.
func PagerRepl(p *Pager) *repl.REPL {
	r := repl.NewRepl()

	r.AddCommand("pager_print", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandlePagerPrint(p, payload)
	}, "Print out the state of the pager. usage: pager_print")

	r.AddCommand("pager_get", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return "", HandlePagerGet(p, payload)
	}, "Read a page into the pager and pin it. usage: pager_get <page_num>")

	r.AddCommand("pager_new", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandlePagerNew(p, payload)
	}, "Append a zeroed page and pin it. usage: pager_new")

	r.AddCommand("pager_write", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return "", HandlePagerWrite(p, payload)
	}, "Write data to a pinned page. usage: pager_write <page_num> <offset> <payload>")

	r.AddCommand("pager_read", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandlePagerRead(p, payload)
	}, "Dump a resident page. usage: pager_read <page_num> [bytes]")

	r.AddCommand("pager_unpin", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return "", HandlePagerUnpin(p, payload)
	}, "Unpin a page. usage: pager_unpin <page_num>")

	r.AddCommand("pager_flush", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return "", HandlePagerFlush(p, payload)
	}, "Flush a page. usage: pager_flush <page_num>")

	r.AddCommand("pager_flushall", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return "", HandlePagerFlushAll(p, payload)
	}, "Flush all pages. usage: pager_flushall")

	return r
}

// resident returns the resident page pagenum.
func (pager *Pager) resident(pagenum int64) (*Page, bool) {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	page, ok := pager.pageTable[pagenum]
	return page, ok
}

// pageArg parses the page number in fields[1] and looks up the resident page.
func pageArg(p *Pager, fields []string) (*Page, error) {
	pNum, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, err
	}
	page, found := p.resident(pNum)
	if !found {
		return nil, errors.New("page not found; did you pager_get it first?")
	}
	return page, nil
}

// Function to print out state of the pager.
func HandlePagerPrint(p *Pager, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: pager_print
	if len(fields) != 1 {
		return "", errors.New("usage: pager_print")
	}
	p.ptMtx.Lock()
	defer p.ptMtx.Unlock()
	w := new(strings.Builder)
	fmt.Fprintf(w, "numPages: %v, pageSize: %v, swap: %v\n", p.numPages, p.opts.PageSize, p.opts.Swap)
	fmt.Fprintf(w, "free frames: %v\n", len(p.freeList))
	io.WriteString(w, "unpinned (oldest first): ")
	for _, pNum := range p.unpinned.Keys() {
		fmt.Fprintf(w, "%v, ", pNum)
	}
	io.WriteString(w, "\npageTable: ")
	nums := make([]int64, 0, len(p.pageTable))
	for pNum := range p.pageTable {
		nums = append(nums, pNum)
	}
	slices.Sort(nums)
	for _, pNum := range nums {
		page := p.pageTable[pNum]
		fmt.Fprintf(w, "(pagenum: %v, kind: %v, pincount: %v, dirty: %v), ",
			pNum, page.kind, page.PinCount(), page.dirty)
	}
	io.WriteString(w, "\n")
	return w.String(), nil
}

// Function to get an existing page and pin it; errors if requesting a page
// past the end of the file.
func HandlePagerGet(p *Pager, payload string) (err error) {
	fields := strings.Fields(payload)
	// Usage: pager_get <page_num>
	if len(fields) != 2 {
		return fmt.Errorf("usage: pager_get <page_num>")
	}
	pNum, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return err
	}
	if pNum >= p.GetNumPages() {
		return errors.New("error: haven't allocated that page number yet")
	}
	_, err = p.GetPage(pNum, DataPage)
	return err
}

// Function to append a new page.
func HandlePagerNew(p *Pager, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: pager_new
	if len(fields) != 1 {
		return "", fmt.Errorf("usage: pager_new")
	}
	page, err := p.NewPage(p.GetNumPages(), DataPage)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("new page %d\n", page.GetPageNum()), nil
}

// Function to write data to a page.
func HandlePagerWrite(p *Pager, payload string) (err error) {
	fields := strings.Fields(payload)
	// Usage: pager_write <page_num> <offset> <payload>
	if len(fields) != 4 {
		return fmt.Errorf("usage: pager_write <page_num> <offset> <payload>")
	}
	page, err := pageArg(p, fields)
	if err != nil {
		return err
	}
	offset, err := strconv.Atoi(fields[2])
	if err != nil {
		return err
	}
	data := []byte(fields[3])
	if offset < 0 || offset+len(data) > len(page.GetData()) {
		return fmt.Errorf("write of %d bytes at %d does not fit the page", len(data), offset)
	}
	page.Update(data, offset)
	return nil
}

// Function to print out the contents of a page.
func HandlePagerRead(p *Pager, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: pager_read <page_num> [bytes]
	if len(fields) != 2 && len(fields) != 3 {
		return "", fmt.Errorf("usage: pager_read <page_num> [bytes]")
	}
	page, err := pageArg(p, fields)
	if err != nil {
		return "", err
	}
	data := page.GetData()
	if len(fields) == 3 {
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			return "", err
		}
		data = data[:min(max(n, 0), len(data))]
	}
	return hex.Dump(data), nil
}

// Function to unpin a page.
func HandlePagerUnpin(p *Pager, payload string) (err error) {
	fields := strings.Fields(payload)
	// Usage: pager_unpin <page_num>
	if len(fields) != 2 {
		return fmt.Errorf("usage: pager_unpin <page_num>")
	}
	page, err := pageArg(p, fields)
	if err != nil {
		return err
	}
	return p.PutPage(page)
}

// Function to flush a page.
func HandlePagerFlush(p *Pager, payload string) (err error) {
	fields := strings.Fields(payload)
	// Usage: pager_flush <page_num>
	if len(fields) != 2 {
		return fmt.Errorf("usage: pager_flush <page_num>")
	}
	page, err := pageArg(p, fields)
	if err != nil {
		return err
	}
	p.ptMtx.Lock()
	defer p.ptMtx.Unlock()
	return p.FlushPage(page)
}

// Function to flush all pages.
func HandlePagerFlushAll(p *Pager, payload string) (err error) {
	fields := strings.Fields(payload)
	// Usage: pager_flushall
	if len(fields) != 1 {
		return fmt.Errorf("usage: pager_flushall")
	}
	return p.FlushAllPages()
}
