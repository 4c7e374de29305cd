package buffer

import (
	"sync/atomic"

	csync "github.com/microsoft/AMBROSIA-sub006/common/sync"
)

const (
	DefaultPageSize   = 4096
	DefaultExtraPages = 1024
)

var (
	// PageSize Capacity of pooled pages. Messages larger than it get a page of their own.
	PageSize = DefaultPageSize

	pages = newPagePool(DefaultExtraPages)
)

// Configure Set the page size and the number of idle pages kept process wide.
// Must be called before any buffer is created.
func Configure(pageSize int, extraPages int) {
	PageSize = pageSize
	pages = newPagePool(extraPages)
}

func newPagePool(extra int) *csync.Pool {
	pool := csync.NewPool(extra)
	pool.New = func() interface{} {
		return &Page{data: make([]byte, 0, PageSize), refs: 1}
	}
	return pool
}

// Page A run of framed messages numbered [Low, High].
// Low, High and the counts only change under the owning buffer's append lock.
type Page struct {
	Low        int64
	High       int64
	Total      int32
	Replayable int32

	data []byte
	next atomic.Pointer[Page]
	refs int32
}

func allocPage(size int) *Page {
	if size > PageSize {
		return &Page{data: make([]byte, 0, size), refs: 1}
	}
	return pages.Get().(*Page)
}

// Bytes Framed messages on the page.
func (p *Page) Bytes() []byte {
	return p.data
}

func (p *Page) free() int {
	return cap(p.data) - len(p.data)
}

func (p *Page) reset() {
	p.Low = 0
	p.High = 0
	p.Total = 0
	p.Replayable = 0
	p.data = p.data[:0]
	p.next.Store(nil)
}

func (p *Page) pin() {
	atomic.AddInt32(&p.refs, 1)
}

func (p *Page) pinned() bool {
	return atomic.LoadInt32(&p.refs) > 1
}

// release Drop a reference. The last one recycles the page.
func (p *Page) release() {
	if atomic.AddInt32(&p.refs, -1) > 0 {
		return
	}
	if cap(p.data) != PageSize {
		return
	}
	p.reset()
	p.refs = 1
	pages.Put(p)
}
