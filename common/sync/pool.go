package sync

import "sync/atomic"

// Pool A bounded free list. Get never blocks: it allocates a new item if nothing is pooled.
// Put keeps at most Capacity items and hands the surplus to Finalize.
type Pool struct {
	New      func() interface{}
	Finalize func(interface{})

	capacity  int
	allocated int64
	pooled    chan interface{}
}

func NewPool(cap int) *Pool {
	return (&Pool{}).init(cap)
}

func InitPool(p *Pool, cap int) *Pool {
	return p.init(cap)
}

func (p *Pool) init(cap int) *Pool {
	p.capacity = cap
	p.pooled = make(chan interface{}, p.capacity)
	return p
}

func (p *Pool) Get() interface{} {
	select {
	case i := <-p.pooled:
		return i
	default:
		atomic.AddInt64(&p.allocated, 1)
		if p.New == nil {
			return nil
		}
		return p.New()
	}
}

// Put Return an item. Returns false if the pool is full and the item was abandoned.
func (p *Pool) Put(i interface{}) bool {
	select {
	case p.pooled <- i:
		return true
	default:
		atomic.AddInt64(&p.allocated, -1)
		if p.Finalize != nil {
			p.Finalize(i)
		}
		return false
	}
}

// Pooled Number of idle items.
func (p *Pool) Pooled() int {
	return len(p.pooled)
}

// Allocated Number of items handed out and not abandoned.
func (p *Pool) Allocated() int {
	return int(atomic.LoadInt64(&p.allocated))
}

func (p *Pool) Close() {
	finalize := p.Finalize
	if finalize == nil {
		finalize = p.defaultFinalizer
	}
	for len(p.pooled) > 0 {
		finalize(<-p.pooled)
	}
}

func (p *Pool) defaultFinalizer(i interface{}) {
}
