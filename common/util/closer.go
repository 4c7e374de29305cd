package util

import "sync/atomic"

// Closer One-shot close signal for loops and connections.
type Closer struct {
	status uint32
	done   chan struct{}
}

func NewCloser() *Closer {
	c := &Closer{}
	c.Init()
	return c
}

func (c *Closer) Init() {
	c.status = 0
	c.done = make(chan struct{})
}

func (c *Closer) IsClosed() bool {
	return atomic.LoadUint32(&c.status) > 0
}

// Close Signal close. Returns false if closed already.
func (c *Closer) Close() bool {
	if !atomic.CompareAndSwapUint32(&c.status, 0, 1) {
		return false
	}

	if c.done != nil {
		close(c.done)
	}
	return true
}

// Done Closed on Close.
func (c *Closer) Done() <-chan struct{} {
	return c.done
}

func (c *Closer) Wait() {
	if c.done == nil {
		return
	}

	<-c.done
}
