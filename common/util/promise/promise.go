package promise

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	PromiseInit = int64(0)
)

var (
	ErrResolved = errors.New("resolved already")
	ErrTimeout  = errors.New("timeout")
)

// Promise A value that will be available once some asynchronous work, say a durable commit, is done.
type Promise interface {
	// IsResolved If the promise is resolved
	IsResolved() bool

	// ResolvedAt Get the time the promise resolved. time.Time{} if the promise is unresolved.
	ResolvedAt() time.Time

	// Resolve Resolve the promise with value or (value, error)
	Resolve(...interface{}) error

	// Value Get resolved value
	Value() interface{}

	// Result Helper function to get (value, error)
	Result() (interface{}, error)

	// Error Get last error on resolving
	Error() error

	// Wait Wait for the promise with a timeout, returns ErrTimeout if the promise is not resolved in time.
	Wait(timeout time.Duration) error

	// Done Channel that is closed on resolution.
	Done() <-chan struct{}
}

func NewPromise() Promise {
	return NewChannelPromise()
}

// Resolved Create a promise that has been resolved with rets.
func Resolved(rets ...interface{}) Promise {
	promise := NewChannelPromise()
	promise.Resolve(rets...)
	return promise
}

type ChannelPromise struct {
	cond     chan struct{}
	mu       sync.Mutex
	resolved int64

	val interface{}
	err error
}

func NewChannelPromise() *ChannelPromise {
	return &ChannelPromise{cond: make(chan struct{})}
}

func (p *ChannelPromise) IsResolved() bool {
	return atomic.LoadInt64(&p.resolved) != PromiseInit
}

func (p *ChannelPromise) ResolvedAt() time.Time {
	ts := atomic.LoadInt64(&p.resolved)
	if ts == PromiseInit {
		return time.Time{}
	}
	return time.Unix(0, ts)
}

func (p *ChannelPromise) Resolve(rets ...interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.cond:
		return ErrResolved
	default:
		switch len(rets) {
		case 0:
		case 1:
			p.val = rets[0]
		default:
			p.val = rets[0]
			if rets[1] != nil {
				p.err = rets[1].(error)
			}
		}
		atomic.StoreInt64(&p.resolved, time.Now().UnixNano())
		close(p.cond)
	}
	return nil
}

func (p *ChannelPromise) Value() interface{} {
	<-p.cond
	return p.val
}

func (p *ChannelPromise) Result() (interface{}, error) {
	<-p.cond
	return p.val, p.err
}

func (p *ChannelPromise) Error() error {
	<-p.cond
	return p.err
}

func (p *ChannelPromise) Wait(timeout time.Duration) error {
	if p.IsResolved() {
		return nil
	}

	timer := time.NewTimer(timeout)
	select {
	case <-timer.C:
		return ErrTimeout
	case <-p.cond:
		if !timer.Stop() {
			<-timer.C
		}
		return nil
	}
}

func (p *ChannelPromise) Done() <-chan struct{} {
	return p.cond
}
