package net

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	mock "github.com/jordwest/mock-conn"
)

var (
	ErrListenerClosed = errors.New("loopback listener closed")
)

// LoopbackListener In-process listener. Connections dialed by Dial are accepted by Accept
// without touching the network stack.
type LoopbackListener struct {
	addr   StrAddr
	conns  chan net.Conn
	done   chan struct{}
	closed uint32
	seq    int32
}

func NewLoopbackListener(addr string) *LoopbackListener {
	return &LoopbackListener{
		addr:  StrAddr(addr),
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
}

func (l *LoopbackListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *LoopbackListener) Close() error {
	if !atomic.CompareAndSwapUint32(&l.closed, 0, 1) {
		return nil
	}
	close(l.done)
	return nil
}

func (l *LoopbackListener) Addr() net.Addr {
	return l.addr
}

// Dial Connect to the listener. Blocks until the connection is accepted.
func (l *LoopbackListener) Dial() (net.Conn, error) {
	conn := mock.NewConn()
	id := atomic.AddInt32(&l.seq, 1)
	server := &LoopbackEnd{End: conn.Server, name: fmt.Sprintf("%s[%d]", l.addr, id)}
	select {
	case l.conns <- server:
		return &LoopbackEnd{End: conn.Client, name: server.name}, nil
	case <-l.done:
		conn.Close()
		return nil, ErrListenerClosed
	}
}

// LoopbackEnd One end of a loopback connection.
type LoopbackEnd struct {
	*mock.End
	name string
}

func (c *LoopbackEnd) String() string {
	return c.name
}
