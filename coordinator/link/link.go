package link

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	protocol "github.com/microsoft/AMBROSIA-sub006/common/types"
)

const (
	RetrialBackoffFactor = 2
	DefaultQueueSize     = 1024
)

var (
	ErrClosed            = errors.New("link closed")
	ErrUnexpectedMessage = errors.New("unexpected message")

	RetrialDelayStartFrom = 20 * time.Millisecond
	RetrialMaxDelay       = 10 * time.Second
)

// Dialer Connect to the coordinator serving dest.
type Dialer func(ctx context.Context, dest string) (net.Conn, error)

// frameWriter Serializes frames written by several goroutines to one connection.
type frameWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func newFrameWriter(conn net.Conn) *frameWriter {
	return &frameWriter{w: bufio.NewWriter(conn)}
}

func (fw *frameWriter) WriteFrame(typ byte, body []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if err := protocol.WriteMessage(fw.w, typ, body); err != nil {
		return err
	}
	return fw.w.Flush()
}

// expect Read a frame of type typ within the handshake timeout.
func expect(conn net.Conn, r protocol.Reader, typ byte) (protocol.Message, error) {
	conn.SetReadDeadline(protocol.GetHandshakeDeadline())
	defer conn.SetReadDeadline(time.Time{})

	msg, err := protocol.ReadMessage(r)
	if err != nil {
		return msg, err
	} else if msg.Type != typ {
		return msg, ErrUnexpectedMessage
	}
	return msg, nil
}

func waitDelay(ctx context.Context, delay time.Duration) (time.Duration, bool) {
	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return delay, false
	case <-timer.C:
	}

	delay *= RetrialBackoffFactor
	if delay > RetrialMaxDelay {
		delay = RetrialMaxDelay
	}
	return delay, true
}
