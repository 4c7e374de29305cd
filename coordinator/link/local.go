package link

import (
	"bufio"
	"net"
	"sync"

	"github.com/microsoft/AMBROSIA-sub006/common/logger"
	protocol "github.com/microsoft/AMBROSIA-sub006/common/types"
	"github.com/microsoft/AMBROSIA-sub006/common/util"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/types"
)

// Processor Handles messages from the local service.
type Processor interface {
	ProcessLocal(msg protocol.Message) error
}

// Local Connection to the local service. Frames delivered before the service connects are queued.
type Local struct {
	processor Processor
	queue     chan []byte
	connected chan struct{}
	once      sync.Once
	closer    *util.Closer
	log       logger.ILogger

	mu   sync.Mutex
	conn net.Conn
}

func NewLocal(processor Processor, queueSize int) *Local {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Local{
		processor: processor,
		queue:     make(chan []byte, queueSize),
		connected: make(chan struct{}),
		closer:    util.NewCloser(),
		log:       &logger.ColorLogger{Prefix: "Local ", Level: logger.LOG_LEVEL_INFO},
	}
}

// SetProcessor Set the processor. Only before Serve.
func (l *Local) SetProcessor(processor Processor) {
	l.processor = processor
}

// Serve Accept the local service on lis and serve it until it disconnects or the link is closed.
func (l *Local) Serve(lis net.Listener) error {
	conn, err := lis.Accept()
	if err != nil {
		return err
	}
	l.mu.Lock()
	if l.closer.IsClosed() {
		l.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	l.conn = conn
	l.mu.Unlock()
	l.once.Do(func() { close(l.connected) })
	l.log.Info("Local service connected from %v", conn.RemoteAddr())

	go l.write(conn)

	reader := bufio.NewReader(conn)
	for {
		msg, err := protocol.ReadMessage(reader)
		if err != nil {
			l.Close()
			if util.IsConnectionFailed(err) {
				l.log.Info("Local service disconnected")
				return nil
			}
			return err
		}
		l.log.Trace("Received %v", msg)
		if err := l.processor.ProcessLocal(msg); err != nil {
			types.Fatal(err)
			return err
		}
	}
}

func (l *Local) write(conn net.Conn) {
	w := bufio.NewWriter(conn)
	for {
		select {
		case frames := <-l.queue:
			if _, err := w.Write(frames); err != nil {
				l.log.Warn("Failed to write to the local service: %v", err)
				l.Close()
				return
			}
			if len(l.queue) == 0 {
				if err := w.Flush(); err != nil {
					l.log.Warn("Failed to flush to the local service: %v", err)
					l.Close()
					return
				}
			}
		case <-l.closer.Done():
			return
		}
	}
}

// Connected Closed once the local service has connected.
func (l *Local) Connected() <-chan struct{} {
	return l.connected
}

// Deliver Queue framed messages to the local service.
// Frames are dropped once the link is closed, the log has them for the next incarnation.
func (l *Local) Deliver(frames []byte) error {
	buf := make([]byte, len(frames))
	copy(buf, frames)
	select {
	case l.queue <- buf:
	case <-l.closer.Done():
		l.log.Debug("Dropped %d bytes to the closed local service", len(frames))
	}
	return nil
}

// Send Queue one message to the local service.
func (l *Local) Send(typ byte, body []byte) error {
	return l.Deliver(protocol.AppendMessage(nil, typ, body))
}

func (l *Local) Close() {
	if !l.closer.Close() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		l.conn.Close()
	}
}

// Done Closed once the link is closed.
func (l *Local) Done() <-chan struct{} {
	return l.closer.Done()
}
