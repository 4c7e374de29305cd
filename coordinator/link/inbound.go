package link

import (
	"bufio"
	"net"
	"sync"

	"github.com/zhangjyr/hashmap"

	"github.com/microsoft/AMBROSIA-sub006/common/logger"
	protocol "github.com/microsoft/AMBROSIA-sub006/common/types"
	"github.com/microsoft/AMBROSIA-sub006/common/util"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/state"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/types"
)

// Listener Accepts links from sources. Each source has at most one live Inbound.
type Listener struct {
	state    *state.MachineState
	inbounds *hashmap.HashMap
	closer   *util.Closer
	log      logger.ILogger

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

func NewListener(s *state.MachineState) *Listener {
	return &Listener{
		state:    s,
		inbounds: hashmap.New(64),
		closer:   util.NewCloser(),
		log:      &logger.ColorLogger{Prefix: "Listener ", Level: logger.LOG_LEVEL_INFO},
	}
}

// Serve Accept links on lis until the listener is closed.
func (l *Listener) Serve(lis net.Listener) error {
	l.mu.Lock()
	if l.closer.IsClosed() {
		l.mu.Unlock()
		return ErrClosed
	}
	l.listeners = append(l.listeners, lis)
	l.mu.Unlock()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if l.closer.IsClosed() {
				return nil
			}
			return err
		}
		l.wg.Add(1)
		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer l.wg.Done()

	reader := bufio.NewReader(conn)
	msg, err := expect(conn, reader, protocol.MSG_ATTACH_TO)
	if err != nil {
		l.log.Warn("Dropped link from %v: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	source, _, err := protocol.ParseString(msg.Body)
	if err != nil {
		l.log.Warn("Dropped link from %v: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	in := newInbound(source, conn, reader, l.state)
	l.mu.Lock()
	if l.closer.IsClosed() {
		l.mu.Unlock()
		conn.Close()
		return
	}
	if old, ok := l.Inbound(source); ok {
		l.log.Info("Replacing link from \"%s\"", source)
		old.Close()
		<-old.done
	}
	l.inbounds.Set(source, in)
	l.mu.Unlock()

	in.serve()
	l.inbounds.Cas(source, in, nil)
}

// Inbound Returns the live link of source.
func (l *Listener) Inbound(source string) (*Inbound, bool) {
	v, _ := l.inbounds.Get(source)
	in, ok := v.(*Inbound)
	return in, ok && in != nil
}

// Close Stop accepting and close every link.
func (l *Listener) Close() {
	l.mu.Lock()
	if !l.closer.Close() {
		l.mu.Unlock()
		return
	}
	for _, lis := range l.listeners {
		lis.Close()
	}
	for kv := range l.inbounds.Iter() {
		if in, ok := kv.Value.(*Inbound); ok && in != nil {
			in.Close()
		}
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// Inbound Link from one source. Calls are logged as they arrive and the durable watermark is
// acknowledged back, coalescing acknowledgements while one is being written.
type Inbound struct {
	Source string

	conn   net.Conn
	reader *bufio.Reader
	writer *frameWriter
	state  *state.MachineState
	input  *types.InputRecord
	closer *util.Closer
	done   chan struct{}
	log    logger.ILogger
}

func newInbound(source string, conn net.Conn, reader *bufio.Reader, s *state.MachineState) *Inbound {
	return &Inbound{
		Source: source,
		conn:   conn,
		reader: reader,
		writer: newFrameWriter(conn),
		state:  s,
		input:  s.Input(source),
		closer: util.NewCloser(),
		done:   make(chan struct{}),
		log:    &logger.ColorLogger{Prefix: "Inbound(" + source + ") ", Level: logger.LOG_LEVEL_INFO},
	}
}

func (in *Inbound) serve() {
	defer close(in.done)
	defer in.Close()

	// Calls accepted but not yet durable are not replayed by the source.
	if p := in.input.Pending(); p != nil {
		select {
		case <-p.Done():
		case <-in.closer.Done():
			return
		}
	}
	next := in.input.Last().Add(1, 1)
	if err := in.writer.WriteFrame(protocol.MSG_REPLAY_FROM, protocol.AppendPair(nil, next.Seq, next.Replayable)); err != nil {
		in.log.Warn("Failed to send replay from %v: %v", next, err)
		return
	}
	in.log.Debug("Linked, replay from %v", next)

	go in.announce()

	for {
		msg, err := protocol.ReadMessage(in.reader)
		if err != nil {
			if !in.closer.IsClosed() && !util.IsConnectionFailed(err) {
				in.log.Warn("Failed to read: %v", err)
			}
			return
		}

		switch msg.Type {
		case protocol.MSG_RPC, protocol.MSG_RPC_BATCH, protocol.MSG_COUNTED_BATCH:
			count, replayable, err := protocol.CountCalls(msg)
			if err != nil {
				in.log.Warn("Dropped link on malformed %v: %v", msg, err)
				return
			}
			in.state.Log.AddRow(msg.Raw, in.input, in.input.Last().Add(count, replayable))
		case protocol.MSG_TRIM_TO:
			seq, replayable, err := protocol.ParsePair(msg.Body)
			if err != nil {
				in.log.Warn("Dropped link on malformed %v: %v", msg, err)
				return
			}
			pair := types.SequencePair{Seq: seq, Replayable: replayable}
			if pair.Seq > in.input.Last().Seq {
				in.log.Info("Skipping to %v", pair)
				in.state.Log.AddRow(nil, in.input, pair)
			}
		default:
			in.log.Warn("Dropped link on unexpected %v", msg)
			return
		}
	}
}

func (in *Inbound) announce() {
	for {
		select {
		case <-in.input.Announcements():
			pair := in.input.Committed()
			if err := in.writer.WriteFrame(protocol.MSG_COMMIT_ACK, protocol.AppendPair(nil, pair.Seq, pair.Replayable)); err != nil {
				in.Close()
				return
			}
		case <-in.closer.Done():
			return
		}
	}
}

func (in *Inbound) Close() {
	if in.closer.Close() {
		in.conn.Close()
	}
}

// Done Closed once the link has stopped.
func (in *Inbound) Done() <-chan struct{} {
	return in.done
}
