package link

import (
	"bufio"
	"context"
	"net"

	"github.com/microsoft/AMBROSIA-sub006/common/logger"
	protocol "github.com/microsoft/AMBROSIA-sub006/common/types"
	"github.com/microsoft/AMBROSIA-sub006/common/util"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/router"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/types"
)

// Outbound Sender of one destination. It reconnects until closed, and on every connection
// resumes from where the destination asks, then streams the buffer as calls are appended.
type Outbound struct {
	Dest string

	source string
	rec    *types.OutputRecord
	router *router.Router
	dial   Dialer
	closer *util.Closer
	done   chan struct{}
	log    logger.ILogger
}

// NewOutbound Create the sender of rec, introducing itself as source.
func NewOutbound(source string, rec *types.OutputRecord, r *router.Router, dial Dialer) *Outbound {
	return &Outbound{
		Dest:   rec.Name,
		source: source,
		rec:    rec,
		router: r,
		dial:   dial,
		closer: util.NewCloser(),
		done:   make(chan struct{}),
		log:    &logger.ColorLogger{Prefix: "Outbound(" + rec.Name + ") ", Level: logger.LOG_LEVEL_INFO},
	}
}

// Run Keep the destination linked until ctx is done or the sender is closed.
func (o *Outbound) Run(ctx context.Context) {
	defer close(o.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-o.closer.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	delay := RetrialDelayStartFrom
	for {
		conn, err := o.dial(ctx, o.Dest)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.log.Warn("Failed to connect, retry after %v: %v", delay, err)
			var ok bool
			if delay, ok = waitDelay(ctx, delay); !ok {
				return
			}
			continue
		}

		linked, err := o.serve(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			o.log.Debug("Closed")
			return
		}
		if linked {
			delay = RetrialDelayStartFrom
		}
		if err != nil && !util.IsConnectionFailed(err) {
			o.log.Warn("Link failed, reconnecting: %v", err)
		} else {
			o.log.Info("Disconnected, reconnecting")
		}
		var ok bool
		if delay, ok = waitDelay(ctx, delay); !ok {
			return
		}
	}
}

func (o *Outbound) serve(ctx context.Context, conn net.Conn) (bool, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	if err := protocol.WriteMessage(writer, protocol.MSG_ATTACH_TO, protocol.AppendString(nil, o.source)); err != nil {
		return false, err
	} else if err := writer.Flush(); err != nil {
		return false, err
	}
	msg, err := expect(conn, reader, protocol.MSG_REPLAY_FROM)
	if err != nil {
		return false, err
	}
	seq, replayable, err := protocol.ParsePair(msg.Body)
	if err != nil {
		return false, err
	}
	next := types.SequencePair{Seq: seq, Replayable: replayable}
	o.log.Debug("Linked, replay from %v", next)

	if trim, skip := o.router.HandleReplayFrom(o.Dest, next); skip {
		if err := protocol.WriteMessage(writer, protocol.MSG_TRIM_TO, protocol.AppendPair(nil, trim.Seq, trim.Replayable)); err != nil {
			return true, err
		}
	}

	acks := make(chan error, 1)
	go func() {
		acks <- o.receive(reader)
	}()

	for {
		sent, err := o.rec.Buffer.Send(writer, &o.rec.Cursor)
		if err == nil {
			err = writer.Flush()
		}
		if err != nil {
			return true, err
		}
		if sent > 0 {
			o.log.Trace("Sent %d calls", sent)
			continue
		}

		select {
		case <-o.rec.PendingSend():
		case err := <-acks:
			return true, err
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

// receive Hand acknowledgements from the destination to the router.
func (o *Outbound) receive(reader *bufio.Reader) error {
	for {
		msg, err := protocol.ReadMessage(reader)
		if err != nil {
			return err
		} else if msg.Type != protocol.MSG_COMMIT_ACK {
			return ErrUnexpectedMessage
		}
		seq, replayable, err := protocol.ParsePair(msg.Body)
		if err != nil {
			return err
		}
		o.router.HandleCommitAck(o.Dest, types.SequencePair{Seq: seq, Replayable: replayable})
	}
}

// Close Stop the sender and wait for it to exit.
func (o *Outbound) Close() {
	o.closer.Close()
	<-o.done
}
