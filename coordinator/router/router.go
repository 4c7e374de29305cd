package router

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/microsoft/AMBROSIA-sub006/common/logger"
	csync "github.com/microsoft/AMBROSIA-sub006/common/sync"
	protocol "github.com/microsoft/AMBROSIA-sub006/common/types"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/commitlog"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/state"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/types"
)

// Service The local service as seen by the router.
type Service interface {
	// Deliver Queue framed messages to the local service. frames is only valid during the call.
	Deliver(frames []byte) error
}

// Router Moves messages between the local service, the commit log and the destination buffers.
type Router struct {
	state   *state.MachineState
	service Service

	// OnPayload Receives checkpoint payloads from the local service.
	OnPayload func(payload []byte)

	mu         csync.SpinLock
	lastDest   []byte
	lastOutput *types.OutputRecord
	log        logger.ILogger
}

func New(s *state.MachineState, service Service) *Router {
	return &Router{
		state:   s,
		service: service,
		log:     &logger.ColorLogger{Prefix: "Router ", Level: logger.LOG_LEVEL_INFO},
	}
}

// SetService Replace the local service.
func (r *Router) SetService(service Service) {
	r.service = service
}

// ProcessLocal Handle a message from the local service.
func (r *Router) ProcessLocal(msg protocol.Message) error {
	switch msg.Type {
	case protocol.MSG_RPC:
		return r.ProcessRPC(msg)
	case protocol.MSG_RPC_BATCH, protocol.MSG_COUNTED_BATCH:
		_, _, msgs, err := protocol.ParseBatch(msg)
		if err != nil {
			return errors.Wrapf(types.ErrIllegalMessage, "%v: %v", msg, err)
		}
		return protocol.EachMessage(msgs, r.ProcessRPC)
	case protocol.MSG_INITIAL:
		inner, _, err := protocol.ParseMessage(msg.Body)
		if err != nil || inner.Type != protocol.MSG_RPC {
			return errors.Wrapf(types.ErrIllegalMessage, "initial message does not carry a call: %v", msg)
		}
		return r.ProcessRPC(inner)
	case protocol.MSG_ATTACH_TO:
		name, _, err := protocol.ParseString(msg.Body)
		if err != nil {
			return errors.Wrapf(types.ErrIllegalMessage, "%v: %v", msg, err)
		}
		r.Attach(name)
		return nil
	case protocol.MSG_PING:
		return r.service.Deliver(protocol.AppendMessage(nil, protocol.MSG_PING_ECHO, msg.Body))
	case protocol.MSG_CHECKPOINT:
		if r.OnPayload == nil {
			r.log.Warn("Unexpected checkpoint payload of %d bytes", len(msg.Body))
			return nil
		}
		r.OnPayload(msg.Body)
		return nil
	default:
		return errors.Wrapf(types.ErrIllegalMessage, "type %d from the local service", msg.Type)
	}
}

// ProcessRPC Number a call and buffer it for its destination.
// Every call advances the destination's numbering, including those dropped as superseded.
func (r *Router) ProcessRPC(msg protocol.Message) error {
	if msg.Type != protocol.MSG_RPC {
		return errors.Wrapf(types.ErrIllegalMessage, "%v in a batch", msg)
	}
	rpc, err := protocol.ParseRPC(msg.Body)
	if err != nil {
		return errors.Wrapf(types.ErrIllegalMessage, "%v: %v", msg, err)
	}

	rec := r.output(rpc.Dest)
	pair, buffered := rec.Dispatch(msg.Raw, rpc.Replayable())
	if buffered {
		rec.NotifySend()
	} else {
		r.log.Trace("Dropped call %v to \"%s\": superseded", pair, rec.Name)
	}
	return nil
}

func (r *Router) output(dest []byte) *types.OutputRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastOutput != nil && bytes.Equal(dest, r.lastDest) {
		return r.lastOutput
	}
	r.lastOutput = r.state.Output(string(dest))
	r.lastDest = append(r.lastDest[:0], dest...)
	return r.lastOutput
}

// Attach Make sure a destination exists so a link to it can be opened.
func (r *Router) Attach(name string) *types.OutputRecord {
	r.log.Debug("Attach to \"%s\"", name)
	return r.state.Output(name)
}

// OnCommit Distribute a record that has just become durable.
func (r *Router) OnCommit(rec *commitlog.Record) error {
	return r.Distribute(rec, false)
}

// Distribute Apply a durable record: raise source watermarks, hand the calls to the local service
// and apply trims. While replaying, watermarks are restored instead of announced.
func (r *Router) Distribute(rec *commitlog.Record, replaying bool) error {
	for _, mark := range rec.Inputs {
		input := r.state.Input(mark.Name)
		if replaying {
			input.Restore(mark.Pair)
		} else if input.Commit(mark.Pair) {
			input.Announce()
		}
	}

	if len(rec.Messages) > 0 {
		if err := r.service.Deliver(rec.Messages); err != nil {
			return errors.Wrapf(err, "deliver record %d", rec.WriteSeq)
		}
	}

	for _, mark := range rec.Trims {
		r.state.Output(mark.Name).ApplyTrim(mark.Pair)
	}
	return nil
}

// HandleCommitAck Log a destination's durable watermark so the calls it covers can be trimmed.
func (r *Router) HandleCommitAck(dest string, pair types.SequencePair) {
	rec := r.state.Output(dest)
	if rec.Acknowledge(pair) {
		r.state.Log.AddTrim(dest, pair)
	}
}

// HandleReplayFrom Position the sender of dest at next, the pair the destination expects.
// If the destination expects calls that have been trimmed already, the pair to skip to is returned.
func (r *Router) HandleReplayFrom(dest string, next types.SequencePair) (types.SequencePair, bool) {
	rec := r.state.Output(dest)
	rec.Reconnect(next)
	defer rec.NotifySend()

	if trim := rec.LocalTrim(); trim.Seq >= next.Seq {
		// Pages are trimmed whole, the head page may still hold calls up to trim.
		rec.Buffer.ReplayFrom(trim.Seq+1, &rec.Cursor)
		r.log.Warn("\"%s\" expects %v, but calls up to %v are trimmed", dest, next, trim)
		return trim, true
	}
	return types.SequencePair{}, false
}
