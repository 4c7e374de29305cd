package recovery

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/microsoft/AMBROSIA-sub006/common/logger"
	protocol "github.com/microsoft/AMBROSIA-sub006/common/types"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/checkpoint"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/collector"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/commitlog"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/role"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/router"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/state"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/storage"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/types"
)

var (
	// DefaultPollInterval Delay between looks at the tail of a log another instance is writing.
	DefaultPollInterval = 100 * time.Millisecond

	ErrStopped = errors.New("recovery stopped")
)

type tailReply struct {
	offset int64
	err    error
}

type tailRequest struct {
	n     int64
	reply chan tailReply
}

// Engine Rebuilds the state from the last checkpoint and the logs written since, then hands over
// to the role coordinator.
type Engine struct {
	// ActiveActive Replay behind a live primary until promoted, instead of taking over at the tail.
	ActiveActive bool
	PollInterval time.Duration

	state       *state.MachineState
	router      *router.Router
	store       storage.LogStore
	meta        storage.MetaStore
	checkpoints *checkpoint.Coordinator
	roles       *role.Coordinator
	service     checkpoint.Service
	tail        chan tailRequest
	done        chan struct{}
	records     int64
	bytes       int64
	log         logger.ILogger
}

func New(s *state.MachineState, r *router.Router, store storage.LogStore, meta storage.MetaStore,
	checkpoints *checkpoint.Coordinator, roles *role.Coordinator, service checkpoint.Service) *Engine {
	e := &Engine{
		PollInterval: DefaultPollInterval,
		state:        s,
		router:       r,
		store:        store,
		meta:         meta,
		checkpoints:  checkpoints,
		roles:        roles,
		service:      service,
		tail:         make(chan tailRequest),
		done:         make(chan struct{}),
		log:          &logger.ColorLogger{Prefix: "Recovery ", Level: logger.LOG_LEVEL_INFO},
	}
	roles.AwaitTail = e.awaitTail
	return e
}

// Recover Load the last committed checkpoint, hand its payload to the local service and replay.
// Returns once this instance is primary. Errors are fatal.
func (e *Engine) Recover(ctx context.Context) error {
	defer close(e.done)

	start := time.Now()
	meta, err := e.meta.Get(ctx)
	if err == storage.ErrNotFound || (err == nil && meta.LastCommittedCheckpoint == 0) {
		return errors.Wrap(types.ErrMissingCheckpoint, "no checkpoint committed")
	} else if err != nil {
		return err
	}
	if meta.CurrentVersion != e.state.Version() {
		return errors.Wrapf(types.ErrVersionMismatch, "running version %d, service is at %d", e.state.Version(), meta.CurrentVersion)
	}

	payload, err := e.checkpoints.Load(ctx, meta.LastCommittedCheckpoint)
	if err != nil {
		return err
	}
	if err := e.service.Send(protocol.MSG_CHECKPOINT, payload); err != nil {
		return err
	}
	if e.ActiveActive {
		if _, err := e.roles.DetermineRole(ctx); err != nil {
			return err
		}
	}

	// Nothing accepted before replay may reach the log.
	if err := e.state.Log.ResetUncommitted(); err != nil {
		return err
	}
	e.state.SetReplaying(true)
	defer e.state.SetReplaying(false)
	err = e.replay(ctx)
	collector.CollectRecovery(e.state.LastLogFile(), e.records, e.bytes, start)
	if err == nil {
		e.log.Info("Recovered in %v: %d records, %s replayed", time.Since(start), e.records, humanize.Bytes(uint64(e.bytes)))
	}
	return err
}

func (e *Engine) openLog(n int64) (storage.LogReader, error) {
	r, err := e.store.OpenLog(n)
	if err == storage.ErrNotFound {
		return nil, errors.Wrapf(types.ErrMissingLog, "log %d", n)
	}
	return r, err
}

func (e *Engine) replay(ctx context.Context) error {
	n := e.state.LastLogFile()
	r, err := e.openLog(n)
	if err != nil {
		return err
	}
	defer func() {
		if r != nil {
			r.Close()
		}
	}()

	var offset int64
	for {
		if offset, err = e.consume(r, n, offset); err != nil {
			return err
		}

		if !e.ActiveActive {
			// Fence out a former primary that may still be writing, then take what it wrote last.
			if err := e.roles.Leases().Acquire(ctx, storage.LogLease(n), types.ErrLogLeaseLost); err != nil {
				return err
			}
			if offset, err = e.consume(r, n, offset); err != nil {
				return err
			}
			e.state.SetReplaying(false)
			return e.roles.BecomePrimary(n, offset)
		}

		meta, err := e.meta.Get(ctx)
		if err != nil {
			return err
		} else if meta.CurrentVersion != e.state.Version() {
			return errors.Wrapf(types.ErrVersionMismatch, "running version %d, service is at %d", e.state.Version(), meta.CurrentVersion)
		}

		if meta.LastLogFile > n {
			// Log n is complete once a newer log is published.
			if offset, err = e.consume(r, n, offset); err != nil {
				return err
			}
			if size, err := r.Size(); err != nil {
				return err
			} else if offset < size {
				return errors.Wrapf(types.ErrCorruptRecord, "log %d ends with an incomplete record at %d", n, offset)
			}

			r.Close()
			n++
			if e.state.Role.Load() == types.RoleCheckpointer {
				if err := e.checkpoints.TakeAsCheckpointer(ctx, n); err != nil {
					e.log.Warn("Failed to checkpoint at log %d: %v", n, err)
				}
			}
			if r, err = e.openLog(n); err != nil {
				return err
			}
			e.state.SetLastLogFile(n)
			offset = 0
			e.log.Info("Rolled forward to log %d", n)
			continue
		}

		if e.state.Role.Load() == types.RolePrimary {
			return nil
		}

		timer := time.NewTimer(e.PollInterval)
		select {
		case req := <-e.tail:
			timer.Stop()
			if req.n != n {
				req.reply <- tailReply{err: role.ErrBehind}
				continue
			}
			// The lease of log n is held, nobody else writes it now.
			offset, err = e.consume(r, n, offset)
			if err != nil {
				req.reply <- tailReply{err: err}
				return err
			}
			e.state.SetReplaying(false)
			req.reply <- tailReply{offset: offset}
			return nil
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// awaitTail Stop replaying at the end of log n and return where it ends.
func (e *Engine) awaitTail(ctx context.Context, n int64) (int64, error) {
	req := tailRequest{n: n, reply: make(chan tailReply, 1)}
	select {
	case e.tail <- req:
	case <-e.done:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	reply := <-req.reply
	return reply.offset, reply.err
}

// consume Replay records of log n from offset. A record that fails its checks ends the log unless
// a valid record of the same commit follows it, in which case the log is corrupt.
func (e *Engine) consume(r storage.LogReader, n int64, offset int64) (int64, error) {
	size, err := r.Size()
	if err != nil {
		return offset, err
	}

	buf := make([]byte, commitlog.HeaderSize)
	for offset+commitlog.HeaderSize <= size {
		if _, err := r.ReadAt(buf, offset); err != nil {
			return offset, err
		}
		header := commitlog.DecodeHeader(buf)
		commitID, next := e.state.Log.State()

		// Length is trusted only once the header is known to be the record expected here.
		end := offset + int64(header.Length)
		expected := header.CommitID == commitID && header.WriteSeq == next && header.Length >= commitlog.PrefixSize
		var rec *commitlog.Record
		if expected && end <= size {
			body := make([]byte, end-offset-commitlog.HeaderSize)
			if _, err := r.ReadAt(body, offset+commitlog.HeaderSize); err != nil {
				return offset, err
			}
			if commitlog.Verify(header, body) {
				rec, _ = commitlog.DecodeBody(header, body)
			}
		}
		if rec == nil {
			followed, err := e.followed(r, offset, size, commitID, next)
			if err != nil {
				return offset, err
			} else if followed {
				return offset, errors.Wrapf(types.ErrCorruptRecord, "log %d at %d: commit id %d, write seq %d, length %d, expected %d, %d",
					n, offset, header.CommitID, header.WriteSeq, header.Length, commitID, next)
			} else if !expected || end <= size {
				e.log.Warn("Log %d ends with a torn record at %d", n, offset)
			}
			// Otherwise still being written.
			return offset, nil
		}

		if err := e.router.Distribute(rec, true); err != nil {
			return offset, err
		}
		if err := e.state.Log.Restore(commitID, header.WriteSeq+1); err != nil {
			return offset, err
		}
		e.records++
		e.bytes += end - offset
		offset = end
	}
	return offset, nil
}

// followed Returns true if a complete record of commitID written after write seq next starts
// anywhere in log n past offset.
func (e *Engine) followed(r storage.LogReader, offset int64, size int64, commitID int32, next int64) (bool, error) {
	rest := make([]byte, size-offset)
	if _, err := r.ReadAt(rest, offset); err != nil {
		return false, err
	}
	for i := 1; i+commitlog.HeaderSize <= len(rest); i++ {
		header := commitlog.DecodeHeader(rest[i:])
		if header.CommitID != commitID || header.WriteSeq <= next || header.Length < commitlog.PrefixSize ||
			i+int(header.Length) > len(rest) {
			continue
		}
		if commitlog.Verify(header, rest[i+commitlog.HeaderSize:i+int(header.Length)]) {
			return true, nil
		}
	}
	return false, nil
}
