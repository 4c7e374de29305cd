package role

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/microsoft/AMBROSIA-sub006/common/logger"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/state"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/storage"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/types"
)

var (
	ErrBlocked = errors.New("promotion blocked by the kill lease")
	ErrBehind  = errors.New("a newer log exists")
)

// Coordinator Decides whether this instance is the Primary, the Checkpointer or a Secondary.
type Coordinator struct {
	// AwaitTail Called with the log lease of log n held. Returns the end of the last complete
	// record of log n once it has been replayed. Defaults to the size of log n.
	AwaitTail func(ctx context.Context, n int64) (int64, error)
	// OnPrimary Called once this instance has become primary.
	OnPrimary func()

	state  *state.MachineState
	store  storage.LogStore
	meta   storage.Meta
	leases *Leases
	log    logger.ILogger
}

func New(s *state.MachineState, store storage.LogStore, meta storage.Meta, leases *Leases) *Coordinator {
	return &Coordinator{
		state:  s,
		store:  store,
		meta:   meta,
		leases: leases,
		log:    &logger.ColorLogger{Prefix: "Role ", Level: logger.LOG_LEVEL_INFO},
	}
}

// Leases Leases held by this instance.
func (c *Coordinator) Leases() *Leases {
	return c.leases
}

// DetermineRole Elect the checkpointer among recovering instances: whoever takes the lease of the
// last committed checkpoint.
func (c *Coordinator) DetermineRole(ctx context.Context) (types.Role, error) {
	n := c.state.LastCommittedCheckpoint()
	ok, err := c.leases.TryAcquire(ctx, storage.CheckpointLease(n), types.ErrCheckpointLeaseLost)
	if err != nil {
		return types.RoleSecondary, err
	}

	role := types.RoleSecondary
	if ok {
		role = types.RoleCheckpointer
	}
	c.state.Role.Store(role)
	c.log.Info("Recovering as %v", role)
	return role, nil
}

// DetectBecomingPrimary Compete for the lease of the current log until this instance is primary.
// Only fatal conditions are returned as errors.
func (c *Coordinator) DetectBecomingPrimary(ctx context.Context) error {
	for c.state.Role.Load() != types.RolePrimary {
		n := c.state.LastLogFile()
		err := c.tryPromote(ctx, n)
		if err == nil || c.state.Role.Load() == types.RolePrimary {
			return err
		} else if errors.Is(err, types.ErrVersionMismatch) {
			return err
		} else if err != storage.ErrRetryable {
			c.log.Debug("Not promoted on log %d: %v", n, err)
		}

		timer := time.NewTimer(RetryInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return nil
}

func (c *Coordinator) tryPromote(ctx context.Context, n int64) error {
	name := storage.LogLease(n)
	ok, err := c.leases.TryAcquire(ctx, name, types.ErrLogLeaseLost)
	if err != nil {
		return err
	} else if !ok {
		return storage.ErrRetryable
	}

	meta, err := c.meta.Get(ctx)
	if err != nil {
		c.leases.Release(ctx, name)
		return err
	}
	if meta.CurrentVersion != c.state.Version() {
		c.leases.Release(ctx, name)
		return errors.Wrapf(types.ErrVersionMismatch, "running version %d, service is at %d", c.state.Version(), meta.CurrentVersion)
	}
	if meta.LastLogFile > n {
		c.leases.Release(ctx, name)
		return ErrBehind
	}
	if holder, held, err := c.meta.Holder(ctx, storage.KillLease); err != nil {
		c.leases.Release(ctx, name)
		return err
	} else if held && holder != c.leases.Holder {
		c.leases.Release(ctx, name)
		return ErrBlocked
	}

	offset, err := c.awaitTail(ctx, n)
	if err != nil {
		c.leases.Release(ctx, name)
		return err
	}
	return c.BecomePrimary(n, offset)
}

func (c *Coordinator) awaitTail(ctx context.Context, n int64) (int64, error) {
	if c.AwaitTail != nil {
		return c.AwaitTail(ctx, n)
	}
	r, err := c.store.OpenLog(n)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return r.Size()
}

// BecomePrimary Continue log n at offset and flip to primary. Only the first call takes effect.
func (c *Coordinator) BecomePrimary(n int64, offset int64) error {
	if !c.state.Role.CompareAndSwap(types.RoleSecondary, types.RolePrimary) &&
		!c.state.Role.CompareAndSwap(types.RoleCheckpointer, types.RolePrimary) {
		return nil
	}

	w, err := c.store.AppendLog(n, offset)
	if err == storage.ErrNotFound {
		return errors.Wrapf(types.ErrMissingLog, "log %d", n)
	} else if err != nil {
		return errors.Wrapf(types.ErrDurableWrite, "open log %d: %v", n, err)
	}
	c.state.Log.Quiesce()
	old, err := c.state.Log.SwapWriter(w, offset)
	c.state.Log.Resume()
	if err != nil {
		return err
	}
	if old != nil {
		old.Close()
	}
	c.state.SetLastLogFile(n)

	c.log.Info("Became primary on log %d at %d", n, offset)
	if c.OnPrimary != nil {
		c.OnPrimary()
	}
	return nil
}

// HoldKillLease Take the kill lease, fencing out promotions of other instances for as long as it
// is renewed. Failing to renew it is fatal.
func (c *Coordinator) HoldKillLease(ctx context.Context) error {
	if err := c.leases.Acquire(ctx, storage.KillLease, types.ErrKillLeaseLost); err != nil {
		return err
	}
	c.log.Info("Holding the kill lease")
	return nil
}
