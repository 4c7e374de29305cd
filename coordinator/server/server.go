package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	perrors "github.com/pkg/errors"

	"github.com/microsoft/AMBROSIA-sub006/common/aws/s3"
	"github.com/microsoft/AMBROSIA-sub006/common/logger"
	protocol "github.com/microsoft/AMBROSIA-sub006/common/types"
	"github.com/microsoft/AMBROSIA-sub006/common/util"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/checkpoint"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/commitlog"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/global"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/link"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/recovery"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/role"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/router"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/state"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/storage"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/types"
)

var (
	ErrServiceExists = errors.New("service exists already")
	ErrClosed        = errors.New("coordinator closed")
)

// Immortal Coordinator of one service instance: it makes the local service recoverable by logging
// its inputs and buffering its outputs, and takes over as primary when its turn comes.
type Immortal struct {
	State       *state.MachineState
	Router      *router.Router
	Local       *link.Local
	Links       *link.Manager
	Leases      *role.Leases
	Roles       *role.Coordinator
	Checkpoints *checkpoint.Coordinator
	Recovery    *recovery.Engine

	opts     *global.Options
	store    storage.LogStore
	meta     storage.Meta
	localLis net.Listener
	peerLis  net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	primary  chan struct{}
	closer   *util.Closer
	wg       sync.WaitGroup
	log      logger.ILogger
}

func New(opts *global.Options, store storage.LogStore, meta storage.Meta, holder string) *Immortal {
	ins := &Immortal{
		opts:    opts,
		store:   store,
		meta:    meta,
		primary: make(chan struct{}),
		closer:  util.NewCloser(),
		log:     &logger.ColorLogger{Prefix: "Immortal ", Level: logger.LOG_LEVEL_INFO, Color: !opts.NoColor},
	}
	ins.ctx, ins.cancel = context.WithCancel(context.Background())

	ins.State = state.New(commitlog.New(opts.BufferBytes, nil), opts.Version)
	ins.Local = link.NewLocal(nil, 0)
	ins.Router = router.New(ins.State, ins.Local)
	ins.Local.SetProcessor(ins.Router)
	ins.State.Log.SetHandler(ins.Router)

	ins.Leases = role.NewLeases(meta, holder, opts.LeaseDuration())
	ins.Roles = role.New(ins.State, store, meta, ins.Leases)
	ins.Roles.OnPrimary = ins.onPrimary
	ins.Checkpoints = checkpoint.New(ins.State, store, meta, ins.Leases, ins.Local)
	ins.Router.OnPayload = ins.Checkpoints.OnPayload
	if opts.S3Bucket != "" {
		ins.Checkpoints.Archive = s3.NewArchive(s3.Session(), opts.S3Bucket, opts.S3Prefix)
	}
	ins.Recovery = recovery.New(ins.State, ins.Router, store, meta, ins.Checkpoints, ins.Roles, ins.Local)
	ins.Recovery.ActiveActive = opts.ActiveActive

	ins.Links = link.NewManager(opts.Service, ins.State, ins.Router, meta.Resolve)
	ins.State.OnNewOutput = ins.Links.Attach
	return ins
}

// Serve Accept the local service on localLis, then create or recover the service and serve peers
// on peerLis once primary. Returns when closed. Errors that stop the coordinator are returned.
func (ins *Immortal) Serve(localLis net.Listener, peerLis net.Listener) error {
	ins.localLis = localLis
	ins.peerLis = peerLis

	ins.wg.Add(1)
	go func() {
		defer ins.wg.Done()
		ins.Leases.Run(ins.ctx)
	}()
	ins.wg.Add(1)
	go func() {
		defer ins.wg.Done()
		if err := ins.Local.Serve(localLis); err != nil && !ins.closer.IsClosed() {
			ins.log.Warn("Local service link stopped: %v", err)
		}
	}()

	var err error
	if ins.opts.Create {
		err = ins.create(ins.ctx)
	} else {
		err = ins.recover(ins.ctx)
	}
	if err == nil && ins.opts.UpgradeVersion != 0 {
		err = ins.upgrade(ins.ctx, ins.opts.UpgradeVersion)
	}
	if ins.closer.IsClosed() {
		return ErrClosed
	} else if err != nil {
		return err
	}

	ins.wg.Add(1)
	go func() {
		defer ins.wg.Done()
		ins.trigger(ins.ctx)
	}()

	select {
	case <-ins.Local.Done():
		ins.log.Info("Local service gone")
	case <-ins.closer.Done():
	}
	return nil
}

// create Start generation 1 of a new service: fresh commit id, checkpoint 1 and log 1.
func (ins *Immortal) create(ctx context.Context) error {
	if meta, err := ins.meta.Get(ctx); err == nil && meta.LastCommittedCheckpoint > 0 {
		return perrors.Wrapf(ErrServiceExists, "\"%s\" at checkpoint %d", ins.opts.Service, meta.LastCommittedCheckpoint)
	} else if err != nil && err != storage.ErrNotFound {
		return err
	}

	commitID := int32(uuid.New().ID())
	if err := ins.State.Log.Restore(commitID, 1); err != nil {
		return err
	}
	ins.State.Role.Store(types.RolePrimary)
	if _, err := ins.Checkpoints.Take(ctx, false); err != nil {
		return err
	}
	ins.log.Info("Created \"%s\" with commit id %d", ins.opts.Service, commitID)
	ins.onPrimary()
	return nil
}

// recover Rebuild from the last checkpoint and wait to become primary.
func (ins *Immortal) recover(ctx context.Context) error {
	if !ins.opts.ActiveActive {
		return ins.Recovery.Recover(ctx)
	}

	// Replay and compete for the log concurrently. Both return once this instance is primary.
	recovered := make(chan error, 1)
	promoted := make(chan error, 1)
	go func() {
		recovered <- ins.Recovery.Recover(ctx)
	}()
	go func() {
		promoted <- ins.Roles.DetectBecomingPrimary(ctx)
	}()
	select {
	case err := <-recovered:
		if err != nil {
			return err
		}
		return <-promoted
	case err := <-promoted:
		if err != nil {
			return err
		}
		return <-recovered
	}
}

// upgrade Move the service to version once primary. The kill lease keeps instances of the old
// version from taking over until the checkpoint of the new version is published.
func (ins *Immortal) upgrade(ctx context.Context, version int64) error {
	if err := ins.Roles.HoldKillLease(ctx); err != nil {
		return err
	}
	defer ins.Leases.Release(ctx, storage.KillLease)

	ins.State.SetVersion(version)
	n, err := ins.Checkpoints.Take(ctx, true)
	if err != nil {
		return err
	}
	ins.log.Info("Upgraded to version %d at checkpoint %d", version, n)
	return nil
}

func (ins *Immortal) onPrimary() {
	ins.Local.Send(protocol.MSG_BECOME_PRIMARY, nil)
	ins.Links.Start(ins.ctx, ins.peerLis)
	if err := ins.meta.Register(ins.ctx, ins.opts.Service, ins.opts.Address); err != nil {
		ins.log.Warn("Failed to register %s: %v", ins.opts.Address, err)
	}
	select {
	case <-ins.primary:
	default:
		close(ins.primary)
	}
	ins.log.Info("Serving \"%s\" as primary at %s", ins.opts.Service, ins.opts.Address)
}

// Primary Closed once this instance is primary.
func (ins *Immortal) Primary() <-chan struct{} {
	return ins.primary
}

// trigger Checkpoint, or rotate with active-active, whenever the log outgrows the trigger size.
func (ins *Immortal) trigger(ctx context.Context) {
	ticker := time.NewTicker(ins.opts.CheckDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		size := ins.State.Log.Size()
		if size < ins.opts.LogTriggerBytes {
			continue
		}
		ins.log.Debug("Log %d reached %s", ins.State.LastLogFile(), humanize.Bytes(uint64(size)))
		var err error
		if ins.opts.ActiveActive {
			_, err = ins.Checkpoints.Rotate(ctx)
		} else {
			_, err = ins.Checkpoints.Take(ctx, false)
		}
		if err == nil || ctx.Err() != nil {
			continue
		} else if err == checkpoint.ErrPayloadTimeout {
			ins.log.Warn("Checkpoint skipped: %v", err)
			continue
		}
		types.Fatal(err)
		return
	}
}

// Close Stop serving. Everything accepted is committed and the leases are freed for the next primary.
func (ins *Immortal) Close() {
	if !ins.closer.Close() {
		return
	}
	ins.log.Info("Closing...")

	ins.cancel()
	ins.Links.Close()
	ins.Local.Close()
	if ins.localLis != nil {
		ins.localLis.Close()
	}
	if ins.peerLis != nil {
		ins.peerLis.Close()
	}
	ins.Checkpoints.Close()
	if w := ins.State.Log.Close(); w != nil {
		if err := w.Close(); err != nil {
			ins.log.Warn("Failed to close log %d: %v", ins.State.LastLogFile(), err)
		}
	}
	ins.Leases.ReleaseAll(context.Background())
	ins.wg.Wait()
	ins.State.Close()
	ins.log.Info("Closed")
}
