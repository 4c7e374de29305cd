package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/microsoft/AMBROSIA-sub006/common/logger"
	protocol "github.com/microsoft/AMBROSIA-sub006/common/types"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/collector"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/role"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/state"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/storage"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/types"
)

var (
	ErrPayloadTimeout = errors.New("timeout on waiting for the checkpoint of the local service")
)

// Service The local service as seen by checkpoints.
type Service interface {
	Send(typ byte, body []byte) error
}

// Archive Off-host copies of committed checkpoints.
type Archive interface {
	Upload(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
}

// Key Name of checkpoint n in an archive.
func Key(n int64) string {
	return fmt.Sprintf("chkpt%d", n)
}

// Coordinator Writes and loads checkpoints, and rotates the log they pair with.
type Coordinator struct {
	// Archive Optional. Checkpoints are uploaded once committed and downloaded if missing locally.
	Archive Archive

	state    *state.MachineState
	store    storage.LogStore
	meta     storage.MetaStore
	leases   *role.Leases
	service  Service
	payloads chan []byte
	mu       sync.Mutex
	wg       sync.WaitGroup
	log      logger.ILogger
}

func New(s *state.MachineState, store storage.LogStore, meta storage.MetaStore, leases *role.Leases, service Service) *Coordinator {
	return &Coordinator{
		state:    s,
		store:    store,
		meta:     meta,
		leases:   leases,
		service:  service,
		payloads: make(chan []byte, 1),
		log:      &logger.ColorLogger{Prefix: "Checkpoint ", Level: logger.LOG_LEVEL_INFO},
	}
}

// SetService Replace the local service.
func (c *Coordinator) SetService(service Service) {
	c.service = service
}

// OnPayload Receive a checkpoint of the local service. Payloads nobody waits for are dropped.
func (c *Coordinator) OnPayload(payload []byte) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case c.payloads <- buf:
	default:
		c.log.Warn("Dropped unrequested checkpoint of %s", humanize.Bytes(uint64(len(payload))))
	}
}

func (c *Coordinator) request(ctx context.Context, typ byte) ([]byte, error) {
	// Discard a payload left by an earlier request that timed out.
	select {
	case <-c.payloads:
	default:
	}

	if err := c.service.Send(typ, nil); err != nil {
		return nil, err
	}
	timer := time.NewTimer(protocol.PayloadTimeout)
	defer timer.Stop()
	select {
	case payload := <-c.payloads:
		return payload, nil
	case <-timer.C:
		return nil, ErrPayloadTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot Capture the coordinator state. Outputs are frozen while their pages are copied.
func (c *Coordinator) Snapshot() *Snapshot {
	commitID, next := c.state.Log.State()
	snapshot := &Snapshot{
		Version:      c.state.Version(),
		CommitID:     commitID,
		NextWriteSeq: next,
	}
	for _, in := range c.state.Inputs() {
		snapshot.Inputs = append(snapshot.Inputs, InputSnapshot{Name: in.Name, Pair: in.Committed()})
	}

	outputs := c.state.Outputs()
	for _, out := range outputs {
		out.Buffer.Freeze()
	}
	for _, out := range outputs {
		snapshot.Outputs = append(snapshot.Outputs, out.SnapshotLocked())
	}
	for _, out := range outputs {
		out.Buffer.Thaw()
	}
	return snapshot
}

// write Persist checkpoint n and return its image.
func (c *Coordinator) write(n int64, snapshot *Snapshot, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := Encode(&buf, snapshot, payload); err != nil {
		return nil, err
	}

	w, err := c.store.CreateCheckpoint(n)
	if err != nil {
		return nil, errors.Wrapf(types.ErrDurableWrite, "create checkpoint %d: %v", n, err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		w.Abort()
		return nil, errors.Wrapf(types.ErrDurableWrite, "write checkpoint %d: %v", n, err)
	}
	if err := w.Commit(); err != nil {
		return nil, errors.Wrapf(types.ErrDurableWrite, "commit checkpoint %d: %v", n, err)
	}
	return buf.Bytes(), nil
}

// startLog Direct the commit log to a new log n. The log must be quiesced.
func (c *Coordinator) startLog(n int64) error {
	w, err := c.store.CreateLog(n)
	if err != nil {
		return errors.Wrapf(types.ErrDurableWrite, "create log %d: %v", n, err)
	}
	old, err := c.state.Log.SwapWriter(w, 0)
	if err != nil {
		w.Close()
		return err
	}
	if old != nil {
		if err := old.Close(); err != nil {
			c.log.Warn("Failed to close log %d: %v", n-1, err)
		}
	}
	return nil
}

// Take Write the next checkpoint as the primary and start the log paired with it.
// With upgrade, the local service is asked for the checkpoint of its new version.
func (c *Coordinator) Take(ctx context.Context, upgrade bool) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	n := c.state.LastLogFile() + 1
	if err := c.leases.Acquire(ctx, storage.CheckpointLease(n), types.ErrCheckpointLeaseLost); err != nil {
		return 0, err
	}
	if err := c.leases.Acquire(ctx, storage.LogLease(n), types.ErrLogLeaseLost); err != nil {
		c.leases.Release(ctx, storage.CheckpointLease(n))
		return 0, err
	}

	c.state.Log.Quiesce()
	defer c.state.Log.Resume()

	typ := protocol.MSG_TAKE_CHECKPOINT
	if upgrade {
		typ = protocol.MSG_UPGRADE_TAKE_CHECKPOINT
	}
	payload, err := c.request(ctx, typ)
	if err != nil {
		c.leases.Release(ctx, storage.LogLease(n))
		c.leases.Release(ctx, storage.CheckpointLease(n))
		return 0, err
	}

	snapshot := c.Snapshot()
	image, err := c.write(n, snapshot, payload)
	if err != nil {
		return 0, err
	}
	if err := c.startLog(n); err != nil {
		return 0, err
	}

	meta := storage.Metadata{
		CurrentVersion:          snapshot.Version,
		LastCommittedCheckpoint: n,
		LastLogFile:             n,
		CommitID:                snapshot.CommitID,
	}
	if err := c.meta.Put(ctx, meta); err != nil {
		return 0, errors.Wrapf(types.ErrDurableWrite, "publish checkpoint %d: %v", n, err)
	}
	c.state.SetLastCommittedCheckpoint(n)
	c.state.SetLastLogFile(n)
	c.state.Log.Resume()

	// Checkpoint n is published, its lease only elects the checkpointer from now on.
	c.leases.Release(ctx, storage.CheckpointLease(n-1))
	c.leases.Release(ctx, storage.CheckpointLease(n))
	c.leases.Release(ctx, storage.LogLease(n-1))

	// Calls the destinations acknowledged are no longer needed by any recovery.
	for _, out := range c.state.Outputs() {
		out.ApplyTrim(out.RemoteTrim())
	}

	c.collect(n - 1)
	c.archive(n, image)
	collector.CollectCheckpoint(n, int64(len(image)), start)
	c.log.Info("Checkpoint %d committed: %s in %v", n, humanize.Bytes(uint64(len(image))), time.Since(start))
	return n, nil
}

// Rotate Start the next log without a checkpoint. The checkpointer writes the paired checkpoint
// once it replays up to the new log.
func (c *Coordinator) Rotate(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.state.LastLogFile() + 1
	if err := c.leases.Acquire(ctx, storage.LogLease(n), types.ErrLogLeaseLost); err != nil {
		return 0, err
	}

	c.state.Log.Quiesce()
	defer c.state.Log.Resume()

	if err := c.startLog(n); err != nil {
		return 0, err
	}
	meta, err := c.meta.Get(ctx)
	if err != nil && err != storage.ErrNotFound {
		return 0, errors.Wrapf(types.ErrDurableWrite, "publish log %d: %v", n, err)
	}
	meta.LastLogFile = n
	if err := c.meta.Put(ctx, meta); err != nil {
		return 0, errors.Wrapf(types.ErrDurableWrite, "publish log %d: %v", n, err)
	}
	c.state.SetLastLogFile(n)
	c.state.Log.Resume()

	c.leases.Release(ctx, storage.LogLease(n-1))
	c.log.Info("Rotated to log %d", n)
	return n, nil
}

// TakeAsCheckpointer Write checkpoint n while replaying, once log n-1 has been replayed in full.
func (c *Coordinator) TakeAsCheckpointer(ctx context.Context, n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	ok, err := c.leases.TryAcquire(ctx, storage.CheckpointLease(n), types.ErrCheckpointLeaseLost)
	if err != nil {
		return err
	} else if !ok {
		c.log.Info("Checkpoint %d is being written elsewhere, skipped", n)
		return nil
	}

	payload, err := c.request(ctx, protocol.MSG_TAKE_CHECKPOINT)
	if err != nil {
		c.leases.Release(ctx, storage.CheckpointLease(n))
		return err
	}
	image, err := c.write(n, c.Snapshot(), payload)
	if err != nil {
		return err
	}

	meta, err := c.meta.Get(ctx)
	if err != nil {
		return errors.Wrapf(types.ErrDurableWrite, "publish checkpoint %d: %v", n, err)
	}
	if meta.LastCommittedCheckpoint < n {
		meta.LastCommittedCheckpoint = n
		if err := c.meta.Put(ctx, meta); err != nil {
			return errors.Wrapf(types.ErrDurableWrite, "publish checkpoint %d: %v", n, err)
		}
	}
	c.state.SetLastCommittedCheckpoint(n)
	c.leases.Release(ctx, storage.CheckpointLease(n-1))

	c.collect(n - 1)
	c.archive(n, image)
	collector.CollectCheckpoint(n, int64(len(image)), start)
	c.log.Info("Checkpoint %d committed by the checkpointer: %s", n, humanize.Bytes(uint64(len(image))))
	return nil
}

// collect Remove log n and checkpoint n, which no recovery reads once a later checkpoint is published.
func (c *Coordinator) collect(n int64) {
	if n < 1 {
		return
	}
	if err := c.store.RemoveLog(n); err != nil {
		c.log.Warn("Failed to remove log %d: %v", n, err)
	}
	if err := c.store.RemoveCheckpoint(n); err != nil {
		c.log.Warn("Failed to remove checkpoint %d: %v", n, err)
	}
}

func (c *Coordinator) archive(n int64, image []byte) {
	if c.Archive == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Archive.Upload(context.Background(), Key(n), image); err != nil {
			c.log.Warn("Failed to archive checkpoint %d: %v", n, err)
		}
	}()
}

func (c *Coordinator) read(ctx context.Context, n int64) ([]byte, error) {
	r, err := c.store.OpenCheckpoint(n)
	if err == nil {
		defer r.Close()
		return io.ReadAll(r)
	} else if err != storage.ErrNotFound || c.Archive == nil {
		return nil, err
	}

	c.log.Info("Checkpoint %d not found locally, downloading", n)
	data, err := c.Archive.Download(ctx, Key(n))
	if err != nil {
		return nil, err
	}
	if w, err := c.store.CreateCheckpoint(n); err == nil {
		if _, err := w.Write(data); err != nil {
			w.Abort()
		} else if err := w.Commit(); err != nil {
			c.log.Warn("Failed to keep downloaded checkpoint %d: %v", n, err)
		}
	}
	return data, nil
}

// Load Restore the state from checkpoint n and return the payload of the local service.
// The commit log must be quiesced and the state fresh.
func (c *Coordinator) Load(ctx context.Context, n int64) ([]byte, error) {
	data, err := c.read(ctx, n)
	if err != nil {
		return nil, errors.Wrapf(types.ErrMissingCheckpoint, "checkpoint %d: %v", n, err)
	}
	snapshot, payload, err := Decode(data)
	if err != nil {
		return nil, errors.Wrapf(types.ErrMissingCheckpoint, "checkpoint %d: %v", n, err)
	}
	if snapshot.Version != c.state.Version() {
		return nil, errors.Wrapf(types.ErrVersionMismatch, "checkpoint %d is of version %d, expected %d", n, snapshot.Version, c.state.Version())
	}

	if err := c.state.Log.Restore(snapshot.CommitID, snapshot.NextWriteSeq); err != nil {
		return nil, err
	}
	for _, in := range snapshot.Inputs {
		c.state.Input(in.Name).Restore(in.Pair)
	}
	for _, out := range snapshot.Outputs {
		rec := types.NewOutputRecord(out.Name)
		rec.Restore(out)
		c.state.AddOutput(rec)
	}
	c.state.SetLastCommittedCheckpoint(n)
	c.state.SetLastLogFile(n)

	c.log.Info("Loaded checkpoint %d: %d sources, %d destinations, next write seq %d",
		n, len(snapshot.Inputs), len(snapshot.Outputs), snapshot.NextWriteSeq)
	return payload, nil
}

// Close Wait for archive uploads.
func (c *Coordinator) Close() {
	c.wg.Wait()
}
