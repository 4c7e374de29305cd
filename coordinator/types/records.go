package types

import (
	"sync"
	"sync/atomic"

	"github.com/microsoft/AMBROSIA-sub006/common/util/promise"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/buffer"
)

// InputRecord Watermarks of one source.
type InputRecord struct {
	Name string

	last      atomic.Pointer[SequencePair]
	committed atomic.Pointer[SequencePair]
	pending   atomic.Value
	announce  chan struct{}
}

func NewInputRecord(name string) *InputRecord {
	rec := &InputRecord{Name: name, announce: make(chan struct{}, 1)}
	rec.last.Store(&SequencePair{})
	rec.committed.Store(&SequencePair{})
	return rec
}

// Last Pair of the last call accepted from the source.
func (rec *InputRecord) Last() SequencePair {
	return *rec.last.Load()
}

func (rec *InputRecord) SetLast(pair SequencePair) {
	rec.last.Store(&pair)
}

// Committed Pair of the last call durably logged.
func (rec *InputRecord) Committed() SequencePair {
	return *rec.committed.Load()
}

// Commit Raise the durable watermark. Returns false if pair is not newer.
func (rec *InputRecord) Commit(pair SequencePair) bool {
	for {
		old := rec.committed.Load()
		if pair.Seq <= old.Seq {
			return false
		}
		if rec.committed.CompareAndSwap(old, &pair) {
			return true
		}
	}
}

// Restore Set both watermarks, used on recovery.
func (rec *InputRecord) Restore(pair SequencePair) {
	rec.last.Store(&pair)
	rec.committed.Store(&pair)
}

// SetPending Remember the commit promise of the last call accepted.
func (rec *InputRecord) SetPending(p promise.Promise) {
	rec.pending.Store(&p)
}

// Pending Commit promise of the last call accepted, nil if none.
func (rec *InputRecord) Pending() promise.Promise {
	p, _ := rec.pending.Load().(*promise.Promise)
	if p == nil {
		return nil
	}
	return *p
}

// Announce Signal the announcer that the durable watermark moved. Signals coalesce.
func (rec *InputRecord) Announce() {
	select {
	case rec.announce <- struct{}{}:
	default:
	}
}

func (rec *InputRecord) Announcements() <-chan struct{} {
	return rec.announce
}

// OutputRecord Buffered calls and watermarks of one destination.
//
// Last, Base, Filter and Resetting are guarded by the buffer's append lock.
// Cursor is guarded by the buffer's trim lock and only passed to buffer methods.
type OutputRecord struct {
	Name   string
	Buffer *buffer.Buffer

	// Last Pair of the last call dispatched, advanced once per call.
	Last SequencePair
	// Base Last at checkpoint load, where regenerated numbering starts.
	Base SequencePair
	// Filter Durable trim known while resetting. Regenerated calls not above it are dropped.
	Filter SequencePair
	// Resetting Buffer numbering may differ from the destination's until the next handshake.
	Resetting bool

	Cursor buffer.Cursor

	mu         sync.Mutex
	localTrim  SequencePair
	remoteTrim SequencePair
	pending    chan struct{}
}

func NewOutputRecord(name string) *OutputRecord {
	return &OutputRecord{
		Name:    name,
		Buffer:  buffer.New(),
		pending: make(chan struct{}, 1),
	}
}

// NotifySend Wake up the sender. Signals coalesce.
func (rec *OutputRecord) NotifySend() {
	select {
	case rec.pending <- struct{}{}:
	default:
	}
}

func (rec *OutputRecord) PendingSend() <-chan struct{} {
	return rec.pending
}

// Dispatch Number the next call and buffer it unless it has been superseded.
// Returns false if dropped.
func (rec *OutputRecord) Dispatch(msg []byte, replayable bool) (SequencePair, bool) {
	rec.Buffer.LockAppend()
	defer rec.Buffer.UnlockAppend()

	rec.Last = rec.Last.Next(replayable)
	if rec.Resetting && replayable && rec.Last.Replayable <= rec.Filter.Replayable {
		return rec.Last, false
	}
	rec.Buffer.AppendLocked(msg, rec.Last.Seq, replayable)
	return rec.Last, true
}

// LastDispatched Pair of the last call dispatched.
func (rec *OutputRecord) LastDispatched() SequencePair {
	rec.Buffer.LockAppend()
	defer rec.Buffer.UnlockAppend()

	return rec.Last
}

// position Buffer number of a trim pair. Requires the append lock.
func (rec *OutputRecord) position(pair SequencePair) int64 {
	if !rec.Resetting || pair.Seq <= rec.Base.Seq {
		return pair.Seq
	}
	return rec.Base.Seq + pair.Replayable - rec.Base.Replayable
}

// ApplyTrim Apply a trim durably recorded in the log.
func (rec *OutputRecord) ApplyTrim(pair SequencePair) {
	rec.Buffer.LockAppend()
	if pair.Replayable > rec.Filter.Replayable {
		rec.Filter = pair
	}
	pos := rec.position(pair)
	rec.Buffer.UnlockAppend()

	rec.mu.Lock()
	rec.localTrim = rec.localTrim.Max(pair)
	rec.mu.Unlock()

	rec.Buffer.Trim(pos, &rec.Cursor)
}

// Acknowledge Record the destination's durable watermark. Returns false if pair is not newer.
func (rec *OutputRecord) Acknowledge(pair SequencePair) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if pair.Seq <= rec.remoteTrim.Seq {
		return false
	}
	rec.remoteTrim = pair
	return true
}

func (rec *OutputRecord) LocalTrim() SequencePair {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	return rec.localTrim
}

func (rec *OutputRecord) RemoteTrim() SequencePair {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	return rec.remoteTrim
}

// Reconnect Realign the buffer with a destination that expects next, and position the cursor there.
// While resetting, regenerated calls were numbered from Base and are shifted to follow the
// calls the destination already has.
func (rec *OutputRecord) Reconnect(next SequencePair) {
	rec.Buffer.Freeze()
	if rec.Resetting && next.Seq-1 > rec.Base.Seq {
		processed := rec.Base.Seq + next.Replayable - 1 - rec.Base.Replayable
		shift := next.Seq - 1 - processed
		rec.Buffer.RebaseLocked(processed, shift)
		rec.Last.Seq += shift
	}
	rec.Resetting = false
	rec.Buffer.Thaw()

	acked := SequencePair{Seq: next.Seq - 1, Replayable: next.Replayable - 1}
	rec.mu.Lock()
	rec.localTrim = rec.localTrim.Max(acked)
	rec.remoteTrim = rec.remoteTrim.Max(acked)
	rec.mu.Unlock()

	rec.Buffer.Trim(acked.Seq, &rec.Cursor)
	rec.Buffer.ReplayFrom(next.Seq, &rec.Cursor)
}

// SnapshotLocked State of the record for checkpoints. The buffer must be frozen.
func (rec *OutputRecord) SnapshotLocked() OutputSnapshot {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	return OutputSnapshot{
		Name:       rec.Name,
		Last:       rec.Last,
		LocalTrim:  rec.localTrim,
		RemoteTrim: rec.remoteTrim,
		Pages:      rec.Buffer.PagesLocked(),
	}
}

// Restore Load a record from a checkpoint. Numbering is reset until the next handshake.
func (rec *OutputRecord) Restore(snapshot OutputSnapshot) {
	rec.Buffer.Restore(snapshot.Pages)

	rec.Buffer.Freeze()
	rec.Last = snapshot.Last
	rec.Base = snapshot.Last
	rec.Filter = snapshot.LocalTrim
	rec.Resetting = true
	rec.Buffer.Thaw()

	rec.mu.Lock()
	rec.localTrim = snapshot.LocalTrim
	rec.remoteTrim = snapshot.RemoteTrim
	rec.mu.Unlock()
}

// StartReset Mark a record created during replay. Its calls are numbered from zero.
func (rec *OutputRecord) StartReset() {
	rec.Buffer.LockAppend()
	rec.Resetting = true
	rec.Buffer.UnlockAppend()
}

// OutputSnapshot Checkpointed state of an OutputRecord.
type OutputSnapshot struct {
	Name       string
	Last       SequencePair
	LocalTrim  SequencePair
	RemoteTrim SequencePair
	Pages      []buffer.PageSnapshot
}
