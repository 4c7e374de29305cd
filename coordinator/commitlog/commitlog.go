package commitlog

import (
	"encoding/binary"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	perrors "github.com/pkg/errors"
	"github.com/zhangjyr/hashmap"

	"github.com/microsoft/AMBROSIA-sub006/common/logger"
	"github.com/microsoft/AMBROSIA-sub006/common/util/promise"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/collector"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/storage"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/types"
)

const (
	DefaultBufferSize = 1 << 20
	maxJobs           = 16
)

var (
	ErrNotQuiesced = errors.New("commit log is not quiesced")
)

// Handler Receives records once they are durable, in write order.
// Slices in the record are only valid during the call.
type Handler interface {
	OnCommit(rec *Record) error
}

// status Packed into a uint64: sealed (bit 63) | writers (bits 32..62) | length (bits 0..31).
type status struct {
	length  uint32
	writers uint32
	sealed  bool
}

const (
	sealedBit    = uint64(1) << 63
	writersShift = 32
	writersMask  = uint64(0x7fffffff)
)

func (s status) encode() uint64 {
	v := uint64(s.length) | (uint64(s.writers)&writersMask)<<writersShift
	if s.sealed {
		v |= sealedBit
	}
	return v
}

func decodeStatus(v uint64) status {
	return status{
		length:  uint32(v),
		writers: uint32((v >> writersShift) & writersMask),
		sealed:  v&sealedBit > 0,
	}
}

// commitBuffer Rows accepted since the last seal. The watermark maps are only read after writers drained.
type commitBuffer struct {
	data     []byte
	length   int
	overflow []byte
	inputs   *hashmap.HashMap
	trims    *hashmap.HashMap
	dirty    int32
	promise  promise.Promise
	sealedAt time.Time
	trailer  []byte
}

func newCommitBuffer(size int) *commitBuffer {
	return (&commitBuffer{data: make([]byte, size)}).reset()
}

func (b *commitBuffer) reset() *commitBuffer {
	b.length = PrefixSize
	b.overflow = nil
	b.inputs = hashmap.New(32)
	b.trims = hashmap.New(32)
	atomic.StoreInt32(&b.dirty, 0)
	b.promise = promise.NewPromise()
	return b
}

type writerHolder struct {
	storage.LogWriter
}

// CommitLog Group commit of rows from all sources into one log.
//
// Appenders reserve space in the active buffer through a CAS on the status word, copy, and leave.
// Whoever seals the buffer (because it is full, or because nothing is being committed) waits for
// the appenders to drain, swaps in the backup buffer and queues the sealed one to the committer.
// The committer writes queued buffers in order and hands each record to the Handler.
type CommitLog struct {
	capacity int
	status   uint64
	active   atomic.Pointer[commitBuffer]
	free     chan *commitBuffer
	jobs     chan *commitBuffer
	unsealed atomic.Pointer[chan struct{}]
	pending  int32
	asleep   int32

	commitID     int32
	nextWriteSeq int64
	written      int64
	writer       atomic.Value
	handler      Handler

	idleMu sync.Mutex
	idle   *sync.Cond
	done   chan struct{}
	log    logger.ILogger
}

// New Create a CommitLog with two buffers of bufferSize bytes. The log starts quiesced.
func New(bufferSize int, handler Handler) *CommitLog {
	if bufferSize <= PrefixSize {
		bufferSize = DefaultBufferSize
	}
	c := &CommitLog{
		capacity:     bufferSize,
		free:         make(chan *commitBuffer, 1),
		jobs:         make(chan *commitBuffer, maxJobs),
		asleep:       1,
		nextWriteSeq: 1,
		handler:      handler,
		done:         make(chan struct{}),
		log:          &logger.ColorLogger{Prefix: "CommitLog ", Level: logger.LOG_LEVEL_INFO},
	}
	c.idle = sync.NewCond(&c.idleMu)
	c.active.Store(newCommitBuffer(bufferSize))
	c.free <- newCommitBuffer(bufferSize)
	ch := make(chan struct{})
	c.unsealed.Store(&ch)
	atomic.StoreUint64(&c.status, status{length: PrefixSize, sealed: true}.encode())

	go c.run()
	return c
}

// SetHandler Set the Handler. Only while quiesced.
func (c *CommitLog) SetHandler(handler Handler) {
	c.handler = handler
}

// AddRow Accept a frame from input, whose watermark becomes next.
// The promise resolves with the write sequence of the record once it is durable.
// Payloads too large for a buffer are written from the caller's slice and must not change until then.
func (c *CommitLog) AddRow(payload []byte, input *types.InputRecord, next types.SequencePair) promise.Promise {
	size := uint32(len(payload))
	if int(size) > c.capacity-PrefixSize {
		return c.addOversized(payload, input, next)
	}

	for {
		old := atomic.LoadUint64(&c.status)
		s := decodeStatus(old)
		if s.sealed {
			c.waitUnsealed()
			continue
		}
		if int(s.length+size) > c.capacity {
			sealed := s
			sealed.sealed = true
			if atomic.CompareAndSwapUint64(&c.status, old, sealed.encode()) {
				c.swap(false)
			}
			continue
		}

		reserved := status{length: s.length + size, writers: s.writers + 1}
		if !atomic.CompareAndSwapUint64(&c.status, old, reserved.encode()) {
			continue
		}

		buf := c.active.Load()
		copy(buf.data[s.length:], payload)
		buf.inputs.Set(input.Name, next)
		atomic.StoreInt32(&buf.dirty, 1)
		p := buf.promise
		input.SetLast(next)
		input.SetPending(p)
		c.leave()
		c.kickIfIdle()
		return p
	}
}

// AddTrim Record that dest durably holds everything up to pair.
func (c *CommitLog) AddTrim(dest string, pair types.SequencePair) {
	for {
		old := atomic.LoadUint64(&c.status)
		s := decodeStatus(old)
		if s.sealed {
			c.waitUnsealed()
			continue
		}

		reserved := status{length: s.length, writers: s.writers + 1}
		if !atomic.CompareAndSwapUint64(&c.status, old, reserved.encode()) {
			continue
		}

		buf := c.active.Load()
		buf.trims.Set(dest, pair)
		atomic.StoreInt32(&buf.dirty, 1)
		c.leave()
		c.kickIfIdle()
		return
	}
}

func (c *CommitLog) addOversized(payload []byte, input *types.InputRecord, next types.SequencePair) promise.Promise {
	c.seal()
	s := c.drain()

	if c.active.Load().isDirty() {
		c.enqueue(s)
	}

	job := &commitBuffer{data: make([]byte, PrefixSize), length: PrefixSize, overflow: payload}
	job.inputs = hashmap.New(1)
	job.trims = hashmap.New(1)
	job.inputs.Set(input.Name, next)
	job.promise = promise.NewPromise()
	job.sealedAt = time.Now()
	input.SetLast(next)
	input.SetPending(job.promise)
	atomic.AddInt32(&c.pending, 1)
	c.jobs <- job

	c.unseal()
	return job.promise
}

func (b *commitBuffer) isDirty() bool {
	return atomic.LoadInt32(&b.dirty) == 1
}

func (c *CommitLog) leave() {
	for {
		old := atomic.LoadUint64(&c.status)
		s := decodeStatus(old)
		s.writers--
		if atomic.CompareAndSwapUint64(&c.status, old, s.encode()) {
			return
		}
	}
}

func (c *CommitLog) waitUnsealed() {
	ch := c.unsealed.Load()
	if decodeStatus(atomic.LoadUint64(&c.status)).sealed {
		<-*ch
	}
}

// seal Take the seal, waiting for others to release it.
func (c *CommitLog) seal() {
	for {
		old := atomic.LoadUint64(&c.status)
		s := decodeStatus(old)
		if s.sealed {
			c.waitUnsealed()
			continue
		}
		s.sealed = true
		if atomic.CompareAndSwapUint64(&c.status, old, s.encode()) {
			return
		}
	}
}

// drain Wait for writers to leave. The seal must be held.
func (c *CommitLog) drain() status {
	for {
		s := decodeStatus(atomic.LoadUint64(&c.status))
		if s.writers == 0 {
			return s
		}
		runtime.Gosched()
	}
}

// enqueue Queue the active buffer and switch to the backup. The seal must be held and writers drained.
func (c *CommitLog) enqueue(s status) {
	full := c.active.Load()
	full.length = int(s.length)
	full.sealedAt = time.Now()
	next := <-c.free
	c.active.Store(next)
	atomic.StoreUint64(&c.status, status{length: PrefixSize, sealed: true}.encode())
	atomic.AddInt32(&c.pending, 1)
	c.jobs <- full
}

func (c *CommitLog) unseal() {
	s := decodeStatus(atomic.LoadUint64(&c.status))
	s.sealed = false
	atomic.StoreUint64(&c.status, s.encode())
	ch := make(chan struct{})
	old := c.unsealed.Swap(&ch)
	close(*old)
}

// swap Called by the sealer.
func (c *CommitLog) swap(stayAsleep bool) {
	s := c.drain()
	if c.active.Load().isDirty() {
		c.enqueue(s)
	}
	if !stayAsleep {
		c.unseal()
	}
}

func (c *CommitLog) kickIfIdle() {
	if atomic.LoadInt32(&c.pending) == 0 {
		c.kick()
	}
}

// kick Seal a non-empty active buffer for commit, unless it is sealed already.
func (c *CommitLog) kick() {
	for {
		old := atomic.LoadUint64(&c.status)
		s := decodeStatus(old)
		if s.sealed || !c.active.Load().isDirty() {
			return
		}
		s.sealed = true
		if atomic.CompareAndSwapUint64(&c.status, old, s.encode()) {
			c.swap(false)
			return
		}
	}
}

func (c *CommitLog) run() {
	defer close(c.done)
	for buf := range c.jobs {
		c.commit(buf)
	}
}

func (c *CommitLog) commit(buf *commitBuffer) {
	writeSeq := atomic.LoadInt64(&c.nextWriteSeq)
	inputs := sortedWatermarks(buf.inputs)
	trims := sortedWatermarks(buf.trims)

	data := buf.data[:buf.length]
	msgLen := buf.length - PrefixSize + len(buf.overflow)
	binary.LittleEndian.PutUint32(data[HeaderSize:], uint32(msgLen))
	buf.trailer = AppendWatermarks(buf.trailer[:0], inputs)
	buf.trailer = AppendWatermarks(buf.trailer, trims)

	var sum Checksum
	sum.Write(data[HeaderSize:])
	sum.Write(buf.overflow)
	sum.Write(buf.trailer)
	header := Header{
		CommitID: atomic.LoadInt32(&c.commitID),
		Length:   int32(len(data) + len(buf.overflow) + len(buf.trailer)),
		Checksum: sum.Sum64(),
		WriteSeq: writeSeq,
	}
	header.Encode(data)

	w, _ := c.writer.Load().(writerHolder)
	if w.LogWriter == nil {
		types.Fatal(perrors.Wrapf(types.ErrDurableWrite, "write seq %d: no log to write", writeSeq))
		return
	}
	err := writeAll(w, data, buf.overflow, buf.trailer)
	if err == nil {
		err = w.Sync()
	}
	if err != nil {
		types.Fatal(perrors.Wrapf(types.ErrDurableWrite, "write seq %d: %v", writeSeq, err))
		return
	}
	atomic.StoreInt64(&c.nextWriteSeq, writeSeq+1)
	written := atomic.AddInt64(&c.written, int64(header.Length))
	c.log.Trace("Committed %d: %s, %d sources, %d trims, log size %s", writeSeq,
		humanize.Bytes(uint64(header.Length)), len(inputs), len(trims), logger.NewFunc(func() string {
			return humanize.Bytes(uint64(written))
		}))

	if c.handler != nil {
		rec := &Record{Header: header, Messages: data[PrefixSize:], Inputs: inputs, Trims: trims}
		if buf.overflow != nil {
			rec.Messages = buf.overflow
		}
		if err := c.handler.OnCommit(rec); err != nil {
			types.Fatal(err)
			return
		}
	}
	buf.promise.Resolve(writeSeq)
	collector.CollectCommit(writeSeq, int(header.Length), len(inputs), len(trims), buf.sealedAt)

	if buf.overflow == nil {
		c.free <- buf.reset()
	}
	if atomic.AddInt32(&c.pending, -1) == 0 {
		c.kick()
		c.idleMu.Lock()
		c.idle.Broadcast()
		c.idleMu.Unlock()
	}
}

func writeAll(w storage.LogWriter, parts ...[]byte) error {
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		if _, err := w.Write(part); err != nil {
			return err
		}
	}
	return nil
}

func (c *CommitLog) waitIdle() {
	c.idleMu.Lock()
	defer c.idleMu.Unlock()

	for atomic.LoadInt32(&c.pending) > 0 {
		c.idle.Wait()
	}
}

// Quiesce Commit everything accepted so far and stop accepting. AddRow and AddTrim block until Resume.
func (c *CommitLog) Quiesce() {
	if atomic.LoadInt32(&c.asleep) == 1 {
		return
	}
	c.seal()
	atomic.StoreInt32(&c.asleep, 1)
	c.swap(true)
	c.waitIdle()
	c.log.Debug("Quiesced at write seq %d", atomic.LoadInt64(&c.nextWriteSeq))
}

// Resume Accept rows again.
func (c *CommitLog) Resume() {
	if !atomic.CompareAndSwapInt32(&c.asleep, 1, 0) {
		return
	}
	c.unseal()
	c.kick()
	c.log.Debug("Resumed at write seq %d", atomic.LoadInt64(&c.nextWriteSeq))
}

func (c *CommitLog) IsQuiesced() bool {
	return atomic.LoadInt32(&c.asleep) == 1
}

// SwapWriter Direct subsequent records to w, offset bytes into its log. Returns the previous writer.
func (c *CommitLog) SwapWriter(w storage.LogWriter, offset int64) (storage.LogWriter, error) {
	if !c.IsQuiesced() {
		return nil, ErrNotQuiesced
	}
	old, _ := c.writer.Load().(writerHolder)
	c.writer.Store(writerHolder{w})
	atomic.StoreInt64(&c.written, offset)
	return old.LogWriter, nil
}

// ResetUncommitted Drop rows accepted but not committed. Only while quiesced.
func (c *CommitLog) ResetUncommitted() error {
	if !c.IsQuiesced() {
		return ErrNotQuiesced
	}
	c.active.Load().reset()
	atomic.StoreUint64(&c.status, status{length: PrefixSize, sealed: true}.encode())
	return nil
}

// Restore Continue numbering from a checkpoint or the last replayed record. Only while quiesced.
func (c *CommitLog) Restore(commitID int32, nextWriteSeq int64) error {
	if !c.IsQuiesced() {
		return ErrNotQuiesced
	}
	atomic.StoreInt32(&c.commitID, commitID)
	atomic.StoreInt64(&c.nextWriteSeq, nextWriteSeq)
	return nil
}

// State Commit id and the write sequence of the next record.
func (c *CommitLog) State() (int32, int64) {
	return atomic.LoadInt32(&c.commitID), atomic.LoadInt64(&c.nextWriteSeq)
}

// Size Bytes in the current log.
func (c *CommitLog) Size() int64 {
	return atomic.LoadInt64(&c.written)
}

// Close Commit everything and stop the committer. Returns the current writer, which is not closed.
func (c *CommitLog) Close() storage.LogWriter {
	c.Quiesce()
	close(c.jobs)
	<-c.done
	w, _ := c.writer.Load().(writerHolder)
	return w.LogWriter
}
