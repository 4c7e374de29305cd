package checkpoint_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	protocol "github.com/microsoft/AMBROSIA-sub006/common/types"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/checkpoint"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/commitlog"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/role"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/router"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/state"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/storage"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/types"
)

func TestCheckpoint(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Checkpoint")
}

// fakeService Answers checkpoint requests with a payload naming the request.
type fakeService struct {
	mu        sync.Mutex
	requests  []byte
	silent    bool
	onPayload func([]byte)
}

func (s *fakeService) Send(typ byte, _ []byte) error {
	s.mu.Lock()
	s.requests = append(s.requests, typ)
	n := len(s.requests)
	s.mu.Unlock()

	if !s.silent {
		go s.onPayload([]byte{'s', 't', 'a', 't', 'e', byte('0' + n)})
	}
	return nil
}

func (s *fakeService) Deliver(_ []byte) error {
	return nil
}

func (s *fakeService) Requests() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.requests...)
}

type memArchive struct {
	mu    sync.Mutex
	items map[string][]byte
}

func (a *memArchive) Upload(_ context.Context, key string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items[key] = append([]byte(nil), data...)
	return nil
}

func (a *memArchive) Download(_ context.Context, key string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.items[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func rpc(dest string, payload string) []byte {
	return protocol.AppendRPC(nil, dest, protocol.RPC_FIRE_FORGET, 0, []byte(payload))
}

type instance struct {
	state   *state.MachineState
	service *fakeService
	leases  *role.Leases
	coord   *checkpoint.Coordinator
}

func newInstance(store storage.LogStore, meta *storage.MemoryMeta, holder string, version int64) *instance {
	ins := &instance{service: &fakeService{}}
	ins.state = state.New(commitlog.New(4096, nil), version)
	r := router.New(ins.state, ins.service)
	ins.state.Log.SetHandler(r)
	ins.leases = role.NewLeases(meta, holder, time.Minute)
	ins.coord = checkpoint.New(ins.state, store, meta, ins.leases, ins.service)
	ins.service.onPayload = ins.coord.OnPayload
	r.OnPayload = ins.coord.OnPayload
	return ins
}

func (ins *instance) close() {
	ins.coord.Close()
	if w := ins.state.Log.Close(); w != nil {
		w.Close()
	}
	ins.state.Close()
}

var _ = Describe("Codec", func() {
	It("should decode what it encoded", func() {
		snapshot := &checkpoint.Snapshot{
			Version:      2,
			CommitID:     9,
			NextWriteSeq: 17,
			Inputs:       []checkpoint.InputSnapshot{{Name: "A", Pair: types.SequencePair{Seq: 4, Replayable: 3}}},
			Outputs:      []types.OutputSnapshot{{Name: "B", Last: types.SequencePair{Seq: 2, Replayable: 2}}},
		}
		var buf bytes.Buffer
		n, err := checkpoint.Encode(&buf, snapshot, []byte("payload"))
		Expect(err).To(BeNil())
		Expect(n).To(Equal(int64(buf.Len())))

		decoded, payload, err := checkpoint.Decode(buf.Bytes())
		Expect(err).To(BeNil())
		Expect(payload).To(Equal([]byte("payload")))
		Expect(decoded.CommitID).To(Equal(int32(9)))
		Expect(decoded.NextWriteSeq).To(Equal(int64(17)))
		Expect(decoded.Inputs).To(Equal(snapshot.Inputs))
		Expect(decoded.Outputs[0].Name).To(Equal("B"))
		Expect(decoded.Outputs[0].Last).To(Equal(types.SequencePair{Seq: 2, Replayable: 2}))
	})

	It("should reject damaged checkpoints", func() {
		var buf bytes.Buffer
		_, err := checkpoint.Encode(&buf, &checkpoint.Snapshot{}, []byte("payload"))
		Expect(err).To(BeNil())

		data := buf.Bytes()
		data[len(data)-10] ^= 0xff
		_, _, err = checkpoint.Decode(data)
		Expect(err).To(Equal(checkpoint.ErrBadDigest))

		_, _, err = checkpoint.Decode([]byte("short"))
		Expect(err).To(Equal(checkpoint.ErrTruncated))

		junk := make([]byte, 64)
		_, _, err = checkpoint.Decode(junk)
		Expect(err).To(Equal(checkpoint.ErrBadMagic))
	})
})

var _ = Describe("Coordinator", func() {
	var dir string
	var store *storage.FileStore
	var meta *storage.MemoryMeta
	var primary *instance
	ctx := context.Background()

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "checkpoint")
		Expect(err).To(BeNil())
		store, err = storage.NewFileStore(dir, "svc_")
		Expect(err).To(BeNil())
		meta = storage.NewMemoryMeta()

		primary = newInstance(store, meta, "primary", 3)
		Expect(primary.state.Log.Restore(7, 1)).To(BeNil())
		primary.state.Input("A").Restore(types.SequencePair{Seq: 5, Replayable: 4})
		out := primary.state.Output("B")
		for i := 0; i < 3; i++ {
			out.Dispatch(rpc("B", "call"), true)
		}
		out.Acknowledge(types.SequencePair{Seq: 2, Replayable: 2})
	})

	AfterEach(func() {
		primary.close()
		os.RemoveAll(dir)
	})

	It("should write a checkpoint, start its log and publish both", func() {
		n, err := primary.coord.Take(ctx, false)
		Expect(err).To(BeNil())
		Expect(n).To(Equal(int64(1)))
		Expect(primary.service.Requests()).To(Equal([]byte{protocol.MSG_TAKE_CHECKPOINT}))

		m, err := meta.Get(ctx)
		Expect(err).To(BeNil())
		Expect(m).To(Equal(storage.Metadata{CurrentVersion: 3, LastCommittedCheckpoint: 1, LastLogFile: 1, CommitID: 7}))
		Expect(primary.state.LastLogFile()).To(Equal(int64(1)))
		Expect(primary.state.LastCommittedCheckpoint()).To(Equal(int64(1)))
		Expect(primary.state.Log.IsQuiesced()).To(BeFalse())
		Expect(primary.leases.Holds(storage.LogLease(1))).To(BeTrue())
		Expect(primary.leases.Holds(storage.CheckpointLease(1))).To(BeFalse())
		Expect(filepath.Join(dir, "svc_chkpt1")).To(BeARegularFile())

		// Acknowledged calls are trimmed once checkpointed.
		out, _ := primary.state.LookupOutput("B")
		Expect(out.LocalTrim()).To(Equal(types.SequencePair{Seq: 2, Replayable: 2}))

		// Rows go to the new log.
		p := primary.state.Log.AddRow(rpc("", "next"), primary.state.Input("A"), types.SequencePair{Seq: 6, Replayable: 5})
		Eventually(p.Done()).Should(BeClosed())
		info, err := os.Stat(filepath.Join(dir, "svc_log1"))
		Expect(err).To(BeNil())
		Expect(info.Size()).To(BeNumerically(">", commitlog.HeaderSize))
	})

	It("should restore what it checkpointed", func() {
		_, err := primary.coord.Take(ctx, false)
		Expect(err).To(BeNil())

		replica := newInstance(store, meta, "replica", 3)
		defer replica.close()
		payload, err := replica.coord.Load(ctx, 1)
		Expect(err).To(BeNil())
		Expect(payload).To(Equal([]byte("state1")))

		commitID, next := replica.state.Log.State()
		Expect(commitID).To(Equal(int32(7)))
		Expect(next).To(Equal(int64(1)))
		Expect(replica.state.Input("A").Committed()).To(Equal(types.SequencePair{Seq: 5, Replayable: 4}))
		Expect(replica.state.LastCommittedCheckpoint()).To(Equal(int64(1)))
		Expect(replica.state.LastLogFile()).To(Equal(int64(1)))

		out, ok := replica.state.LookupOutput("B")
		Expect(ok).To(BeTrue())
		Expect(out.LastDispatched()).To(Equal(types.SequencePair{Seq: 3, Replayable: 3}))
		Expect(out.RemoteTrim()).To(Equal(types.SequencePair{Seq: 2, Replayable: 2}))
		Expect(out.LocalTrim()).To(Equal(types.SequencePair{}))
		Expect(out.Buffer.Len()).To(Equal(3))
	})

	It("should ask for the new version on upgrade and release the previous leases", func() {
		_, err := primary.coord.Take(ctx, false)
		Expect(err).To(BeNil())

		primary.state.SetVersion(4)
		n, err := primary.coord.Take(ctx, true)
		Expect(err).To(BeNil())
		Expect(n).To(Equal(int64(2)))
		Expect(primary.service.Requests()).To(Equal([]byte{protocol.MSG_TAKE_CHECKPOINT, protocol.MSG_UPGRADE_TAKE_CHECKPOINT}))

		m, _ := meta.Get(ctx)
		Expect(m.CurrentVersion).To(Equal(int64(4)))
		Expect(m.LastCommittedCheckpoint).To(Equal(int64(2)))
		Expect(primary.leases.Holds(storage.LogLease(1))).To(BeFalse())
		Expect(primary.leases.Holds(storage.CheckpointLease(1))).To(BeFalse())
		Expect(primary.leases.Holds(storage.LogLease(2))).To(BeTrue())
		Expect(filepath.Join(dir, "svc_log2")).To(BeARegularFile())
		Expect(filepath.Join(dir, "svc_chkpt2")).To(BeARegularFile())

		// Generation 1 is no longer needed to recover.
		Expect(filepath.Join(dir, "svc_log1")).NotTo(BeAnExistingFile())
		Expect(filepath.Join(dir, "svc_chkpt1")).NotTo(BeAnExistingFile())
	})

	It("should give up when the local service does not answer", func() {
		timeout := protocol.PayloadTimeout
		protocol.PayloadTimeout = 50 * time.Millisecond
		defer func() { protocol.PayloadTimeout = timeout }()

		primary.service.silent = true
		_, err := primary.coord.Take(ctx, false)
		Expect(err).To(Equal(checkpoint.ErrPayloadTimeout))
		Expect(primary.state.Log.IsQuiesced()).To(BeFalse())
		Expect(primary.state.LastLogFile()).To(Equal(int64(0)))
		Expect(primary.leases.Holds(storage.LogLease(1))).To(BeFalse())
		_, err = meta.Get(ctx)
		Expect(err).To(Equal(storage.ErrNotFound))
	})

	It("should rotate the log without a checkpoint", func() {
		_, err := primary.coord.Take(ctx, false)
		Expect(err).To(BeNil())

		n, err := primary.coord.Rotate(ctx)
		Expect(err).To(BeNil())
		Expect(n).To(Equal(int64(2)))
		m, _ := meta.Get(ctx)
		Expect(m.LastLogFile).To(Equal(int64(2)))
		Expect(m.LastCommittedCheckpoint).To(Equal(int64(1)))
		Expect(primary.leases.Holds(storage.LogLease(2))).To(BeTrue())
		Expect(primary.leases.Holds(storage.LogLease(1))).To(BeFalse())
		Expect(filepath.Join(dir, "svc_chkpt2")).NotTo(BeAnExistingFile())
	})

	It("should let the checkpointer write the checkpoint of a rotated log", func() {
		_, err := primary.coord.Take(ctx, false)
		Expect(err).To(BeNil())
		_, err = primary.coord.Rotate(ctx)
		Expect(err).To(BeNil())

		checkpointer := newInstance(store, meta, "checkpointer", 3)
		defer checkpointer.close()
		_, err = checkpointer.coord.Load(ctx, 1)
		Expect(err).To(BeNil())

		Expect(checkpointer.coord.TakeAsCheckpointer(ctx, 2)).To(BeNil())
		m, _ := meta.Get(ctx)
		Expect(m.LastCommittedCheckpoint).To(Equal(int64(2)))
		Expect(m.LastLogFile).To(Equal(int64(2)))
		Expect(checkpointer.state.LastCommittedCheckpoint()).To(Equal(int64(2)))
		Expect(checkpointer.leases.Holds(storage.CheckpointLease(2))).To(BeTrue())
		Expect(filepath.Join(dir, "svc_chkpt2")).To(BeARegularFile())
		Expect(filepath.Join(dir, "svc_log1")).NotTo(BeAnExistingFile())
		Expect(filepath.Join(dir, "svc_chkpt1")).NotTo(BeAnExistingFile())
	})

	It("should refuse damaged or foreign checkpoints", func() {
		_, err := primary.coord.Take(ctx, false)
		Expect(err).To(BeNil())

		foreign := newInstance(store, meta, "foreign", 5)
		defer foreign.close()
		_, err = foreign.coord.Load(ctx, 1)
		Expect(types.Class(err)).To(Equal(types.ErrVersionMismatch.Error()))

		path := filepath.Join(dir, "svc_chkpt1")
		data, err := os.ReadFile(path)
		Expect(err).To(BeNil())
		data[20] ^= 0xff
		Expect(os.WriteFile(path, data, 0644)).To(BeNil())

		replica := newInstance(store, meta, "replica", 3)
		defer replica.close()
		_, err = replica.coord.Load(ctx, 1)
		Expect(types.Class(err)).To(Equal(types.ErrMissingCheckpoint.Error()))

		_, err = replica.coord.Load(ctx, 9)
		Expect(types.Class(err)).To(Equal(types.ErrMissingCheckpoint.Error()))
	})

	It("should restore a checkpoint from the archive", func() {
		archive := &memArchive{items: make(map[string][]byte)}
		primary.coord.Archive = archive
		_, err := primary.coord.Take(ctx, false)
		Expect(err).To(BeNil())
		primary.coord.Close()
		Expect(archive.items).To(HaveKey(checkpoint.Key(1)))

		Expect(store.RemoveCheckpoint(1)).To(BeNil())
		replica := newInstance(store, meta, "replica", 3)
		defer replica.close()
		replica.coord.Archive = archive
		payload, err := replica.coord.Load(ctx, 1)
		Expect(err).To(BeNil())
		Expect(payload).To(Equal([]byte("state1")))
		Expect(filepath.Join(dir, "svc_chkpt1")).To(BeARegularFile())
	})
})
