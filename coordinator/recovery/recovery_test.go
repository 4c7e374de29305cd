package recovery_test

import (
	"context"
	"encoding/binary"
	"fmt"
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
	"github.com/microsoft/AMBROSIA-sub006/coordinator/recovery"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/role"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/router"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/state"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/storage"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/types"
)

func TestRecovery(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Recovery")
}

// echoService Forwards every replayable call it receives to "D", as a deterministic handler would.
type echoService struct {
	mu        sync.Mutex
	router    *router.Router
	calls     int
	restored  [][]byte
	onPayload func([]byte)
}

func (s *echoService) Deliver(frames []byte) error {
	return protocol.EachMessage(frames, func(msg protocol.Message) error {
		if msg.Type != protocol.MSG_RPC {
			return nil
		}
		rpc, err := protocol.ParseRPC(msg.Body)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.calls++
		s.mu.Unlock()
		if !rpc.Replayable() {
			return nil
		}
		out, _, err := protocol.ParseMessage(protocol.AppendRPC(nil, "D", protocol.RPC_FIRE_FORGET, 0, rpc.Payload))
		if err != nil {
			return err
		}
		return s.router.ProcessLocal(out)
	})
}

func (s *echoService) Send(typ byte, body []byte) error {
	switch typ {
	case protocol.MSG_TAKE_CHECKPOINT, protocol.MSG_UPGRADE_TAKE_CHECKPOINT:
		go s.onPayload([]byte("service state"))
	case protocol.MSG_CHECKPOINT:
		s.mu.Lock()
		s.restored = append(s.restored, append([]byte(nil), body...))
		s.mu.Unlock()
	}
	return nil
}

func (s *echoService) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type instance struct {
	state       *state.MachineState
	router      *router.Router
	service     *echoService
	leases      *role.Leases
	roles       *role.Coordinator
	checkpoints *checkpoint.Coordinator
	engine      *recovery.Engine
	closeOnce   sync.Once
}

func newInstance(store storage.LogStore, meta storage.Meta, holder string, version int64) *instance {
	ins := &instance{service: &echoService{}}
	ins.state = state.New(commitlog.New(4096, nil), version)
	ins.router = router.New(ins.state, ins.service)
	ins.service.router = ins.router
	ins.state.Log.SetHandler(ins.router)
	ins.leases = role.NewLeases(meta, holder, time.Minute)
	ins.roles = role.New(ins.state, store, meta, ins.leases)
	ins.checkpoints = checkpoint.New(ins.state, store, meta, ins.leases, ins.service)
	ins.service.onPayload = ins.checkpoints.OnPayload
	ins.router.OnPayload = ins.checkpoints.OnPayload
	ins.engine = recovery.New(ins.state, ins.router, store, meta, ins.checkpoints, ins.roles, ins.service)
	ins.engine.PollInterval = 10 * time.Millisecond
	return ins
}

// create Start a new service generation as its primary.
func (ins *instance) create() {
	Expect(ins.state.Log.Restore(5, 1)).To(BeNil())
	ins.state.Role.Store(types.RolePrimary)
	_, err := ins.checkpoints.Take(context.Background(), false)
	Expect(err).To(BeNil())
}

// write Log count calls from "A", every other one an impulse, one record each.
func (ins *instance) write(count int) {
	input := ins.state.Input("A")
	for i := 0; i < count; i++ {
		kind, replayable := protocol.RPC_FIRE_FORGET, int64(1)
		if i%2 == 1 {
			kind, replayable = protocol.RPC_IMPULSE, 0
		}
		frame := protocol.AppendRPC(nil, "", kind, 0, []byte{byte(i)})
		p := ins.state.Log.AddRow(frame, input, input.Last().Add(1, replayable))
		Eventually(p.Done()).Should(BeClosed())
	}
}

func (ins *instance) close() {
	ins.closeOnce.Do(func() {
		ins.checkpoints.Close()
		if w := ins.state.Log.Close(); w != nil {
			w.Close()
		}
		ins.state.Close()
	})
}

var _ = Describe("Engine", func() {
	var dir string
	var store *storage.FileStore
	var meta *storage.MemoryMeta
	var instances []*instance
	ctx := context.Background()
	logPath := func(n int) string {
		return filepath.Join(dir, "svc_log"+string(rune('0'+n)))
	}
	start := func(holder string, version int64) *instance {
		ins := newInstance(store, meta, holder, version)
		instances = append(instances, ins)
		return ins
	}
	crash := func(ins *instance, n int64) {
		ins.close()
		meta.Expire(storage.LogLease(n))
	}

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "recovery")
		Expect(err).To(BeNil())
		store, err = storage.NewFileStore(dir, "svc_")
		Expect(err).To(BeNil())
		meta = storage.NewMemoryMeta()
		instances = nil
	})

	AfterEach(func() {
		for _, ins := range instances {
			ins.close()
		}
		os.RemoveAll(dir)
	})

	It("should rebuild sources and destinations and take over the log", func() {
		primary := start("primary", 1)
		primary.create()
		primary.write(100)
		crash(primary, 1)

		replica := start("replica", 1)
		Expect(replica.engine.Recover(ctx)).To(BeNil())
		Expect(replica.state.Role.Load()).To(Equal(types.RolePrimary))
		Expect(replica.state.IsReplaying()).To(BeFalse())
		Expect(replica.service.restored).To(Equal([][]byte{[]byte("service state")}))
		Expect(replica.service.Calls()).To(Equal(100))
		Expect(replica.state.Input("A").Committed()).To(Equal(types.SequencePair{Seq: 100, Replayable: 50}))

		out, ok := replica.state.LookupOutput("D")
		Expect(ok).To(BeTrue())
		Expect(out.Buffer.Len()).To(Equal(50))
		low, high, ok := out.Buffer.Range()
		Expect(ok).To(BeTrue())
		Expect([]int64{low, high}).To(Equal([]int64{1, 50}))
		Expect(out.LastDispatched()).To(Equal(types.SequencePair{Seq: 50, Replayable: 50}))

		// The log continues where the former primary stopped.
		_, next := replica.state.Log.State()
		Expect(next).To(Equal(int64(101)))
		replica.write(2)
		crash(replica, 1)

		third := start("third", 1)
		Expect(third.engine.Recover(ctx)).To(BeNil())
		Expect(third.state.Input("A").Committed()).To(Equal(types.SequencePair{Seq: 102, Replayable: 51}))
	})

	It("should replay deterministically", func() {
		primary := start("primary", 1)
		primary.create()
		primary.write(40)
		crash(primary, 1)
		info, err := os.Stat(logPath(1))
		Expect(err).To(BeNil())

		var snapshots []*checkpoint.Snapshot
		for _, holder := range []string{"a", "b"} {
			ins := start(holder, 1)
			_, err := ins.checkpoints.Load(ctx, 1)
			Expect(err).To(BeNil())
			ins.state.SetReplaying(true)
			end, err := ins.engine.ReplayLog(1, 0)
			Expect(err).To(BeNil())
			Expect(end).To(Equal(info.Size()))
			snapshots = append(snapshots, ins.checkpoints.Snapshot())
		}
		Expect(snapshots[0].NextWriteSeq).To(Equal(int64(41)))
		Expect(snapshots[0]).To(Equal(snapshots[1]))
	})

	It("should cut a torn tail", func() {
		primary := start("primary", 1)
		primary.create()
		primary.write(10)
		crash(primary, 1)
		info, err := os.Stat(logPath(1))
		Expect(err).To(BeNil())

		f, err := os.OpenFile(logPath(1), os.O_WRONLY|os.O_APPEND, 0644)
		Expect(err).To(BeNil())
		torn := make([]byte, commitlog.HeaderSize+8)
		(&commitlog.Header{CommitID: 5, Length: 1000, WriteSeq: 11}).Encode(torn)
		f.Write(torn)
		f.Close()

		replica := start("replica", 1)
		Expect(replica.engine.Recover(ctx)).To(BeNil())
		Expect(replica.state.Input("A").Committed()).To(Equal(types.SequencePair{Seq: 10, Replayable: 5}))
		truncated, err := os.Stat(logPath(1))
		Expect(err).To(BeNil())
		Expect(truncated.Size()).To(Equal(info.Size()))
	})

	It("should stop on a corrupt record before the tail", func() {
		primary := start("primary", 1)
		primary.create()
		primary.write(10)
		crash(primary, 1)

		data, err := os.ReadFile(logPath(1))
		Expect(err).To(BeNil())
		data[commitlog.PrefixSize+2] ^= 0xff
		Expect(os.WriteFile(logPath(1), data, 0644)).To(BeNil())

		replica := start("replica", 1)
		err = replica.engine.Recover(ctx)
		Expect(types.Class(err)).To(Equal(types.ErrCorruptRecord.Error()))
		Expect(replica.state.Role.Load()).To(Equal(types.RoleSecondary))
	})

	for _, length := range []int32{1 << 30, 1} {
		length := length
		It(fmt.Sprintf("should stop on a record of length %d before the tail", length), func() {
			primary := start("primary", 1)
			primary.create()
			primary.write(10)
			crash(primary, 1)

			data, err := os.ReadFile(logPath(1))
			Expect(err).To(BeNil())
			var offset int
			for i := 0; i < 2; i++ {
				offset += int(commitlog.DecodeHeader(data[offset:]).Length)
			}
			binary.LittleEndian.PutUint32(data[offset+4:], uint32(length))
			Expect(os.WriteFile(logPath(1), data, 0644)).To(BeNil())

			replica := start("replica", 1)
			err = replica.engine.Recover(ctx)
			Expect(types.Class(err)).To(Equal(types.ErrCorruptRecord.Error()))
			Expect(replica.state.Input("A").Committed()).To(Equal(types.SequencePair{Seq: 2, Replayable: 1}))
			info, err := os.Stat(logPath(1))
			Expect(err).To(BeNil())
			Expect(info.Size()).To(Equal(int64(len(data))))
		})
	}

	It("should cut a last record whose length is torn", func() {
		primary := start("primary", 1)
		primary.create()
		primary.write(3)
		crash(primary, 1)

		data, err := os.ReadFile(logPath(1))
		Expect(err).To(BeNil())
		var offset int
		for i := 0; i < 2; i++ {
			offset += int(commitlog.DecodeHeader(data[offset:]).Length)
		}
		binary.LittleEndian.PutUint32(data[offset+4:], 1<<30)
		Expect(os.WriteFile(logPath(1), data, 0644)).To(BeNil())

		replica := start("replica", 1)
		Expect(replica.engine.Recover(ctx)).To(BeNil())
		Expect(replica.state.Input("A").Committed()).To(Equal(types.SequencePair{Seq: 2, Replayable: 1}))
		info, err := os.Stat(logPath(1))
		Expect(err).To(BeNil())
		Expect(info.Size()).To(Equal(int64(offset)))
	})

	It("should refuse to start without a checkpoint or at another version", func() {
		replica := start("replica", 1)
		err := replica.engine.Recover(ctx)
		Expect(types.Class(err)).To(Equal(types.ErrMissingCheckpoint.Error()))

		primary := start("primary", 1)
		primary.create()
		crash(primary, 1)

		upgraded := start("upgraded", 2)
		err = upgraded.engine.Recover(ctx)
		Expect(types.Class(err)).To(Equal(types.ErrVersionMismatch.Error()))
	})

	It("should follow a live primary, checkpoint rotated logs and take over", func() {
		primary := start("primary", 1)
		primary.create()

		secondary := start("secondary", 1)
		secondary.engine.ActiveActive = true
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		recovered := make(chan error, 1)
		promoted := make(chan error, 1)
		go func() {
			recovered <- secondary.engine.Recover(cctx)
		}()
		go func() {
			promoted <- secondary.roles.DetectBecomingPrimary(cctx)
		}()

		primary.write(20)
		Eventually(secondary.state.Input("A").Committed, 5*time.Second).Should(Equal(types.SequencePair{Seq: 20, Replayable: 10}))
		Expect(secondary.state.Role.Load()).To(Equal(types.RoleCheckpointer))

		_, err := primary.checkpoints.Rotate(ctx)
		Expect(err).To(BeNil())
		primary.write(10)
		Eventually(secondary.state.LastLogFile, 5*time.Second).Should(Equal(int64(2)))
		Eventually(secondary.state.Input("A").Committed, 5*time.Second).Should(Equal(types.SequencePair{Seq: 30, Replayable: 15}))
		Eventually(func() int64 {
			m, _ := meta.Get(ctx)
			return m.LastCommittedCheckpoint
		}, 5*time.Second).Should(Equal(int64(2)))
		Expect(secondary.state.Role.Load()).To(Equal(types.RoleCheckpointer))

		crash(primary, 2)
		Eventually(promoted, 5*time.Second).Should(Receive(BeNil()))
		Eventually(recovered, 5*time.Second).Should(Receive(BeNil()))
		Expect(secondary.state.Role.Load()).To(Equal(types.RolePrimary))
		Expect(secondary.state.Input("A").Committed()).To(Equal(types.SequencePair{Seq: 30, Replayable: 15}))

		secondary.write(1)
		Expect(secondary.state.Input("A").Committed()).To(Equal(types.SequencePair{Seq: 31, Replayable: 16}))
	})
})
