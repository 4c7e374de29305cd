package server_test

import (
	"bufio"
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	cnet "github.com/microsoft/AMBROSIA-sub006/common/net"
	protocol "github.com/microsoft/AMBROSIA-sub006/common/types"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/global"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/server"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/storage"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/types"
)

func TestServer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Server")
}

// service Local service that checkpoints as "state" and records what it is sent.
type service struct {
	conn     net.Conn
	primary  chan struct{}
	once     sync.Once
	mu       sync.Mutex
	writeMu  sync.Mutex
	calls    []string
	restored []string
}

func connect(lis *cnet.LoopbackListener) *service {
	conn, err := lis.Dial()
	Expect(err).To(BeNil())
	svc := &service{conn: conn, primary: make(chan struct{})}
	go svc.serve()
	return svc
}

func (svc *service) serve() {
	reader := bufio.NewReader(svc.conn)
	for {
		msg, err := protocol.ReadMessage(reader)
		if err != nil {
			return
		}
		switch msg.Type {
		case protocol.MSG_TAKE_CHECKPOINT, protocol.MSG_UPGRADE_TAKE_CHECKPOINT:
			go svc.send(protocol.MSG_CHECKPOINT, []byte("state"))
		case protocol.MSG_CHECKPOINT:
			svc.mu.Lock()
			svc.restored = append(svc.restored, string(msg.Body))
			svc.mu.Unlock()
		case protocol.MSG_BECOME_PRIMARY:
			svc.once.Do(func() { close(svc.primary) })
		case protocol.MSG_RPC:
			svc.receive(msg)
		case protocol.MSG_RPC_BATCH, protocol.MSG_COUNTED_BATCH:
			_, _, msgs, err := protocol.ParseBatch(msg)
			if err != nil {
				return
			}
			protocol.EachMessage(msgs, svc.receive)
		}
	}
}

func (svc *service) receive(msg protocol.Message) error {
	rpc, err := protocol.ParseRPC(msg.Body)
	if err != nil {
		return err
	}
	svc.mu.Lock()
	svc.calls = append(svc.calls, string(rpc.Payload))
	svc.mu.Unlock()
	return nil
}

func (svc *service) send(typ byte, body []byte) {
	svc.writeMu.Lock()
	defer svc.writeMu.Unlock()
	protocol.WriteMessage(svc.conn, typ, body)
}

// call Call the service itself.
func (svc *service) call(payload string) {
	svc.writeMu.Lock()
	defer svc.writeMu.Unlock()
	svc.conn.Write(protocol.AppendRPC(nil, "", protocol.RPC_FIRE_FORGET, 0, []byte(payload)))
}

func (svc *service) Calls() []string {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return append([]string(nil), svc.calls...)
}

func (svc *service) Restored() []string {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return append([]string(nil), svc.restored...)
}

func (svc *service) close() {
	svc.conn.Close()
}

var _ = Describe("Immortal", func() {
	var dir string
	var store *storage.FileStore
	var meta *storage.MemoryMeta

	options := func(create bool) *global.Options {
		opts := global.DefaultOptions()
		opts.Service = "svc"
		opts.Create = create
		opts.LogDir = dir
		opts.BufferSize = "4KB"
		opts.CheckInterval = 1
		opts.Address = "127.0.0.1:0"
		Expect(opts.Validate()).To(BeNil())
		return opts
	}

	start := func(opts *global.Options, holder string) (*server.Immortal, *service, chan error) {
		ins := server.New(opts, store, meta, holder)
		lis := cnet.NewLoopbackListener("local")
		served := make(chan error, 1)
		go func() {
			served <- ins.Serve(lis, nil)
		}()
		return ins, connect(lis), served
	}

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "server")
		Expect(err).To(BeNil())
		store, err = storage.NewFileStore(dir, "svc_")
		Expect(err).To(BeNil())
		meta = storage.NewMemoryMeta()
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	It("should create a service, log its calls and bring it back after a restart", func() {
		first, svc, served := start(options(true), "first")
		Eventually(first.Primary(), 5*time.Second).Should(BeClosed())
		Eventually(svc.primary).Should(BeClosed())
		m, err := meta.Get(context.Background())
		Expect(err).To(BeNil())
		Expect(m.LastCommittedCheckpoint).To(Equal(int64(1)))
		addr, err := meta.Resolve(context.Background(), "svc")
		Expect(err).To(BeNil())
		Expect(addr).To(Equal("127.0.0.1:0"))

		svc.call("hello")
		svc.call("world")
		Eventually(svc.Calls, 5*time.Second).Should(Equal([]string{"hello", "world"}))
		first.Close()
		Eventually(served).Should(Receive())
		svc.close()

		second, svc, served := start(options(false), "second")
		defer second.Close()
		Eventually(second.Primary(), 5*time.Second).Should(BeClosed())
		Eventually(svc.primary).Should(BeClosed())
		Expect(svc.Restored()).To(Equal([]string{"state"}))
		Expect(svc.Calls()).To(Equal([]string{"hello", "world"}))
		Expect(second.State.Input("").Committed()).To(Equal(types.SequencePair{Seq: 2, Replayable: 2}))
		Expect(second.State.Role.Load()).To(Equal(types.RolePrimary))

		second.Close()
		Eventually(served).Should(Receive(BeNil()))
	})

	It("should refuse to create a service twice", func() {
		Expect(meta.Put(context.Background(), storage.Metadata{CurrentVersion: 0, LastCommittedCheckpoint: 1, LastLogFile: 1})).To(BeNil())

		ins, svc, served := start(options(true), "again")
		defer svc.close()
		var err error
		Eventually(served).Should(Receive(&err))
		Expect(types.Class(err)).To(Equal(server.ErrServiceExists.Error()))
		ins.Close()
	})

	It("should upgrade a running service", func() {
		first, svc, _ := start(options(true), "first")
		Eventually(first.Primary(), 5*time.Second).Should(BeClosed())
		first.Close()
		svc.close()

		opts := options(false)
		opts.UpgradeVersion = 1
		Expect(opts.Validate()).To(BeNil())
		upgraded, svc, _ := start(opts, "upgraded")
		defer svc.close()
		defer upgraded.Close()

		Eventually(func() int64 {
			m, _ := meta.Get(context.Background())
			return m.CurrentVersion
		}, 5*time.Second).Should(Equal(int64(1)))
		m, err := meta.Get(context.Background())
		Expect(err).To(BeNil())
		Expect(m.LastCommittedCheckpoint).To(Equal(int64(2)))
		Expect(upgraded.State.Version()).To(Equal(int64(1)))
		Eventually(func() bool {
			return upgraded.Leases.Holds(storage.KillLease)
		}).Should(BeFalse())
	})
})

var _ = Describe("Options", func() {
	It("should require a service and a newer upgrade version", func() {
		opts := global.DefaultOptions()
		Expect(opts.Validate()).To(Equal(global.ErrNoService))

		opts.Service = "svc"
		opts.Version = 2
		opts.UpgradeVersion = 2
		Expect(opts.Validate()).To(Equal(global.ErrUpgradeVersion))

		opts.UpgradeVersion = 3
		Expect(opts.Validate()).To(BeNil())
		Expect(opts.LogTriggerBytes).To(Equal(int64(1000 * 1000 * 1000)))
		Expect(opts.BufferBytes).To(Equal(4 * 1000 * 1000))
	})
})
