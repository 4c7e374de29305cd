package link

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/zhangjyr/hashmap"

	"github.com/microsoft/AMBROSIA-sub006/common/logger"
	cnet "github.com/microsoft/AMBROSIA-sub006/common/net"
	protocol "github.com/microsoft/AMBROSIA-sub006/common/types"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/router"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/state"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/types"
)

// Resolver Address of the coordinator serving a service.
type Resolver func(ctx context.Context, service string) (string, error)

// Manager Owns the peer links of a primary: the listener for sources and one sender per destination.
// Calls to the service itself, by the empty name or its own, travel through an in-process loopback.
type Manager struct {
	Listener *Listener

	self      string
	state     *state.MachineState
	router    *router.Router
	resolve   Resolver
	loopback  *cnet.LoopbackListener
	outbounds *hashmap.HashMap
	started   int32
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	wg        sync.WaitGroup
	log       logger.ILogger
}

func NewManager(self string, s *state.MachineState, r *router.Router, resolve Resolver) *Manager {
	return &Manager{
		Listener:  NewListener(s),
		self:      self,
		state:     s,
		router:    r,
		resolve:   resolve,
		loopback:  cnet.NewLoopbackListener(self),
		outbounds: hashmap.New(64),
		log:       &logger.ColorLogger{Prefix: "Links ", Level: logger.LOG_LEVEL_INFO},
	}
}

// Dial Connect to the coordinator of dest.
func (m *Manager) Dial(ctx context.Context, dest string) (net.Conn, error) {
	if dest == "" || dest == m.self {
		return m.loopback.Dial()
	}
	addr, err := m.resolve(ctx, dest)
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: protocol.HandshakeTimeout}
	return dialer.DialContext(ctx, "tcp", addr)
}

// Start Serve sources on lis and start a sender for every known destination.
func (m *Manager) Start(ctx context.Context, lis net.Listener) {
	m.mu.Lock()
	if !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	if lis != nil {
		m.serve(lis)
	}
	m.serve(m.loopback)
	for _, rec := range m.state.Outputs() {
		m.Attach(rec)
	}
	m.log.Info("Started")
}

func (m *Manager) serve(lis net.Listener) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Listener.Serve(lis); err != nil {
			m.log.Warn("Listener on %v stopped: %v", lis.Addr(), err)
		}
	}()
}

// Attach Start the sender of rec. Destinations attached before Start are linked on Start.
func (m *Manager) Attach(rec *types.OutputRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if atomic.LoadInt32(&m.started) == 0 || m.ctx.Err() != nil {
		return
	}
	if _, ok := m.outbounds.Get(rec.Name); ok {
		return
	}

	source := m.self
	if rec.Name == "" {
		source = ""
	}
	out := NewOutbound(source, rec, m.router, m.Dial)
	m.outbounds.Set(rec.Name, out)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		out.Run(m.ctx)
	}()
}

// Close Stop all links.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	m.Listener.Close()
	m.loopback.Close()
	m.wg.Wait()
}
