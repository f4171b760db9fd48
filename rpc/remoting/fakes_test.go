package remoting

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dRemoting/rpc/common"
	"github.com/ValentinKolb/dRemoting/rpc/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Fake Connection
// --------------------------------------------------------------------------

type fakeConn struct {
	id      string
	addr    string
	handler transport.ConnectionHandler
	onSend  func(c *fakeConn, cmd *common.Command) error

	active   atomic.Bool
	writable atomic.Bool

	mu   sync.Mutex
	sent []*common.Command
}

func newFakeConn(addr string, handler transport.ConnectionHandler, onSend func(*fakeConn, *common.Command) error) *fakeConn {
	c := &fakeConn{id: uuid.NewString(), addr: addr, handler: handler, onSend: onSend}
	c.active.Store(true)
	c.writable.Store(true)
	return c
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return c.addr }
func (c *fakeConn) IsActive() bool     { return c.active.Load() }
func (c *fakeConn) IsWritable() bool   { return c.active.Load() && c.writable.Load() }

func (c *fakeConn) Send(cmd *common.Command) error {
	if !c.active.Load() {
		return common.ErrConnectionClosed
	}
	c.mu.Lock()
	c.sent = append(c.sent, cmd)
	c.mu.Unlock()
	if c.onSend != nil {
		return c.onSend(c, cmd)
	}
	return nil
}

func (c *fakeConn) Close() error {
	if !c.active.CompareAndSwap(true, false) {
		return nil
	}
	if c.handler != nil {
		c.handler.HandleSignal(transport.Signal{Type: transport.SignalClose, Conn: c})
	}
	return nil
}

func (c *fakeConn) sentCommands() []*common.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*common.Command(nil), c.sent...)
}

// --------------------------------------------------------------------------
// Fake Pending Connection
// --------------------------------------------------------------------------

type fakePending struct {
	done chan struct{}
	once sync.Once
	conn transport.IConnection
	err  error
}

func newFakePending() *fakePending {
	return &fakePending{done: make(chan struct{})}
}

func (p *fakePending) complete(conn transport.IConnection, err error) {
	p.once.Do(func() {
		p.conn, p.err = conn, err
		close(p.done)
	})
}

func (p *fakePending) Done() <-chan struct{} { return p.done }

func (p *fakePending) IsDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *fakePending) Conn() transport.IConnection {
	if !p.IsDone() || p.conn == nil {
		return nil
	}
	return p.conn
}

func (p *fakePending) Err() error {
	if !p.IsDone() {
		return nil
	}
	return p.err
}

// --------------------------------------------------------------------------
// Fake Transport
// --------------------------------------------------------------------------

var errUnreachable = errors.New("unreachable")

type fakeTransport struct {
	mu          sync.Mutex
	handler     transport.ConnectionHandler
	unreachable map[string]bool
	opens       map[string]int
	conns       map[string][]*fakeConn
	onSend      func(c *fakeConn, cmd *common.Command) error
	// newConnsWritable is applied to every connection opened afterwards
	newConnsWritable bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		unreachable:      map[string]bool{},
		opens:            map[string]int{},
		conns:            map[string][]*fakeConn{},
		newConnsWritable: true,
	}
}

func (t *fakeTransport) Init(_ common.ClientTransportConfig, handler transport.ConnectionHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
	return nil
}

func (t *fakeTransport) Open(addr string) transport.IPendingConnection {
	t.mu.Lock()
	t.opens[addr]++
	handler, onSend, unreachable, writable := t.handler, t.onSend, t.unreachable[addr], t.newConnsWritable
	t.mu.Unlock()

	p := newFakePending()
	if unreachable {
		p.complete(nil, errUnreachable)
		return p
	}

	conn := newFakeConn(addr, handler, onSend)
	conn.writable.Store(writable)
	t.mu.Lock()
	t.conns[addr] = append(t.conns[addr], conn)
	t.mu.Unlock()

	handler.HandleSignal(transport.Signal{Type: transport.SignalConnect, Conn: conn})
	p.complete(conn, nil)
	return p
}

func (t *fakeTransport) GetName() string { return "fake" }
func (t *fakeTransport) Close() error    { return nil }

func (t *fakeTransport) setUnreachable(addr string, unreachable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unreachable[addr] = unreachable
}

func (t *fakeTransport) setOnSend(onSend func(c *fakeConn, cmd *common.Command) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSend = onSend
}

func (t *fakeTransport) openCount(addr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens[addr]
}

func (t *fakeTransport) connsTo(addr string) []*fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeConn(nil), t.conns[addr]...)
}

// echoResponder answers every request that is not one-way with a success response carrying the request body
func echoResponder(c *fakeConn, cmd *common.Command) error {
	if cmd.IsOnewayRPC() || cmd.IsResponseType() {
		return nil
	}
	resp := common.NewResponseFor(cmd, common.ResponseCodeSuccess, "")
	resp.Body = cmd.Body
	go c.handler.HandleCommand(c, resp)
	return nil
}

// silentResponder never answers
func silentResponder(*fakeConn, *common.Command) error {
	return nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func testClientConfig() common.ClientConfig {
	config := common.DefaultClientConfig()
	config.LockTimeoutMillis = 500
	config.Transport.ConnectTimeoutMillis = 500
	config.Transport.ConnectionsPerEndpoint = 1
	return config
}

// startTestClient creates and starts a client on a fake transport with the given responder
func startTestClient(t *testing.T, config common.ClientConfig, onSend func(*fakeConn, *common.Command) error,
	listener EventListener) (*RemotingClient, *fakeTransport) {

	t.Helper()
	ft := newFakeTransport()
	ft.onSend = onSend
	c := NewRemotingClient(config, ft, listener)
	require.NoError(t, c.Start())
	t.Cleanup(c.Shutdown)
	return c, ft
}

// requireAllPermits asserts that no admission permit is held
func requireAllPermits(t *testing.T, inv *invoker) {
	t.Helper()
	require.Eventually(t, func() bool {
		if !inv.asyncSema.TryAcquire(inv.asyncPermits) {
			return false
		}
		inv.asyncSema.Release(inv.asyncPermits)
		return true
	}, time.Second, 5*time.Millisecond, "async permits not restored")
	require.Eventually(t, func() bool {
		if !inv.onewaySema.TryAcquire(inv.onewayPermits) {
			return false
		}
		inv.onewaySema.Release(inv.onewayPermits)
		return true
	}, time.Second, 5*time.Millisecond, "one-way permits not restored")
}
