package base

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRemoting/rpc/common"
	"github.com/ValentinKolb/dRemoting/rpc/serializer"
	"github.com/ValentinKolb/dRemoting/rpc/transport"
	"github.com/google/uuid"
)

// connOptions holds the per-connection settings shared by client and server
type connOptions struct {
	writeTimeout   time.Duration
	idleTimeout    time.Duration
	highWaterMark  int64
	readBufferSize int
}

// netConnection implements transport.IConnection on top of a net.Conn
type netConnection struct {
	id         string
	conn       net.Conn
	remoteAddr string
	serializer serializer.IRPCSerializer
	handler    transport.ConnectionHandler
	opts       connOptions

	writeMu       sync.Mutex
	pendingWrites atomic.Int64 // bytes handed to Send but not yet written
	lastActivity  atomic.Int64 // unix nanos of the last read or write

	active atomic.Bool
	closed chan struct{}
}

// newNetConnection wraps an established net.Conn. remoteAddr is the address used to reach the peer.
func newNetConnection(conn net.Conn, remoteAddr string, ser serializer.IRPCSerializer,
	handler transport.ConnectionHandler, opts connOptions) *netConnection {

	c := &netConnection{
		id:         uuid.NewString(),
		conn:       conn,
		remoteAddr: remoteAddr,
		serializer: ser,
		handler:    handler,
		opts:       opts,
		closed:     make(chan struct{}),
	}
	c.active.Store(true)
	c.touch()
	return c
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IConnection)
// --------------------------------------------------------------------------

func (c *netConnection) ID() string {
	return c.id
}

func (c *netConnection) RemoteAddr() string {
	return c.remoteAddr
}

func (c *netConnection) Send(cmd *common.Command) error {
	if !c.active.Load() {
		return common.ErrConnectionClosed
	}

	data, err := c.serializer.Serialize(*cmd)
	if err != nil {
		return err
	}

	size := int64(len(data) + 4)
	c.pendingWrites.Add(size)
	defer c.pendingWrites.Add(-size)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout)); err != nil {
			return err
		}
	}

	if err := writeFrame(c.conn, data); err != nil {
		if !c.active.Load() {
			return common.ErrConnectionClosed
		}
		return err
	}

	c.touch()
	return nil
}

func (c *netConnection) IsActive() bool {
	return c.active.Load()
}

func (c *netConnection) IsWritable() bool {
	if !c.active.Load() {
		return false
	}
	return c.opts.highWaterMark <= 0 || c.pendingWrites.Load() < c.opts.highWaterMark
}

func (c *netConnection) Close() error {
	// the close signal may call back into Close
	if !c.active.CompareAndSwap(true, false) {
		return nil
	}
	close(c.closed)
	err := c.conn.Close()
	c.handler.HandleSignal(transport.Signal{Type: transport.SignalClose, Conn: c})
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *netConnection) String() string {
	return c.remoteAddr + "#" + c.id[:8]
}

// touch records read or write activity for the idle watchdog
func (c *netConnection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// start launches the reader and the idle watchdog. Every decoded command is passed to dispatch.
func (c *netConnection) start(dispatch func(cmd *common.Command)) {
	go c.readLoop(dispatch)
	c.startIdleWatch()
}

// startIdleWatch launches the idle watchdog if an idle timeout is configured
func (c *netConnection) startIdleWatch() {
	if c.opts.idleTimeout > 0 {
		go c.watchIdle()
	}
}

// readLoop reads frames until the connection fails or is closed
func (c *netConnection) readLoop(dispatch func(cmd *common.Command)) {
	reader := bufio.NewReaderSize(c.conn, max(c.opts.readBufferSize, 4096))
	buf := make([]byte, 4096)

	for {
		data, err := readFrame(reader, buf)
		if err != nil {
			c.readFailed(err)
			return
		}
		c.touch()

		// keep the larger buffer for the next frames
		if cap(data) > cap(buf) {
			buf = data[:cap(data)]
		}

		cmd := &common.Command{}
		if err := c.serializer.Deserialize(data, cmd); err != nil {
			Logger.Errorf("Failed to decode command from %s: %v", c, err)
			c.signalError(err)
			_ = c.Close()
			return
		}

		dispatch(cmd)
	}
}

// readFailed raises the matching signal and closes the connection
func (c *netConnection) readFailed(err error) {
	// closed locally, the close signal is raised by Close
	if !c.active.Load() {
		return
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		Logger.Debugf("Connection %s closed by remote", c)
		c.handler.HandleSignal(transport.Signal{Type: transport.SignalDisconnect, Conn: c})
	} else {
		Logger.Warningf("Read from %s failed: %v", c, err)
		c.signalError(err)
	}
	_ = c.Close()
}

func (c *netConnection) signalError(err error) {
	c.handler.HandleSignal(transport.Signal{Type: transport.SignalError, Conn: c, Err: err})
}

// watchIdle closes the connection once nothing was read or written for the idle timeout
func (c *netConnection) watchIdle() {
	interval := min(max(c.opts.idleTimeout/4, 10*time.Millisecond), time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case now := <-ticker.C:
			last := time.Unix(0, c.lastActivity.Load())
			if now.Sub(last) < c.opts.idleTimeout {
				continue
			}
			Logger.Infof("Connection %s idle for %s, closing", c, now.Sub(last).Truncate(time.Millisecond))
			c.handler.HandleSignal(transport.Signal{Type: transport.SignalIdle, Conn: c})
			_ = c.Close()
			return
		}
	}
}

// --------------------------------------------------------------------------
// Pending Connection
// --------------------------------------------------------------------------

// pendingConnection implements transport.IPendingConnection
type pendingConnection struct {
	done chan struct{}
	once sync.Once
	conn transport.IConnection
	err  error
}

func newPendingConnection() *pendingConnection {
	return &pendingConnection{done: make(chan struct{})}
}

// complete finishes the attempt. Only the first call has an effect.
func (p *pendingConnection) complete(conn transport.IConnection, err error) {
	p.once.Do(func() {
		p.conn = conn
		p.err = err
		close(p.done)
	})
}

func (p *pendingConnection) Done() <-chan struct{} {
	return p.done
}

func (p *pendingConnection) IsDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *pendingConnection) Conn() transport.IConnection {
	if !p.IsDone() {
		return nil
	}
	return p.conn
}

func (p *pendingConnection) Err() error {
	if !p.IsDone() {
		return nil
	}
	return p.err
}
