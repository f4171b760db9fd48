package base

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRemoting/rpc/common"
	"github.com/ValentinKolb/dRemoting/rpc/serializer"
	"github.com/ValentinKolb/dRemoting/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sourcegraph/conc"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.ServerTransportConfig) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.ServerTransportConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector  IServerConnector
	serializer serializer.IRPCSerializer
	handler    transport.ConnectionHandler
	config     common.ServerTransportConfig
	tlsConfig  *tls.Config

	listener    net.Listener
	connections *xsync.MapOf[string, *netConnection]
	wg          sync.WaitGroup
	closing     atomic.Bool
	closeOnce   sync.Once
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport with per-connection worker pool
func NewBaseServerTransport(connector IServerConnector, ser serializer.IRPCSerializer) transport.IRPCServerTransport {
	return &serverTransport{
		connector:   connector,
		serializer:  ser,
		connections: xsync.NewMapOf[string, *netConnection](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ConnectionHandler) {
	t.handler = handler
}

func (t *serverTransport) Start(config common.ServerTransportConfig) error {
	if t.handler == nil {
		return fmt.Errorf("no connection handler registered")
	}
	t.config = config

	if config.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(config.TLS.CertFile, config.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load server certificate: %w", err)
		}
		t.tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}}
	}

	// Create listener using the connector
	listener, err := t.connector.Listen(config)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	t.listener = listener

	Logger.Infof("Starting %s server on %s with %d workers per connection",
		t.connector.GetName(), listener.Addr(), t.workersPerConn())

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *serverTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *serverTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closing.Store(true)
		if t.listener != nil {
			err = t.listener.Close()
		}
		t.connections.Range(func(_ string, conn *netConnection) bool {
			_ = conn.Close()
			return true
		})
		t.wg.Wait()
	})
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *serverTransport) workersPerConn() int {
	return max(1, t.config.WorkersPerConnection)
}

// acceptLoop accepts connections until the listener is closed
func (t *serverTransport) acceptLoop() {
	defer t.wg.Done()

	for {
		raw, err := t.listener.Accept()
		if err != nil {
			if t.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			Logger.Errorf("Accept error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if err := t.connector.UpgradeConnection(raw, t.config); err != nil {
			Logger.Warningf("Failed to upgrade connection from %s: %v", raw.RemoteAddr(), err)
			_ = raw.Close()
			continue
		}
		if t.tlsConfig != nil {
			raw = tls.Server(raw, t.tlsConfig)
		}

		t.handleConnection(raw)
	}
}

// handleConnection registers the connection and starts its reader with a bounded set of workers
func (t *serverTransport) handleConnection(raw net.Conn) {
	conn := newNetConnection(raw, raw.RemoteAddr().String(), t.serializer, t.handler, connOptions{
		writeTimeout:  time.Duration(t.config.WriteTimeoutMillis) * time.Millisecond,
		idleTimeout:   time.Duration(t.config.ChannelMaxIdleTimeSeconds) * time.Second,
		highWaterMark: 0,
	})
	t.connections.Store(conn.ID(), conn)

	Logger.Debugf("Accepted connection %s", conn)
	t.handler.HandleSignal(transport.Signal{Type: transport.SignalConnect, Conn: conn})

	// The buffered channel acts as a counting semaphore for the workers of this connection
	workerSemaphore := make(chan struct{}, t.workersPerConn())
	var workers conc.WaitGroup

	dispatch := func(cmd *common.Command) {
		// blocks the reader if all workers are busy
		workerSemaphore <- struct{}{}
		workers.Go(func() {
			defer func() { <-workerSemaphore }()
			start := time.Now()
			t.handler.HandleCommand(conn, cmd)
			Logger.Debugf("Processed %s from %s took %s", cmd, conn, time.Since(start))
		})
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		// readLoop returns once the connection is closed
		conn.readLoop(dispatch)
		// wait for all workers to finish before forgetting the connection
		workers.Wait()
		t.connections.Delete(conn.ID())
	}()
	conn.startIdleWatch()

	// Close may have ranged over the connections before this one was stored
	if t.closing.Load() {
		_ = conn.Close()
	}
}
