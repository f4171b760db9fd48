package base

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRemoting/rpc/common"
	"github.com/ValentinKolb/dRemoting/rpc/serializer"
	"github.com/ValentinKolb/dRemoting/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport/rpc")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection, giving up when ctx is done
	Connect(ctx context.Context, endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientTransportConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector  IClientConnector
	serializer serializer.IRPCSerializer

	mu        sync.RWMutex
	config    common.ClientTransportConfig
	handler   transport.ConnectionHandler
	tlsConfig *tls.Config

	closed atomic.Bool
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector, ser serializer.IRPCSerializer) transport.IRPCClientTransport {
	return &clientTransport{
		connector:  connector,
		serializer: ser,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Init(config common.ClientTransportConfig, handler transport.ConnectionHandler) error {
	if handler == nil {
		return fmt.Errorf("no connection handler provided")
	}

	var tlsConfig *tls.Config
	if config.TLS.Enabled {
		var err error
		if tlsConfig, err = clientTLSConfig(config.TLS); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.config = config
	t.handler = handler
	t.tlsConfig = tlsConfig
	t.closed.Store(false)
	return nil
}

func (t *clientTransport) Open(address string) transport.IPendingConnection {
	pending := newPendingConnection()

	t.mu.RLock()
	handler, config, tlsConfig := t.handler, t.config, t.tlsConfig
	t.mu.RUnlock()

	if handler == nil {
		pending.complete(nil, fmt.Errorf("transport not initialized"))
		return pending
	}
	if t.closed.Load() {
		pending.complete(nil, fmt.Errorf("transport closed"))
		return pending
	}

	go func() {
		conn, err := t.dial(address, config, tlsConfig, handler)
		if err != nil {
			Logger.Warningf("Failed to connect to %s via %s: %v", address, t.connector.GetName(), err)
			pending.complete(nil, err)
			return
		}
		pending.complete(conn, nil)
	}()

	return pending
}

func (t *clientTransport) GetName() string {
	return t.connector.GetName()
}

func (t *clientTransport) Close() error {
	// running attempts see the flag after dialing and drop their connection
	t.closed.Store(true)
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// dial connects, upgrades and starts a connection. The connect signal is raised before the reader starts.
func (t *clientTransport) dial(address string, config common.ClientTransportConfig, tlsConfig *tls.Config,
	handler transport.ConnectionHandler) (*netConnection, error) {

	ctx := context.Background()
	if config.ConnectTimeoutMillis > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(config.ConnectTimeoutMillis)*time.Millisecond)
		defer cancel()
	}

	raw, err := t.connector.Connect(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	if err := t.connector.UpgradeConnection(raw, config); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to upgrade connection to %s: %w", address, err)
	}

	if tlsConfig != nil {
		cfg := tlsConfig
		if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
			cfg = cfg.Clone()
			if host, _, err := net.SplitHostPort(address); err == nil {
				cfg.ServerName = host
			}
		}
		tlsConn := tls.Client(raw, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("tls handshake with %s failed: %w", address, err)
		}
		raw = tlsConn
	}

	if t.closed.Load() {
		_ = raw.Close()
		return nil, fmt.Errorf("transport closed")
	}

	conn := newNetConnection(raw, address, t.serializer, handler, connOptions{
		writeTimeout:   time.Duration(config.WriteTimeoutMillis) * time.Millisecond,
		idleTimeout:    time.Duration(config.ChannelMaxIdleTimeSeconds) * time.Second,
		highWaterMark:  int64(config.WriteBufferHighWaterMark),
		readBufferSize: config.ReadBufferSize,
	})

	Logger.Debugf("Connected to %s via %s (%s)", address, t.connector.GetName(), conn.ID())
	handler.HandleSignal(transport.Signal{Type: transport.SignalConnect, Conn: conn})

	conn.start(func(cmd *common.Command) {
		handler.HandleCommand(conn, cmd)
	})

	return conn, nil
}

// clientTLSConfig builds the tls configuration used for all connections of a client transport
func clientTLSConfig(conf common.TLSConf) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: conf.InsecureSkipVerify,
		ServerName:         conf.ServerName,
	}

	if conf.CAFile != "" {
		pem, err := os.ReadFile(conf.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", conf.CAFile)
		}
		cfg.RootCAs = pool
	}

	if conf.CertFile != "" && conf.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(conf.CertFile, conf.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
