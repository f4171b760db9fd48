package transport

import (
	"net"

	"github.com/ValentinKolb/dRemoting/rpc/common"
)

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// IConnection is a single established, framed connection to a remote peer
type IConnection interface {
	// ID returns an identifier that is unique for the lifetime of the process
	ID() string
	// RemoteAddr returns the address of the remote peer (the dial address on the client side)
	RemoteAddr() string
	// Send writes the command to the connection. Writes of concurrent callers are serialized.
	Send(cmd *common.Command) error
	// IsActive reports whether the connection is open
	IsActive() bool
	// IsWritable reports whether the connection is active and its pending writes are below the high-water mark
	IsWritable() bool
	// Close closes the connection. Calling Close more than once is a no-op.
	Close() error
}

// IPendingConnection is the handle of a connection attempt that completes asynchronously
type IPendingConnection interface {
	// Done is closed once the attempt completed (successful or not)
	Done() <-chan struct{}
	// IsDone reports whether the attempt completed
	IsDone() bool
	// Conn returns the connection, nil while pending or if the attempt failed
	Conn() IConnection
	// Err returns the error of a failed attempt
	Err() error
}

// --------------------------------------------------------------------------
// Signals
// --------------------------------------------------------------------------

// SignalType is the kind of connection lifecycle signal raised by a transport
type SignalType int

const (
	// SignalConnect is raised once a connection is established
	SignalConnect SignalType = iota
	// SignalDisconnect is raised when the remote peer closed the connection
	SignalDisconnect
	// SignalClose is raised exactly once when a connection is closed, for whatever reason
	SignalClose
	// SignalError is raised when reading or writing failed
	SignalError
	// SignalIdle is raised when no data was read or written for the configured idle time
	SignalIdle
)

func (s SignalType) String() string {
	switch s {
	case SignalConnect:
		return "CONNECT"
	case SignalDisconnect:
		return "DISCONNECT"
	case SignalClose:
		return "CLOSE"
	case SignalError:
		return "EXCEPTION"
	case SignalIdle:
		return "IDLE"
	default:
		return "UNKNOWN"
	}
}

// Signal is a connection lifecycle notification
type Signal struct {
	Type SignalType
	Conn IConnection
	Err  error
}

// ConnectionHandler receives inbound commands and lifecycle signals of all connections of a transport.
// Both methods are called from connection goroutines and must not block for long.
type ConnectionHandler interface {
	HandleCommand(conn IConnection, cmd *common.Command)
	HandleSignal(sig Signal)
}

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// IRPCServerTransport accepts connections and passes their commands to the registered handler
type IRPCServerTransport interface {
	// RegisterHandler registers the handler for all accepted connections (must be called before Start)
	RegisterHandler(handler ConnectionHandler)
	// Start creates the listener and accepts connections in the background
	Start(config common.ServerTransportConfig) error
	// Addr returns the listen address, nil before Start
	Addr() net.Addr
	// Close stops accepting, closes all connections and waits for their goroutines
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport opens connections to remote peers
type IRPCClientTransport interface {
	// Init sets the configuration and the handler for all connections opened later
	Init(config common.ClientTransportConfig, handler ConnectionHandler) error
	// Open starts a connection attempt and returns immediately
	Open(address string) IPendingConnection
	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
	// Close fails new attempts. Connections are owned and closed by their users.
	Close() error
}
