package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Shared transport configuration
// --------------------------------------------------------------------------

// SocketConf holds the socket buffer sizes (0 keeps the OS default)
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds TCP specific socket options
type TCPConf struct {
	TCPKeepAliveSec int
	TCPLingerSec    int
	TCPNoDelay      bool
}

// TLSConf decides whether connections are wrapped in TLS.
// Clients use CAFile, ServerName and InsecureSkipVerify, servers CertFile and KeyFile.
type TLSConf struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

// --------------------------------------------------------------------------
// Remoting server configuration struct
// --------------------------------------------------------------------------

type ServerTransportConfig struct {
	Endpoint string
	SocketConf
	TCPConf
	TLS TLSConf

	// Workers that process requests of a single connection in parallel
	WorkersPerConnection int
	// Max time a single frame write may block (0 disables)
	WriteTimeoutMillis int
	// Connections without reads or writes for this duration are closed (0 disables)
	ChannelMaxIdleTimeSeconds int
}

// ServerConfig holds all configuration parameters of a remoting server
type ServerConfig struct {
	TimeoutSecond int64
	LogLevel      string

	// Address of the http endpoint exposing prometheus metrics (empty disables it)
	MetricsEndpoint string

	Transport ServerTransportConfig
}

// DefaultServerConfig returns the configuration used when nothing else is specified
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		TimeoutSecond: 5,
		LogLevel:      "info",
		Transport: ServerTransportConfig{
			Endpoint:                  "0.0.0.0:9876",
			WorkersPerConnection:      16,
			WriteTimeoutMillis:        3000,
			ChannelMaxIdleTimeSeconds: 120,
			TCPConf:                   TCPConf{TCPNoDelay: true, TCPLingerSec: -1},
		},
	}
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-26s: %s\n", name, value))
	}

	addSection("Remoting Server")
	addField("Endpoint", c.Transport.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Workers Per Connection", strconv.Itoa(c.Transport.WorkersPerConnection))
	addField("Max Idle", fmt.Sprintf("%d sec", c.Transport.ChannelMaxIdleTimeSeconds))
	addField("TLS", strconv.FormatBool(c.Transport.TLS.Enabled))
	if c.MetricsEndpoint != "" {
		addField("Metrics Endpoint", c.MetricsEndpoint)
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Remoting client configuration struct
// --------------------------------------------------------------------------

type ClientTransportConfig struct {
	SocketConf
	TCPConf
	TLS TLSConf

	// Max physical connections per remote address
	ConnectionsPerEndpoint int
	ConnectTimeoutMillis   int
	// Max time a single frame write may block (0 disables)
	WriteTimeoutMillis int
	// Connections without reads or writes for this duration are closed (0 disables)
	ChannelMaxIdleTimeSeconds int
	// A connection stops being writable once this many bytes are waiting to be written
	WriteBufferHighWaterMark int
}

type ClientConfig struct {
	// Name server addresses, used when a request has no explicit address
	NameServerAddresses []string
	// Default timeout used by the command line tools
	TimeoutSecond int
	LogLevel      string

	// Threads delivering async callbacks and running processors without own executor
	CallbackExecutorThreads int
	// Threads dispatching inbound commands off the connection readers
	WorkerThreads int

	// Admission ceilings for in-flight one-way and async requests
	OnewaySemaphoreValue int
	AsyncSemaphoreValue  int

	// Max wait for the pool entry and name server locks
	LockTimeoutMillis int

	Transport ClientTransportConfig
}

// DefaultClientConfig returns the configuration used when nothing else is specified
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		TimeoutSecond:           3,
		LogLevel:                "info",
		CallbackExecutorThreads: 4,
		WorkerThreads:           4,
		OnewaySemaphoreValue:    65535,
		AsyncSemaphoreValue:     65535,
		LockTimeoutMillis:       3000,
		Transport: ClientTransportConfig{
			ConnectionsPerEndpoint:    1,
			ConnectTimeoutMillis:      3000,
			WriteTimeoutMillis:        3000,
			ChannelMaxIdleTimeSeconds: 120,
			WriteBufferHighWaterMark:  4 * 1024 * 1024,
			SocketConf:                SocketConf{WriteBufferSize: 64 * 1024, ReadBufferSize: 64 * 1024},
			TCPConf:                   TCPConf{TCPNoDelay: true, TCPLingerSec: -1},
		},
	}
}

// ConnectTimeout returns the connect timeout as duration
func (c *ClientConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.Transport.ConnectTimeoutMillis) * time.Millisecond
}

// LockTimeout returns the lock timeout as duration
func (c *ClientConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMillis) * time.Millisecond
}

// IdleTimeout returns the idle timeout as duration (0 if disabled)
func (c *ClientConfig) IdleTimeout() time.Duration {
	return time.Duration(c.Transport.ChannelMaxIdleTimeSeconds) * time.Second
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-26s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Callback Threads", strconv.Itoa(c.CallbackExecutorThreads))
	addField("Worker Threads", strconv.Itoa(c.WorkerThreads))
	addField("Oneway Semaphore", strconv.Itoa(c.OnewaySemaphoreValue))
	addField("Async Semaphore", strconv.Itoa(c.AsyncSemaphoreValue))
	addField("Lock Timeout", fmt.Sprintf("%d ms", c.LockTimeoutMillis))

	// Transport
	addSection("Transport")
	addField("Connections Per Endpoint", strconv.Itoa(max(1, c.Transport.ConnectionsPerEndpoint)))
	addField("Connect Timeout", fmt.Sprintf("%d ms", c.Transport.ConnectTimeoutMillis))
	addField("Write Timeout", fmt.Sprintf("%d ms", c.Transport.WriteTimeoutMillis))
	addField("Max Idle", fmt.Sprintf("%d sec", c.Transport.ChannelMaxIdleTimeSeconds))
	addField("High Water Mark", fmt.Sprintf("%d B", c.Transport.WriteBufferHighWaterMark))
	addField("Write Buffer", fmt.Sprintf("%d B", c.Transport.WriteBufferSize))
	addField("Read Buffer", fmt.Sprintf("%d B", c.Transport.ReadBufferSize))
	addField("TCP No Delay", strconv.FormatBool(c.Transport.TCPNoDelay))
	addField("TLS", strconv.FormatBool(c.Transport.TLS.Enabled))

	// Name servers
	addSection("Name Servers")
	for i, addr := range c.NameServerAddresses {
		addField(strconv.Itoa(i), addr)
	}

	return sb.String()
}
