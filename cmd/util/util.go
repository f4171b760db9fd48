package util

import (
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/dRemoting/rpc/common"
	"github.com/ValentinKolb/dRemoting/rpc/remoting"
	"github.com/ValentinKolb/dRemoting/rpc/serializer"
	"github.com/ValentinKolb/dRemoting/rpc/transport"
	"github.com/ValentinKolb/dRemoting/rpc/transport/tcp"
	"github.com/ValentinKolb/dRemoting/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Logger = logger.GetLogger("cli")

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupRPCClientFlags adds the remoting client flags to a command
func SetupRPCClientFlags(cmd *cobra.Command) {
	defaults := common.DefaultClientConfig()

	key := "timeout"
	cmd.PersistentFlags().Int(key, defaults.TimeoutSecond, WrapString("The timeout in seconds of a single request"))

	key = "addr"
	cmd.PersistentFlags().String(key, "", WrapString("The address of the remoting server. If empty, the request is sent to one of the name servers"))

	key = "name-servers"
	cmd.PersistentFlags().String(key, "localhost:9876", WrapString("Comma-separated list of name server addresses, used when no address is given"))

	key = "callback-threads"
	cmd.PersistentFlags().Int(key, defaults.CallbackExecutorThreads, WrapString("Threads delivering async callbacks"))

	key = "worker-threads"
	cmd.PersistentFlags().Int(key, defaults.WorkerThreads, WrapString("Threads dispatching inbound commands"))

	key = "semaphore-async"
	cmd.PersistentFlags().Int(key, defaults.AsyncSemaphoreValue, WrapString("Max number of in-flight async requests"))

	key = "semaphore-oneway"
	cmd.PersistentFlags().Int(key, defaults.OnewaySemaphoreValue, WrapString("Max number of in-flight one-way requests"))

	key = "lock-timeout"
	cmd.PersistentFlags().Int(key, defaults.LockTimeoutMillis, WrapString("Max wait for the pool and name server locks (in ms)"))

	key = "transport-conn-per-endpoint"
	cmd.PersistentFlags().Int(key, defaults.Transport.ConnectionsPerEndpoint, WrapString("Simultaneous connections per endpoint"))

	key = "transport-connect-timeout"
	cmd.PersistentFlags().Int(key, defaults.Transport.ConnectTimeoutMillis, WrapString("The connect timeout (in ms)"))

	key = "transport-max-idle"
	cmd.PersistentFlags().Int(key, defaults.Transport.ChannelMaxIdleTimeSeconds, WrapString("Connections without traffic for this many seconds are closed (0 disables)"))

	key = "transport-high-water-mark"
	cmd.PersistentFlags().Int(key, defaults.Transport.WriteBufferHighWaterMark/1024, WrapString("A connection is not writable while more than this many KB wait to be written"))

	key = "transport-write-buffer"
	cmd.PersistentFlags().Int(key, defaults.Transport.WriteBufferSize/1024, WrapString("The size of the write buffer for the transport (in KB)"))

	key = "transport-read-buffer"
	cmd.PersistentFlags().Int(key, defaults.Transport.ReadBufferSize/1024, WrapString("The size of the read buffer for the transport (in KB)"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY for the transport (only for tcp)"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval for the transport (in seconds, only for tcp)"))

	key = "transport-tcp-linger"
	cmd.PersistentFlags().Int(key, -1, WrapString("The linger time for the transport (in seconds, only for tcp, -1 keeps the OS default)"))

	key = "tls"
	cmd.PersistentFlags().Bool(key, false, WrapString("Whether to use TLS (only for tcp)"))

	key = "tls-ca-file"
	cmd.PersistentFlags().String(key, "", WrapString("PEM file with the CA used to verify the server"))

	key = "tls-server-name"
	cmd.PersistentFlags().String(key, "", WrapString("Server name used to verify the certificate of the server"))

	key = "tls-insecure"
	cmd.PersistentFlags().Bool(key, false, WrapString("Skip the verification of the server certificate"))
}

// InitClientConfig initializes configuration from environment variables
func InitClientConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dremoting")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() *common.ClientConfig {
	conf := common.DefaultClientConfig()

	conf.TimeoutSecond = viper.GetInt("timeout")
	conf.LogLevel = viper.GetString("log-level")
	conf.NameServerAddresses = splitList(viper.GetString("name-servers"))
	conf.CallbackExecutorThreads = viper.GetInt("callback-threads")
	conf.WorkerThreads = viper.GetInt("worker-threads")
	conf.AsyncSemaphoreValue = viper.GetInt("semaphore-async")
	conf.OnewaySemaphoreValue = viper.GetInt("semaphore-oneway")
	conf.LockTimeoutMillis = viper.GetInt("lock-timeout")

	conf.Transport = common.ClientTransportConfig{
		ConnectionsPerEndpoint:    viper.GetInt("transport-conn-per-endpoint"),
		ConnectTimeoutMillis:      viper.GetInt("transport-connect-timeout"),
		WriteTimeoutMillis:        conf.Transport.WriteTimeoutMillis,
		ChannelMaxIdleTimeSeconds: viper.GetInt("transport-max-idle"),
		WriteBufferHighWaterMark:  viper.GetInt("transport-high-water-mark") * 1024,
		SocketConf: common.SocketConf{
			WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
			ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
		},
		TCPConf: common.TCPConf{
			TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
			TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
			TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
		},
		TLS: common.TLSConf{
			Enabled:            viper.GetBool("tls"),
			CAFile:             viper.GetString("tls-ca-file"),
			ServerName:         viper.GetString("tls-server-name"),
			InsecureSkipVerify: viper.GetBool("tls-insecure"),
		},
	}

	return &conf
}

// GetAddr returns the explicit server address ("" selects a name server)
func GetAddr() string {
	return viper.GetString("addr")
}

// GetTimeout returns the request timeout
func GetTimeout() time.Duration {
	return time.Duration(viper.GetInt("timeout")) * time.Second
}

// GetSerializer creates a serializer based on configuration
func GetSerializer() (serializer.IRPCSerializer, error) {
	switch viper.GetString("serializer") {
	case "json":
		return serializer.NewJSONSerializer(), nil
	case "gob":
		return serializer.NewGOBSerializer(), nil
	case "binary":
		return serializer.NewBinarySerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %s", viper.GetString("serializer"))
	}
}

// GetTransport creates the client transport based on configuration
func GetTransport(s serializer.IRPCSerializer) (transport.IRPCClientTransport, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewTCPClientTransport(s), nil
	case "unix":
		return unix.NewUnixClientTransport(s), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// GetServerTransport creates the server transport based on configuration
func GetServerTransport(s serializer.IRPCSerializer) (transport.IRPCServerTransport, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewTCPServerTransport(s), nil
	case "unix":
		return unix.NewUnixServerTransport(s), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// NewClient creates and starts a remoting client from the viper configuration.
// Connection events are logged on debug level.
func NewClient() (*remoting.RemotingClient, error) {
	config := GetClientConfig()
	if err := common.InitLoggers(config.LogLevel); err != nil {
		return nil, err
	}

	s, err := GetSerializer()
	if err != nil {
		return nil, err
	}
	t, err := GetTransport(s)
	if err != nil {
		return nil, err
	}

	client := remoting.NewRemotingClient(*config, t, func(event remoting.Event) {
		Logger.Debugf("Connection event: %s", event)
	})
	if err := client.Start(); err != nil {
		return nil, fmt.Errorf("failed to start client: %w", err)
	}
	return client, nil
}

// CheckResponse converts a response with a non success code to an error
func CheckResponse(resp *common.Command) error {
	if resp.Code != common.ResponseCodeSuccess {
		return fmt.Errorf("request failed (%s): %s", common.CodeName(resp.Code, true), resp.Remark)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
