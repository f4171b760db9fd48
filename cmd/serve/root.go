package serve

import (
	cmdUtil "github.com/ValentinKolb/dRemoting/cmd/util"
	"github.com/ValentinKolb/dRemoting/rpc/common"
	"github.com/ValentinKolb/dRemoting/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = common.DefaultServerConfig()
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the remoting server",
		Long:    `Start the remoting server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DREMOTING_<flag> (e.g. DREMOTING_ENDPOINT=0.0.0.0:9876)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitClientConfig)

	defaults := common.DefaultServerConfig()

	// add flags
	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, defaults.Transport.Endpoint, cmdUtil.WrapString("The address on which the server will listen (e.g. localhost:9876, /tmp/dremoting.sock, ...)"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, defaults.TimeoutSecond, cmdUtil.WrapString("Timeout in seconds"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The address of the http endpoint serving prometheus metrics under /metrics (empty disables it)"))

	key = "workers"
	ServeCmd.PersistentFlags().Int(key, defaults.Transport.WorkersPerConnection, cmdUtil.WrapString("Workers that process the requests of a single connection in parallel"))

	key = "write-timeout"
	ServeCmd.PersistentFlags().Int(key, defaults.Transport.WriteTimeoutMillis, cmdUtil.WrapString("Max time a single response write may block (in ms, 0 disables)"))

	key = "max-idle"
	ServeCmd.PersistentFlags().Int(key, defaults.Transport.ChannelMaxIdleTimeSeconds, cmdUtil.WrapString("Connections without traffic for this many seconds are closed (0 disables)"))

	key = "write-buffer"
	ServeCmd.PersistentFlags().Int(key, 64, cmdUtil.WrapString("The size of the socket write buffer (in KB)"))

	key = "read-buffer"
	ServeCmd.PersistentFlags().Int(key, 64, cmdUtil.WrapString("The size of the socket read buffer (in KB)"))

	key = "tcp-nodelay"
	ServeCmd.PersistentFlags().Bool(key, defaults.Transport.TCPNoDelay, cmdUtil.WrapString("Whether to enable TCP_NODELAY (only for tcp)"))

	key = "tcp-keepalive"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The keepalive interval (in seconds, only for tcp)"))

	key = "tcp-linger"
	ServeCmd.PersistentFlags().Int(key, defaults.Transport.TCPLingerSec, cmdUtil.WrapString("The linger time (in seconds, only for tcp, -1 keeps the OS default)"))

	key = "tls-cert-file"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("PEM certificate file, enables TLS together with tls-key-file (only for tcp)"))

	key = "tls-key-file"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("PEM private key file of the certificate"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")

	serveCmdConfig.Transport.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.Transport.WorkersPerConnection = viper.GetInt("workers")
	serveCmdConfig.Transport.WriteTimeoutMillis = viper.GetInt("write-timeout")
	serveCmdConfig.Transport.ChannelMaxIdleTimeSeconds = viper.GetInt("max-idle")
	serveCmdConfig.Transport.SocketConf = common.SocketConf{
		WriteBufferSize: viper.GetInt("write-buffer") * 1024,
		ReadBufferSize:  viper.GetInt("read-buffer") * 1024,
	}
	serveCmdConfig.Transport.TCPConf = common.TCPConf{
		TCPKeepAliveSec: viper.GetInt("tcp-keepalive"),
		TCPLingerSec:    viper.GetInt("tcp-linger"),
		TCPNoDelay:      viper.GetBool("tcp-nodelay"),
	}

	certFile, keyFile := viper.GetString("tls-cert-file"), viper.GetString("tls-key-file")
	serveCmdConfig.Transport.TLS = common.TLSConf{
		Enabled:  certFile != "" || keyFile != "",
		CertFile: certFile,
		KeyFile:  keyFile,
	}

	return common.InitLoggers(serveCmdConfig.LogLevel)
}

// run starts the remoting server and blocks until it is stopped
func run(_ *cobra.Command, _ []string) error {
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	t, err := cmdUtil.GetServerTransport(s)
	if err != nil {
		return err
	}

	return server.NewRemotingServer(serveCmdConfig, t).Serve()
}
