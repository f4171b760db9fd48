package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ValentinKolb/dRemoting/rpc/common"
	"github.com/ValentinKolb/dRemoting/rpc/remoting"
	"github.com/ValentinKolb/dRemoting/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sourcegraph/conc/panics"
)

var Logger = logger.GetLogger("rpc")

// RemotingServer answers the requests of remoting clients. It is the remote peer used by
// the serve command and by the end-to-end tests.
//
// Usage:
//
//	s := server.NewRemotingServer(
//		common.DefaultServerConfig(),
//		tcp.NewTCPServerTransport(serializer.NewBinarySerializer()),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
type RemotingServer struct {
	config    common.ServerConfig
	transport transport.IRPCServerTransport

	processors  *xsync.MapOf[int32, remoting.RequestProcessor]
	connections *xsync.MapOf[string, transport.IConnection]
	kv          *kvConfigStore

	metrics     *metrics.Set
	requests    *metrics.Counter
	failures    *metrics.Counter
	unsupported *metrics.Counter

	metricsServer *http.Server
}

// NewRemotingServer creates a server with the echo, heartbeat and kv config processors registered
func NewRemotingServer(config common.ServerConfig, t transport.IRPCServerTransport) *RemotingServer {
	s := &RemotingServer{
		config:      config,
		transport:   t,
		processors:  xsync.NewMapOf[int32, remoting.RequestProcessor](),
		connections: xsync.NewMapOf[string, transport.IConnection](),
		kv:          newKVConfigStore(),
		metrics:     metrics.NewSet(),
	}

	s.requests = s.metrics.NewCounter("remoting_server_requests_total")
	s.failures = s.metrics.NewCounter("remoting_server_failed_requests_total")
	s.unsupported = s.metrics.NewCounter("remoting_server_unsupported_requests_total")
	s.metrics.NewGauge("remoting_server_connections", func() float64 { return float64(s.connections.Size()) })
	s.metrics.NewGauge("remoting_server_kv_configs", func() float64 { return float64(s.kv.size()) })

	s.RegisterProcessor(common.RequestCodeEcho, remoting.RequestProcessorFunc(processEcho))
	s.RegisterProcessor(common.RequestCodeHeartbeat, remoting.RequestProcessorFunc(processHeartbeat))
	s.RegisterProcessor(common.RequestCodePutKVConfig, remoting.RequestProcessorFunc(s.kv.processPut))
	s.RegisterProcessor(common.RequestCodeGetKVConfig, remoting.RequestProcessorFunc(s.kv.processGet))
	s.RegisterProcessor(common.RequestCodeDeleteKVConfig, remoting.RequestProcessorFunc(s.kv.processDelete))

	return s
}

// RegisterProcessor registers (or replaces) the processor for the given request code
func (s *RemotingServer) RegisterProcessor(code int32, processor remoting.RequestProcessor) {
	s.processors.Store(code, processor)
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Start starts the transport (and the metrics endpoint if configured) and returns immediately
func (s *RemotingServer) Start() error {
	s.transport.RegisterHandler(s)
	if err := s.transport.Start(s.config.Transport); err != nil {
		return err
	}

	if s.config.MetricsEndpoint != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			s.WritePrometheus(w)
		})
		s.metricsServer = &http.Server{Addr: s.config.MetricsEndpoint, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			Logger.Infof("Serving metrics on http://%s/metrics", s.config.MetricsEndpoint)
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				Logger.Errorf("Metrics endpoint failed: %v", err)
			}
		}()
	}

	Logger.Infof("Remoting server listening on %s", s.transport.Addr())
	return nil
}

// Serve starts the server and blocks until SIGINT or SIGTERM is received
func (s *RemotingServer) Serve() error {
	Logger.Infof(s.config.String())
	if err := s.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	Logger.Infof("Received %s, shutting down", <-sig)
	return s.Close()
}

// Addr returns the listen address, nil before Start
func (s *RemotingServer) Addr() net.Addr {
	return s.transport.Addr()
}

// Close stops the metrics endpoint and the transport
func (s *RemotingServer) Close() error {
	if s.metricsServer != nil {
		_ = s.metricsServer.Close()
	}
	if err := s.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Server Originated Requests
// --------------------------------------------------------------------------

// Notify sends cmd as one-way request to every connected client and returns the number of
// clients it was written to
func (s *RemotingServer) Notify(cmd *common.Command) int {
	cmd.MarkOnewayRPC()

	sent := 0
	s.connections.Range(func(_ string, conn transport.IConnection) bool {
		if err := conn.Send(cmd); err != nil {
			Logger.Warningf("Failed to notify %s: %v", conn.RemoteAddr(), err)
			return true
		}
		sent++
		return true
	})
	Logger.Debugf("Notified %d client(s) with %s", sent, cmd)
	return sent
}

// Connections returns the number of open client connections
func (s *RemotingServer) Connections() int {
	return s.connections.Size()
}

// --------------------------------------------------------------------------
// Transport Callbacks (implements transport.ConnectionHandler)
// --------------------------------------------------------------------------

// HandleCommand processes a request on the calling transport worker and sends the response
func (s *RemotingServer) HandleCommand(conn transport.IConnection, cmd *common.Command) {
	if cmd.IsResponseType() {
		Logger.Debugf("Ignoring response %s from %s", cmd, conn.RemoteAddr())
		return
	}
	s.requests.Inc()

	resp := s.process(conn, cmd)
	if resp == nil || cmd.IsOnewayRPC() {
		return
	}
	resp.Opaque = cmd.Opaque
	resp.MarkResponseType()
	if err := conn.Send(resp); err != nil {
		Logger.Errorf("Failed to send response %s to %s: %v", resp, conn.RemoteAddr(), err)
	}
}

// process runs the processor of the request code and converts errors and panics to responses
func (s *RemotingServer) process(conn transport.IConnection, req *common.Command) *common.Command {
	processor, ok := s.processors.Load(req.Code)
	if !ok {
		s.unsupported.Inc()
		return common.NewResponseCommand(common.ResponseCodeRequestCodeNotSupported,
			fmt.Sprintf("request type %d not supported", req.Code))
	}

	var resp *common.Command
	var err error
	var pc panics.Catcher
	pc.Try(func() { resp, err = processor.ProcessRequest(conn, req) })
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
	}

	if err != nil {
		s.failures.Inc()
		Logger.Errorf("Processing %s from %s failed: %v", req, conn.RemoteAddr(), err)
		return common.NewResponseCommand(common.ResponseCodeSystemError, err.Error())
	}
	return resp
}

func (s *RemotingServer) HandleSignal(sig transport.Signal) {
	switch sig.Type {
	case transport.SignalConnect:
		s.connections.Store(sig.Conn.ID(), sig.Conn)
		Logger.Infof("Client %s connected", sig.Conn.RemoteAddr())
	case transport.SignalClose:
		s.connections.Delete(sig.Conn.ID())
		Logger.Infof("Client %s disconnected", sig.Conn.RemoteAddr())
	default:
		Logger.Debugf("Connection of %s: %s %v", sig.Conn.RemoteAddr(), sig.Type, sig.Err)
	}
}

// WritePrometheus writes the metrics of the server in the prometheus text format
func (s *RemotingServer) WritePrometheus(w io.Writer) {
	s.metrics.WritePrometheus(w)
}
