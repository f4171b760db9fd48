package remoting

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/ValentinKolb/dRemoting/rpc/common"
	"github.com/ValentinKolb/dRemoting/rpc/transport"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("remoting")

const (
	// scanInitialDelay and scanPeriod drive the response table sweep
	scanInitialDelay = 3 * time.Second
	scanPeriod       = time.Second
	// selfCheckPeriod drives the eviction of dead pooled connections
	selfCheckPeriod = 10 * time.Second
	// notifierShutdownTimeout bounds the wait for the event listener on shutdown
	notifierShutdownTimeout = 5 * time.Second
	// maxCreateAttempts bounds the retries of createConnection when its pool entry is removed concurrently
	maxCreateAttempts = 3
)

// RemotingClient is the client side of the remoting layer. It pools connections per
// address, resolves the name server, and sends requests in sync, async and one-way mode.
// Requests sent by the remote side are dispatched to the registered processors.
//
// Usage:
//
//	c := remoting.NewRemotingClient(
//		common.DefaultClientConfig(),
//		tcp.NewTCPClientTransport(serializer.NewBinarySerializer()),
//		nil,
//	)
//	if err := c.Start(); err != nil {
//		panic(err)
//	}
//	defer c.Shutdown()
//
//	resp, err := c.InvokeSync("127.0.0.1:9876", common.NewRequestCommand(common.RequestCodeEcho, nil), 3*time.Second)
type RemotingClient struct {
	id        string
	config    common.ClientConfig
	transport transport.IRPCClientTransport

	pools    *xsync.MapOf[string, *poolEntry]
	selector *addressSelector
	invoker  *invoker
	notifier *eventNotifier
	metrics  *clientMetrics

	publicExecutor *Executor
	workerExecutor *Executor

	hookMu sync.RWMutex
	hook   RPCHook

	stopCh       chan struct{}
	housekeeping sync.WaitGroup
	startOnce    sync.Once
	shutdownOnce sync.Once

	// housekeeping intervals, overridden by tests
	scanInitialDelay time.Duration
	scanPeriod       time.Duration
	selfCheckPeriod  time.Duration
}

// NewRemotingClient creates a new client. The listener is optional; without it no
// lifecycle events are delivered.
func NewRemotingClient(config common.ClientConfig, t transport.IRPCClientTransport, listener EventListener) *RemotingClient {
	c := &RemotingClient{
		id:               uuid.NewString(),
		config:           config,
		transport:        t,
		pools:            xsync.NewMapOf[string, *poolEntry](),
		selector:         newAddressSelector(config.LockTimeout()),
		stopCh:           make(chan struct{}),
		scanInitialDelay: scanInitialDelay,
		scanPeriod:       scanPeriod,
		selfCheckPeriod:  selfCheckPeriod,
	}

	c.publicExecutor = NewExecutor("remoting-callback", max(1, config.CallbackExecutorThreads), defaultExecutorQueueSize)
	c.workerExecutor = NewExecutor("remoting-worker", max(1, config.WorkerThreads), defaultExecutorQueueSize)
	c.invoker = newInvoker(config, c.publicExecutor, c.closeConnection)
	c.metrics = newClientMetrics(c.id,
		func() float64 { return float64(c.invoker.pending()) },
		func() float64 { return float64(c.connectionCount()) },
	)
	if listener != nil {
		c.notifier = newEventNotifier(listener)
	}

	c.selector.update(config.NameServerAddresses)
	return c
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Start initializes the transport and starts the housekeeping loop and the event notifier
func (c *RemotingClient) Start() error {
	var err error
	c.startOnce.Do(func() {
		if err = c.transport.Init(c.config.Transport, c); err != nil {
			err = fmt.Errorf("failed to init %s transport: %w", c.transport.GetName(), err)
			return
		}

		if c.notifier != nil {
			c.notifier.start()
		}

		c.housekeeping.Add(1)
		go c.runHousekeeping()

		Logger.Infof("Started remoting client %s using %s transport", c.id, c.transport.GetName())
		Logger.Debugf(c.config.String())
	})
	return err
}

// Shutdown closes all connections and stops all goroutines of the client. It only logs errors.
func (c *RemotingClient) Shutdown() {
	c.shutdownOnce.Do(func() {
		close(c.stopCh)
		c.housekeeping.Wait()

		c.pools.Range(func(addr string, entry *poolEntry) bool {
			entry.close()
			c.pools.Delete(addr)
			return true
		})

		if err := c.transport.Close(); err != nil {
			Logger.Errorf("Failed to close %s transport: %v", c.transport.GetName(), err)
		}

		// requests whose connection close was not signaled yet
		c.invoker.failAll(common.ErrClientShutdown)

		if c.notifier != nil {
			c.notifier.shutdown(notifierShutdownTimeout)
		}

		c.workerExecutor.Shutdown()
		c.publicExecutor.Shutdown()

		Logger.Infof("Shut down remoting client %s", c.id)
	})
}

// runHousekeeping sweeps the response table and self checks the pool until the client shuts down
func (c *RemotingClient) runHousekeeping() {
	defer c.housekeeping.Done()

	select {
	case <-c.stopCh:
		return
	case <-time.After(c.scanInitialDelay):
	}

	scan := time.NewTicker(c.scanPeriod)
	defer scan.Stop()
	check := time.NewTicker(c.selfCheckPeriod)
	defer check.Stop()

	c.invoker.scanResponseTable(time.Now())
	for {
		select {
		case <-c.stopCh:
			return
		case now := <-scan.C:
			c.invoker.scanResponseTable(now)
		case <-check.C:
			c.selfCheck()
		}
	}
}

// selfCheck evicts dead connections and drops empty pool entries
func (c *RemotingClient) selfCheck() {
	c.pools.Range(func(addr string, entry *poolEntry) bool {
		entry.selfCheck()
		c.removeIfEmpty(addr, entry)
		return true
	})
}

// --------------------------------------------------------------------------
// Invocation
// --------------------------------------------------------------------------

// InvokeSync sends req to addr ("" for the name server) and waits for the response
func (c *RemotingClient) InvokeSync(addr string, req *common.Command, timeout time.Duration) (*common.Command, error) {
	c.metrics.syncRequests.Inc()
	start := time.Now()

	conn, err := c.connectionFor(addr)
	if err != nil {
		c.metrics.recordError(err)
		return nil, err
	}

	c.doBeforeRequest(conn.RemoteAddr(), req)
	resp, err := c.invoker.invokeSync(conn, req, timeout)
	if err != nil {
		c.metrics.recordError(err)
		return nil, err
	}
	c.metrics.observeSync(start)
	c.doAfterResponse(conn.RemoteAddr(), req, resp)
	return resp, nil
}

// InvokeAsync sends req to addr ("" for the name server). Once it returned nil, callback is invoked
// exactly once with the response or the error (including send failures).
func (c *RemotingClient) InvokeAsync(addr string, req *common.Command, timeout time.Duration, callback InvokeCallback) error {
	c.metrics.asyncRequests.Inc()

	conn, err := c.connectionFor(addr)
	if err != nil {
		c.metrics.recordError(err)
		return err
	}

	c.doBeforeRequest(conn.RemoteAddr(), req)
	err = c.invoker.invokeAsync(conn, req, timeout, func(resp *common.Command, err error) {
		c.metrics.recordError(err)
		if callback != nil {
			callback(resp, err)
		}
	})
	c.metrics.recordError(err)
	return err
}

// InvokeOneway sends req to addr ("" for the name server) without waiting for a response
func (c *RemotingClient) InvokeOneway(addr string, req *common.Command, timeout time.Duration) error {
	c.metrics.onewayRequests.Inc()

	conn, err := c.connectionFor(addr)
	if err != nil {
		c.metrics.recordError(err)
		return err
	}

	c.doBeforeRequest(conn.RemoteAddr(), req)
	err = c.invoker.invokeOneway(conn, req, timeout)
	c.metrics.recordError(err)
	return err
}

// connectionFor returns a connection to addr or the name server
func (c *RemotingClient) connectionFor(addr string) (transport.IConnection, error) {
	if c.isShutdown() {
		return nil, common.NewConnectError(addr, common.ErrClientShutdown)
	}

	var conn transport.IConnection
	if addr == "" {
		conn = c.selector.resolve(c)
	} else {
		conn = c.createConnection(addr)
	}

	if conn == nil {
		if addr == "" {
			return nil, common.NewConnectError(fmt.Sprint(c.selector.list()), fmt.Errorf("no name server reachable"))
		}
		return nil, common.NewConnectError(addr, nil)
	}
	return conn, nil
}

func (c *RemotingClient) isShutdown() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// --------------------------------------------------------------------------
// Connection Pool (implements connectionProvider)
// --------------------------------------------------------------------------

func (c *RemotingClient) healthyConnection(addr string) transport.IConnection {
	entry, ok := c.pools.Load(addr)
	if !ok || !entry.isHealthy() {
		return nil
	}
	return entry.acquire()
}

func (c *RemotingClient) createConnection(addr string) transport.IConnection {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		entry, _ := c.pools.LoadOrCompute(addr, func() *poolEntry {
			return newPoolEntry(addr, c.config.Transport.ConnectionsPerEndpoint,
				c.config.LockTimeout(), c.config.ConnectTimeout(), c.transport.Open)
		})
		conn := entry.acquire()
		if conn == nil {
			c.removeIfEmpty(addr, entry)
			return nil
		}

		// an empty entry may have been removed from the map while connecting
		if cur, ok := c.pools.Load(addr); ok && cur == entry {
			return conn
		}
		Logger.Warningf("Pool entry of %s was removed while connecting, closing its connections", addr)
		entry.close()
	}
	return nil
}

// closeConnection removes conn from its pool entry and closes it
func (c *RemotingClient) closeConnection(conn transport.IConnection) {
	addr := conn.RemoteAddr()
	entry, ok := c.pools.Load(addr)
	if !ok {
		_ = conn.Close()
		return
	}
	if entry.release(conn) {
		Logger.Infof("Closed connection %s to %s", conn.ID(), addr)
	}
	c.removeIfEmpty(addr, entry)
}

// removeIfEmpty deletes the entry from the pool map if it holds no connections
func (c *RemotingClient) removeIfEmpty(addr string, entry *poolEntry) {
	c.pools.Compute(addr, func(old *poolEntry, loaded bool) (*poolEntry, bool) {
		return old, !loaded || (old == entry && old.size() == 0)
	})
}

// connectionCount returns the number of pooled connections of all addresses
func (c *RemotingClient) connectionCount() int {
	n := 0
	c.pools.Range(func(_ string, entry *poolEntry) bool {
		n += entry.size()
		return true
	})
	return n
}

// --------------------------------------------------------------------------
// Transport Callbacks (implements transport.ConnectionHandler)
// --------------------------------------------------------------------------

// HandleCommand dispatches an inbound command off the connection reader
func (c *RemotingClient) HandleCommand(conn transport.IConnection, cmd *common.Command) {
	if !c.workerExecutor.Submit(func() { c.invoker.processCommand(conn, cmd) }) {
		c.invoker.processCommand(conn, cmd)
	}
}

// HandleSignal updates the pool and the pending requests and forwards the event to the listener
func (c *RemotingClient) HandleSignal(sig transport.Signal) {
	// queued first, closing below raises the nested close signal
	if c.notifier != nil {
		c.notifier.put(Event{
			Type:       eventTypeOf(sig.Type),
			RemoteAddr: sig.Conn.RemoteAddr(),
			Conn:       sig.Conn,
			Err:        sig.Err,
		})
	}

	switch sig.Type {
	case transport.SignalConnect:
		Logger.Debugf("Connection %s to %s established", sig.Conn.ID(), sig.Conn.RemoteAddr())
	case transport.SignalClose:
		c.closeConnection(sig.Conn)
		c.invoker.failPendingOn(sig.Conn)
	default:
		Logger.Infof("Connection %s to %s: %s %v", sig.Conn.ID(), sig.Conn.RemoteAddr(), sig.Type, sig.Err)
		c.closeConnection(sig.Conn)
	}
}

// --------------------------------------------------------------------------
// Registration and Accessors
// --------------------------------------------------------------------------

// RegisterProcessor registers the processor for requests with the given code sent by the remote side.
// A nil executor runs the processor on the callback executor.
func (c *RemotingClient) RegisterProcessor(code int32, processor RequestProcessor, executor *Executor) {
	c.invoker.registerProcessor(code, processor, executor)
}

// RegisterDefaultProcessor registers the processor for all request codes without a specific processor
func (c *RemotingClient) RegisterDefaultProcessor(processor RequestProcessor, executor *Executor) {
	c.invoker.registerDefaultProcessor(processor, executor)
}

// RegisterRPCHook sets the hook called around every request (nil removes it)
func (c *RemotingClient) RegisterRPCHook(hook RPCHook) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.hook = hook
}

func (c *RemotingClient) rpcHook() RPCHook {
	c.hookMu.RLock()
	defer c.hookMu.RUnlock()
	return c.hook
}

func (c *RemotingClient) doBeforeRequest(addr string, req *common.Command) {
	if hook := c.rpcHook(); hook != nil {
		hook.DoBeforeRequest(addr, req)
	}
}

func (c *RemotingClient) doAfterResponse(addr string, req, resp *common.Command) {
	if hook := c.rpcHook(); hook != nil {
		hook.DoAfterResponse(addr, req, resp)
	}
}

// UpdateNameServerAddressList replaces the name server addresses if the set of addresses changed
func (c *RemotingClient) UpdateNameServerAddressList(addrs []string) {
	c.selector.update(addrs)
}

// GetNameServerAddressList returns a copy of the current (shuffled) name server addresses
func (c *RemotingClient) GetNameServerAddressList() []string {
	return slices.Clone(c.selector.list())
}

// ChosenNameServerAddress returns the name server address currently in use ("" if none)
func (c *RemotingClient) ChosenNameServerAddress() string {
	return c.selector.chosenAddr()
}

// IsChannelWritable reports whether requests to addr can be written without queuing.
// Addresses without a healthy connection report true, so callers do not throttle on them.
func (c *RemotingClient) IsChannelWritable(addr string) bool {
	entry, ok := c.pools.Load(addr)
	if !ok || !entry.isHealthy() {
		return true
	}
	return entry.isWritable()
}

// CallbackExecutor returns the executor running async callbacks
func (c *RemotingClient) CallbackExecutor() *Executor {
	return c.publicExecutor
}

// ID returns the unique id of this client
func (c *RemotingClient) ID() string {
	return c.id
}

// WritePrometheus writes the metrics of this client in the prometheus text format
func (c *RemotingClient) WritePrometheus(w io.Writer) {
	c.metrics.writePrometheus(w)
}
