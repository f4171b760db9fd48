// Package remoting implements the client side of the remoting layer on top of the
// connection oriented transports of package transport.
//
// The package focuses on:
//   - Pooling of connections per remote address with a bounded parallelism
//   - Selection of the name server address with failover
//   - Sync, async and one-way requests correlated by the opaque id of a command
//   - Dispatch of requests sent by the remote side to registered processors
//   - Delivery of connection lifecycle events to a listener
//
// Key Components:
//
//   - RemotingClient: The entry point. It owns the connection pool, the name server
//     selector, the response table and the executors, and implements
//     transport.ConnectionHandler to receive inbound commands and signals.
//
//   - Executor: A fixed size worker pool with a bounded queue. Callbacks of async
//     requests and processors without an own executor run on the public executor
//     of the client.
//
//   - RequestProcessor: Handles requests sent by the remote side, selected by the
//     request code. A default processor handles codes without a specific one.
//
//   - RPCHook: Called before every request and after every sync response.
//
//   - EventListener: Receives CONNECT, DISCONNECT, CLOSE, EXCEPTION and IDLE events
//     on a single goroutine in the order they were raised.
//
// Usage Example:
//
//	config := common.DefaultClientConfig()
//	config.NameServerAddresses = []string{"10.0.0.1:9876", "10.0.0.2:9876"}
//
//	c := remoting.NewRemotingClient(
//		config,
//		tcp.NewTCPClientTransport(serializer.NewBinarySerializer()),
//		func(e remoting.Event) { log.Println(e) },
//	)
//	if err := c.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer c.Shutdown()
//
//	// "" sends to the currently chosen name server
//	resp, err := c.InvokeSync("", common.NewRequestCommand(common.RequestCodeHeartbeat, nil), 3*time.Second)
//
// Error Handling:
//
// Failures are reported as *common.RemotingError and can be matched with errors.Is
// against common.ErrConnect, common.ErrSendRequest, common.ErrTimeout and
// common.ErrTooManyRequests. Async requests report every failure after the request
// was handed to a connection through their callback, which is invoked exactly once.
//
// Thread Safety:
//
//	All exported methods of RemotingClient are safe for concurrent use.
package remoting
