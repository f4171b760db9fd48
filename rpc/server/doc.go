// Package server implements the remoting server, the remote peer of the clients in
// package remoting. It accepts connections through any transport.IRPCServerTransport,
// answers requests with the processor registered for their request code and can send
// one-way notifications to all connected clients.
//
// Registered processors:
//
//   - RequestCodeEcho: answers with the request body
//   - RequestCodeHeartbeat: answers with success
//   - RequestCodePutKVConfig, RequestCodeGetKVConfig, RequestCodeDeleteKVConfig:
//     an in-memory, namespaced configuration store. The body of the requests is a
//     json encoded common.KVConfigHeader.
//
// Requests with an unknown code are answered with RequestCodeNotSupported, failing or
// panicking processors with SystemError. One-way requests are never answered.
//
// Usage Example:
//
//	config := common.DefaultServerConfig()
//	config.Transport.Endpoint = "127.0.0.1:9876"
//	config.MetricsEndpoint = "127.0.0.1:9100"
//
//	s := server.NewRemotingServer(config, tcp.NewTCPServerTransport(serializer.NewBinarySerializer()))
//	if err := s.Serve(); err != nil {
//		log.Fatalf("Server error: %v", err)
//	}
//
// Thread Safety:
//
//	Requests are processed on the worker goroutines of the transport, several per
//	connection. Processors must be safe for concurrent use.
package server
