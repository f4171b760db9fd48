// Package transport defines the connection abstraction the remoting client and
// server are built on. It provides a common contract that all transport
// implementations must fulfill, enabling protocol-agnostic communication.
//
// Key Components:
//
//   - IConnection: A single established connection that sends framed commands
//     and reports whether it is active and writable.
//
//   - IPendingConnection: Handle of an asynchronous connection attempt.
//
//   - IRPCClientTransport: Opens connections to remote addresses.
//
//   - IRPCServerTransport: Accepts connections.
//
//   - ConnectionHandler: Receives the inbound commands and the lifecycle signals
//     (connect, disconnect, close, exception, idle) of every connection.
package transport
