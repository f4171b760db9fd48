// Package tcp implements the TCP socket transport of the remoting layer. It provides
// concrete implementations of the base package's connector interfaces.
//
// This package builds on the base package's transport functionality (framing,
// connection lifecycle signals, idle detection, TLS). See the base package
// documentation for details.
//
// Key Components:
//
//   - clientConnector: TCP-specific implementation of base.IClientConnector,
//     dialing with the connect timeout of the caller's context
//
//   - serverConnector: TCP-specific implementation of base.IServerConnector
//
// Both sides apply the socket options of SocketConf and TCPConf (no delay,
// keep-alive, linger, buffer sizes) to every connection.
package tcp
