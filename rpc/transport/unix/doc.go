// Package unix implements the transport of the remoting layer on Unix domain
// sockets. It provides low overhead communication for processes running on the
// same machine.
//
// This package extends the base transport with Unix socket-specific connectors
// while inheriting framing, lifecycle signals and idle detection from the base package.
//
// Key Components:
//
//   - clientConnector: Establishes connections using Unix domain sockets
//
//   - serverConnector: Creates Unix socket listeners (removing stale socket files)
//
// Performance Characteristics:
//
//   - Reduced overhead: Eliminates TCP/IP stack processing for better performance
//   - Lower latency: Direct kernel-mediated IPC avoids network subsystem overhead
package unix
