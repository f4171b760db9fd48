// Package common provides the data structures and utilities shared by the
// remoting client, the remoting server and the command line tools.
//
// Key Components:
//
//   - Command: The single unit on the wire. Requests and responses share the
//     same structure and are correlated by the Opaque field. Includes factory
//     methods for requests and responses as well as the known request codes.
//
//   - Errors: The error kinds of the remoting layer (ErrConnect, ErrSendRequest,
//     ErrTimeout, ErrTooManyRequests) wrapped in RemotingError, so callers can
//     use errors.Is to tell them apart.
//
//   - ClientConfig / ServerConfig: Configuration of the remoting client and
//     server, including the transport options (socket, TCP, TLS, idle time).
//
//   - Logger: Custom logging implementation that plugs into Dragonboat's
//     logger package and gives all packages the same output format.
package common
