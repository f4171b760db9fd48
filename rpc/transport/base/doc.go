// Package base provides the protocol-agnostic part of the remoting transports.
// It implements framing, the connection lifecycle and the client and server
// transports, and is extended with protocol-specific connectors (TCP, Unix sockets).
//
// Key Components:
//
//   - IClientConnector/IServerConnector: Interfaces for protocol-specific operations
//     (dial, listen, socket options) that allow extending the base transport with
//     different network protocols.
//
//   - netConnection: A framed connection. One reader goroutine decodes commands and
//     hands them to the dispatcher, writes are serialized by a mutex. It raises the
//     lifecycle signals (connect, disconnect, exception, idle, close) and closes
//     itself once no data was read or written for the configured idle time.
//
//   - clientTransport: Opens connections asynchronously. The connect signal is
//     raised before the connection starts reading, so no command or signal of a
//     connection can arrive before its connect signal.
//
//   - serverTransport: Accepts connections and processes the commands of each
//     connection with a bounded number of worker goroutines.
//
// Wire Format:
//
//	Each command is written as a frame: 4 bytes payload length (big endian)
//	followed by the serialized command. Frames are limited to 16 MB. Header and
//	payload are written with net.Buffers to combine them into a single write.
//
// Thread Safety:
//
//	All public methods are thread-safe. Connections use atomic state and a write
//	mutex, the server creates a dedicated reader goroutine for each connection.
package base
