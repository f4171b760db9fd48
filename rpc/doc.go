// Package rpc provides the remoting layer of the messaging platform: the client side
// transport core and a server to run it against.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the RPC system,
//     including the Command model, the error kinds, configuration structures and logging.
//
//   - transport: Connection abstractions with pluggable implementations
//     (TCP, Unix sockets) built on a shared framing and connection layer.
//
//   - serializer: Command serialization with multiple format options (Binary, JSON, GOB).
//
//   - remoting: The RemotingClient. Pools connections per address, selects name servers
//     with failover and correlates sync, async and one-way requests with their responses.
//
//   - client: Typed clients (kv config, heartbeat) on top of the RemotingClient.
//
//   - server: The remoting server answering the requests of the clients.
package rpc
