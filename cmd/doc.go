// Package cmd implements the command-line interface of dRemoting. It provides a
// hierarchical command structure with operations for running a remoting server and
// sending requests to it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts and configures the remoting server
//   - echo: Sends echo requests in sync, async or one-way mode
//   - kv: Manages the kv config of a server (put, get, delete) and runs benchmarks (perf)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dremoting -help for a list of all commands.
package cmd
