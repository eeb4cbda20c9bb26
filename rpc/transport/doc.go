// Package transport defines the interfaces for RPC communication between tKV
// clients and servers. It provides a common contract that all transport
// implementations must fulfill, enabling protocol-agnostic communication.
//
// Key Components:
//
//   - IRPCClientTransport: Interface for client-side transport implementations that
//     handles connection management and request sending.
//
//   - IRPCServerTransport: Interface for server-side transport implementations that
//     receives requests, routes them to the handler by shard ID and serves
//     metric scrapes.
//
//   - ServerHandleFunc / MetricsWriteFunc: Callbacks registered by the server.
//
// The only implementation is the http sub package.
package transport
