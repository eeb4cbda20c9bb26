// Package http implements the HTTP transport of the tKV RPC system.
//
// Routes:
//
//	POST /{shardId}   body and response are serialized common.Message values
//	GET  /metrics     per-store metrics in Prometheus text format
//
// Key Components:
//
//   - httpClientTransport: Implements IRPCClientTransport. Requests are sent
//     round-robin over all configured endpoints, a failed attempt is retried
//     on the next endpoint up to RetryCount times.
//
//   - httpServerTransport: Implements IRPCServerTransport and http.Handler.
//     Listen blocks until Shutdown is called. With log level debug every
//     request is logged with its status and duration.
//
// Thread Safety:
//
//	The client transport is safe for concurrent use once Connect returned. It
//	uses an atomic counter to pick the endpoint of a request.
package http
