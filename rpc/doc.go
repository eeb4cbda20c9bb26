// Package rpc makes tiered stores and lock managers available over the
// network.
//
// The package is organized into several subpackages:
//
//   - common: The Message protocol, configuration structures and logging.
//
//   - transport: Network communication abstractions, implemented by the http
//     sub package.
//
//   - serializer: Message serialization (Binary, JSON, GOB).
//
//   - client: store.IStore and lockmgr.ILockManager implementations talking
//     to a server.
//
//   - server: Hosts one tiered store per shard and serves it with the store
//     or the lock manager adapter.
package rpc
