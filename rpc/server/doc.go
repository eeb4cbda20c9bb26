// Package server implements the RPC server of tKV. It hosts one tiered store
// per configured shard and serves it through an adapter.
//
// Key Components:
//
//   - IRPCServerAdapter: Interface of the per-shard request handlers.
//
//   - NewIStoreServerAdapter: Translates store messages (get, put, remove,
//     putIfAbsent, replace, replaceIf, removeIf, contains, size, clear, stats)
//     into store.IStore calls.
//
//   - NewLockManagerServerAdapter: Serves acquire and release with a
//     lockmgr.ILockManager on top of the store of the shard.
//
//   - NewRPCServer: Creates a server with the given transport and serializer.
//     Init builds the persistence service (on disk if a data directory is
//     configured, in memory otherwise), a provider.Provider and the stores of
//     all shards.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  Shards: []common.ServerShard{
//	    {ShardID: 100, Type: common.ShardTypeStore},
//	    {ShardID: 200, Type: common.ShardTypeLockManager},
//	  },
//	  Endpoint:    "0.0.0.0:8080",
//	  HeapEntries: 1000,
//	  DiskBytes:   64 << 20,
//	  LogLevel:    "info",
//	}
//
//	s := server.NewRPCServer(
//	  config,
//	  http.NewHttpServerTransport(),
//	  serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// Errors of the stores are sent back with their return code, so a client
// can tell a capacity rejection from a lifecycle violation. Requests for an
// unknown shard and undecodable requests fail with RetCInvalidOperation,
// messages the adapter of a shard does not know with RetCUnsupportedOperation.
//
// Thread Safety:
//
//	Requests are processed concurrently, the stores serialize operations on
//	the same key. Init and Serve must be called only once.
package server
