// Package client implements RPC clients for tKV servers. It provides
// implementations of the store.IStore and lockmgr.ILockManager interfaces that
// forward every call to a shard of a remote server.
//
// Key Components:
//
//   - NewRPCStore: Creates a client implementing store.IStore. Operations
//     with a function argument (Compute, ComputeIfPresent, ComputeIfAbsent and
//     their bulk variants) run the function locally and apply its result with
//     conditional writes, retrying if the value changed concurrently. Iterate
//     is not supported.
//
//   - NewRPCLockMgr: Creates a client implementing lockmgr.ILockManager.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  Endpoints:     []string{"localhost:8080"},
//	  TimeoutSecond: 5,
//	  RetryCount:    3,
//	}
//	ser := serializer.NewBinarySerializer()
//
//	s, _ := client.NewRPCStore(100, config, http.NewHttpClientTransport(), ser)
//	_ = s.Put("mykey", []byte("myvalue"))
//	value, exists, _ := s.Get("mykey")
//
//	locks, _ := client.NewRPCLockMgr(200, config, http.NewHttpClientTransport(), ser)
//	acquired, ownerID, _ := locks.AcquireLock("mylock", 30*time.Second)
//	if acquired {
//	  _, _ = locks.ReleaseLock("mylock", ownerID)
//	}
//
// Errors returned by the server are *store.Error values with the code the
// server reported, errors.Is works against the store sentinels.
//
// Thread Safety:
//
//	All clients are safe for concurrent use.
package client
