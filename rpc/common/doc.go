// Package common provides the data structures shared by the RPC server, the
// RPC clients and the command line tool.
//
// The package focuses on:
//   - Message protocol definition for client / server communication
//   - Configuration structures for client and server components
//   - Custom logging implementation on top of the dragonboat logger package
//
// Key Components:
//
//   - Message: Core data structure for all RPC communication. One message type
//     exists per store operation without a function argument (get, put,
//     remove, putIfAbsent, replace, replaceIf, removeIf, contains, size,
//     clear, stats) plus acquire and release for lock shards. Errors travel
//     with their store.RetCode, Message.AsError turns them back into a
//     *store.Error on the client side.
//
//   - ServerConfig: Shards, pool sizes, expiry, persistence and network
//     settings of a server. Every shard is a tiered store.
//
//   - ClientConfig: Configuration for client components, controlling connection
//     parameters, timeouts, and retry behavior.
//
//   - Logger: CreateLogger / InitLoggers install a `LEVEL | pkg | message`
//     format for every named logger of the application.
package common
