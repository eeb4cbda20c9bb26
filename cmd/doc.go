// Package cmd implements the command-line interface of tKV. It provides a
// hierarchical command structure with operations for running the server and
// interacting with it as a client.
//
// The package is organized into several subpackages:
//
//   - kv: Commands for key-value store operations (get, put, replace-if, etc.)
//   - lock: Commands for locking operations (acquire, release)
//   - serve: Commands for starting and configuring the tKV server
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set as TKV_<FLAG> environment variable or in a .env
// file. See tkv -help for a list of all commands.
package cmd
