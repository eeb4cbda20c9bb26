package server

import (
	"github.com/ValentinKolb/tKV/rpc/common"
)

// IRPCServerAdapter is the interface for all RPC server adapters.
// An adapter serves the requests of one shard and owns nothing but a
// reference to the backend of the shard.
type IRPCServerAdapter interface {
	// Handle handles a request and returns a response.
	// If an error occurs, it is set in the response together with its return code.
	Handle(req *common.Message) (resp *common.Message)
}
