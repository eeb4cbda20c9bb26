package serializer

import "github.com/ValentinKolb/tKV/rpc/common"

// IRPCSerializer converts messages to and from their wire format. Client and
// server of one deployment must use the same implementation.
type IRPCSerializer interface {
	// Serialize encodes msg
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize decodes b into msg, overwriting every field of msg
	Deserialize(b []byte, msg *common.Message) error
}
