package serializer

import (
	"encoding/json"

	"github.com/ValentinKolb/tKV/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding. Message
// types are written by name, so requests can be crafted by hand, e.g.
// {"msg_type":"get","key":"a"}.
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

type jsonSerializerImpl struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Deserialize resets msg first, json.Unmarshal would otherwise keep the
// fields that are missing in b
func (j jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	*msg = common.Message{}
	return json.Unmarshal(b, msg)
}
