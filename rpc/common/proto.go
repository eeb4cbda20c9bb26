package common

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/tKV/lib/store"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// General fields
	Key      string `json:"key,omitempty"`      // Used for all key based operations
	Value    []byte `json:"value,omitempty"`    // Used for: Put, PutIfAbsent, Replace, ReplaceIf (request), Get, PutIfAbsent, Replace, Acquire (response)
	Expected []byte `json:"expected,omitempty"` // Used for: ReplaceIf, RemoveIf
	Timeout  uint64 `json:"timeout,omitempty"`  // Used for: Acquire (milliseconds, 0 = never)

	// Response only fields
	Ok   bool   `json:"ok,omitempty"`   // Used for: Get, Contains, Remove, PutIfAbsent, Replace*, RemoveIf, Acquire, Release
	Size uint64 `json:"size,omitempty"` // Used for: Size
	Code uint64 `json:"code,omitempty"` // store.RetCode of Err
	Err  string `json:"err,omitempty"`  // Empty if no error, otherwise contains the error message

	// Meta information
	Meta []byte `json:"meta,omitempty"` // Used for: Stats (json encoded store.Statistics)
}

// setErr stores err and its return code in the message
func (m *Message) setErr(err error) *Message {
	if err != nil {
		m.Err = err.Error()
		m.Code = uint64(store.CodeOf(err))
	}
	return m
}

// AsError rebuilds the error carried by a response, nil if there is none.
// The return code survives the round trip, so errors.Is against the store
// sentinels works on the client side.
func (m *Message) AsError() error {
	if m.Err == "" && m.MsgType != MsgTError {
		return nil
	}
	code := store.RetCode(m.Code)
	if code == store.RetCSuccess {
		code = store.RetCInternalError
	}
	return store.NewError(code, fmt.Sprintf("rpc: %s", m.Err))
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewGetRequest creates a new Get request
func NewGetRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVGet,
		Key:     key,
	}
}

// NewGetResponse creates a new Get response
func NewGetResponse(value []byte, ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVGet,
		Ok:      ok,
		Value:   value,
	}
	return msg.setErr(err)
}

// NewContainsRequest creates a new Contains request
func NewContainsRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVContains,
		Key:     key,
	}
}

// NewContainsResponse creates a new Contains response
func NewContainsResponse(ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVContains,
		Ok:      ok,
	}
	return msg.setErr(err)
}

// NewPutRequest creates a new Put request
func NewPutRequest(key string, value []byte) *Message {
	return &Message{
		MsgType: MsgTKVPut,
		Key:     key,
		Value:   value,
	}
}

// NewPutResponse creates a new Put response
func NewPutResponse(err error) *Message {
	msg := &Message{
		MsgType: MsgTKVPut,
	}
	return msg.setErr(err)
}

// NewRemoveRequest creates a new Remove request
func NewRemoveRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVRemove,
		Key:     key,
	}
}

// NewRemoveResponse creates a new Remove response
func NewRemoveResponse(ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVRemove,
		Ok:      ok,
	}
	return msg.setErr(err)
}

// NewPutIfAbsentRequest creates a new PutIfAbsent request
func NewPutIfAbsentRequest(key string, value []byte) *Message {
	return &Message{
		MsgType: MsgTKVPutIfAbsent,
		Key:     key,
		Value:   value,
	}
}

// NewPutIfAbsentResponse creates a new PutIfAbsent response, value is the
// existing mapping if ok is true
func NewPutIfAbsentResponse(existing []byte, ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVPutIfAbsent,
		Ok:      ok,
		Value:   existing,
	}
	return msg.setErr(err)
}

// NewReplaceRequest creates a new Replace request
func NewReplaceRequest(key string, value []byte) *Message {
	return &Message{
		MsgType: MsgTKVReplace,
		Key:     key,
		Value:   value,
	}
}

// NewReplaceResponse creates a new Replace response carrying the previous value
func NewReplaceResponse(previous []byte, ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVReplace,
		Ok:      ok,
		Value:   previous,
	}
	return msg.setErr(err)
}

// NewReplaceIfRequest creates a new ReplaceIf request
func NewReplaceIfRequest(key string, expected, value []byte) *Message {
	return &Message{
		MsgType:  MsgTKVReplaceIf,
		Key:      key,
		Expected: expected,
		Value:    value,
	}
}

// NewReplaceIfResponse creates a new ReplaceIf response
func NewReplaceIfResponse(ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVReplaceIf,
		Ok:      ok,
	}
	return msg.setErr(err)
}

// NewRemoveIfRequest creates a new RemoveIf request
func NewRemoveIfRequest(key string, expected []byte) *Message {
	return &Message{
		MsgType:  MsgTKVRemoveIf,
		Key:      key,
		Expected: expected,
	}
}

// NewRemoveIfResponse creates a new RemoveIf response
func NewRemoveIfResponse(ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVRemoveIf,
		Ok:      ok,
	}
	return msg.setErr(err)
}

// NewSizeRequest creates a new Size request
func NewSizeRequest() *Message {
	return &Message{
		MsgType: MsgTKVSize,
	}
}

// NewSizeResponse creates a new Size response
func NewSizeResponse(size int, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVSize,
		Size:    uint64(size),
	}
	return msg.setErr(err)
}

// NewClearRequest creates a new Clear request
func NewClearRequest() *Message {
	return &Message{
		MsgType: MsgTKVClear,
	}
}

// NewClearResponse creates a new Clear response
func NewClearResponse(err error) *Message {
	msg := &Message{
		MsgType: MsgTKVClear,
	}
	return msg.setErr(err)
}

// NewStatsRequest creates a new Stats request
func NewStatsRequest() *Message {
	return &Message{
		MsgType: MsgTKVStats,
	}
}

// NewStatsResponse creates a new Stats response, the statistics are json
// encoded in Meta
func NewStatsResponse(stats store.Statistics) *Message {
	msg := &Message{
		MsgType: MsgTKVStats,
	}
	b, err := json.Marshal(stats)
	if err != nil {
		return msg.setErr(err)
	}
	msg.Meta = b
	return msg
}

// NewAcquireRequest creates a new Acquire request, timeout in milliseconds
func NewAcquireRequest(key string, timeout uint64) *Message {
	return &Message{
		MsgType: MsgTLCKAcquire,
		Key:     key,
		Timeout: timeout,
	}
}

// NewAcquireResponse creates a new Acquire response, value is the owner id
func NewAcquireResponse(ok bool, value []byte, err error) *Message {
	msg := &Message{
		MsgType: MsgTLCKAcquire,
		Ok:      ok,
		Value:   value,
	}
	return msg.setErr(err)
}

// NewReleaseRequest creates a new Release request
func NewReleaseRequest(key string, ownerId []byte) *Message {
	return &Message{
		MsgType: MsgTLCKRelease,
		Key:     key,
		Value:   ownerId,
	}
}

// NewReleaseResponse creates a new Release response
func NewReleaseResponse(ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTLCKRelease,
		Ok:      ok,
	}
	return msg.setErr(err)
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(code store.RetCode, err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Code:    uint64(code),
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

const (
	MsgTUnknown MessageType = iota
	MsgTSuccess
	MsgTError

	// Store operations
	MsgTKVGet
	MsgTKVContains
	MsgTKVPut
	MsgTKVRemove
	MsgTKVPutIfAbsent
	MsgTKVReplace
	MsgTKVReplaceIf
	MsgTKVRemoveIf
	MsgTKVSize
	MsgTKVClear
	MsgTKVStats

	// Lock operations
	MsgTLCKAcquire
	MsgTLCKRelease
)

var messageTypeNames = map[MessageType]string{
	MsgTSuccess:       "success",
	MsgTError:         "error",
	MsgTKVGet:         "get",
	MsgTKVContains:    "contains",
	MsgTKVPut:         "put",
	MsgTKVRemove:      "remove",
	MsgTKVPutIfAbsent: "putIfAbsent",
	MsgTKVReplace:     "replace",
	MsgTKVReplaceIf:   "replaceIf",
	MsgTKVRemoveIf:    "removeIf",
	MsgTKVSize:        "size",
	MsgTKVClear:       "clear",
	MsgTKVStats:       "stats",
	MsgTLCKAcquire:    "acquire",
	MsgTLCKRelease:    "release",
}

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if s, ok := messageTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	// Convert string back to MessageType
	for mt, name := range messageTypeNames {
		if name == s {
			*t = mt
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}
