package server

import (
	"fmt"

	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/rpc/common"
)

func NewIStoreServerAdapter(s store.IStore) IRPCServerAdapter {
	return &iStoreServerAdapterImpl{store: s}
}

type iStoreServerAdapterImpl struct {
	store store.IStore
}

func (adapter *iStoreServerAdapterImpl) Handle(req *common.Message) *common.Message {
	s := adapter.store
	if s == nil {
		return common.NewErrorResponse(store.RetCInternalError, "handler: store is nil")
	}

	switch req.MsgType {
	case common.MsgTKVGet:
		val, ok, err := s.Get(req.Key)
		return common.NewGetResponse(val, ok, err)
	case common.MsgTKVContains:
		ok, err := s.ContainsKey(req.Key)
		return common.NewContainsResponse(ok, err)
	case common.MsgTKVPut:
		err := s.Put(req.Key, req.Value)
		return common.NewPutResponse(err)
	case common.MsgTKVRemove:
		ok, err := s.Remove(req.Key)
		return common.NewRemoveResponse(ok, err)
	case common.MsgTKVPutIfAbsent:
		existing, ok, err := s.PutIfAbsent(req.Key, req.Value)
		return common.NewPutIfAbsentResponse(existing, ok, err)
	case common.MsgTKVReplace:
		previous, ok, err := s.Replace(req.Key, req.Value)
		return common.NewReplaceResponse(previous, ok, err)
	case common.MsgTKVReplaceIf:
		ok, err := s.ReplaceIf(req.Key, req.Expected, req.Value)
		return common.NewReplaceIfResponse(ok, err)
	case common.MsgTKVRemoveIf:
		ok, err := s.RemoveIf(req.Key, req.Expected)
		return common.NewRemoveIfResponse(ok, err)
	case common.MsgTKVSize:
		size, err := s.Size()
		return common.NewSizeResponse(size, err)
	case common.MsgTKVClear:
		err := s.Clear()
		return common.NewClearResponse(err)
	case common.MsgTKVStats:
		return common.NewStatsResponse(s.Statistics())
	default:
		return common.NewErrorResponse(
			store.RetCUnsupportedOperation,
			fmt.Sprintf("RPC IStoreAdapter - Unsupported message type: %s", req.MsgType),
		)
	}
}
