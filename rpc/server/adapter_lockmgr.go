package server

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/tKV/lib/lockmgr"
	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/rpc/common"
)

func NewLockManagerServerAdapter(s store.IStore) IRPCServerAdapter {
	return &lockMgrServerAdapter{locks: lockmgr.NewLockManager(s)}
}

type lockMgrServerAdapter struct {
	locks lockmgr.ILockManager
}

func (adapter *lockMgrServerAdapter) Handle(req *common.Message) (resp *common.Message) {
	switch req.MsgType {
	case common.MsgTLCKAcquire:
		ok, ownerID, err := adapter.locks.AcquireLock(req.Key, time.Duration(req.Timeout)*time.Millisecond)
		return common.NewAcquireResponse(ok, ownerID, err)
	case common.MsgTLCKRelease:
		ok, err := adapter.locks.ReleaseLock(req.Key, req.Value)
		return common.NewReleaseResponse(ok, err)
	default:
		return common.NewErrorResponse(
			store.RetCUnsupportedOperation,
			fmt.Sprintf("RPC LockManagerAdapter - Unsupported message type: %s", req.MsgType),
		)
	}
}
