package client

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/rpc/common"
	"github.com/ValentinKolb/tKV/rpc/serializer"
	"github.com/ValentinKolb/tKV/rpc/transport"
	"go.uber.org/multierr"
)

// NewRPCStore creates a new RPC store
// The function takes a shard ID, a config, a transport and a serializer as parameters
// It returns a store.IStore and an error
func NewRPCStore(
	shardId uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (store.IStore, error) {

	if err := transport.Connect(config); err != nil {
		return nil, err
	}

	s := rpcStore{
		rpcClientAdapter{
			shardId:    shardId,
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
	}

	return &s, nil
}

// rpcStore forwards every operation to a store shard of a tKV server.
//
// Compute functions cannot travel over the wire. Compute and its variants run
// them on the client and apply the result with the conditional operations of
// the server (PutIfAbsent, ReplaceIf, RemoveIf), retrying when the value
// changed in between. fn may therefore be called more than once.
type rpcStore struct {
	rpcClientAdapter
}

// --------------------------------------------------------------------------
// Interface Methods (docu see the store package in interface.go)
// --------------------------------------------------------------------------

func (i *rpcStore) Get(key string) (value []byte, loaded bool, err error) {
	resp, err := i.invoke(common.NewGetRequest(key))
	if err != nil {
		return nil, false, err
	}
	if resp.Ok && resp.Value == nil {
		resp.Value = []byte{}
	}
	return resp.Value, resp.Ok, nil
}

func (i *rpcStore) ContainsKey(key string) (loaded bool, err error) {
	resp, err := i.invoke(common.NewContainsRequest(key))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (i *rpcStore) Put(key string, value []byte) (err error) {
	_, err = i.invoke(common.NewPutRequest(key, value))
	return err
}

func (i *rpcStore) Remove(key string) (removed bool, err error) {
	resp, err := i.invoke(common.NewRemoveRequest(key))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (i *rpcStore) PutIfAbsent(key string, value []byte) (existing []byte, loaded bool, err error) {
	resp, err := i.invoke(common.NewPutIfAbsentRequest(key, value))
	if err != nil {
		return nil, false, err
	}
	if resp.Ok && resp.Value == nil {
		resp.Value = []byte{}
	}
	return resp.Value, resp.Ok, nil
}

func (i *rpcStore) Replace(key string, value []byte) (previous []byte, replaced bool, err error) {
	resp, err := i.invoke(common.NewReplaceRequest(key, value))
	if err != nil {
		return nil, false, err
	}
	if resp.Ok && resp.Value == nil {
		resp.Value = []byte{}
	}
	return resp.Value, resp.Ok, nil
}

func (i *rpcStore) ReplaceIf(key string, expected, value []byte) (replaced bool, err error) {
	resp, err := i.invoke(common.NewReplaceIfRequest(key, expected, value))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (i *rpcStore) RemoveIf(key string, expected []byte) (removed bool, err error) {
	resp, err := i.invoke(common.NewRemoveIfRequest(key, expected))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (i *rpcStore) Compute(key string, fn store.ComputeFunc) ([]byte, bool, error) {
	return i.compute(key, fn, false)
}

func (i *rpcStore) ComputeIfPresent(key string, fn store.ComputeFunc) ([]byte, bool, error) {
	return i.compute(key, fn, true)
}

func (i *rpcStore) ComputeIfAbsent(key string, fn store.LoadFunc) ([]byte, bool, error) {
	current, loaded, err := i.Get(key)
	if err != nil || loaded {
		return current, loaded, err
	}

	value, err := fn(key)
	if err != nil {
		return nil, false, err
	}
	if value == nil {
		return nil, false, nil
	}

	existing, loaded, err := i.PutIfAbsent(key, value)
	if err != nil {
		return nil, false, err
	}
	if loaded {
		return existing, true, nil
	}
	return value, true, nil
}

func (i *rpcStore) GetAll(keys []string) (map[string][]byte, error) {
	values := make(map[string][]byte, len(keys))
	var errs error
	for _, key := range keys {
		v, ok, err := i.Get(key)
		if err != nil {
			errs = multierr.Append(errs, keyError(key, err))
			continue
		}
		if ok {
			values[key] = v
		}
	}
	return values, errs
}

func (i *rpcStore) PutAll(entries map[string][]byte) error {
	var errs error
	for key, value := range entries {
		if err := i.Put(key, value); err != nil {
			errs = multierr.Append(errs, keyError(key, err))
		}
	}
	return errs
}

func (i *rpcStore) RemoveAll(keys []string) error {
	var errs error
	for _, key := range keys {
		if _, err := i.Remove(key); err != nil {
			errs = multierr.Append(errs, keyError(key, err))
		}
	}
	return errs
}

func (i *rpcStore) BulkCompute(keys []string, fn store.ComputeFunc) (map[string][]byte, error) {
	values := make(map[string][]byte, len(keys))
	var errs error
	for _, key := range keys {
		v, ok, err := i.Compute(key, fn)
		if err != nil {
			errs = multierr.Append(errs, keyError(key, err))
			continue
		}
		if ok {
			values[key] = v
		}
	}
	return values, errs
}

func (i *rpcStore) BulkComputeIfAbsent(keys []string, fn store.LoadFunc) (map[string][]byte, error) {
	values := make(map[string][]byte, len(keys))
	var errs error
	for _, key := range keys {
		v, ok, err := i.ComputeIfAbsent(key, fn)
		if err != nil {
			errs = multierr.Append(errs, keyError(key, err))
			continue
		}
		if ok {
			values[key] = v
		}
	}
	return values, errs
}

// Iterate is not implemented for rpc
func (i *rpcStore) Iterate(func(key string, value []byte) bool) error {
	return store.NewError(store.RetCUnsupportedOperation, "the Iterate() method is not implemented in the rpc client adapter")
}

func (i *rpcStore) Clear() error {
	_, err := i.invoke(common.NewClearRequest())
	return err
}

func (i *rpcStore) Size() (int, error) {
	resp, err := i.invoke(common.NewSizeRequest())
	if err != nil {
		return 0, err
	}
	return int(resp.Size), nil
}

// Init is a no-op, the remote store is initialized by its server
func (i *rpcStore) Init() error {
	return nil
}

// Close closes the transport of the client, the remote store stays open
func (i *rpcStore) Close() error {
	return i.transport.Close()
}

// Statistics returns the counters of the remote store, zero values if they
// could not be fetched
func (i *rpcStore) Statistics() store.Statistics {
	var stats store.Statistics
	resp, err := i.invoke(common.NewStatsRequest())
	if err != nil {
		Logger.Warningf("failed to fetch statistics of shard %d: %v", i.shardId, err)
		return stats
	}
	if err := json.Unmarshal(resp.Meta, &stats); err != nil {
		Logger.Warningf("failed to decode statistics of shard %d: %v", i.shardId, err)
	}
	return stats
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// compute runs fn on the current value and applies the result if the value
// did not change in between
func (i *rpcStore) compute(key string, fn store.ComputeFunc, onlyIfPresent bool) ([]byte, bool, error) {
	for {
		current, loaded, err := i.Get(key)
		if err != nil {
			return nil, false, err
		}
		if !loaded && onlyIfPresent {
			return nil, false, nil
		}

		value, op, err := fn(key, current, loaded)
		if err != nil {
			return nil, false, err
		}

		var applied bool
		switch op {
		case store.OpKeep:
			return current, loaded, nil
		case store.OpWrite:
			if value == nil {
				value = []byte{}
			}
			if loaded {
				applied, err = i.ReplaceIf(key, current, value)
			} else {
				_, exists, perr := i.PutIfAbsent(key, value)
				applied, err = !exists, perr
			}
			if err == nil && applied {
				return value, true, nil
			}
		case store.OpRemove:
			if !loaded {
				return nil, false, nil
			}
			applied, err = i.RemoveIf(key, current)
			if err == nil && applied {
				return nil, false, nil
			}
		default:
			return nil, false, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("unknown compute op %d", op))
		}

		if err != nil {
			return nil, false, err
		}
		// value changed concurrently, try again
	}
}

func keyError(key string, err error) error {
	return fmt.Errorf("key %q: %w", key, err)
}
