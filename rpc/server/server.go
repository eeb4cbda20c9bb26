package server

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/ValentinKolb/tKV/lib/persistence"
	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/lib/store/provider"
	"github.com/ValentinKolb/tKV/lib/store/tiered"
	"github.com/ValentinKolb/tKV/lib/tier"
	"github.com/ValentinKolb/tKV/lib/tier/disk"
	"github.com/ValentinKolb/tKV/rpc/common"
	"github.com/ValentinKolb/tKV/rpc/serializer"
	"github.com/ValentinKolb/tKV/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

var Logger = logger.GetLogger("rpc")

// serverShard is a struct that represents a shard in the RPC server
// It contains the store backing the shard and the adapter that handles
// requests for it
type serverShard struct {
	Store   *tiered.Store
	Adapter IRPCServerAdapter
}

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		http.NewHttpServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())

	return &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		shards:     xsync.NewMapOf[uint64, serverShard](),
	}
}

// RPCServer hosts one tiered store per configured shard and serves them over
// the transport.
type RPCServer struct {
	config      common.ServerConfig
	transport   transport.IRPCServerTransport
	serializer  serializer.IRPCSerializer
	shards      *xsync.MapOf[uint64, serverShard]
	persistence *persistence.Service
	provider    *provider.Provider
}

func (s *RPCServer) registerTransportHandler() {
	s.transport.RegisterHandler(func(shardId uint64, req []byte) []byte {
		var msg common.Message
		var respMsg *common.Message

		shard, ok := s.shards.Load(shardId)

		if !ok {
			respMsg = common.NewErrorResponse(store.RetCInvalidOperation, fmt.Sprintf("shard %d not found", shardId))
		} else if err := s.serializer.Deserialize(req, &msg); err != nil {
			respMsg = common.NewErrorResponse(store.RetCInvalidOperation, fmt.Sprintf("failed to deserialize request: %s", err))
		} else {
			respMsg = shard.Adapter.Handle(&msg)
		}

		val, err := s.serializer.Serialize(*respMsg)
		if err != nil {
			Logger.Errorf("failed to serialize response: %v", err)
			val, _ = s.serializer.Serialize(*common.NewErrorResponse(
				store.RetCInternalError,
				fmt.Sprintf("failed to serialize response: %s", err),
			))
		}
		return val
	})

	s.transport.RegisterMetrics(s.writeMetrics)
}

// writeMetrics writes the metrics of all shards and of the process
func (s *RPCServer) writeMetrics(w io.Writer) {
	s.shards.Range(func(_ uint64, shard serverShard) bool {
		shard.Store.WritePrometheus(w)
		return true
	})
	metrics.WriteProcessMetrics(w)
}

// storeConfig translates the server settings into the config of one shard
func (s *RPCServer) storeConfig(shardId uint64) (*provider.Config, error) {
	cfg := provider.DefaultConfig(common.ShardAlias(shardId))

	if s.config.HeapEntries > 0 {
		cfg.Pools.HeapEntries = s.config.HeapEntries
	}
	if s.config.DiskBytes > 0 {
		cfg.Pools.DiskBytes = s.config.DiskBytes
	}

	switch {
	case s.config.TimeToLive > 0 && s.config.TimeToIdle > 0:
		return nil, store.NewError(store.RetCInvalidOperation, "time to live and time to idle are mutually exclusive")
	case s.config.TimeToLive > 0:
		cfg.Expiry = tier.TimeToLive(s.config.TimeToLive)
	case s.config.TimeToIdle > 0:
		cfg.Expiry = tier.TimeToIdle(s.config.TimeToIdle)
	}

	compression, err := disk.ParseCompression(s.config.Compression)
	if err != nil {
		return nil, store.WrapError(store.RetCInvalidOperation, "invalid compression", err)
	}
	cfg.Compression = compression
	cfg.Persistent = s.config.Persistent
	cfg.Journal = s.config.Journal
	cfg.SyncWrites = s.config.SyncWrites
	cfg.MaxInvalidationRetries = s.config.MaxInvalidationRetries

	return cfg, nil
}

// Init creates the persistence service and a store for every shard and
// registers the handlers at the transport. Without a data directory all data
// is kept in memory.
func (s *RPCServer) Init() error {
	if err := common.InitLoggers(s.config.LogLevel); err != nil {
		return err
	}

	var fs afero.Fs
	root := s.config.DataDir
	if root == "" {
		if s.config.Persistent {
			return store.NewError(store.RetCInvalidOperation, "persistent shards need a data directory")
		}
		fs, root = afero.NewMemMapFs(), "/tkv"
	} else {
		fs = afero.NewOsFs()
	}

	s.persistence = persistence.NewService(fs, root)
	if err := s.persistence.Init(); err != nil {
		return fmt.Errorf("failed to init persistence: %w", err)
	}
	s.provider = provider.New(s.persistence)

	/*
		Note: every shard is backed by its own tiered store. The shard type only
		decides which adapter serves the requests of the shard.
	*/

	for _, shardConfig := range s.config.Shards {
		if _, exists := s.shards.Load(shardConfig.ShardID); exists {
			return multierr.Append(
				store.NewError(store.RetCInvalidOperation, fmt.Sprintf("duplicate shard %d", shardConfig.ShardID)),
				s.close(),
			)
		}

		cfg, err := s.storeConfig(shardConfig.ShardID)
		if err != nil {
			return multierr.Append(err, s.close())
		}
		st, err := s.provider.CreateStore(cfg)
		if err != nil {
			return multierr.Append(fmt.Errorf("failed to create store for shard %d: %w", shardConfig.ShardID, err), s.close())
		}

		var adapter IRPCServerAdapter
		switch shardConfig.Type {
		case common.ShardTypeStore:
			adapter = NewIStoreServerAdapter(st)
		case common.ShardTypeLockManager:
			adapter = NewLockManagerServerAdapter(st)
		default:
			return multierr.Append(fmt.Errorf("invalid shard type: %s", shardConfig.Type), s.close())
		}

		s.shards.Store(shardConfig.ShardID, serverShard{Store: st, Adapter: adapter})
		Logger.Infof("created %s for shard %d", shardConfig.Type, shardConfig.ShardID)
	}

	Logger.Infof("tKV setup completed successfully")

	s.registerTransportHandler()
	return nil
}

// Serve initializes the server and starts the transport layer. It blocks until
// the transport is shut down and releases all stores afterwards.
func (s *RPCServer) Serve() error {
	if err := s.Init(); err != nil {
		return err
	}
	err := s.transport.Listen(s.config)
	return multierr.Append(err, s.close())
}

// Shutdown stops the transport, Serve returns once all stores are closed.
func (s *RPCServer) Shutdown(ctx context.Context) error {
	return s.transport.Shutdown(ctx)
}

// Close releases all stores without touching the transport. It is used when
// the transport is driven by someone else.
func (s *RPCServer) Close() error {
	return s.close()
}

func (s *RPCServer) close() error {
	var errs error
	if s.provider != nil {
		errs = multierr.Append(errs, s.provider.Close())
	}
	if s.persistence != nil {
		errs = multierr.Append(errs, s.persistence.Close())
	}
	s.shards.Clear()
	return errs
}
