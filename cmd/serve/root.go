package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/tKV/cmd/util"
	"github.com/ValentinKolb/tKV/rpc/common"
	"github.com/ValentinKolb/tKV/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the tKV server",
		Long:    `Start the tKV server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is TKV_<flag> (e.g. TKV_HEAP_ENTRIES=5000)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	key := "shards"
	ServeCmd.PersistentFlags().String(key, "100=store,200=lock", cmdUtil.WrapString("Comma-separated list of shards to serve. Format: ID=TYPE where TYPE is one of: store, lock"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Directory of the persistence spaces. Without a directory all data is kept in memory"))

	key = "persistent"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Keep the data of all shards across restarts (requires --data-dir)"))

	key = "journal"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Journal every mutation, so a crash loses no acknowledged write (persistent shards only)"))

	key = "sync-writes"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Fsync the journal after every record"))

	key = "compression"
	ServeCmd.PersistentFlags().String(key, "zstd", cmdUtil.WrapString("Codec of the snapshot files (none, zstd, lz4)"))

	key = "heap-entries"
	ServeCmd.PersistentFlags().Int(key, 1000, cmdUtil.WrapString("Capacity of the caching tier of every shard in entries"))

	key = "disk-bytes"
	ServeCmd.PersistentFlags().Int64(key, 64<<20, cmdUtil.WrapString("Capacity of the authoritative tier of every shard in bytes"))

	key = "ttl"
	ServeCmd.PersistentFlags().Duration(key, 0, cmdUtil.WrapString("Time to live of every entry (0 = disabled)"))

	key = "tti"
	ServeCmd.PersistentFlags().Duration(key, 0, cmdUtil.WrapString("Time to idle of every entry (0 = disabled, exclusive with --ttl)"))

	key = "invalidation-retries"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Retries of a failed cache invalidation before the key is dropped from the cache (0 = default)"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the API will listen"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	shards, err := parseShards(viper.GetString("shards"))
	if err != nil {
		return err
	}

	serveCmdConfig.Shards = shards
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.Persistent = viper.GetBool("persistent")
	serveCmdConfig.Journal = viper.GetBool("journal")
	serveCmdConfig.SyncWrites = viper.GetBool("sync-writes")
	serveCmdConfig.Compression = viper.GetString("compression")
	serveCmdConfig.HeapEntries = viper.GetInt("heap-entries")
	serveCmdConfig.DiskBytes = viper.GetInt64("disk-bytes")
	serveCmdConfig.TimeToLive = viper.GetDuration("ttl")
	serveCmdConfig.TimeToIdle = viper.GetDuration("tti")
	serveCmdConfig.MaxInvalidationRetries = viper.GetInt("invalidation-retries")
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	return nil
}

// parseShards parses the ID=TYPE list of the shards flag
func parseShards(spec string) ([]common.ServerShard, error) {
	var shards []common.ServerShard
	for _, shardConfig := range strings.Split(spec, ",") {
		if strings.TrimSpace(shardConfig) == "" {
			continue
		}
		parts := strings.Split(shardConfig, "=")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid shard format: %s (expected ID=TYPE)", shardConfig)
		}

		shardID, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid shard ID %s: %v", parts[0], err)
		}
		shardType, err := common.ParseShardType(parts[1])
		if err != nil {
			return nil, err
		}

		shards = append(shards, common.ServerShard{
			ShardID: shardID,
			Type:    shardType,
		})
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("no shards configured")
	}
	return shards, nil
}

// run starts the tKV server and stops it on SIGINT / SIGTERM
func run(_ *cobra.Command, _ []string) error {
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	t, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}

	serv := server.NewRPCServer(*serveCmdConfig, t, s)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := serv.Shutdown(shutdownCtx); err != nil {
			server.Logger.Errorf("shutdown failed: %v", err)
		}
	}()

	return serv.Serve()
}
