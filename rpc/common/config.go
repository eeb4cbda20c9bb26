package common

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

type ServerShardType string

const (
	ShardTypeStore       ServerShardType = "store"
	ShardTypeLockManager ServerShardType = "lock manager"
)

// ParseShardType converts the textual shard type used on the command line
func ParseShardType(s string) (ServerShardType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "store", "s":
		return ShardTypeStore, nil
	case "lock", "lockmgr", "l":
		return ShardTypeLockManager, nil
	default:
		return "", fmt.Errorf("invalid shard type %q, must be one of store, lock", s)
	}
}

type ServerShard struct {
	// ShardID is the ID of the shard
	ShardID uint64
	// Type decides which adapter serves the shard
	Type ServerShardType
}

// ServerConfig holds all configuration parameters of a tKV server. Every
// shard is backed by its own tiered store, all stores share the pool sizes
// and the expiry settings.
type ServerConfig struct {
	Shards []ServerShard

	// Storage
	DataDir     string
	Persistent  bool
	Journal     bool
	SyncWrites  bool
	Compression string

	// Resource pools (per shard)
	HeapEntries int
	DiskBytes   int64

	// Expiry (0 = disabled, at most one of both)
	TimeToLive time.Duration
	TimeToIdle time.Duration

	// Invalidation retries of the tiered store (0 = default)
	MaxInvalidationRetries int

	// HTTP api settings
	Endpoint string

	// Logging configuration
	LogLevel string
}

// ShardAlias returns the store alias of a shard, persistent stores find their
// data again by this name
func ShardAlias(shardId uint64) string {
	return fmt.Sprintf("shard-%d", shardId)
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Endpoint)

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Storage
	addSection("Storage")
	addField("Data Directory", c.DataDir)
	addField("Persistent", strconv.FormatBool(c.Persistent))
	addField("Journal", strconv.FormatBool(c.Journal))
	addField("Sync Writes", strconv.FormatBool(c.SyncWrites))
	addField("Compression", c.Compression)

	// Tiers
	addSection("Tiers")
	addField("Heap Entries", strconv.Itoa(c.HeapEntries))
	addField("Disk Bytes", strconv.FormatInt(c.DiskBytes, 10))
	switch {
	case c.TimeToLive > 0:
		addField("Expiry", fmt.Sprintf("time to live %s", c.TimeToLive))
	case c.TimeToIdle > 0:
		addField("Expiry", fmt.Sprintf("time to idle %s", c.TimeToIdle))
	default:
		addField("Expiry", "none")
	}
	addField("Invalidation Retries", strconv.Itoa(c.MaxInvalidationRetries))

	// Shards
	addSection("Shards")
	for _, shard := range c.Shards {
		addField(strconv.FormatUint(shard.ShardID, 10), string(shard.Type))
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoints              []string
	TimeoutSecond          int
	RetryCount             int
	ConnectionsPerEndpoint int
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.ConnectionsPerEndpoint)))))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
