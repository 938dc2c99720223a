// Package config loads a node's on-disk configuration, per SPEC_FULL.md §6
// "Persisted state": a keystore path, a config file, the routing/address/COB
// SQL databases, the git object database, and a control socket path, all
// rooted under one node home directory. Grounded on the teacher's
// pkg/config (viper-backed, mapstructure tags, env override) generalized
// from a blockchain-node config shape to this node's shape, and on
// pkg/utils for env-var fallback helpers.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/hwmesh/hw/pkg/utils"
	"github.com/hwmesh/hw/policy"
)

// Network carries the wire-level identity of the node's network, per §6
// "every peer-to-peer frame carries a 4-byte network magic".
type Network struct {
	Magic          uint32   `mapstructure:"magic" json:"magic"`
	ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
	BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	Alias          string   `mapstructure:"alias" json:"alias"`
}

// Limits mirrors fetch.Limit and the routing table's size and age bounds,
// kept as plain config fields so callers don't need to import fetch just to
// configure it.
type Limits struct {
	MaxFetchBytes int64 `mapstructure:"max_fetch_bytes" json:"max_fetch_bytes"`
	MaxFetchRefs  int   `mapstructure:"max_fetch_refs" json:"max_fetch_refs"`
	RoutingMax    int   `mapstructure:"routing_max" json:"routing_max"`
	RoutingMaxAge int   `mapstructure:"routing_max_age_secs" json:"routing_max_age_secs"`
}

// SeedingDefaults mirrors policy.Store's constructor arguments for the
// default repo/node disposition, per §3 "Default policy and default scope
// apply when no explicit entry exists".
type SeedingDefaults struct {
	AllowByDefault     bool   `mapstructure:"allow_by_default" json:"allow_by_default"`
	DefaultScope       string `mapstructure:"default_scope" json:"default_scope"` // "followed" | "all"
	AllowNodesByDefault bool  `mapstructure:"allow_nodes_by_default" json:"allow_nodes_by_default"`
}

// Scope parses DefaultScope into a policy.Scope, defaulting to Followed on
// an unrecognised or empty value.
func (s SeedingDefaults) Scope() policy.Scope {
	if s.DefaultScope == "all" {
		return policy.All
	}
	return policy.Followed
}

// Config is a node's full on-disk configuration.
type Config struct {
	Home    string  `mapstructure:"home" json:"home"`
	Network Network `mapstructure:"network" json:"network"`
	Limits  Limits  `mapstructure:"limits" json:"limits"`
	Seeding SeedingDefaults `mapstructure:"seeding" json:"seeding"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// KeystorePath is the keystore file under Home, per §6 "a keystore file"
// (keystore encryption itself is out of scope per §1; this package only
// names the path the core's Signer boundary is wired up against).
func (c Config) KeystorePath() string { return filepath.Join(c.Home, "keystore.json") }

// RoutingDBPath is the routing SQL database under Home.
func (c Config) RoutingDBPath() string { return filepath.Join(c.Home, "routing.db") }

// AddressDBPath is the address SQL database under Home.
func (c Config) AddressDBPath() string { return filepath.Join(c.Home, "addresses.db") }

// GitObjectDir is the git object database directory acting as storage.
func (c Config) GitObjectDir() string { return filepath.Join(c.Home, "storage") }

// ControlSocketPath is the node's control socket, per §6 "Control socket
// lives at a known path".
func (c Config) ControlSocketPath() string { return filepath.Join(c.Home, "control.sock") }

// defaults seeds every field viper should fall back to when a config file
// and the environment are both silent.
func defaults() Config {
	var c Config
	c.Home = utils.EnvOrDefault("HWNODE_HOME", filepath.Join("$HOME", ".hwnode"))
	c.Network.Magic = uint32(utils.EnvOrDefaultUint64("HWNODE_NETWORK_MAGIC", 0x48574d31)) // "HWM1"
	c.Network.ListenAddr = utils.EnvOrDefault("HWNODE_LISTEN_ADDR", "0.0.0.0:8776")
	c.Limits.MaxFetchBytes = int64(utils.EnvOrDefaultUint64("HWNODE_MAX_FETCH_BYTES", 1<<30))
	c.Limits.MaxFetchRefs = utils.EnvOrDefaultInt("HWNODE_MAX_FETCH_REFS", 100_000)
	c.Limits.RoutingMax = utils.EnvOrDefaultInt("HWNODE_ROUTING_MAX", 10_000)
	c.Limits.RoutingMaxAge = utils.EnvOrDefaultInt("HWNODE_ROUTING_MAX_AGE_SECS", 7*24*3600)
	c.Seeding.AllowByDefault = false
	c.Seeding.DefaultScope = "followed"
	c.Seeding.AllowNodesByDefault = false
	c.Logging.Level = utils.EnvOrDefault("HWNODE_LOG_LEVEL", "info")
	return c
}

// Load reads a node's configuration from configPath (a YAML file) layered
// over built-in defaults and environment overrides, mirroring the teacher's
// pkg/config.Load merge order (defaults → file → env).
func Load(configPath string) (*Config, error) {
	// godotenv.Load is a no-op (returns an error we deliberately ignore) when
	// no .env file is present; local dev overrides live there, per the
	// teacher's deployment convention.
	_ = godotenv.Load()

	cfg := defaults()

	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}
	v.SetEnvPrefix("HWNODE")
	v.AutomaticEnv()
	// Bind each key to the variable defaults() reads, so a set environment
	// value also overrides the file for nested keys.
	for key, env := range map[string]string{
		"home":                        "HWNODE_HOME",
		"network.magic":               "HWNODE_NETWORK_MAGIC",
		"network.listen_addr":         "HWNODE_LISTEN_ADDR",
		"limits.max_fetch_bytes":      "HWNODE_MAX_FETCH_BYTES",
		"limits.max_fetch_refs":       "HWNODE_MAX_FETCH_REFS",
		"limits.routing_max":          "HWNODE_ROUTING_MAX",
		"limits.routing_max_age_secs": "HWNODE_ROUTING_MAX_AGE_SECS",
		"logging.level":               "HWNODE_LOG_LEVEL",
	} {
		_ = v.BindEnv(key, env)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
