// Package config provides configuration loading for the fetch engine using
// Viper. Configuration is loaded from YAML files with automatic environment
// variable binding.
//
// Environment variables use the FETCHCORE_ prefix and underscore-separated
// keys:
//   - FETCHCORE_TASKS_BUCKETS    -> tasks.buckets
//   - FETCHCORE_FETCH_LIFETIME   -> fetch.lifetime
//   - FETCHCORE_FORWARD_SERVERS  -> forward.servers (comma-separated)
package config

import (
	"strconv"
	"strings"
	"time"
)

// BucketsMode specifies how the resolver's bucket count is determined.
type BucketsMode int

const (
	// BucketsAuto sizes the bucket table from the available CPU count.
	BucketsAuto BucketsMode = iota
	// BucketsFixed uses an operator-specified bucket count.
	BucketsFixed
)

// BucketsSetting is the parsed form of tasks.buckets.
type BucketsSetting struct {
	Mode  BucketsMode
	Value int
}

// String returns "auto" or the fixed bucket count.
func (b BucketsSetting) String() string {
	if b.Mode == BucketsAuto {
		return "auto"
	}
	return strconv.Itoa(b.Value)
}

// ForwardPolicy controls whether the resolver recurses itself or defers to
// configured forwarders (spec §4.2 fctx_try, §9 design notes).
type ForwardPolicy string

const (
	// ForwardPolicyNone ignores Forward.Servers; every fetch resolves
	// iteratively from the root/hints.
	ForwardPolicyNone ForwardPolicy = "none"
	// ForwardPolicyFirst tries forwarders before falling back to iterative
	// resolution on failure.
	ForwardPolicyFirst ForwardPolicy = "first"
	// ForwardPolicyOnly never falls back; a forwarder failure fails the fetch.
	ForwardPolicyOnly ForwardPolicy = "only"
)

// TasksConfig sizes the resolver's hash-bucketed concurrency (spec §5
// "Bucket" component, 5% of budget).
type TasksConfig struct {
	BucketsRaw string         `yaml:"buckets" mapstructure:"buckets"`
	Buckets    BucketsSetting `yaml:"-"       mapstructure:"-"`
}

// FetchConfig holds the per-fetch timing and retry policy shared by every
// FetchContext (spec §3 FetchContext, §4.2 fctx_query/fctx_timeout).
type FetchConfig struct {
	LifetimeRaw          string        `yaml:"lifetime"               mapstructure:"lifetime"`
	Lifetime             time.Duration `yaml:"-"                      mapstructure:"-"`
	BaseRetryIntervalRaw string        `yaml:"base_retry_interval"    mapstructure:"base_retry_interval"`
	BaseRetryInterval    time.Duration `yaml:"-"                      mapstructure:"-"`
	MaxRetryIntervalRaw  string        `yaml:"max_retry_interval"     mapstructure:"max_retry_interval"`
	MaxRetryInterval     time.Duration `yaml:"-"                      mapstructure:"-"`
	MaxRestarts          int           `yaml:"max_restarts"           mapstructure:"max_restarts"`
	EDNSUDPPayloadSize   int           `yaml:"edns_udp_payload_size"  mapstructure:"edns_udp_payload_size"`
	UDPTimeoutRaw        string        `yaml:"udp_timeout"            mapstructure:"udp_timeout"`
	UDPTimeout           time.Duration `yaml:"-"                      mapstructure:"-"`
	TCPTimeoutRaw        string        `yaml:"tcp_timeout"            mapstructure:"tcp_timeout"`
	TCPTimeout           time.Duration `yaml:"-"                      mapstructure:"-"`
}

// ForwardConfig controls forwarder-vs-iterative resolution (spec §4.1
// set_forwarders, §9 Open Question on forwarder RTT bookkeeping).
type ForwardConfig struct {
	Servers []string      `yaml:"servers" mapstructure:"servers"`
	Policy  ForwardPolicy `yaml:"policy"  mapstructure:"policy"`
}

// ADBConfig configures the address-database collaborator's bookkeeping
// lifetimes (spec §6 "address database (ADB)").
type ADBConfig struct {
	LamenessTTLRaw string        `yaml:"lameness_ttl" mapstructure:"lameness_ttl"`
	LamenessTTL    time.Duration `yaml:"-"            mapstructure:"-"`
}

// CacheConfig bounds the cache database collaborator (spec §6 "cache
// database (cache DB)").
type CacheConfig struct {
	MaxRRSets     int `yaml:"max_rrsets"      mapstructure:"max_rrsets"`
	MaxADBEntries int `yaml:"max_adb_entries" mapstructure:"max_adb_entries"`
}

// LoggingConfig holds the log level and output format loaded from the Viper
// tree. It does not share internal/logging.Config's shape: that type selects
// its format through Structured and StructuredFormat and is built by
// logging.Configure.
type LoggingConfig struct {
	Level  string `yaml:"level"  mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Config is the root configuration structure for the fetch engine.
type Config struct {
	Tasks   TasksConfig   `yaml:"tasks"   mapstructure:"tasks"`
	Fetch   FetchConfig   `yaml:"fetch"   mapstructure:"fetch"`
	Forward ForwardConfig `yaml:"forward" mapstructure:"forward"`
	ADB     ADBConfig     `yaml:"adb"     mapstructure:"adb"`
	Cache   CacheConfig   `yaml:"cache"   mapstructure:"cache"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// Load loads configuration from a YAML file with environment variable
// overrides. Pass an empty path to load defaults plus environment only.
//
// Priority (highest to lowest): environment variables (FETCHCORE_*), config
// file values, hardcoded defaults.
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}
