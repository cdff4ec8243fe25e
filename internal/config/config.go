// Package config provides configuration loading and validation for the
// fetch engine.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Environment variables (FETCHCORE_* prefix)
//  2. YAML config file (if a path is given to Load)
//  3. Hardcoded defaults
//
// All configuration is validated during Load() to ensure correctness early.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FETCHCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures every default named in SPEC_FULL.md §10.2.
func setDefaults(v *viper.Viper) {
	v.SetDefault("tasks.buckets", "auto")

	v.SetDefault("fetch.lifetime", "90s")
	v.SetDefault("fetch.base_retry_interval", "2s")
	v.SetDefault("fetch.max_retry_interval", "30s")
	v.SetDefault("fetch.max_restarts", 10)
	v.SetDefault("fetch.edns_udp_payload_size", 2048)
	v.SetDefault("fetch.udp_timeout", "2s")
	v.SetDefault("fetch.tcp_timeout", "5s")

	v.SetDefault("forward.servers", []string{})
	v.SetDefault("forward.policy", "none")

	v.SetDefault("adb.lameness_ttl", "600s")

	v.SetDefault("cache.max_rrsets", 500000)
	v.SetDefault("cache.max_adb_entries", 100000)

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "json")
}

func loadFromSource(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	loadTasksConfig(v, cfg)
	loadFetchConfig(v, cfg)
	loadForwardConfig(v, cfg)
	loadADBConfig(v, cfg)
	loadCacheConfig(v, cfg)
	loadLoggingConfig(v, cfg)

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadTasksConfig(v *viper.Viper, cfg *Config) {
	cfg.Tasks.BucketsRaw = v.GetString("tasks.buckets")
}

func loadFetchConfig(v *viper.Viper, cfg *Config) {
	cfg.Fetch.LifetimeRaw = v.GetString("fetch.lifetime")
	cfg.Fetch.BaseRetryIntervalRaw = v.GetString("fetch.base_retry_interval")
	cfg.Fetch.MaxRetryIntervalRaw = v.GetString("fetch.max_retry_interval")
	cfg.Fetch.MaxRestarts = v.GetInt("fetch.max_restarts")
	cfg.Fetch.EDNSUDPPayloadSize = v.GetInt("fetch.edns_udp_payload_size")
	cfg.Fetch.UDPTimeoutRaw = v.GetString("fetch.udp_timeout")
	cfg.Fetch.TCPTimeoutRaw = v.GetString("fetch.tcp_timeout")
}

func loadForwardConfig(v *viper.Viper, cfg *Config) {
	cfg.Forward.Servers = getStringSliceOrSplit(v, "forward.servers")
	cfg.Forward.Policy = ForwardPolicy(strings.ToLower(v.GetString("forward.policy")))
}

func loadADBConfig(v *viper.Viper, cfg *Config) {
	cfg.ADB.LamenessTTLRaw = v.GetString("adb.lameness_ttl")
}

func loadCacheConfig(v *viper.Viper, cfg *Config) {
	cfg.Cache.MaxRRSets = v.GetInt("cache.max_rrsets")
	cfg.Cache.MaxADBEntries = v.GetInt("cache.max_adb_entries")
}

func loadLoggingConfig(v *viper.Viper, cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Format = v.GetString("logging.format")
}

// parseBuckets converts the buckets string to a BucketsSetting.
func parseBuckets(raw string) BucketsSetting {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" || raw == "auto" {
		return BucketsSetting{Mode: BucketsAuto}
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return BucketsSetting{Mode: BucketsFixed, Value: n}
	}
	return BucketsSetting{Mode: BucketsAuto}
}

// getStringSliceOrSplit handles both slice and comma-separated string values,
// the shape Viper hands back a list-valued key in depending on whether it
// came from YAML or the environment.
func getStringSliceOrSplit(v *viper.Viper, key string) []string {
	if slice := v.GetStringSlice(key); len(slice) > 0 {
		result := make([]string, 0, len(slice))
		for _, s := range slice {
			if s = strings.TrimSpace(s); s != "" {
				result = append(result, s)
			}
		}
		return result
	}
	if s := v.GetString(key); s != "" {
		parts := strings.Split(s, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return nil
}

// normalizeConfig resolves raw string durations, validates ranges, and
// applies the WorkerSetting-style "auto" defaulting.
func normalizeConfig(cfg *Config) error {
	cfg.Tasks.Buckets = parseBuckets(cfg.Tasks.BucketsRaw)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"fetch.lifetime", cfg.Fetch.LifetimeRaw, &cfg.Fetch.Lifetime},
		{"fetch.base_retry_interval", cfg.Fetch.BaseRetryIntervalRaw, &cfg.Fetch.BaseRetryInterval},
		{"fetch.max_retry_interval", cfg.Fetch.MaxRetryIntervalRaw, &cfg.Fetch.MaxRetryInterval},
		{"fetch.udp_timeout", cfg.Fetch.UDPTimeoutRaw, &cfg.Fetch.UDPTimeout},
		{"fetch.tcp_timeout", cfg.Fetch.TCPTimeoutRaw, &cfg.Fetch.TCPTimeout},
		{"adb.lameness_ttl", cfg.ADB.LamenessTTLRaw, &cfg.ADB.LamenessTTL},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", d.name, d.raw, err)
		}
		*d.dst = parsed
	}

	if cfg.Fetch.MaxRestarts <= 0 {
		return errors.New("fetch.max_restarts must be positive")
	}
	if cfg.Fetch.BaseRetryInterval <= 0 || cfg.Fetch.MaxRetryInterval < cfg.Fetch.BaseRetryInterval {
		return errors.New("fetch.max_retry_interval must be >= fetch.base_retry_interval, both positive")
	}
	if cfg.Fetch.EDNSUDPPayloadSize < 512 || cfg.Fetch.EDNSUDPPayloadSize > 65535 {
		return errors.New("fetch.edns_udp_payload_size must be 512..65535")
	}

	switch cfg.Forward.Policy {
	case ForwardPolicyNone, ForwardPolicyFirst, ForwardPolicyOnly:
	default:
		return fmt.Errorf("forward.policy must be none, first, or only, got %q", cfg.Forward.Policy)
	}
	if cfg.Forward.Policy != ForwardPolicyNone && len(cfg.Forward.Servers) == 0 {
		return errors.New("forward.servers must be non-empty when forward.policy is not none")
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Cache.MaxRRSets <= 0 {
		return errors.New("cache.max_rrsets must be positive")
	}
	if cfg.Cache.MaxADBEntries <= 0 {
		return errors.New("cache.max_adb_entries must be positive")
	}

	return nil
}
