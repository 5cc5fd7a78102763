// Package config loads gateway configuration via viper, following the
// teacher's defaults-then-env-then-file layering (spec §6.2).
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// TierConfig describes one configured tier entry (order in the slice
// establishes priority, fastest first).
type TierConfig struct {
	Name          string `mapstructure:"name"`
	Kind          string `mapstructure:"kind"` // memory|disk|backend
	CapacityBytes int64  `mapstructure:"capacity_bytes"`
	Path          string `mapstructure:"path"` // disk tier root
	Backend       string `mapstructure:"backend"` // redis|s3, for kind=backend
	RedisAddress  string `mapstructure:"redis_address"`
	S3Bucket      string `mapstructure:"s3_bucket"`
}

// ReplicationConfig mirrors entry.ReplicationPolicy's knobs (spec §3, §6.2).
type ReplicationConfig struct {
	MinFactor     int     `mapstructure:"min_factor"`
	TargetFactor  int     `mapstructure:"target_factor"`
	MaxFactor     int     `mapstructure:"max_factor"`
	Mode          string  `mapstructure:"mode"`
	HeatThreshold float64 `mapstructure:"heat_threshold"`
}

// MetricsConfig tunes metrics exposure (spec §6.2).
type MetricsConfig struct {
	Enabled                    bool   `mapstructure:"enabled"`
	Address                    string `mapstructure:"address"`
	CollectionIntervalSeconds  int    `mapstructure:"collection_interval_seconds"`
	RetentionDays              int    `mapstructure:"retention_days"`
}

// Config is the full gateway configuration tree (spec §6.2).
type Config struct {
	Tiers                     []TierConfig      `mapstructure:"tiers"`
	DefaultTier               string            `mapstructure:"default_tier"`
	MaxItemSize               int64             `mapstructure:"max_item_size"`
	PromotionThreshold        int               `mapstructure:"promotion_threshold"`
	DemotionThresholdDays     int               `mapstructure:"demotion_threshold_days"`
	Replication               ReplicationConfig `mapstructure:"replication"`
	GatewayURLs               []string          `mapstructure:"gateway_urls"`
	GatewayOnly               bool              `mapstructure:"gateway_only"`
	UseGatewayFallback        bool              `mapstructure:"use_gateway_fallback"`
	MaintenanceIntervalSeconds int              `mapstructure:"maintenance_interval_seconds"`
	HealthIntervalSeconds     int               `mapstructure:"health_interval_seconds"`
	Metrics                   MetricsConfig     `mapstructure:"metrics"`
	SQSQueueURL               string            `mapstructure:"sqs_queue_url"`
}

// Load reads configuration from a "casgw" config file (if present) under
// the given search paths, layered under defaults and over-ridable by
// CAS_-prefixed environment variables.
func Load(searchPaths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("casgw")
	v.SetConfigType("yaml")
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}
	if len(searchPaths) == 0 {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	setDefaults(v)
	v.SetEnvPrefix("CAS")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("default_tier", "memory")
	v.SetDefault("max_item_size", int64(50<<20)) // 50 MiB, memory-tier cap
	v.SetDefault("promotion_threshold", 3)
	v.SetDefault("demotion_threshold_days", 30)
	v.SetDefault("replication.min_factor", 3)
	v.SetDefault("replication.target_factor", 3)
	v.SetDefault("replication.max_factor", 5)
	v.SetDefault("replication.mode", "high_value")
	v.SetDefault("replication.heat_threshold", 5.0)
	v.SetDefault("gateway_only", false)
	v.SetDefault("use_gateway_fallback", true)
	v.SetDefault("maintenance_interval_seconds", 3600)
	v.SetDefault("health_interval_seconds", 60)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", ":9095")
	v.SetDefault("metrics.collection_interval_seconds", 60)
	v.SetDefault("metrics.retention_days", 7)
}

func validate(cfg *Config) error {
	if cfg.MaxItemSize <= 0 {
		return fmt.Errorf("max_item_size must be positive")
	}
	if cfg.Replication.MinFactor > cfg.Replication.TargetFactor {
		return fmt.Errorf("replication.min_factor cannot exceed replication.target_factor")
	}
	if cfg.Replication.TargetFactor > cfg.Replication.MaxFactor {
		return fmt.Errorf("replication.target_factor cannot exceed replication.max_factor")
	}
	switch cfg.Replication.Mode {
	case "all", "high_value", "none":
	default:
		return fmt.Errorf("replication.mode must be one of all|high_value|none, got %q", cfg.Replication.Mode)
	}
	if !cfg.GatewayOnly && len(cfg.Tiers) == 0 {
		return fmt.Errorf("at least one tier must be configured unless gateway_only is set")
	}
	return nil
}
