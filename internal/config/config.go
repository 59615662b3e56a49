// Package config loads the account-pool runtime's environment-driven
// configuration into a typed, frozen domain.Config snapshot.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/domain"
)

// rawConfig mirrors the recognized environment variables via mapstructure
// tags, matched 1:1 so AutomaticEnv + the key replacer can bind them
// without a config file. An optional YAML file (config.yaml, if present on
// one of the search paths) can seed defaults before env vars override them.
type rawConfig struct {
	SchedulingMode      string `mapstructure:"scheduling_mode"`
	CLISchedulingMode   string `mapstructure:"cli_scheduling_mode"`
	MaxEmptyRetries     int    `mapstructure:"max_empty_retries"`
	MaxAttempts         int    `mapstructure:"max_attempts"`
	FallbackEnabled     bool   `mapstructure:"fallback_enabled"`
	FallbackModel       string `mapstructure:"fallback_model"`
	AutoRefresh         bool   `mapstructure:"auto_refresh"`
	AutoRefreshInterval int    `mapstructure:"auto_refresh_interval_ms"`
	TriggerReset        bool   `mapstructure:"trigger_reset"`
	TokenSafetyMargin   int    `mapstructure:"token_safety_margin_s"`
	NonStreamTimeout    int    `mapstructure:"non_stream_timeout_s"`
	StreamIdleTimeout   int    `mapstructure:"stream_idle_timeout_s"`
	TokenExchangeTO     int    `mapstructure:"token_exchange_timeout_s"`
	ResetTriggerTO      int    `mapstructure:"reset_trigger_timeout_s"`
	SnapshotStorePath   string `mapstructure:"snapshot_store_path"`
	SnapshotRetention   int    `mapstructure:"snapshot_retention_h"`
	CloudCodeBaseURLs   []string `mapstructure:"cloudcode_base_urls"`
	RedisL2DSN          string `mapstructure:"redis_l2_dsn"`
	LogLevel            string `mapstructure:"log_level"`
	LogToFile           bool   `mapstructure:"log_to_file"`
	LogFilePath         string `mapstructure:"log_file_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduling_mode", string(domain.PolicySticky))
	v.SetDefault("cli_scheduling_mode", "")
	v.SetDefault("max_empty_retries", 2)
	v.SetDefault("max_attempts", 4)
	v.SetDefault("fallback_enabled", true)
	v.SetDefault("fallback_model", "")
	v.SetDefault("auto_refresh", false)
	v.SetDefault("auto_refresh_interval_ms", int((5 * time.Hour).Milliseconds()))
	v.SetDefault("trigger_reset", false)
	v.SetDefault("token_safety_margin_s", 60)
	v.SetDefault("non_stream_timeout_s", 120)
	v.SetDefault("stream_idle_timeout_s", 60)
	v.SetDefault("token_exchange_timeout_s", 30)
	v.SetDefault("reset_trigger_timeout_s", 15)
	v.SetDefault("snapshot_store_path", "data/snapshots.db")
	v.SetDefault("snapshot_retention_h", 24)
	v.SetDefault("cloudcode_base_urls", []string{
		"https://daily-cloudcode-pa.sandbox.googleapis.com",
		"https://cloudcode-pa.googleapis.com",
	})
	v.SetDefault("redis_l2_dsn", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_to_file", false)
	v.SetDefault("log_file_path", "")
}

// Load builds the frozen Config snapshot from environment variables (plus
// an optional config.yaml on the search path), per the recognized
// environment variables enumerated by the runtime.
func Load() (domain.Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/ccpoold")

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return domain.Config{}, err
		}
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return domain.Config{}, err
	}

	return raw.toDomain(), nil
}

func (r rawConfig) toDomain() domain.Config {
	mode := r.SchedulingMode
	if strings.TrimSpace(r.CLISchedulingMode) != "" {
		mode = r.CLISchedulingMode
	}

	return domain.Config{
		SchedulingMode:       domain.SchedulingPolicy(mode),
		MaxEmptyRetries:      r.MaxEmptyRetries,
		MaxAttempts:          r.MaxAttempts,
		FallbackEnabled:      r.FallbackEnabled,
		FallbackModel:        r.FallbackModel,
		AutoRefresh:          r.AutoRefresh,
		AutoRefreshInterval:  time.Duration(r.AutoRefreshInterval) * time.Millisecond,
		TriggerResetOnStart:  r.TriggerReset,
		TokenSafetyMargin:    time.Duration(r.TokenSafetyMargin) * time.Second,
		NonStreamTimeout:     time.Duration(r.NonStreamTimeout) * time.Second,
		StreamIdleTimeout:    time.Duration(r.StreamIdleTimeout) * time.Second,
		TokenExchangeTimeout: time.Duration(r.TokenExchangeTO) * time.Second,
		ResetTriggerTimeout:  time.Duration(r.ResetTriggerTO) * time.Second,
		SnapshotStorePath:    r.SnapshotStorePath,
		SnapshotRetention:    time.Duration(r.SnapshotRetention) * time.Hour,
		CloudCodeBaseURLs:    r.CloudCodeBaseURLs,
		RedisL2DSN:           r.RedisL2DSN,
		LogLevel:             r.LogLevel,
		LogToFile:            r.LogToFile,
		LogFilePath:          r.LogFilePath,
	}
}
