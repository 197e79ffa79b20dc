// Package config implements static startup configuration (the fixed
// topology and timeouts, as opposed to SettingsManager's mutable runtime
// toggles) loaded from a TOML file, grounded on the onedrive-go example's
// Config/Load/Validate shape (internal/config/config.go, load.go).
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the static, file-loaded topology and timeout configuration.
// See spec.md §6 "Configuration (environment / file)".
type Config struct {
	LocalModelsRoot string `toml:"local_models_root"`
	LakeModelsRoot  string `toml:"lake_models_root"`

	LocalAllowDelete bool `toml:"local_allow_delete"`
	LakeAllowDelete  bool `toml:"lake_allow_delete"`

	QueueConcurrency int `toml:"queue_concurrency"`
	QueueRetryCount  int `toml:"queue_retry_count"`
	HashWorkers      int `toml:"hash_workers"`

	RemoteBaseURL           string `toml:"remote_base_url"`
	RemoteSessionTTLMinutes int    `toml:"remote_session_ttl_minutes"`

	DownloaderStallTimeoutSeconds   int   `toml:"downloader_stall_timeout_seconds"`
	DownloaderConnectTimeoutSeconds int   `toml:"downloader_connect_timeout_seconds"`
	DownloaderMaxConcurrent         int   `toml:"downloader_max_concurrent"`
	BandwidthLimitBytesPerSec       int64 `toml:"bandwidth_limit_bytes_per_sec"`

	XAILookupConcurrency int `toml:"xai_lookup_concurrency"`

	HTTPPort    int    `toml:"http_port"`
	AppDataDir  string `toml:"app_data_dir"`
	DatabaseFile string `toml:"database_file"`

	CivitaiAPIKey     string `toml:"civitai_api_key"`
	HuggingFaceAPIKey string `toml:"huggingface_api_key"`
}

// DefaultConfig returns the baseline values spec.md names explicitly
// (queue_concurrency is always 1; max_concurrent defaults to 1).
func DefaultConfig() *Config {
	return &Config{
		QueueConcurrency:                1,
		QueueRetryCount:                 3,
		HashWorkers:                     2,
		RemoteSessionTTLMinutes:         60,
		DownloaderStallTimeoutSeconds:   30,
		DownloaderConnectTimeoutSeconds: 15,
		DownloaderMaxConcurrent:         1,
		XAILookupConcurrency:            2,
		HTTPPort:                        4500,
		DatabaseFile:                    "modellibmgr.db",
	}
}

// Load reads and parses path onto DefaultConfig's baseline, then
// validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate enforces the startup-fatal invariants from spec.md §7's
// Config error taxonomy: a bad or missing root is fatal at startup.
func Validate(cfg *Config) error {
	if cfg.LocalModelsRoot == "" {
		return fmt.Errorf("local_models_root is required")
	}
	if cfg.LakeModelsRoot == "" {
		return fmt.Errorf("lake_models_root is required")
	}
	if cfg.LocalModelsRoot == cfg.LakeModelsRoot {
		return fmt.Errorf("local_models_root and lake_models_root must differ")
	}
	if cfg.QueueConcurrency != 1 {
		return fmt.Errorf("queue_concurrency must be 1 (the Worker is single-threaded)")
	}
	if cfg.HashWorkers < 1 {
		return fmt.Errorf("hash_workers must be at least 1")
	}
	if cfg.DownloaderMaxConcurrent < 1 {
		return fmt.Errorf("downloader_max_concurrent must be at least 1")
	}
	return nil
}

// StallTimeout returns the Downloader's per-read stall timeout as a
// time.Duration.
func (c *Config) StallTimeout() time.Duration {
	return time.Duration(c.DownloaderStallTimeoutSeconds) * time.Second
}

// ConnectTimeout returns the Downloader's connect timeout as a
// time.Duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.DownloaderConnectTimeoutSeconds) * time.Second
}

// RemoteSessionTTL returns the Remote Broker's session lifetime as a
// time.Duration.
func (c *Config) RemoteSessionTTL() time.Duration {
	return time.Duration(c.RemoteSessionTTLMinutes) * time.Minute
}
