// Package config loads the storage core's runtime configuration (component
// J): buffer pool capacity, the root directory storages are created under,
// the writeback sweep interval, and whether to request direct I/O. It is
// grounded in original_source/src/config.rs's Config constants, layered
// with a YAML file (as the teacher's cmd tools load theirs) and environment
// variable overrides in the teacher's JOUJOUDB_* naming convention.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults mirror original_source/src/config.rs's DEFAULT_PAGE_CACHE_SIZE,
// ROOT_DIRECTORY, and WRITEBACK_INTERVAL_MS.
const (
	DefaultPageCacheSize       = 20000
	DefaultRootDirectory       = "/tmp/joujoudb"
	DefaultWritebackIntervalMS = 50
)

// Config is the storage core's runtime configuration.
type Config struct {
	PageCacheSize       int    `yaml:"page_cache_size"`
	RootDirectory       string `yaml:"root_directory"`
	WritebackIntervalMS int    `yaml:"writeback_interval_ms"`
	DirectIO            bool   `yaml:"direct_io"`
	MaintenanceCron     string `yaml:"maintenance_cron"`
}

// WritebackInterval returns WritebackIntervalMS as a time.Duration.
func (c Config) WritebackInterval() time.Duration {
	return time.Duration(c.WritebackIntervalMS) * time.Millisecond
}

// Default returns the configuration original_source/src/config.rs ships as
// its compiled-in defaults.
func Default() Config {
	return Config{
		PageCacheSize:       DefaultPageCacheSize,
		RootDirectory:       DefaultRootDirectory,
		WritebackIntervalMS: DefaultWritebackIntervalMS,
		DirectIO:            false,
		MaintenanceCron:     "@every 30s",
	}
}

// Load reads a YAML config file at path (if it exists), then applies
// JOUJOUDB_* environment variable overrides on top. A missing file is not
// an error: Load starts from Default() in that case.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("JOUJOUDB_PAGE_CACHE_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PageCacheSize = n
		}
	}
	if v, ok := os.LookupEnv("JOUJOUDB_ROOT_DIRECTORY"); ok {
		cfg.RootDirectory = v
	}
	if v, ok := os.LookupEnv("JOUJOUDB_WRITEBACK_INTERVAL_MS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WritebackIntervalMS = n
		}
	}
	if v, ok := os.LookupEnv("JOUJOUDB_DIRECT_IO"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DirectIO = b
		}
	}
	if v, ok := os.LookupEnv("JOUJOUDB_MAINTENANCE_CRON"); ok {
		cfg.MaintenanceCron = v
	}
}

// Validate rejects configurations the rest of the core cannot operate
// under.
func (c Config) Validate() error {
	if c.PageCacheSize <= 0 {
		return fmt.Errorf("config: page_cache_size must be positive, got %d", c.PageCacheSize)
	}
	if c.RootDirectory == "" {
		return fmt.Errorf("config: root_directory must not be empty")
	}
	if c.WritebackIntervalMS < 0 {
		return fmt.Errorf("config: writeback_interval_ms must not be negative, got %d", c.WritebackIntervalMS)
	}
	return nil
}
