// Package common provides shared ambient infrastructure: configuration,
// logging, versioning, and the startup banner.
package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the service.
type Config struct {
	Environment string          `toml:"environment"`
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Clients     ClientsConfig   `toml:"clients"`
	Logging     LoggingConfig   `toml:"logging"`
	Queue       QueueConfig     `toml:"queue"`
	Delivery    DeliveryConfig  `toml:"delivery"`
	Broadcast   BroadcastConfig `toml:"broadcast"`
	Cache       CacheConfig     `toml:"cache"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig holds the SurrealDB connection configuration. The core
// stores only jobs; the adapter catalog lives in the same backend but
// is owned by a separate component.
type StorageConfig struct {
	Address   string `toml:"address"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	DataPath  string `toml:"data_path"`
}

// ClientsConfig holds external client configurations.
type ClientsConfig struct {
	Generator GeneratorConfig `toml:"generator"`
	Rationale RationaleConfig `toml:"rationale"`
}

// GeneratorConfig configures the Generator Client.
type GeneratorConfig struct {
	BaseURL   string `toml:"base_url"`
	Timeout   string `toml:"timeout"`
	RateLimit int    `toml:"rate_limit"` // requests/sec
}

// GetTimeout parses and returns the configured per-call timeout,
// defaulting to 15s on a missing or unparsable value.
func (c *GeneratorConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// RationaleConfig configures the optional Recommendation Rationale
// client. Empty APIKey disables rationale generation entirely;
// the cache still serves bare similarity results.
type RationaleConfig struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	Outputs    []string `toml:"outputs"`
	FilePath   string   `toml:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb"`
	MaxBackups int      `toml:"max_backups"`
}

// QueueConfig configures the Queue Orchestrator.
type QueueConfig struct {
	BrokerURL         string `toml:"broker_url"` // empty selects the in-process backend
	WorkerConcurrency int    `toml:"worker_concurrency"`
}

// GetWorkerConcurrency returns the configured worker pool size,
// defaulting to numCPU (floor 2) when unset.
func (c *QueueConfig) GetWorkerConcurrency(numCPU int) int {
	if c.WorkerConcurrency > 0 {
		return c.WorkerConcurrency
	}
	if numCPU > 2 {
		return numCPU
	}
	return 2
}

// DeliveryConfig configures the Delivery Worker.
type DeliveryConfig struct {
	PollIntervalMS  int `toml:"poll_interval_ms"`
	MaxJobDurationS int `toml:"max_job_duration_s"`
}

// GetPollInterval returns the interval between the Delivery Worker's
// generator status polls, defaulting to 1s.
func (c *DeliveryConfig) GetPollInterval() time.Duration {
	if c.PollIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// GetMaxJobDuration returns how long a job may stay in processing,
// defaulting to 30m. The Delivery Worker fails a job that runs longer,
// and the StaleReaper resets processing jobs older than this to queued.
func (c *DeliveryConfig) GetMaxJobDuration() time.Duration {
	if c.MaxJobDurationS <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.MaxJobDurationS) * time.Second
}

// BroadcastConfig configures the Progress Broadcaster.
type BroadcastConfig struct {
	WSBufferSize      int `toml:"ws_buffer_size"`
	WSTerminalRetainS int `toml:"ws_terminal_retain_s"`
}

// GetBufferSize returns the per-client send buffer depth, defaulting to 64.
func (c *BroadcastConfig) GetBufferSize() int {
	if c.WSBufferSize > 0 {
		return c.WSBufferSize
	}
	return 64
}

// GetTerminalRetention returns how long a terminal event stays
// replayable after broadcast, defaulting to 5m.
func (c *BroadcastConfig) GetTerminalRetention() time.Duration {
	if c.WSTerminalRetainS > 0 {
		return time.Duration(c.WSTerminalRetainS) * time.Second
	}
	return 5 * time.Minute
}

// CacheConfig configures the Recommendation Cache.
type CacheConfig struct {
	TTLSeconds int   `toml:"cache_ttl_s"`
	MaxEntries int   `toml:"cache_max_entries"`
	MaxBytes   int64 `toml:"cache_max_bytes"`
}

// GetTTL returns the cache entry lifetime, defaulting to 10m.
func (c *CacheConfig) GetTTL() time.Duration {
	if c.TTLSeconds > 0 {
		return time.Duration(c.TTLSeconds) * time.Second
	}
	return 10 * time.Minute
}

// GetMaxEntries returns the LRU capacity, defaulting to 1024.
func (c *CacheConfig) GetMaxEntries() int {
	if c.MaxEntries > 0 {
		return c.MaxEntries
	}
	return 1024
}

// GetMaxBytes returns the soft byte budget, defaulting to 64MiB.
func (c *CacheConfig) GetMaxBytes() int64 {
	if c.MaxBytes > 0 {
		return c.MaxBytes
	}
	return 64 * 1024 * 1024
}

// CoordinatorConfig configures the Generation Coordinator.
type CoordinatorConfig struct {
	ImmediateModeDeadlineMS int `toml:"immediate_mode_deadline_ms"`
}

// GetImmediateModeDeadline returns how long an immediate-mode request
// waits synchronously before the caller must poll, defaulting to 5s.
func (c *CoordinatorConfig) GetImmediateModeDeadline() time.Duration {
	if c.ImmediateModeDeadlineMS > 0 {
		return time.Duration(c.ImmediateModeDeadlineMS) * time.Millisecond
	}
	return 5 * time.Second
}

// NewDefaultConfig returns a Config with sensible defaults for local development.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Address:   "ws://127.0.0.1:8000/rpc",
			Namespace: "loraforge",
			Database:  "loraforge",
			DataPath:  "data",
		},
		Clients: ClientsConfig{
			Generator: GeneratorConfig{
				Timeout:   "15s",
				RateLimit: 4,
			},
			Rationale: RationaleConfig{
				Model: "gemini-2.0-flash",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console", "file"},
			FilePath:   "./logs/loraforge.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
// Missing files are skipped, not errors; later files override earlier ones.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies LORAFORGE_*-prefixed environment overrides.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("LORAFORGE_ENV"); v != "" {
		config.Environment = v
	}
	if v := os.Getenv("LORAFORGE_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("LORAFORGE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			config.Server.Port = p
		}
	}
	if v := os.Getenv("LORAFORGE_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("LORAFORGE_DATA_PATH"); v != "" {
		config.Storage.DataPath = v
	}
	if v := os.Getenv("LORAFORGE_STORAGE_ADDRESS"); v != "" {
		config.Storage.Address = v
	}
	if v := os.Getenv("LORAFORGE_GENERATOR_BASE_URL"); v != "" {
		config.Clients.Generator.BaseURL = v
	}
	if v := os.Getenv("LORAFORGE_GENERATOR_API_KEY"); v != "" {
		// generator auth is carried by the client, not stored on Config;
		// kept here only as the documented override point.
		_ = v
	}
	if v := os.Getenv("LORAFORGE_RATIONALE_API_KEY"); v != "" {
		config.Clients.Rationale.APIKey = v
	}
	if v := os.Getenv("LORAFORGE_BROKER_URL"); v != "" {
		config.Queue.BrokerURL = v
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ResolveDataPath resolves a possibly-relative data path against the
// binary's own directory, matching the teacher's self-contained
// deployment convention.
func ResolveDataPath(binDir, configured string) string {
	if configured == "" {
		return filepath.Join(binDir, "data")
	}
	if filepath.IsAbs(configured) {
		return configured
	}
	return filepath.Join(binDir, configured)
}
