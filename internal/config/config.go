package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Scheduling Recorder - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Recorder RecorderConfig `yaml:"recorder"`
	Identity IdentityConfig `yaml:"identity"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// RecorderConfig controls the shared log region and the ring consumer's
// poll/pacing behavior (spec §4.3, §4.4).
type RecorderConfig struct {
	RegionPath       string `yaml:"region_path"`
	RegionSizeBytes  uint64 `yaml:"region_size_bytes"`
	PollTimeoutMs    int    `yaml:"poll_timeout_ms"`
	IdlePacingSec    int    `yaml:"idle_pacing_sec"`
	CacheCapacity    int    `yaml:"cache_capacity"`
}

// IdentityConfig controls /proc-based identity resolution (spec §4.4).
type IdentityConfig struct {
	ProcRoot string `yaml:"proc_root"`
}

// MetricsConfig controls the diagnostics HTTP surface (/metrics, /healthz).
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Enabled    bool   `yaml:"enabled"`
}

// LoggingConfig controls the structured logger's verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance, loading it from
// CONFIG_PATH (default "config.yaml") on first use and applying
// environment overrides and defaults on top.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides, then fills
// in defaults for anything still unset.
func (c *Config) applyEnvOverrides() {
	c.Recorder.RegionPath = getEnv("SCHEDREC_REGION_PATH", c.Recorder.RegionPath)
	if v := getEnvInt("SCHEDREC_REGION_SIZE_BYTES", 0); v > 0 {
		c.Recorder.RegionSizeBytes = uint64(v)
	}
	if v := getEnvInt("SCHEDREC_POLL_TIMEOUT_MS", 0); v > 0 {
		c.Recorder.PollTimeoutMs = v
	}
	if v := getEnvInt("SCHEDREC_IDLE_PACING_SEC", 0); v > 0 {
		c.Recorder.IdlePacingSec = v
	}
	if v := getEnvInt("SCHEDREC_CACHE_CAPACITY", 0); v > 0 {
		c.Recorder.CacheCapacity = v
	}

	c.Identity.ProcRoot = getEnv("SCHEDREC_PROC_ROOT", c.Identity.ProcRoot)

	c.Metrics.ListenAddr = getEnv("SCHEDREC_METRICS_ADDR", c.Metrics.ListenAddr)
	c.Metrics.Enabled = getEnvBool("SCHEDREC_METRICS_ENABLED", c.Metrics.Enabled)

	c.Logging.Level = getEnv("SCHEDREC_LOG_LEVEL", c.Logging.Level)

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
// The numeric defaults mirror the original recorder's hardcoded
// constants (64MiB region, 100ms poll, 1s pacing, 4096-entry caches).
func (c *Config) applyDefaults() {
	if c.Recorder.RegionPath == "" {
		c.Recorder.RegionPath = "/tmp/schedrec_events.log"
	}
	if c.Recorder.RegionSizeBytes == 0 {
		c.Recorder.RegionSizeBytes = 64 * 1024 * 1024
	}
	if c.Recorder.PollTimeoutMs == 0 {
		c.Recorder.PollTimeoutMs = 100
	}
	if c.Recorder.IdlePacingSec == 0 {
		c.Recorder.IdlePacingSec = 1
	}
	if c.Recorder.CacheCapacity == 0 {
		c.Recorder.CacheCapacity = 4096
	}
	if c.Identity.ProcRoot == "" {
		c.Identity.ProcRoot = "/proc"
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
