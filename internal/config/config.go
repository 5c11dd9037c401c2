// Package config loads and validates the daemon's runtime configuration:
// mount options, cache TTLs, and the network/monitoring ambient stack.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete application configuration.
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Mount      MountConfig      `yaml:"mount"`
	Cache      CacheConfig      `yaml:"cache"`
	Network    NetworkConfig    `yaml:"network"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
}

// MountConfig represents the mount target and its options.
type MountConfig struct {
	ServerURL    string `yaml:"server_url"`
	MountPoint   string `yaml:"mount_point"`
	AllowOther   bool   `yaml:"allow_other"`
	ReadOnly     bool   `yaml:"read_only"`
	MaxReadAhead int    `yaml:"max_read_ahead"`
}

// CacheConfig represents the attribute/dirent cache TTLs.
type CacheConfig struct {
	AttrTTL time.Duration `yaml:"attr_ttl"`
	DirTTL  time.Duration `yaml:"dir_ttl"`
}

// NetworkConfig represents network configuration.
type NetworkConfig struct {
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TimeoutConfig represents timeout settings.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
	Write   time.Duration `yaml:"write"`
}

// RetryConfig represents retry settings.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// MonitoringConfig represents monitoring settings.
type MonitoringConfig struct {
	Metrics      MetricsConfig      `yaml:"metrics"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// MetricsConfig represents metrics settings.
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Prometheus   bool              `yaml:"prometheus"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// HealthChecksConfig represents health check settings.
type HealthChecksConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Structured bool   `yaml:"structured"`
	Format     string `yaml:"format"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			MetricsPort: 8080,
			HealthPort:  8081,
		},
		Mount: MountConfig{
			MountPoint:   defaultMountPoint(),
			AllowOther:   false,
			ReadOnly:     false,
			MaxReadAhead: 128 * 1024,
		},
		Cache: CacheConfig{
			AttrTTL: 2 * time.Second,
			DirTTL:  1 * time.Second,
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Connect: 10 * time.Second,
				Read:    10 * time.Second,
				Write:   300 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   200 * time.Millisecond,
				MaxDelay:    5 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          60 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:    true,
				Prometheus: true,
				CustomLabels: map[string]string{
					"service": "remotefs",
				},
			},
			HealthChecks: HealthChecksConfig{
				Enabled:  true,
				Interval: 30 * time.Second,
				Timeout:  5 * time.Second,
			},
			Logging: LoggingConfig{
				Structured: true,
				Format:     "json",
			},
		},
	}
}

func defaultMountPoint() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./mnt/remote-fs"
	}
	return filepath.Join(home, "mnt", "remote-fs")
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("REMOTEFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("REMOTEFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("REMOTEFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("REMOTEFS_HEALTH_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.HealthPort = port
		}
	}

	if val := os.Getenv("REMOTEFS_SERVER_URL"); val != "" {
		c.Mount.ServerURL = val
	}
	if val := os.Getenv("REMOTEFS_MOUNT_POINT"); val != "" {
		c.Mount.MountPoint = val
	}
	if val := os.Getenv("REMOTEFS_ALLOW_OTHER"); val != "" {
		c.Mount.AllowOther = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("REMOTEFS_READ_ONLY"); val != "" {
		c.Mount.ReadOnly = strings.ToLower(val) == "true"
	}

	if val := os.Getenv("REMOTEFS_ATTR_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.AttrTTL = d
		}
	}
	if val := os.Getenv("REMOTEFS_DIR_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.DirTTL = d
		}
	}

	if val := os.Getenv("REMOTEFS_RETRY_MAX_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Network.Retry.MaxAttempts = n
		}
	}
	if val := os.Getenv("REMOTEFS_CIRCUIT_BREAKER_ENABLED"); val != "" {
		c.Network.CircuitBreaker.Enabled = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	if c.Mount.ServerURL == "" {
		return fmt.Errorf("mount.server_url must not be empty")
	}

	if c.Mount.MountPoint == "" {
		return fmt.Errorf("mount.mount_point must not be empty")
	}

	if c.Network.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than 0")
	}

	if c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("metrics_port and health_port cannot be the same")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
