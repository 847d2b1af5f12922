// Package config defines the immutable daemon configuration for pulse.
// Configuration is loaded once at startup from a YAML file, merged over
// defaults, and validated before any subsystem starts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pulsemon/pulse/internal/db"
)

// Config represents the complete daemon configuration.
type Config struct {
	// Daemon configuration
	Daemon DaemonConfig `yaml:"daemon" json:"daemon"`

	// Database configuration
	Database db.Config `yaml:"database" json:"database"`

	// Scanning configuration
	Scanning ScanningConfig `yaml:"scanning" json:"scanning"`

	// Reconciliation configuration
	Recon ReconConfig `yaml:"recon" json:"recon"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	// PID file location
	PIDFile string `yaml:"pid_file" json:"pid_file"`

	// Working directory
	WorkDir string `yaml:"work_dir" json:"work_dir"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// ScanningConfig holds scan engine and task queue settings.
type ScanningConfig struct {
	// Path or name of the nmap binary
	NmapBinary string `yaml:"nmap_binary" json:"nmap_binary" validate:"required"`

	// Number of concurrent scan workers
	MaxWorkers int `yaml:"max_workers" json:"max_workers" validate:"gte=1,lte=64"`

	// Maximum number of queued pending tasks
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity" validate:"gte=1"`

	// Priority assigned to tasks submitted without one (lower runs first)
	DefaultPriority int `yaml:"default_priority" json:"default_priority" validate:"gte=0,lte=10"`

	// Hard ceiling applied to per-task timeouts
	MaxScanTimeout time.Duration `yaml:"max_scan_timeout" json:"max_scan_timeout"`

	// Consecutive failures against one target before a warning event
	FailureStreak int `yaml:"failure_streak" json:"failure_streak" validate:"gte=1"`

	// Per-profile settings keyed by profile name
	Profiles map[string]ProfileConfig `yaml:"profiles" json:"profiles"`
}

// ProfileConfig holds per-profile scheduling and timeout settings.
type ProfileConfig struct {
	// Recurring interval for scheduled jobs using this profile
	Interval time.Duration `yaml:"interval" json:"interval"`

	// Timeout for a single task using this profile
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// Target network in CIDR form for scheduled jobs
	Target string `yaml:"target" json:"target"`

	// Register a recurring job for this profile at startup
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// ReconConfig holds reconciliation settings.
type ReconConfig struct {
	// Consecutive discovery misses before a device is marked down
	DebounceMisses int `yaml:"debounce_misses" json:"debounce_misses" validate:"gte=1"`

	// Enable reverse-DNS hostname enrichment for discovered devices
	ResolveHostnames bool `yaml:"resolve_hostnames" json:"resolve_hostnames"`

	// DNS server used for reverse lookups, host:port
	DNSServer string `yaml:"dns_server" json:"dns_server"`
}

// MetricsConfig holds metrics exposition settings.
type MetricsConfig struct {
	// Enable the Prometheus metrics listener
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listen address for the metrics endpoint
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`

	// Listen port for the metrics endpoint
	Port int `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			PIDFile:         "/var/run/pulse.pid",
			WorkDir:         "/var/lib/pulse",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: db.DefaultConfig(),
		Scanning: ScanningConfig{
			NmapBinary:      "nmap",
			MaxWorkers:      4,
			QueueCapacity:   1000,
			DefaultPriority: 5,
			MaxScanTimeout:  2 * time.Hour,
			FailureStreak:   3,
			Profiles: map[string]ProfileConfig{
				"discovery": {
					Interval: 5 * time.Minute,
					Timeout:  5 * time.Minute,
					Enabled:  false,
				},
				"quick": {
					Interval: 1 * time.Hour,
					Timeout:  15 * time.Minute,
					Enabled:  false,
				},
				"deep": {
					Interval: 24 * time.Hour,
					Timeout:  2 * time.Hour,
					Enabled:  false,
				},
			},
		},
		Recon: ReconConfig{
			DebounceMisses:   2,
			ResolveHostnames: false,
			DNSServer:        "127.0.0.1:53",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1",
			Port:       9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load loads configuration from a file, merging over defaults.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var validate = validator.New()

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.Username == "" {
		return fmt.Errorf("database username is required")
	}

	if c.Scanning.MaxScanTimeout <= 0 {
		return fmt.Errorf("max scan timeout must be positive")
	}

	for name, profile := range c.Scanning.Profiles {
		if profile.Timeout <= 0 {
			return fmt.Errorf("profile %q timeout must be positive", name)
		}
		if profile.Timeout > c.Scanning.MaxScanTimeout {
			return fmt.Errorf("profile %q timeout exceeds max scan timeout", name)
		}
		if profile.Enabled {
			if profile.Interval <= 0 {
				return fmt.Errorf("profile %q interval must be positive when enabled", name)
			}
			if profile.Target == "" {
				return fmt.Errorf("profile %q needs a target when enabled", name)
			}
		}
	}

	return nil
}

// GetDatabaseConfig returns the database configuration.
func (c *Config) GetDatabaseConfig() db.Config {
	return c.Database
}

// GetMetricsAddress returns the full metrics listen address.
func (c *Config) GetMetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Metrics.ListenAddr, c.Metrics.Port)
}

// ProfileTimeout returns the timeout for the named profile, clamped to
// the global ceiling. Unknown profiles get the ceiling itself.
func (c *Config) ProfileTimeout(profile string) time.Duration {
	if p, ok := c.Scanning.Profiles[profile]; ok && p.Timeout > 0 {
		if p.Timeout > c.Scanning.MaxScanTimeout {
			return c.Scanning.MaxScanTimeout
		}
		return p.Timeout
	}
	return c.Scanning.MaxScanTimeout
}
