package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{
			name: "valid yaml config",
			content: `
database:
  host: localhost
  port: 5432
  database: pulse
  username: pulse
  password: secret
  ssl_mode: disable
scanning:
  max_workers: 4
  queue_capacity: 100
`,
			wantErr: false,
		},
		{
			name: "invalid yaml syntax",
			content: `
database:
  host: localhost
  port: [not a port
`,
			wantErr: true,
		},
		{
			name: "too many workers",
			content: `
scanning:
  max_workers: 500
`,
			wantErr: true,
		},
		{
			name: "bad log level",
			content: `
logging:
  level: verbose
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	t.Run("nonexistent file returns defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("Load() unexpected error: %v", err)
		}
		if cfg.Scanning.MaxWorkers != Default().Scanning.MaxWorkers {
			t.Errorf("expected default max_workers, got %d", cfg.Scanning.MaxWorkers)
		}
	})

	t.Run("file values override defaults", func(t *testing.T) {
		path := writeConfig(t, `
scanning:
  max_workers: 8
recon:
  debounce_misses: 3
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() unexpected error: %v", err)
		}
		if cfg.Scanning.MaxWorkers != 8 {
			t.Errorf("expected max_workers 8, got %d", cfg.Scanning.MaxWorkers)
		}
		if cfg.Recon.DebounceMisses != 3 {
			t.Errorf("expected debounce_misses 3, got %d", cfg.Recon.DebounceMisses)
		}
		// Untouched sections keep their defaults.
		if cfg.Database.Host != Default().Database.Host {
			t.Errorf("expected default database host, got %s", cfg.Database.Host)
		}
	})
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Scanning.NmapBinary != "nmap" {
		t.Errorf("expected nmap binary 'nmap', got %q", cfg.Scanning.NmapBinary)
	}
	if cfg.Scanning.MaxWorkers <= 0 {
		t.Error("default max_workers must be positive")
	}
	if cfg.Scanning.DefaultPriority != 5 {
		t.Errorf("expected default priority 5, got %d", cfg.Scanning.DefaultPriority)
	}
	if cfg.Recon.DebounceMisses != 2 {
		t.Errorf("expected debounce_misses 2, got %d", cfg.Recon.DebounceMisses)
	}
	for _, name := range []string{"discovery", "quick", "deep"} {
		p, ok := cfg.Scanning.Profiles[name]
		if !ok {
			t.Errorf("default config missing profile %q", name)
			continue
		}
		if p.Timeout <= 0 {
			t.Errorf("profile %q has non-positive timeout", name)
		}
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing database host",
			mutate:  func(c *Config) { c.Database.Host = "" },
			wantErr: true,
		},
		{
			name:    "missing database name",
			mutate:  func(c *Config) { c.Database.Database = "" },
			wantErr: true,
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Scanning.MaxWorkers = 0 },
			wantErr: true,
		},
		{
			name:    "negative priority",
			mutate:  func(c *Config) { c.Scanning.DefaultPriority = -1 },
			wantErr: true,
		},
		{
			name:    "zero queue capacity",
			mutate:  func(c *Config) { c.Scanning.QueueCapacity = 0 },
			wantErr: true,
		},
		{
			name: "profile timeout above ceiling",
			mutate: func(c *Config) {
				p := c.Scanning.Profiles["deep"]
				p.Timeout = 3 * time.Hour
				c.Scanning.Profiles["deep"] = p
				c.Scanning.MaxScanTimeout = 1 * time.Hour
			},
			wantErr: true,
		},
		{
			name: "enabled profile without target",
			mutate: func(c *Config) {
				p := c.Scanning.Profiles["discovery"]
				p.Enabled = true
				p.Target = ""
				c.Scanning.Profiles["discovery"] = p
			},
			wantErr: true,
		},
		{
			name: "enabled profile with target",
			mutate: func(c *Config) {
				p := c.Scanning.Profiles["discovery"]
				p.Enabled = true
				p.Target = "192.168.1.0/24"
				c.Scanning.Profiles["discovery"] = p
			},
			wantErr: false,
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProfileTimeout(t *testing.T) {
	cfg := Default()
	cfg.Scanning.MaxScanTimeout = 1 * time.Hour
	cfg.Scanning.Profiles["quick"] = ProfileConfig{Timeout: 10 * time.Minute}
	cfg.Scanning.Profiles["deep"] = ProfileConfig{Timeout: 4 * time.Hour}

	if got := cfg.ProfileTimeout("quick"); got != 10*time.Minute {
		t.Errorf("quick timeout = %v, want 10m", got)
	}
	// Clamped to the global ceiling.
	if got := cfg.ProfileTimeout("deep"); got != 1*time.Hour {
		t.Errorf("deep timeout = %v, want 1h", got)
	}
	if got := cfg.ProfileTimeout("nope"); got != 1*time.Hour {
		t.Errorf("unknown profile timeout = %v, want ceiling", got)
	}
}

func TestSaveAndReload(t *testing.T) {
	cfg := Default()
	cfg.Scanning.MaxWorkers = 7
	cfg.Logging.Level = "debug"

	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.Scanning.MaxWorkers != 7 {
		t.Errorf("expected max_workers 7, got %d", loaded.Scanning.MaxWorkers)
	}
	if loaded.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Logging.Level)
	}
}
