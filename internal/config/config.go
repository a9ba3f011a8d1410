// Package config loads the daemon configuration from YAML and the token
// secrets from secrets.env.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gantry-dev/gantry/internal/registry"
	"github.com/gantry-dev/gantry/pkg/api"
)

// Config is the daemon configuration.
type Config struct {
	// Listen is the control API address.
	Listen     string           `yaml:"listen"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	// StorePath is the SQLite database path. Empty disables persistence.
	StorePath string            `yaml:"store_path"`
	Health    HealthConfig      `yaml:"health"`
	Pool      PoolConfig        `yaml:"pool"`
	SSH       SSHConfig         `yaml:"ssh"`
	Services  []api.ServiceSpec `yaml:"services"`
}

type MonitoringConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type HealthConfig struct {
	RefreshIntervalSeconds int `yaml:"refresh_interval_seconds"`
	MaxConcurrentProbes    int `yaml:"max_concurrent_probes"`
	// ProbeUnknown makes dispatch probe never-checked dependencies on
	// demand instead of failing them.
	ProbeUnknown bool `yaml:"probe_unknown"`
}

type PoolConfig struct {
	MinWorkers           int     `yaml:"min_workers"`
	MaxWorkers           int     `yaml:"max_workers"`
	InitialWorkers       int     `yaml:"initial_workers"`
	QueueSize            int     `yaml:"queue_size"`
	ScaleIntervalSeconds int     `yaml:"scale_interval_seconds"`
	HighWaterPct         float64 `yaml:"high_water_pct"`
}

type SSHConfig struct {
	User       string `yaml:"user"`
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
}

// Load reads YAML configuration from path. If path is empty, it resolves
// $XDG_CONFIG_HOME/gantry/config.yaml or ~/.config/gantry/config.yaml.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = filepath.Join(configDir(), "config.yaml")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "gantry")
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8470"
	}
	if c.Monitoring.Addr == "" {
		c.Monitoring.Addr = "127.0.0.1:8471"
	}
	if c.Health.RefreshIntervalSeconds <= 0 {
		c.Health.RefreshIntervalSeconds = 10
	}
	if c.Health.MaxConcurrentProbes <= 0 {
		c.Health.MaxConcurrentProbes = 8
	}
	if c.Pool.MinWorkers <= 0 {
		c.Pool.MinWorkers = 1
	}
	if c.Pool.MaxWorkers <= 0 {
		c.Pool.MaxWorkers = 16
	}
	if c.Pool.InitialWorkers <= 0 {
		c.Pool.InitialWorkers = 4
	}
	if c.Pool.QueueSize <= 0 {
		c.Pool.QueueSize = 256
	}
	if c.Pool.ScaleIntervalSeconds <= 0 {
		c.Pool.ScaleIntervalSeconds = 5
	}
	if c.Pool.HighWaterPct <= 0 {
		c.Pool.HighWaterPct = 80
	}
}

func (c *Config) validate() error {
	if c.Pool.MinWorkers > c.Pool.MaxWorkers {
		return fmt.Errorf("pool: min_workers %d exceeds max_workers %d", c.Pool.MinWorkers, c.Pool.MaxWorkers)
	}
	seen := make(map[string]bool, len(c.Services))
	for _, s := range c.Services {
		if s.Name == "" {
			return fmt.Errorf("service with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate service %s", s.Name)
		}
		seen[s.Name] = true
		if s.Address == "" {
			return fmt.Errorf("service %s: address is required", s.Name)
		}
	}
	return nil
}

// Descriptors converts the configured services to registry descriptors.
// Order is preserved: the config lists dependencies before dependents.
func (c *Config) Descriptors() []registry.Descriptor {
	out := make([]registry.Descriptor, 0, len(c.Services))
	for _, s := range c.Services {
		d := registry.Descriptor{
			Name:         s.Name,
			Address:      s.Address,
			Transport:    s.Transport,
			AuthTokenRef: s.AuthTokenRef,
			RetryBudget:  s.RetryBudget,
			DependsOn:    s.DependsOn,
			Exec:         s.Exec,
		}
		if s.TimeoutMS > 0 {
			d.Timeout = time.Duration(s.TimeoutMS) * time.Millisecond
		}
		out = append(out, d)
	}
	return out
}
