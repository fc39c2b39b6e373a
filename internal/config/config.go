// Package config loads and validates the miner's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tosproject/tosminer/internal/logging"
	"github.com/tosproject/tosminer/internal/stratum"
)

// Config is the root configuration document.
type Config struct {
	Log     logging.Config `yaml:"log"`
	Pool    PoolConfig     `yaml:"pool"`
	Mining  MiningConfig   `yaml:"mining"`
	API     APIConfig      `yaml:"api"`
	Metrics MetricsConfig  `yaml:"metrics"`
}

// PoolConfig selects the pool endpoints and credentials.
type PoolConfig struct {
	// URLs is the failover list: stratum+tcp://host:port entries.
	URLs []string `yaml:"urls"`
	// User is the wallet, optionally suffixed .workername.
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
	// Protocol is stratum, ethproxy, ethereumstratum or stratum2.
	Protocol string `yaml:"protocol"`
	// StrictTLS enforces certificate checks on ssl endpoints.
	StrictTLS bool `yaml:"strict_tls"`
}

// MiningConfig selects devices.
type MiningConfig struct {
	EnableCPU bool `yaml:"enable_cpu"`
	// CPUThreads of 0 auto-detects, leaving a core for coordination.
	CPUThreads int  `yaml:"cpu_threads"`
	EnableGPU  bool `yaml:"enable_gpu"`
	// GPUDevices filters enumerated GPUs by device index; empty means
	// all.
	GPUDevices []int `yaml:"gpu_devices"`
}

// APIConfig controls the HTTP status server.
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns a runnable configuration minus pool credentials.
func Default() *Config {
	return &Config{
		Log: logging.DefaultConfig(),
		Mining: MiningConfig{
			EnableCPU: true,
		},
		API: APIConfig{
			ListenAddr: "127.0.0.1:4068",
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9090",
		},
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if len(c.Pool.URLs) == 0 {
		return fmt.Errorf("pool.urls is required")
	}
	for _, raw := range c.Pool.URLs {
		if _, err := stratum.ParseEndpoint(raw); err != nil {
			return fmt.Errorf("pool.urls: %w", err)
		}
	}
	if c.Pool.User == "" {
		return fmt.Errorf("pool.user is required")
	}
	if _, err := stratum.ParseProtocol(c.Pool.Protocol); err != nil {
		return fmt.Errorf("pool.protocol: %w", err)
	}
	if !c.Mining.EnableCPU && !c.Mining.EnableGPU {
		return fmt.Errorf("at least one of mining.enable_cpu, mining.enable_gpu must be set")
	}
	if c.Mining.CPUThreads < 0 {
		return fmt.Errorf("mining.cpu_threads must not be negative")
	}
	if c.API.Enabled && c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required when the api is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}
	return nil
}

// StratumConfig converts the pool section into a client config.
func (c *Config) StratumConfig() (stratum.Config, error) {
	proto, err := stratum.ParseProtocol(c.Pool.Protocol)
	if err != nil {
		return stratum.Config{}, err
	}
	return stratum.Config{
		URLs:      c.Pool.URLs,
		User:      c.Pool.User,
		Pass:      c.Pool.Pass,
		Protocol:  proto,
		StrictTLS: c.Pool.StrictTLS,
	}, nil
}
