package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

const validYAML = `
log:
  level: debug
  encoding: json
pool:
  urls:
    - stratum+tcp://pool.example.com:3333
    - stratum+ssl://backup.example.com:443
  user: wallet.rig0
  pass: x
mining:
  enable_cpu: true
  cpu_threads: 4
api:
  enabled: true
  listen_addr: 127.0.0.1:4068
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tosminer.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if len(cfg.Pool.URLs) != 2 {
		t.Errorf("Pool.URLs = %v, want 2 entries", cfg.Pool.URLs)
	}
	if cfg.Mining.CPUThreads != 4 {
		t.Errorf("CPUThreads = %d, want 4", cfg.Mining.CPUThreads)
	}
	// Defaults survive partial documents.
	if cfg.Metrics.ListenAddr != "127.0.0.1:9090" {
		t.Errorf("Metrics.ListenAddr default = %q", cfg.Metrics.ListenAddr)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no pools", func(c *Config) { c.Pool.URLs = nil }},
		{"bad pool url", func(c *Config) { c.Pool.URLs = []string{"http://x:1"} }},
		{"no user", func(c *Config) { c.Pool.User = "" }},
		{"bad protocol", func(c *Config) { c.Pool.Protocol = "getwork" }},
		{"no devices", func(c *Config) { c.Mining.EnableCPU = false; c.Mining.EnableGPU = false }},
		{"negative threads", func(c *Config) { c.Mining.CPUThreads = -1 }},
		{"api without addr", func(c *Config) { c.API.Enabled = true; c.API.ListenAddr = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Pool.URLs = []string{"stratum+tcp://pool.example.com:3333"}
			cfg.Pool.User = "wallet"
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() accepted a bad config")
			}
		})
	}
}

func TestStratumConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatal(err)
	}
	sc, err := cfg.StratumConfig()
	if err != nil {
		t.Fatal(err)
	}
	if sc.User != "wallet.rig0" || len(sc.URLs) != 2 {
		t.Errorf("StratumConfig() = %+v", sc)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeConfig(t, validYAML)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	go func() {
		Watch(ctx, path, zaptest.NewLogger(t), func(c *Config) {
			select {
			case reloaded <- c:
			default:
			}
		})
	}()

	// Give the watcher time to arm before rewriting.
	time.Sleep(200 * time.Millisecond)
	updated := validYAML + "\nmetrics:\n  enabled: true\n  listen_addr: 127.0.0.1:9091\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Metrics.ListenAddr != "127.0.0.1:9091" {
			t.Errorf("reloaded Metrics.ListenAddr = %q", cfg.Metrics.ListenAddr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change never delivered")
	}
}

func TestWatchSkipsInvalidEdit(t *testing.T) {
	path := writeConfig(t, validYAML)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	go func() {
		Watch(ctx, path, zaptest.NewLogger(t), func(c *Config) {
			select {
			case reloaded <- c:
			default:
			}
		})
	}()

	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(path, []byte("pool: ["), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
		t.Fatal("invalid config was delivered")
	case <-time.After(time.Second):
	}
}
