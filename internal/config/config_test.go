package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Overlay.ReconnectDelay != time.Second {
		t.Errorf("Overlay.ReconnectDelay = %v, want 1s", cfg.Overlay.ReconnectDelay)
	}
	if cfg.Overlay.MaxAckTimeouts != 3 {
		t.Errorf("Overlay.MaxAckTimeouts = %d, want 3", cfg.Overlay.MaxAckTimeouts)
	}
	if cfg.MServer.CloseDelay != time.Second {
		t.Errorf("MServer.CloseDelay = %v, want 1s", cfg.MServer.CloseDelay)
	}
	if cfg.MServer.ErrorDelay != 10*time.Second {
		t.Errorf("MServer.ErrorDelay = %v, want 10s", cfg.MServer.ErrorDelay)
	}
	if cfg.MServer.Type != "mhub" {
		t.Errorf("MServer.Type = %s, want mhub", cfg.MServer.Type)
	}
	if cfg.Overlay.Address() != "localhost:5001" {
		t.Errorf("Overlay.Address() = %s, want localhost:5001", cfg.Overlay.Address())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("OVERLAY_PORT", "9090")
	t.Setenv("OVERLAY_ACK_TIMEOUT", "500ms")
	t.Setenv("MSERVER_URL", "ws://mhub.local:13900")
	t.Setenv("BRIDGE_LOG_LEVEL", "debug")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Overlay.Port != 9090 {
		t.Errorf("Overlay.Port = %d, want 9090", cfg.Overlay.Port)
	}
	if cfg.Overlay.AckTimeout != 500*time.Millisecond {
		t.Errorf("Overlay.AckTimeout = %v, want 500ms", cfg.Overlay.AckTimeout)
	}
	if cfg.MServer.URL != "ws://mhub.local:13900" {
		t.Errorf("MServer.URL = %s, want ws://mhub.local:13900", cfg.MServer.URL)
	}
	if !cfg.IsDevelopment() {
		t.Error("IsDevelopment() = false with debug log level")
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "converter.yaml")

	configContent := `
overlay:
  host: "overlay.local"
  port: 5002
  ack_timeout: 250ms
mserver:
  url: "ws://mhub.local:13900"
  subscribe_node: "overlay"
  publish_node: "default"
log:
  level: warn
  format: json
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Overlay.Host != "overlay.local" {
		t.Errorf("Overlay.Host = %s, want overlay.local", cfg.Overlay.Host)
	}
	if cfg.Overlay.AckTimeout != 250*time.Millisecond {
		t.Errorf("Overlay.AckTimeout = %v, want 250ms", cfg.Overlay.AckTimeout)
	}
	if cfg.MServer.SubscribeNode != "overlay" {
		t.Errorf("MServer.SubscribeNode = %s, want overlay", cfg.MServer.SubscribeNode)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %s, want json", cfg.Log.Format)
	}
	// Untouched sections keep their defaults.
	if cfg.MServer.ErrorDelay != 10*time.Second {
		t.Errorf("MServer.ErrorDelay = %v, want default 10s", cfg.MServer.ErrorDelay)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "converter.yaml")
	if err := os.WriteFile(configPath, []byte("mserver:\n  publish_node: fromfile\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	t.Setenv("MSERVER_PUBLISH_NODE", "fromenv")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MServer.PublishNode != "fromenv" {
		t.Errorf("MServer.PublishNode = %s, want fromenv", cfg.MServer.PublishNode)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() with missing file should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "bad overlay port",
			mutate:  func(c *Config) { c.Overlay.Port = 0 },
			wantErr: "overlay.port",
		},
		{
			name:    "zero max ack timeouts",
			mutate:  func(c *Config) { c.Overlay.MaxAckTimeouts = 0 },
			wantErr: "overlay.max_ack_timeouts",
		},
		{
			name:    "unknown broker type",
			mutate:  func(c *Config) { c.MServer.Type = "amqp" },
			wantErr: "invalid mserver type",
		},
		{
			name:    "missing url",
			mutate:  func(c *Config) { c.MServer.URL = "" },
			wantErr: "mserver.url",
		},
		{
			name: "memory broker needs no url",
			mutate: func(c *Config) {
				c.MServer.Type = "memory"
				c.MServer.URL = ""
			},
		},
		{
			name:    "missing subscribe node",
			mutate:  func(c *Config) { c.MServer.SubscribeNode = "" },
			wantErr: "subscribe_node",
		},
		{
			name:    "zero error delay",
			mutate:  func(c *Config) { c.MServer.ErrorDelay = 0 },
			wantErr: "reconnect delays",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "invalid log level",
		},
		{
			name:    "status without address",
			mutate:  func(c *Config) { c.Status.Address = "" },
			wantErr: "status.address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			setDefaults(cfg)
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
