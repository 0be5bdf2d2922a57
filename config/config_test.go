package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, `connection:
  broker: tcp://127.0.0.1:1883
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Connection.Driver != "mqtt" {
		t.Fatalf("expected mqtt driver, got %q", cfg.Connection.Driver)
	}
	if cfg.Display.TickInterval.Duration != time.Second {
		t.Fatalf("expected 1s tick interval, got %s", cfg.Display.TickInterval.Duration)
	}
	if cfg.Display.AssetTimeout.Duration != 30*time.Second {
		t.Fatalf("expected 30s asset timeout, got %s", cfg.Display.AssetTimeout.Duration)
	}
	if cfg.Sync.MaxPayloadBytes != DefaultMaxPayloadBytes {
		t.Fatalf("expected default payload bound, got %d", cfg.Sync.MaxPayloadBytes)
	}
	if cfg.Sync.TopicPrefix != "wearsync" {
		t.Fatalf("expected default prefix, got %q", cfg.Sync.TopicPrefix)
	}
	if cfg.Sync.QoSLevel() != 1 {
		t.Fatalf("expected qos 1, got %d", cfg.Sync.QoSLevel())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0] != path {
		t.Fatalf("unexpected sources %v", cfg.Sources)
	}
}

func TestLoadDirectoryMergesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, filepath.Join(dir, "00-base.yaml"), `logging:
  level: info
connection:
  broker: tcp://base:1883
display:
  tick_interval: 2s
`)
	writeConfig(t, filepath.Join(dir, "10-override.yaml"), `logging:
  level: debug
display:
  asset_timeout: 5s
`)
	writeConfig(t, filepath.Join(dir, "README.md"), "ignored")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Connection.Broker != "tcp://base:1883" {
		t.Fatalf("expected broker from base file, got %q", cfg.Connection.Broker)
	}
	if cfg.Display.TickInterval.Duration != 2*time.Second {
		t.Fatalf("expected tick interval 2s, got %s", cfg.Display.TickInterval.Duration)
	}
	if cfg.Display.AssetTimeout.Duration != 5*time.Second {
		t.Fatalf("expected asset timeout 5s, got %s", cfg.Display.AssetTimeout.Duration)
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %v", cfg.Sources)
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, `display:
  tick_interval: soon
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestValidate(t *testing.T) {
	qos := byte(3)
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "missing broker", mutate: func(c *Config) { c.Connection.Broker = "" }, want: "connection.broker"},
		{name: "unknown driver", mutate: func(c *Config) { c.Connection.Driver = "ble" }, want: "connection.driver"},
		{name: "loopback without broker", mutate: func(c *Config) { c.Connection.Driver = "loopback"; c.Connection.Broker = "" }},
		{name: "wildcard prefix", mutate: func(c *Config) { c.Sync.TopicPrefix = "wear/#" }, want: "sync.topic_prefix"},
		{name: "qos range", mutate: func(c *Config) { c.Sync.QoS = &qos }, want: "sync.qos"},
		{name: "tick too short", mutate: func(c *Config) { c.Display.TickInterval.Duration = time.Millisecond }, want: "display.tick_interval"},
		{name: "reconnect bounds", mutate: func(c *Config) { c.Display.ReconnectMax.Duration = time.Millisecond }, want: "display.reconnect_max"},
		{name: "companion temps", mutate: func(c *Config) { c.Companion.MinTemp = 10; c.Companion.MaxTemp = 1 }, want: "companion.min_temp"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{Connection: ConnectionConfig{Broker: "tcp://localhost:1883"}}
			cfg.ApplyDefaults()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
