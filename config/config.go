package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Defaults applied by Load when a value is left empty.
const (
	DefaultTickInterval    = time.Second
	DefaultAssetTimeout    = 30 * time.Second
	DefaultAssetWorkers    = 2
	DefaultMaxPayloadBytes = 100 * 1024
	DefaultTopicPrefix     = "wearsync"
	DefaultReconnectMin    = time.Second
	DefaultReconnectMax    = time.Minute
	DefaultConnectTimeout  = 30 * time.Second
)

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
	Listen   string `yaml:"listen,omitempty"`
}

// AuthConfig captures username/password authentication for the broker.
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TLSConfig allows TLS connections to the broker.
type TLSConfig struct {
	Enabled            bool     `yaml:"enabled"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify,omitempty"`
	CAFile             string   `yaml:"ca_file,omitempty"`
	CertFile           string   `yaml:"cert_file,omitempty"`
	KeyFile            string   `yaml:"key_file,omitempty"`
	ServerName         string   `yaml:"server_name,omitempty"`
	ALPN               []string `yaml:"alpn,omitempty"`
}

// ConnectionConfig describes how a peer reaches the synchronisation channel.
type ConnectionConfig struct {
	// Driver selects the transport binding: "mqtt" (default) or "loopback".
	Driver         string      `yaml:"driver,omitempty"`
	Broker         string      `yaml:"broker,omitempty"`
	ClientID       string      `yaml:"client_id,omitempty"`
	CleanSession   *bool       `yaml:"clean_session,omitempty"`
	KeepAlive      Duration    `yaml:"keep_alive,omitempty"`
	ConnectTimeout Duration    `yaml:"connect_timeout,omitempty"`
	Auth           *AuthConfig `yaml:"auth,omitempty"`
	TLS            *TLSConfig  `yaml:"tls,omitempty"`
}

// SyncConfig configures the record channel shared by both peers.
type SyncConfig struct {
	TopicPrefix     string `yaml:"topic_prefix,omitempty"`
	QoS             *byte  `yaml:"qos,omitempty"`
	MaxPayloadBytes int    `yaml:"max_payload_bytes,omitempty"`
}

// DisplayConfig configures the peripheral redraw and asset pipeline.
type DisplayConfig struct {
	TickInterval  Duration `yaml:"tick_interval,omitempty"`
	AssetTimeout  Duration `yaml:"asset_timeout,omitempty"`
	AssetWorkers  int      `yaml:"asset_workers,omitempty"`
	ReconnectMin  Duration `yaml:"reconnect_min,omitempty"`
	ReconnectMax  Duration `yaml:"reconnect_max,omitempty"`
	LowBitAmbient bool     `yaml:"low_bit_ambient,omitempty"`
}

// CompanionConfig describes the static weather report served by the companion peer.
type CompanionConfig struct {
	MinTemp     float64 `yaml:"min_temp"`
	MaxTemp     float64 `yaml:"max_temp"`
	Description string  `yaml:"description"`
	IconFile    string  `yaml:"icon_file,omitempty"`
}

// Config is the root configuration structure for both peers.
type Config struct {
	Name       string           `yaml:"name,omitempty"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Connection ConnectionConfig `yaml:"connection"`
	Sync       SyncConfig       `yaml:"sync"`
	Display    DisplayConfig    `yaml:"display"`
	Companion  CompanionConfig  `yaml:"companion"`
	HotReload  bool             `yaml:"hot_reload,omitempty"`

	// Sources lists the files that contributed to this configuration.
	Sources []string `yaml:"-"`
}

// Load reads and decodes the configuration from a file or a directory of
// YAML files. Directory entries are merged in lexical order; later files
// override the keys they set.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat config path: %w", err)
	}

	files := []string{abs}
	if info.IsDir() {
		files, err = yamlFiles(abs)
		if err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	for _, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config %s: %w", file, err)
		}
		cfg.Sources = append(cfg.Sources, file)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read config dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// ApplyDefaults fills unset values with their defaults.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	if c.Connection.Driver == "" {
		c.Connection.Driver = "mqtt"
	}
	if c.Connection.ConnectTimeout.Duration <= 0 {
		c.Connection.ConnectTimeout.Duration = DefaultConnectTimeout
	}
	if c.Sync.TopicPrefix == "" {
		c.Sync.TopicPrefix = DefaultTopicPrefix
	}
	if c.Sync.MaxPayloadBytes <= 0 {
		c.Sync.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.Display.TickInterval.Duration <= 0 {
		c.Display.TickInterval.Duration = DefaultTickInterval
	}
	if c.Display.AssetTimeout.Duration <= 0 {
		c.Display.AssetTimeout.Duration = DefaultAssetTimeout
	}
	if c.Display.AssetWorkers <= 0 {
		c.Display.AssetWorkers = DefaultAssetWorkers
	}
	if c.Display.ReconnectMin.Duration <= 0 {
		c.Display.ReconnectMin.Duration = DefaultReconnectMin
	}
	if c.Display.ReconnectMax.Duration <= 0 {
		c.Display.ReconnectMax.Duration = DefaultReconnectMax
	}
}

// QoSLevel resolves the QoS used for record and asset publications.
func (s SyncConfig) QoSLevel() byte {
	if s.QoS == nil {
		return 1
	}
	return *s.QoS
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("configuration must not be nil")
	}
	switch c.Connection.Driver {
	case "mqtt":
		if strings.TrimSpace(c.Connection.Broker) == "" {
			return errors.New("connection.broker is required for the mqtt driver")
		}
	case "loopback":
	default:
		return fmt.Errorf("connection.driver %q unsupported (allowed: mqtt, loopback)", c.Connection.Driver)
	}
	if c.Connection.TLS != nil && c.Connection.TLS.Enabled {
		if (c.Connection.TLS.CertFile == "") != (c.Connection.TLS.KeyFile == "") {
			return errors.New("connection.tls requires both cert_file and key_file")
		}
	}
	if strings.ContainsAny(c.Sync.TopicPrefix, "#+") {
		return fmt.Errorf("sync.topic_prefix %q must not contain wildcards", c.Sync.TopicPrefix)
	}
	if q := c.Sync.QoSLevel(); q > 2 {
		return fmt.Errorf("sync.qos %d out of range (0-2)", q)
	}
	if c.Display.TickInterval.Duration < 10*time.Millisecond {
		return fmt.Errorf("display.tick_interval %s too short", c.Display.TickInterval.Duration)
	}
	if c.Display.ReconnectMax.Duration < c.Display.ReconnectMin.Duration {
		return errors.New("display.reconnect_max must not be shorter than display.reconnect_min")
	}
	if c.Companion.MinTemp > c.Companion.MaxTemp {
		return fmt.Errorf("companion.min_temp %.1f exceeds max_temp %.1f", c.Companion.MinTemp, c.Companion.MaxTemp)
	}
	return nil
}
