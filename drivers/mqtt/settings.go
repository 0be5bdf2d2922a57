package mqtt

import (
	"fmt"
	"strings"
	"time"

	"github.com/timzifer/wearsync/config"
	"github.com/timzifer/wearsync/runtime/records"
)

const (
	assetSegment = "assets"

	defaultLookupWindow = time.Second
)

// ConnectionSettings describe how to reach the MQTT broker.
type ConnectionSettings struct {
	Broker         string
	ClientID       string
	CleanSession   *bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	Auth           *AuthSettings
	TLS            *TLSSettings
}

// AuthSettings capture username/password authentication for MQTT.
type AuthSettings struct {
	Username string
	Password string
}

// TLSSettings allow TLS connections to be configured.
type TLSSettings struct {
	Enabled            bool
	InsecureSkipVerify bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	ALPN               []string
}

// Settings configure a Store.
type Settings struct {
	Connection      ConnectionSettings
	TopicPrefix     string
	QoS             byte
	MaxPayloadBytes int
	// LookupWindow bounds how long Get and ResolveAsset wait for a retained
	// message after their subscription was acknowledged.
	LookupWindow time.Duration
}

// SettingsFromConfig maps the shared configuration onto store settings.
func SettingsFromConfig(conn config.ConnectionConfig, sync config.SyncConfig) Settings {
	s := Settings{
		Connection: ConnectionSettings{
			Broker:         conn.Broker,
			ClientID:       conn.ClientID,
			CleanSession:   conn.CleanSession,
			KeepAlive:      conn.KeepAlive.Duration,
			ConnectTimeout: conn.ConnectTimeout.Duration,
		},
		TopicPrefix:     sync.TopicPrefix,
		QoS:             sync.QoSLevel(),
		MaxPayloadBytes: sync.MaxPayloadBytes,
	}
	if conn.Auth != nil {
		s.Connection.Auth = &AuthSettings{Username: conn.Auth.Username, Password: conn.Auth.Password}
	}
	if conn.TLS != nil {
		s.Connection.TLS = &TLSSettings{
			Enabled:            conn.TLS.Enabled,
			InsecureSkipVerify: conn.TLS.InsecureSkipVerify,
			CAFile:             conn.TLS.CAFile,
			CertFile:           conn.TLS.CertFile,
			KeyFile:            conn.TLS.KeyFile,
			ServerName:         conn.TLS.ServerName,
			ALPN:               append([]string(nil), conn.TLS.ALPN...),
		}
	}
	return s.withDefaults()
}

func (s Settings) withDefaults() Settings {
	s.TopicPrefix = strings.Trim(s.TopicPrefix, "/")
	if s.TopicPrefix == "" {
		s.TopicPrefix = config.DefaultTopicPrefix
	}
	if s.MaxPayloadBytes <= 0 {
		s.MaxPayloadBytes = records.DefaultMaxPayloadBytes
	}
	if s.LookupWindow <= 0 {
		s.LookupWindow = defaultLookupWindow
	}
	if s.Connection.ConnectTimeout <= 0 {
		s.Connection.ConnectTimeout = config.DefaultConnectTimeout
	}
	return s
}

// Validate performs lightweight validation of the settings.
func (s Settings) Validate() error {
	if s.Connection.Broker == "" {
		return fmt.Errorf("connection.broker is required")
	}
	if strings.ContainsAny(s.TopicPrefix, "#+") {
		return fmt.Errorf("topic prefix %q must not contain wildcards", s.TopicPrefix)
	}
	if s.QoS > 2 {
		return fmt.Errorf("qos %d out of range", s.QoS)
	}
	return nil
}

// recordTopic maps a record path or prefix pattern onto an MQTT topic filter.
func (s Settings) recordTopic(pattern string) string {
	if strings.HasSuffix(pattern, "/") {
		return s.TopicPrefix + pattern + "#"
	}
	return s.TopicPrefix + pattern
}

func (s Settings) assetTopic(ref records.AssetReference) string {
	return s.TopicPrefix + "/" + assetSegment + "/" + ref.ID
}

// assetTopicName reports whether topic carries an asset payload.
func (s Settings) assetTopicName(topic string) bool {
	return strings.HasPrefix(topic, s.TopicPrefix+"/"+assetSegment+"/")
}

// reservedPath reports whether path collides with the asset namespace.
func (s Settings) reservedPath(path string) bool {
	return path == "/"+assetSegment || strings.HasPrefix(path, "/"+assetSegment+"/")
}
