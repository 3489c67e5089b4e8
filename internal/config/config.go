// Package config handles pulsekiosk configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/pulsekiosk/config.yaml, /etc/pulsekiosk/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pulsekiosk", "config.yaml"))
	}

	paths = append(paths, "/etc/pulsekiosk/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all kiosk configuration.
type Config struct {
	Peripheral PeripheralConfig `yaml:"peripheral"`
	Assignment AssignmentConfig `yaml:"assignment"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Scan       ScanConfig       `yaml:"scan"`
	Status     StatusConfig     `yaml:"status"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text or json
}

// PeripheralConfig locates the heart-rate strap and tunes the link
// supervision loop.
type PeripheralConfig struct {
	// Address is the BLE MAC address of the strap (e.g. A0:9E:1A:9F:0E:B4).
	Address string `yaml:"address"`
	// ProbeIntervalSec is how often the notification subscription is
	// checked (default 1).
	ProbeIntervalSec int `yaml:"probe_interval_sec"`
	// ReconnectDelaySec is the fixed wait between connect attempts (default 1).
	ReconnectDelaySec int `yaml:"reconnect_delay_sec"`
	// ConnectTimeoutSec bounds discovery plus connection (default 10).
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
	// StaleAfterSec declares the subscription dead when no notification
	// arrived for this long (default 3).
	StaleAfterSec int `yaml:"stale_after_sec"`
}

// ProbeInterval returns ProbeIntervalSec as a duration.
func (p PeripheralConfig) ProbeInterval() time.Duration {
	return time.Duration(p.ProbeIntervalSec) * time.Second
}

// ReconnectDelay returns ReconnectDelaySec as a duration.
func (p PeripheralConfig) ReconnectDelay() time.Duration {
	return time.Duration(p.ReconnectDelaySec) * time.Second
}

// ConnectTimeout returns ConnectTimeoutSec as a duration.
func (p PeripheralConfig) ConnectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeoutSec) * time.Second
}

// StaleAfter returns StaleAfterSec as a duration.
func (p PeripheralConfig) StaleAfter() time.Duration {
	return time.Duration(p.StaleAfterSec) * time.Second
}

// AssignmentConfig points at the user/device REST API.
type AssignmentConfig struct {
	// UsersEndpoint is the users collection URL, trailing slash
	// included (e.g. http://10.0.0.5:8080/api/users/).
	UsersEndpoint string `yaml:"users_endpoint"`
	// DevicesEndpoint is the pulse sensor collection URL.
	DevicesEndpoint string `yaml:"devices_endpoint"`
	// DeviceID identifies this kiosk in DevicesEndpoint (e.g. s001).
	DeviceID string `yaml:"device_id"`
	// TimeoutSec bounds every individual RPC (default 5).
	TimeoutSec int `yaml:"timeout_sec"`
	// Retries is the number of attempts per RPC (default 3).
	Retries int `yaml:"retries"`
	// RetryDelayMs is the base backoff between attempts (default 500).
	RetryDelayMs int `yaml:"retry_delay_ms"`
}

// Timeout returns TimeoutSec as a duration.
func (a AssignmentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSec) * time.Second
}

// RetryDelay returns RetryDelayMs as a duration.
func (a AssignmentConfig) RetryDelay() time.Duration {
	return time.Duration(a.RetryDelayMs) * time.Millisecond
}

// MQTTConfig configures the broker connection that carries the presence
// signal in and gauge updates out.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// PresenceTopic carries {"presence": bool} messages.
	PresenceTopic string `yaml:"presence_topic"`
	// DeviceName names this kiosk in topics and in Home Assistant.
	DeviceName string `yaml:"device_name"`
	// DiscoveryPrefix is the HA MQTT discovery prefix (default homeassistant).
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// RateLimitPerMinute caps inbound presence messages (default 600).
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// ScanConfig tunes the measurement cycle.
type ScanConfig struct {
	// CountdownSeconds is the stability window D (default 15).
	CountdownSeconds int `yaml:"countdown_seconds"`
	// ResetCountdownOnZero restarts the window on a zero reading. A
	// pointer distinguishes "not set" (default true) from false.
	ResetCountdownOnZero *bool `yaml:"reset_countdown_on_zero"`
	// AbortOnPresenceLoss aborts a running scan when the visitor leaves
	// (default true).
	AbortOnPresenceLoss *bool `yaml:"abort_on_presence_loss"`
	// CooldownSeconds is the pause after a completed or aborted cycle
	// before the kiosk returns to idle (default 5).
	CooldownSeconds int `yaml:"cooldown_seconds"`
	// PresenceMinDwellMs is how long a new presence value must persist
	// before it counts as a transition (default 0, no debounce).
	PresenceMinDwellMs int `yaml:"presence_min_dwell_ms"`
}

// Countdown returns CountdownSeconds as a duration.
func (s ScanConfig) Countdown() time.Duration {
	return time.Duration(s.CountdownSeconds) * time.Second
}

// PresenceMinDwell returns PresenceMinDwellMs as a duration.
func (s ScanConfig) PresenceMinDwell() time.Duration {
	return time.Duration(s.PresenceMinDwellMs) * time.Millisecond
}

// StatusConfig defines the read-only status HTTP server.
type StatusConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // 0 disables the server
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied. Endpoints
// and the peripheral address are left empty.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-value fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	p := &c.Peripheral
	if p.ProbeIntervalSec <= 0 {
		p.ProbeIntervalSec = 1
	}
	if p.ReconnectDelaySec <= 0 {
		p.ReconnectDelaySec = 1
	}
	if p.ConnectTimeoutSec <= 0 {
		p.ConnectTimeoutSec = 10
	}
	if p.StaleAfterSec <= 0 {
		p.StaleAfterSec = 3
	}

	a := &c.Assignment
	if a.TimeoutSec <= 0 {
		a.TimeoutSec = 5
	}
	if a.Retries <= 0 {
		a.Retries = 3
	}
	if a.RetryDelayMs <= 0 {
		a.RetryDelayMs = 500
	}

	m := &c.MQTT
	if m.PresenceTopic == "" {
		m.PresenceTopic = "api/users/presence"
	}
	if m.DeviceName == "" {
		m.DeviceName = "pulsekiosk"
	}
	if m.DiscoveryPrefix == "" {
		m.DiscoveryPrefix = "homeassistant"
	}
	if m.RateLimitPerMinute <= 0 {
		m.RateLimitPerMinute = 600
	}

	s := &c.Scan
	if s.CountdownSeconds <= 0 {
		s.CountdownSeconds = 15
	}
	if s.CooldownSeconds <= 0 {
		s.CooldownSeconds = 5
	}
	if s.ResetCountdownOnZero == nil {
		v := true
		s.ResetCountdownOnZero = &v
	}
	if s.AbortOnPresenceLoss == nil {
		v := true
		s.AbortOnPresenceLoss = &v
	}
}

// Validate checks that the configuration is internally consistent.
// Returns an error describing the first problem found.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q must be text or json", c.LogFormat)
	}
	if c.Peripheral.Address == "" {
		return fmt.Errorf("peripheral.address is required")
	}
	if err := validateURL("assignment.users_endpoint", c.Assignment.UsersEndpoint); err != nil {
		return err
	}
	if err := validateURL("assignment.devices_endpoint", c.Assignment.DevicesEndpoint); err != nil {
		return err
	}
	if c.Assignment.DeviceID == "" {
		return fmt.Errorf("assignment.device_id is required")
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required (presence arrives over MQTT)")
	}
	u, err := url.Parse(c.MQTT.Broker)
	if err != nil {
		return fmt.Errorf("mqtt.broker: %w", err)
	}
	switch u.Scheme {
	case "mqtt", "tcp", "mqtts", "ssl", "ws", "wss":
	default:
		return fmt.Errorf("mqtt.broker scheme %q not supported", u.Scheme)
	}
	if c.Scan.PresenceMinDwellMs < 0 {
		return fmt.Errorf("scan.presence_min_dwell_ms must not be negative")
	}
	if c.Status.Port < 0 || c.Status.Port > 65535 {
		return fmt.Errorf("status.port %d out of range (0-65535)", c.Status.Port)
	}
	return nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", field, raw)
	}
	return nil
}

// PendingDBPath returns the location of the held-measurement database.
func (c *Config) PendingDBPath() string {
	return filepath.Join(c.DataDir, "pending.db")
}
