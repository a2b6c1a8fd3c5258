package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Stargaze gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	Broker     BrokerConfig     `yaml:"broker"`
	Credential CredentialConfig `yaml:"credential"`
	Session    SessionConfig    `yaml:"session"`
	Devices    []DeviceConfig   `yaml:"devices"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat"`
	Relay      RelayConfig      `yaml:"relay"`
	Producer   ProducerConfig   `yaml:"producer"`
	Database   DatabaseConfig   `yaml:"database"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// GatewayConfig identifies the gateway device inside the cloud registry.
type GatewayConfig struct {
	Project   string `yaml:"project"`
	Region    string `yaml:"region"`
	Registry  string `yaml:"registry"`
	GatewayID string `yaml:"gateway_id"`

	// LockFile guards against two processes authenticating as the same gateway.
	LockFile string `yaml:"lock_file"`
}

// ClientID returns the broker client identifier for the gateway:
// projects/{project}/locations/{region}/registries/{registry}/devices/{gatewayId}
func (g GatewayConfig) ClientID() string {
	return fmt.Sprintf("projects/%s/locations/%s/registries/%s/devices/%s",
		g.Project, g.Region, g.Registry, g.GatewayID)
}

// BrokerConfig contains MQTT bridge connection settings.
type BrokerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	TLS         bool   `yaml:"tls"`
	CABundleURL string `yaml:"ca_bundle_url"`

	// Timeouts in seconds.
	ConnectTimeout    int `yaml:"connect_timeout"`
	DisconnectTimeout int `yaml:"disconnect_timeout"`
	KeepAlive         int `yaml:"keep_alive"`
}

// CredentialConfig contains token signing settings.
type CredentialConfig struct {
	PrivateKeyFile  string `yaml:"private_key_file"`
	Algorithm       string `yaml:"algorithm"`
	ValidForMinutes int    `yaml:"valid_for_minutes"`
}

// SessionConfig contains coordinator timing settings.
type SessionConfig struct {
	// SettleDelay is waited after attaching leaf devices, before subscribing.
	SettleDelay time.Duration `yaml:"settle_delay"`

	// DetachSettleDelay is waited after detaching leaf devices, before disconnecting.
	DetachSettleDelay time.Duration `yaml:"detach_settle_delay"`

	// RotationMargin is how long before credential expiry the session is rotated.
	// Zero selects 10% of the credential lifetime.
	RotationMargin time.Duration `yaml:"rotation_margin"`

	// RetryInitialDelay and RetryMaxDelay bound the backoff between failed cycles.
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`

	// ShutdownGrace bounds the detach/disconnect steps on process shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// AttachAuthorization is sent in the attach body of every leaf device.
	AttachAuthorization string `yaml:"attach_authorization"`
}

// DeviceConfig describes one logical device and its sub-topics.
// The first entry whose ID equals gateway.gateway_id is the gateway.
type DeviceConfig struct {
	ID        string           `yaml:"id"`
	SubTopics []SubTopicConfig `yaml:"subtopics"`
}

// SubTopicConfig describes a single subscription of a device.
type SubTopicConfig struct {
	Name    string `yaml:"name"`
	QoS     int    `yaml:"qos"`
	Handler string `yaml:"handler"`
}

// HeartbeatConfig contains liveness publishing settings.
type HeartbeatConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	QoS      int           `yaml:"qos"`
}

// RelayConfig contains the local telemetry relay settings.
type RelayConfig struct {
	// Network is "tcp" (loopback) or "unix".
	Network string `yaml:"network"`
	Address string `yaml:"address"`

	// Secret authenticates the producer. If empty, it is read from SecretFile,
	// which is created with a fresh random secret when missing.
	Secret string `yaml:"secret"`

	// SecretFile is where external producers read the secret from (mode 0600).
	SecretFile string `yaml:"secret_file"`
}

// ProducerConfig controls whether the gateway launches the sensor producer itself.
type ProducerConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Binary             string        `yaml:"binary"`
	Args               []string      `yaml:"args"`
	RestartDelay       time.Duration `yaml:"restart_delay"`
	MaxRestartAttempts int           `yaml:"max_restart_attempts"`
}

// DatabaseConfig contains SQLite settings for the session journal.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for the telemetry mirror.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the local status server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: STARGAZE_SECTION_KEY
// For example: STARGAZE_PRIVATE_KEY_FILE, STARGAZE_RELAY_SECRET
//
// Devices are replaced wholesale when the file declares any.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Unmarshal device entries separately so a file list replaces the defaults
	// instead of being merged element by element.
	defaults := cfg.Devices
	cfg.Devices = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if len(cfg.Devices) == 0 {
		cfg.Devices = defaults
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration, validated only by the caller.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Project:   "danarchy-io",
			Region:    "us-central1",
			Registry:  "raspberry",
			GatewayID: "default",
			LockFile:  "./data/gateway.lock",
		},
		Broker: BrokerConfig{
			Host:              "mqtt.googleapis.com",
			Port:              8883,
			TLS:               true,
			CABundleURL:       "https://pki.google.com/roots.pem",
			ConnectTimeout:    20,
			DisconnectTimeout: 20,
			KeepAlive:         60,
		},
		Credential: CredentialConfig{
			PrivateKeyFile:  "private.pem",
			Algorithm:       "RS256",
			ValidForMinutes: 60,
		},
		Session: SessionConfig{
			SettleDelay:       5 * time.Second,
			DetachSettleDelay: 5 * time.Second,
			RetryInitialDelay: time.Second,
			RetryMaxDelay:     time.Minute,
			ShutdownGrace:     30 * time.Second,
		},
		Devices: []DeviceConfig{
			{ID: "default", SubTopics: defaultSubTopics()},
			{ID: "sensor", SubTopics: defaultSubTopics()},
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Interval: 2 * time.Minute,
			QoS:      0,
		},
		Relay: RelayConfig{
			Network:    "tcp",
			Address:    "127.0.0.1:6000",
			SecretFile: "./data/relay.secret",
		},
		Producer: ProducerConfig{
			RestartDelay:       5 * time.Second,
			MaxRestartAttempts: 0,
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/gateway.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func defaultSubTopics() []SubTopicConfig {
	return []SubTopicConfig{
		{Name: "config", QoS: 1, Handler: "config"},
		{Name: "errors", QoS: 0, Handler: "errors"},
		{Name: "commands/#", QoS: 0, Handler: "commands"},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STARGAZE_GATEWAY_ID"); v != "" {
		cfg.Gateway.GatewayID = v
	}
	if v := os.Getenv("STARGAZE_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv("STARGAZE_PRIVATE_KEY_FILE"); v != "" {
		cfg.Credential.PrivateKeyFile = v
	}
	if v := os.Getenv("STARGAZE_RELAY_SECRET"); v != "" {
		cfg.Relay.Secret = v
	}
	if v := os.Getenv("STARGAZE_RELAY_SECRET_FILE"); v != "" {
		cfg.Relay.SecretFile = v
	}
	if v := os.Getenv("STARGAZE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("STARGAZE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Gateway.Project == "" {
		errs = append(errs, "gateway.project is required")
	}
	if c.Gateway.Region == "" {
		errs = append(errs, "gateway.region is required")
	}
	if c.Gateway.Registry == "" {
		errs = append(errs, "gateway.registry is required")
	}
	if c.Gateway.GatewayID == "" {
		errs = append(errs, "gateway.gateway_id is required")
	}

	if c.Broker.Host == "" {
		errs = append(errs, "broker.host is required")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		errs = append(errs, "broker.port must be between 1 and 65535")
	}
	if c.Broker.TLS && c.Broker.CABundleURL == "" {
		errs = append(errs, "broker.ca_bundle_url is required when tls is enabled")
	}
	if c.Broker.ConnectTimeout <= 0 {
		errs = append(errs, "broker.connect_timeout must be positive")
	}
	if c.Broker.DisconnectTimeout <= 0 {
		errs = append(errs, "broker.disconnect_timeout must be positive")
	}

	if c.Credential.PrivateKeyFile == "" {
		errs = append(errs, "credential.private_key_file is required")
	}
	if c.Credential.ValidForMinutes <= 0 {
		errs = append(errs, "credential.valid_for_minutes must be positive")
	}
	if c.Session.RotationMargin < 0 {
		errs = append(errs, "session.rotation_margin cannot be negative")
	}

	errs = append(errs, c.validateDevices()...)

	if c.Heartbeat.Enabled && c.Heartbeat.Interval <= 0 {
		errs = append(errs, "heartbeat.interval must be positive when enabled")
	}
	if c.Heartbeat.QoS < 0 || c.Heartbeat.QoS > 1 {
		errs = append(errs, "heartbeat.qos must be 0 or 1")
	}

	switch c.Relay.Network {
	case "tcp", "unix":
	default:
		errs = append(errs, "relay.network must be tcp or unix")
	}
	if c.Relay.Address == "" {
		errs = append(errs, "relay.address is required")
	}
	// A secret generated in memory only reaches a supervised producer.
	if c.Relay.Secret == "" && c.Relay.SecretFile == "" && !c.Producer.Enabled {
		errs = append(errs, "relay.secret or relay.secret_file is required when producer is disabled")
	}

	if c.Producer.Enabled && c.Producer.Binary == "" {
		errs = append(errs, "producer.binary is required when producer is enabled")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateDevices() []string {
	var errs []string
	seen := make(map[string]bool)
	gateway := false

	for i, d := range c.Devices {
		if d.ID == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].id is required", i))
			continue
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Sprintf("devices[%d].id %q is duplicated", i, d.ID))
		}
		seen[d.ID] = true
		if d.ID == c.Gateway.GatewayID {
			gateway = true
		}
		for j, s := range d.SubTopics {
			if s.Name == "" {
				errs = append(errs, fmt.Sprintf("devices[%d].subtopics[%d].name is required", i, j))
			}
			if s.QoS < 0 || s.QoS > 1 {
				errs = append(errs, fmt.Sprintf("devices[%d].subtopics[%d].qos must be 0 or 1", i, j))
			}
		}
	}

	if !gateway {
		errs = append(errs, "devices must include the gateway device")
	}
	return errs
}

// ValidFor returns the credential lifetime as a Duration.
func (c *Config) ValidFor() time.Duration {
	return time.Duration(c.Credential.ValidForMinutes) * time.Minute
}

// GetConnectTimeout returns the broker connect timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.Broker.ConnectTimeout) * time.Second
}

// GetKeepAlive returns the broker keepalive interval as a Duration.
func (c *Config) GetKeepAlive() time.Duration {
	return time.Duration(c.Broker.KeepAlive) * time.Second
}

// GetDisconnectTimeout returns the broker disconnect timeout as a Duration.
func (c *Config) GetDisconnectTimeout() time.Duration {
	return time.Duration(c.Broker.DisconnectTimeout) * time.Second
}
