package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the UDP bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	UDP      UDPConfig      `yaml:"udp"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Forward  ForwardConfig  `yaml:"forward"`
	Health   HealthConfig   `yaml:"health"`
	Journal  JournalConfig  `yaml:"journal"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BridgeConfig identifies this bridge instance on the MQTT bus.
type BridgeConfig struct {
	ID string `yaml:"id"`
}

// UDPConfig contains the datagram listener settings.
type UDPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// BufferSize is the receive buffer per datagram in bytes.
	// Larger datagrams are truncated by the socket.
	BufferSize int `yaml:"buffer_size"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// ForwardConfig controls how datagrams are republished.
type ForwardConfig struct {
	// Topic every datagram payload is published to.
	Topic string `yaml:"topic"`

	// QoS must be 1 or 2: acknowledgement tracking needs a broker confirmation.
	QoS int `yaml:"qos"`

	Retained bool `yaml:"retained"`

	// DrainTimeout bounds the shutdown wait for acknowledgements (seconds).
	// 0 waits forever.
	DrainTimeout int `yaml:"drain_timeout"`

	// DrainPollInterval is how often progress is logged while draining (milliseconds).
	DrainPollInterval int `yaml:"drain_poll_interval"`
}

// HealthConfig contains bridge health reporting settings.
type HealthConfig struct {
	Interval int `yaml:"interval"` // seconds
}

// JournalConfig contains the optional SQLite delivery journal settings.
type JournalConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the status HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
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
// Environment variables follow the pattern: UDPBRIDGE_SECTION_KEY
// For example: UDPBRIDGE_UDP_PORT, UDPBRIDGE_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID: "udp-bridge-01",
		},
		UDP: UDPConfig{
			Host:       "0.0.0.0",
			Port:       12345,
			BufferSize: 1024,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-udpbridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Forward: ForwardConfig{
			Topic:             "test/topic",
			QoS:               1,
			DrainTimeout:      30,
			DrainPollInterval: 100,
		},
		Health: HealthConfig{
			Interval: 30,
		},
		Journal: JournalConfig{
			Enabled:     false,
			Path:        "./data/udpbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: UDPBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	// UDP
	if v := os.Getenv("UDPBRIDGE_UDP_HOST"); v != "" {
		cfg.UDP.Host = v
	}
	if v := os.Getenv("UDPBRIDGE_UDP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UDPBRIDGE_UDP_PORT: %w", err)
		}
		cfg.UDP.Port = port
	}

	// MQTT
	if v := os.Getenv("UDPBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("UDPBRIDGE_MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UDPBRIDGE_MQTT_PORT: %w", err)
		}
		cfg.MQTT.Broker.Port = port
	}
	if v := os.Getenv("UDPBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("UDPBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Forwarding
	if v := os.Getenv("UDPBRIDGE_FORWARD_TOPIC"); v != "" {
		cfg.Forward.Topic = v
	}

	// Journal
	if v := os.Getenv("UDPBRIDGE_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}

	// InfluxDB
	if v := os.Getenv("UDPBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}

	// UDP validation (port 0 binds an ephemeral port)
	if c.UDP.Port < 0 || c.UDP.Port > 65535 {
		errs = append(errs, "udp.port must be between 0 and 65535")
	}
	if c.UDP.BufferSize < 1 || c.UDP.BufferSize > 65535 {
		errs = append(errs, "udp.buffer_size must be between 1 and 65535")
	}

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// Forwarding validation
	if c.Forward.Topic == "" {
		errs = append(errs, "forward.topic is required")
	} else if strings.ContainsAny(c.Forward.Topic, "+#") {
		errs = append(errs, "forward.topic must not contain wildcards")
	}
	if c.Forward.QoS < 1 || c.Forward.QoS > 2 {
		errs = append(errs, "forward.qos must be 1 or 2 (acknowledgements require a broker confirmation)")
	}
	if c.Forward.DrainTimeout < 0 {
		errs = append(errs, "forward.drain_timeout must not be negative")
	}
	if c.Forward.DrainPollInterval < 1 {
		errs = append(errs, "forward.drain_poll_interval must be at least 1ms")
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, "journal.path is required when the journal is enabled")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// UDPAddress returns the listener address in host:port form.
func (c *Config) UDPAddress() string {
	return fmt.Sprintf("%s:%d", c.UDP.Host, c.UDP.Port)
}

// GetDrainTimeout returns the drain timeout as a Duration (0 = unbounded).
func (c *Config) GetDrainTimeout() time.Duration {
	return time.Duration(c.Forward.DrainTimeout) * time.Second
}

// GetDrainPollInterval returns the drain progress interval as a Duration.
func (c *Config) GetDrainPollInterval() time.Duration {
	return time.Duration(c.Forward.DrainPollInterval) * time.Millisecond
}

// GetHealthInterval returns the health reporting interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Health.Interval) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
