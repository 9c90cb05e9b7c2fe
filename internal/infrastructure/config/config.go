package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Native layer modes.
const (
	NativeModeMQTT      = "mqtt"
	NativeModeSimulator = "simulator"
	NativeModeNone      = "none"
)

// Config is the root configuration structure for the accessory bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Native    NativeConfig    `yaml:"native"`
	Database  DatabaseConfig  `yaml:"database"`
	History   HistoryConfig   `yaml:"history"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// BridgeConfig contains timing and queueing settings for the accessory cache.
type BridgeConfig struct {
	// RequestTimeout bounds every read, write and identify (seconds).
	RequestTimeout int `yaml:"request_timeout"`

	// RefreshTimeout bounds a full graph fetch (seconds).
	RefreshTimeout int `yaml:"refresh_timeout"`

	// MaxQueuedWrites is the per-characteristic write queue depth.
	// Writes beyond it fail with a busy error.
	MaxQueuedWrites int `yaml:"max_queued_writes"`

	// RefreshOnReconnect reconciles the cache when the native layer comes back.
	RefreshOnReconnect bool `yaml:"refresh_on_reconnect"`

	// InitializeOnStart runs the first graph fetch during startup.
	InitializeOnStart bool `yaml:"initialize_on_start"`
}

// NativeConfig selects how the native accessory framework is reached.
type NativeConfig struct {
	// Mode is one of "mqtt", "simulator" or "none".
	Mode string `yaml:"mode"`

	// HostID names the native host process on the MQTT bus.
	HostID string `yaml:"host_id"`

	// AvailabilityTimeout is how long to wait for the host's online status (seconds).
	AvailabilityTimeout int `yaml:"availability_timeout"`

	// SimulatorFixture is a YAML graph file loaded in simulator mode.
	SimulatorFixture string `yaml:"simulator_fixture"`

	// SimulatorLatencyMS delays every simulated completion.
	SimulatorLatencyMS int `yaml:"simulator_latency_ms"`

	// SimulatorWatch reloads the fixture and refreshes the bridge when the file changes.
	SimulatorWatch bool `yaml:"simulator_watch"`

	// Host optionally launches and supervises the native host process.
	Host NativeHostConfig `yaml:"host"`
}

// NativeHostConfig describes the supervised native host process (mqtt mode).
// An empty Command means the host is started by something else.
type NativeHostConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	WorkDir string   `yaml:"work_dir"`

	// RestartDelay is the first backoff step (seconds), doubled per crash
	// up to MaxRestartDelay.
	RestartDelay    int `yaml:"restart_delay"`
	MaxRestartDelay int `yaml:"max_restart_delay"`

	// MaxRestarts gives up after this many consecutive crashes. 0 never gives up.
	MaxRestarts int `yaml:"max_restarts"`

	// StopTimeout is the SIGTERM grace period (seconds).
	StopTimeout int `yaml:"stop_timeout"`

	// CheckInterval is how often the host's online status is checked (seconds).
	CheckInterval int `yaml:"check_interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// HistoryConfig controls the characteristic change journal.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`

	// RetentionDays is how long journal rows are kept. 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains bearer token settings for application runtimes.
// An empty secret disables token checks on the API.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ACCBRIDGE_SECTION_KEY
// For example: ACCBRIDGE_NATIVE_MODE, ACCBRIDGE_MQTT_HOST
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

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration, used when no file is given.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Accessory Bridge",
		},
		Bridge: BridgeConfig{
			RequestTimeout:     10,
			RefreshTimeout:     30,
			MaxQueuedWrites:    16,
			RefreshOnReconnect: true,
			InitializeOnStart:  true,
		},
		Native: NativeConfig{
			Mode:                NativeModeNone,
			HostID:              "default",
			AvailabilityTimeout: 5,
			Host: NativeHostConfig{
				RestartDelay:    1,
				MaxRestartDelay: 60,
				StopTimeout:     10,
				CheckInterval:   30,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/accessorybridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		History: HistoryConfig{
			Enabled:       false,
			RetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "accessorybridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				Issuer: "accessorybridge",
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ACCBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Native
	if v := os.Getenv("ACCBRIDGE_NATIVE_MODE"); v != "" {
		cfg.Native.Mode = v
	}
	if v := os.Getenv("ACCBRIDGE_NATIVE_HOST_ID"); v != "" {
		cfg.Native.HostID = v
	}
	if v := os.Getenv("ACCBRIDGE_NATIVE_HOST_COMMAND"); v != "" {
		cfg.Native.Host.Command = v
	}
	if v := os.Getenv("ACCBRIDGE_SIMULATOR_FIXTURE"); v != "" {
		cfg.Native.SimulatorFixture = v
	}
	if v := os.Getenv("ACCBRIDGE_SIMULATOR_WATCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Native.SimulatorWatch = b
		}
	}

	// Bridge
	if v := os.Getenv("ACCBRIDGE_REQUEST_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.RequestTimeout = n
		}
	}

	// Database
	if v := os.Getenv("ACCBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("ACCBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("ACCBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("ACCBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("ACCBRIDGE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("ACCBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("ACCBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Security
	if v := os.Getenv("ACCBRIDGE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Bridge.RequestTimeout < 1 {
		errs = append(errs, "bridge.request_timeout must be at least 1 second")
	}
	if c.Bridge.RefreshTimeout < 1 {
		errs = append(errs, "bridge.refresh_timeout must be at least 1 second")
	}
	if c.Bridge.MaxQueuedWrites < 1 {
		errs = append(errs, "bridge.max_queued_writes must be at least 1")
	}

	switch c.Native.Mode {
	case NativeModeMQTT:
		if c.Native.HostID == "" {
			errs = append(errs, "native.host_id is required in mqtt mode")
		}
	case NativeModeSimulator, NativeModeNone:
	default:
		errs = append(errs, fmt.Sprintf("native.mode %q must be one of mqtt, simulator, none", c.Native.Mode))
	}
	if c.Native.Host.Command != "" && c.Native.Mode != NativeModeMQTT {
		errs = append(errs, "native.host.command is only used in mqtt mode")
	}
	if c.Native.SimulatorWatch && (c.Native.Mode != NativeModeSimulator || c.Native.SimulatorFixture == "") {
		errs = append(errs, "native.simulator_watch requires simulator mode and a fixture")
	}

	if c.History.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when history is enabled")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	// The secret is optional, but a configured one must resist brute force.
	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetRequestTimeout returns the per-request native timeout as a Duration.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Bridge.RequestTimeout) * time.Second
}

// GetRefreshTimeout returns the full graph fetch timeout as a Duration.
func (c *Config) GetRefreshTimeout() time.Duration {
	return time.Duration(c.Bridge.RefreshTimeout) * time.Second
}

// GetAvailabilityTimeout returns how long to wait for the native host at startup.
func (c *Config) GetAvailabilityTimeout() time.Duration {
	return time.Duration(c.Native.AvailabilityTimeout) * time.Second
}

// GetHistoryRetention returns the journal retention window, or 0 for unlimited.
func (c *Config) GetHistoryRetention() time.Duration {
	return time.Duration(c.History.RetentionDays) * 24 * time.Hour
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
