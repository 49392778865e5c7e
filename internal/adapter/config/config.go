package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/nexus-edge/alink-device/internal/domain"
	"gopkg.in/yaml.v3"
)

var envBraces = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvBraces expands only ${VAR} and ${VAR:default} patterns.
// Plain $ characters are left alone so secrets containing them survive.
func expandEnvBraces(s string) string {
	return envBraces.ReplaceAllStringFunc(s, func(match string) string {
		parts := envBraces.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// Config represents the complete daemon configuration
type Config struct {
	Device    domain.DeviceIdentity `yaml:"device"`
	MQTT      MQTTConfig            `yaml:"mqtt"`
	Registry  RegistryConfig        `yaml:"registry"`
	Reporting ReportingConfig       `yaml:"reporting"`
	Setpoints SetpointsConfig       `yaml:"setpoints"`
	Modbus    ModbusConfig          `yaml:"modbus"`
	Breaker   BreakerConfig         `yaml:"breaker"`
	HTTP      HTTPConfig            `yaml:"http"`
	Logging   LoggingConfig         `yaml:"logging"`
}

// MQTTConfig contains MQTT session settings. The broker host and login
// come from the device identity.
type MQTTConfig struct {
	Port           int           `yaml:"port"`
	TLS            bool          `yaml:"tls"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CleanSession   bool          `yaml:"clean_session"`
	CheckInterval  time.Duration `yaml:"check_interval"`
	QoS            byte          `yaml:"qos"`
}

// RegistryConfig sizes the dispatch registry
type RegistryConfig struct {
	Capacity int `yaml:"capacity"`
}

// ReportingConfig contains periodic attribute report settings
type ReportingConfig struct {
	Enabled  *bool         `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	QoS      byte          `yaml:"qos"`
	Decimals *int          `yaml:"decimals"`
}

// SetpointsConfig contains cloud-to-device write settings
type SetpointsConfig struct {
	Enabled             *bool         `yaml:"enabled"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	Acknowledge         *bool         `yaml:"acknowledge"`
	FailureEvent        string        `yaml:"failure_event"`
	MaxConcurrentWrites int           `yaml:"max_concurrent_writes"`
}

// ModbusConfig contains the field bus connection and tag list
type ModbusConfig struct {
	Address    string        `yaml:"address"`
	SlaveID    byte          `yaml:"slave_id"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Tags       []*domain.Tag `yaml:"tags"`
}

// BreakerConfig guards reconnect attempts
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// HTTPConfig contains HTTP server settings
type HTTPConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// Debug mirrors every inbound and outbound message to stdout
	Debug bool `yaml:"debug"`
}

// ReportingEnabled reports whether the periodic reporter should run.
func (c *Config) ReportingEnabled() bool {
	return c.Reporting.Enabled == nil || *c.Reporting.Enabled
}

// SetpointsEnabled reports whether writable tags are bound.
func (c *Config) SetpointsEnabled() bool {
	return c.Setpoints.Enabled == nil || *c.Setpoints.Enabled
}

// SetpointsAcknowledge reports whether setpoint outcomes are echoed to the cloud.
func (c *Config) SetpointsAcknowledge() bool {
	return c.Setpoints.Acknowledge == nil || *c.Setpoints.Acknowledge
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML, applying defaults, environment
// overrides and validation in that order.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvBraces(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Device.Region == "" {
		cfg.Device.Region = domain.DefaultRegion
	}

	if cfg.MQTT.Port == 0 {
		cfg.MQTT.Port = 1883
		if cfg.MQTT.TLS {
			cfg.MQTT.Port = 8883
		}
	}
	if cfg.MQTT.KeepAlive == 0 {
		cfg.MQTT.KeepAlive = 60 * time.Second
	}
	if cfg.MQTT.ConnectTimeout == 0 {
		cfg.MQTT.ConnectTimeout = 10 * time.Second
	}
	if cfg.MQTT.CheckInterval == 0 {
		cfg.MQTT.CheckInterval = 10 * time.Second
	}

	if cfg.Registry.Capacity == 0 {
		cfg.Registry.Capacity = 50
	}

	if cfg.Reporting.Interval == 0 {
		cfg.Reporting.Interval = 10 * time.Second
	}
	if cfg.Reporting.Decimals == nil {
		decimals := 2
		cfg.Reporting.Decimals = &decimals
	}

	if cfg.Setpoints.WriteTimeout == 0 {
		cfg.Setpoints.WriteTimeout = 5 * time.Second
	}
	if cfg.Setpoints.FailureEvent == "" {
		cfg.Setpoints.FailureEvent = "setpoint_error"
	}
	if cfg.Setpoints.MaxConcurrentWrites == 0 {
		cfg.Setpoints.MaxConcurrentWrites = 4
	}

	if cfg.Modbus.SlaveID == 0 {
		cfg.Modbus.SlaveID = 1
	}
	if cfg.Modbus.Timeout == 0 {
		cfg.Modbus.Timeout = 3 * time.Second
	}
	if cfg.Modbus.MaxRetries == 0 {
		cfg.Modbus.MaxRetries = 2
	}
	if cfg.Modbus.RetryDelay == 0 {
		cfg.Modbus.RetryDelay = 100 * time.Millisecond
	}

	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = 5
	}
	if cfg.Breaker.OpenTimeout == 0 {
		cfg.Breaker.OpenTimeout = time.Minute
	}

	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 10 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 10 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ALINK_PRODUCT_KEY"); v != "" {
		cfg.Device.ProductKey = v
	}
	if v := os.Getenv("ALINK_DEVICE_NAME"); v != "" {
		cfg.Device.DeviceName = v
	}
	if v := os.Getenv("ALINK_DEVICE_SECRET"); v != "" {
		cfg.Device.DeviceSecret = v
	}
	if v := os.Getenv("ALINK_REGION"); v != "" {
		cfg.Device.Region = v
	}
	if v := os.Getenv("ALINK_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = port
		}
	}
	if v := os.Getenv("ALINK_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ALINK_MODBUS_ADDRESS"); v != "" {
		cfg.Modbus.Address = v
	}
}

func validate(cfg *Config) error {
	if err := cfg.Device.Validate(); err != nil {
		return err
	}
	if cfg.Registry.Capacity < 1 {
		return domain.ErrInvalidCapacity
	}
	if cfg.MQTT.QoS > 2 || cfg.Reporting.QoS > 2 {
		return domain.ErrInvalidQoS
	}
	if cfg.Reporting.Interval < 0 {
		return errors.New("reporting interval cannot be negative")
	}
	if *cfg.Reporting.Decimals < 0 {
		return errors.New("reporting decimals cannot be negative")
	}

	seen := make(map[string]bool, len(cfg.Modbus.Tags))
	for i, tag := range cfg.Modbus.Tags {
		if tag == nil {
			return fmt.Errorf("tag %d is empty", i)
		}
		if err := tag.Validate(); err != nil {
			return fmt.Errorf("tag %q: %w", tag.ID, err)
		}
		if seen[tag.ID] {
			return fmt.Errorf("duplicate tag id %q", tag.ID)
		}
		seen[tag.ID] = true
	}
	if len(cfg.Modbus.Tags) > 0 && cfg.Modbus.Address == "" {
		return errors.New("modbus address is required when tags are configured")
	}
	return nil
}
