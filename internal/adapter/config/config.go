// Package config provides configuration management for the Modbus poller.
// It supports environment variables, a YAML config file, and defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ahmeth-sd/scada-modbus-demo/internal/domain"
)

// Config holds all configuration for the Modbus poller.
type Config struct {
	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment" yaml:"environment"`

	// Device connection
	Device DeviceConfig `mapstructure:"device" yaml:"device"`

	// Polling and backoff
	Polling PollingConfig `mapstructure:"polling" yaml:"polling"`

	// Temperature alarm
	Alarm AlarmConfig `mapstructure:"alarm" yaml:"alarm"`

	// MQTT configuration
	MQTT MQTTConfig `mapstructure:"mqtt" yaml:"mqtt"`

	// HTTP server configuration
	HTTP HTTPConfig `mapstructure:"http" yaml:"http"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// DeviceConfig holds the Modbus endpoint configuration.
type DeviceConfig struct {
	Address      string        `mapstructure:"address" yaml:"address"`
	SlaveID      int           `mapstructure:"slave_id" yaml:"slave_id"`
	DeviceName   string        `mapstructure:"device_name" yaml:"device_name"`
	StartAddress int           `mapstructure:"start_address" yaml:"start_address"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// PollingConfig holds poll cadence and backoff configuration.
type PollingConfig struct {
	PollPeriod         time.Duration `mapstructure:"poll_period" yaml:"poll_period"`
	TransactionTimeout time.Duration `mapstructure:"transaction_timeout" yaml:"transaction_timeout"`
	BackoffBase        time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax         time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	StaleFailureLimit  int           `mapstructure:"stale_failure_limit" yaml:"stale_failure_limit"`
	CommandQueueSize   int           `mapstructure:"command_queue_size" yaml:"command_queue_size"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AlarmConfig holds the hysteresis thresholds and hold durations.
type AlarmConfig struct {
	RaiseThreshold   float64 `mapstructure:"raise_threshold" yaml:"raise_threshold"`
	RaiseHoldSeconds float64 `mapstructure:"raise_hold_seconds" yaml:"raise_hold_seconds"`
	ClearThreshold   float64 `mapstructure:"clear_threshold" yaml:"clear_threshold"`
	ClearHoldSeconds float64 `mapstructure:"clear_hold_seconds" yaml:"clear_hold_seconds"`
}

// RaiseHold returns the raise hold as a duration.
func (a AlarmConfig) RaiseHold() time.Duration {
	return seconds(a.RaiseHoldSeconds)
}

// ClearHold returns the clear hold as a duration.
func (a AlarmConfig) ClearHold() time.Duration {
	return seconds(a.ClearHoldSeconds)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// MQTTConfig holds MQTT client configuration.
type MQTTConfig struct {
	BrokerURL          string        `mapstructure:"broker_url" yaml:"broker_url"`
	ClientID           string        `mapstructure:"client_id" yaml:"client_id"`
	Username           string        `mapstructure:"username" yaml:"username"`
	Password           string        `mapstructure:"password" yaml:"password"`
	CleanSession       bool          `mapstructure:"clean_session" yaml:"clean_session"`
	QoS                byte          `mapstructure:"qos" yaml:"qos"`
	KeepAlive          time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReconnectDelay     time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	TLSEnabled         bool          `mapstructure:"tls_enabled" yaml:"tls_enabled"`
	TLSCertFile        string        `mapstructure:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile         string        `mapstructure:"tls_key_file" yaml:"tls_key_file"`
	TLSCAFile          string        `mapstructure:"tls_ca_file" yaml:"tls_ca_file"`
	BufferSize         int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	AlarmBufferSize    int           `mapstructure:"alarm_buffer_size" yaml:"alarm_buffer_size"`
	PublishTimeout     time.Duration `mapstructure:"publish_timeout" yaml:"publish_timeout"`
	TopicPrefix        string        `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	RetryDelay         time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	MaxPublishAttempts int           `mapstructure:"max_publish_attempts" yaml:"max_publish_attempts"`
	BreakerFailures    int           `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerTimeout     time.Duration `mapstructure:"breaker_timeout" yaml:"breaker_timeout"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json or console
	Output     string `mapstructure:"output" yaml:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// Load loads configuration from defaults, an optional config file, and
// environment variables, then validates it. An empty path searches the
// default locations.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/modbus-poller")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, will use defaults and env vars
	}

	v.SetEnvPrefix("POLLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Device
	v.SetDefault("device.address", "127.0.0.1:5020")
	v.SetDefault("device.slave_id", 1)
	v.SetDefault("device.device_name", "battery-1")
	v.SetDefault("device.start_address", 0)
	v.SetDefault("device.idle_timeout", 30*time.Second)

	// Polling
	v.SetDefault("polling.poll_period", 1*time.Second)
	v.SetDefault("polling.transaction_timeout", 1*time.Second)
	v.SetDefault("polling.backoff_base", 1*time.Second)
	v.SetDefault("polling.backoff_max", 30*time.Second)
	v.SetDefault("polling.stale_failure_limit", 3)
	v.SetDefault("polling.command_queue_size", 16)
	v.SetDefault("polling.shutdown_timeout", 10*time.Second)

	// Alarm
	v.SetDefault("alarm.raise_threshold", 60.0)
	v.SetDefault("alarm.raise_hold_seconds", 5.0)
	v.SetDefault("alarm.clear_threshold", 58.0)
	v.SetDefault("alarm.clear_hold_seconds", 3.0)

	// MQTT
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "modbus-poller")
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.buffer_size", 1000)
	v.SetDefault("mqtt.alarm_buffer_size", 100)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.topic_prefix", "demo")
	v.SetDefault("mqtt.retry_delay", 500*time.Millisecond)
	v.SetDefault("mqtt.max_publish_attempts", 5)
	v.SetDefault("mqtt.breaker_failures", 5)
	v.SetDefault("mqtt.breaker_timeout", 10*time.Second)

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)
}

// bindEnvVars binds environment variables to config keys.
func bindEnvVars(v *viper.Viper) {
	// Device
	_ = v.BindEnv("device.address", "MODBUS_ADDRESS")
	_ = v.BindEnv("device.slave_id", "MODBUS_SLAVE_ID")

	// MQTT environment variables
	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")
	_ = v.BindEnv("mqtt.client_id", "MQTT_CLIENT_ID")

	// General environment variables
	_ = v.BindEnv("environment", "ENVIRONMENT")

	// HTTP
	_ = v.BindEnv("http.port", "HTTP_PORT")

	// Logging
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Validate validates the configuration. Any error is a *domain.ConfigError.
func (c *Config) Validate() error {
	if c.Device.Address == "" {
		return domain.NewConfigError("device.address", "is required")
	}
	if c.Device.SlaveID < 1 || c.Device.SlaveID > 247 {
		return domain.NewConfigError("device.slave_id", "must be in 1..247, got %d", c.Device.SlaveID)
	}
	if c.Device.StartAddress < 0 || c.Device.StartAddress+domain.BlockSize > 0x10000 {
		return domain.NewConfigError("device.start_address", "block does not fit the register space: %d", c.Device.StartAddress)
	}

	if c.Polling.PollPeriod <= 0 {
		return domain.NewConfigError("polling.poll_period", "must be positive, got %s", c.Polling.PollPeriod)
	}
	if c.Polling.TransactionTimeout <= 0 {
		return domain.NewConfigError("polling.transaction_timeout", "must be positive, got %s", c.Polling.TransactionTimeout)
	}
	if c.Polling.BackoffBase <= 0 {
		return domain.NewConfigError("polling.backoff_base", "must be positive, got %s", c.Polling.BackoffBase)
	}
	if c.Polling.BackoffMax < c.Polling.BackoffBase {
		return domain.NewConfigError("polling.backoff_max", "must be at least backoff_base (%s), got %s",
			c.Polling.BackoffBase, c.Polling.BackoffMax)
	}
	if c.Polling.ShutdownTimeout <= 0 {
		return domain.NewConfigError("polling.shutdown_timeout", "must be positive, got %s", c.Polling.ShutdownTimeout)
	}
	if c.Polling.StaleFailureLimit < 1 {
		return domain.NewConfigError("polling.stale_failure_limit", "must be at least 1, got %d", c.Polling.StaleFailureLimit)
	}

	if c.Alarm.ClearThreshold > c.Alarm.RaiseThreshold {
		return domain.NewConfigError("alarm.clear_threshold", "must not exceed raise_threshold (%g), got %g",
			c.Alarm.RaiseThreshold, c.Alarm.ClearThreshold)
	}
	if c.Alarm.RaiseHoldSeconds < 0 {
		return domain.NewConfigError("alarm.raise_hold_seconds", "must not be negative, got %g", c.Alarm.RaiseHoldSeconds)
	}
	if c.Alarm.ClearHoldSeconds < 0 {
		return domain.NewConfigError("alarm.clear_hold_seconds", "must not be negative, got %g", c.Alarm.ClearHoldSeconds)
	}

	if c.MQTT.BrokerURL == "" {
		return domain.NewConfigError("mqtt.broker_url", "is required")
	}
	if _, err := url.Parse(c.MQTT.BrokerURL); err != nil {
		return domain.NewConfigError("mqtt.broker_url", "%v", err)
	}
	if c.MQTT.QoS > 2 {
		return domain.NewConfigError("mqtt.qos", "must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if strings.TrimSpace(c.MQTT.TopicPrefix) == "" {
		return domain.NewConfigError("mqtt.topic_prefix", "is required")
	}
	if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		return domain.NewConfigError("mqtt.topic_prefix", "must not contain wildcards: %q", c.MQTT.TopicPrefix)
	}
	if c.MQTT.AlarmBufferSize < 1 {
		return domain.NewConfigError("mqtt.alarm_buffer_size", "must be at least 1, got %d", c.MQTT.AlarmBufferSize)
	}
	if c.MQTT.RetryDelay <= 0 {
		return domain.NewConfigError("mqtt.retry_delay", "must be positive, got %s", c.MQTT.RetryDelay)
	}
	if c.MQTT.MaxPublishAttempts < 1 {
		return domain.NewConfigError("mqtt.max_publish_attempts", "must be at least 1, got %d", c.MQTT.MaxPublishAttempts)
	}
	if c.MQTT.BreakerFailures < 1 {
		return domain.NewConfigError("mqtt.breaker_failures", "must be at least 1, got %d", c.MQTT.BreakerFailures)
	}
	if c.MQTT.BreakerTimeout <= 0 {
		return domain.NewConfigError("mqtt.breaker_timeout", "must be positive, got %s", c.MQTT.BreakerTimeout)
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return domain.NewConfigError("http.port", "invalid port: %d", c.HTTP.Port)
	}

	return nil
}

// Redacted returns a copy safe for printing.
func (c Config) Redacted() Config {
	if c.MQTT.Password != "" {
		c.MQTT.Password = "******"
	}
	return c
}
