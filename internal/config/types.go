package config

import "time"

// Config represents the complete checkd daemon configuration
type Config struct {
	Alerts   []string       `yaml:"alerts"`  // globs of alert definition files
	Targets  []string       `yaml:"targets"` // globs of target registry files
	Database DatabaseConfig `yaml:"database"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Control  ControlConfig  `yaml:"control"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Errors   ErrorsConfig   `yaml:"errors"`
	Events   EventsConfig   `yaml:"events"`
	Reload   ReloadConfig   `yaml:"reload"`
	Shell    ShellConfig    `yaml:"shell"`
	Logging  LoggingConfig  `yaml:"logging"`

	// path the config was read from; relative globs resolve against its directory
	path string
}

// DatabaseConfig configures the connection used by query sources.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // "postgres" (lib/pq) or "pgx"
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SMTPConfig configures the mail transport
type SMTPConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	From          string        `yaml:"from"`
	TLS           string        `yaml:"tls"` // "starttls", "implicit" or "none"
	TLSSkipVerify bool          `yaml:"tls_skip_verify"`
	Timeout       time.Duration `yaml:"timeout"`
}

// WebhookConfig configures delivery to http(s) recipient addresses
type WebhookConfig struct {
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// ControlConfig configures the HTTP control API
type ControlConfig struct {
	Enabled bool     `yaml:"enabled"`
	Listen  []string `yaml:"listen"`
}

// DefaultsConfig holds fallbacks applied to alert definitions and notifications
type DefaultsConfig struct {
	Interval time.Duration `yaml:"interval"`
	Subject  string        `yaml:"subject"`
	Target   string        `yaml:"target"` // used by unmatched events and error alerts
}

// ErrorsConfig routes synthetic definition-error and source-error alerts
type ErrorsConfig struct {
	Targets    []string `yaml:"targets,omitempty"`
	AlwaysSend string   `yaml:"always_send"` // "false", "true" or a resend duration
	Subject    string   `yaml:"subject"`
	Body       string   `yaml:"body"`
}

// EventsConfig controls events that match no alert definition
type EventsConfig struct {
	State      string      `yaml:"state"`       // "stateless", "memory" or "redis"
	AlwaysSend string      `yaml:"always_send"` // policy applied to unmatched events
	Body       string      `yaml:"body"`
	Redis      RedisConfig `yaml:"redis"`
	Kafka      KafkaConfig `yaml:"kafka"`
}

// RedisConfig locates the redis server used for event state
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// KafkaConfig enables the event ingestion bridge when Brokers is non-empty
type KafkaConfig struct {
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// ReloadConfig controls the reload coordinator
type ReloadConfig struct {
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// ShellConfig controls command sources
type ShellConfig struct {
	Interpreters map[string][]string `yaml:"interpreters,omitempty"`
	Env          map[string]string   `yaml:"env,omitempty"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "json" or "console"
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}
