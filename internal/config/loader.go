package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid configuration")

const (
	DefaultInterval = time.Minute
	DefaultSubject  = `{{ .alert_name }}{{ if .cleared }} cleared{{ else }} triggered{{ end }} on {{ .hostname }}`
	DefaultDebounce = 500 * time.Millisecond
)

// DefaultListen is where the control API binds, and where clients look, by default.
var DefaultListen = []string{"[::1]:8271", "127.0.0.1:8271"}

// LoadConfig loads configuration from a single YAML file
func LoadConfig(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	cfg.path = abs
	cfg.Alerts = resolveGlobs(filepath.Dir(abs), cfg.Alerts)
	cfg.Targets = resolveGlobs(filepath.Dir(abs), cfg.Targets)
	return cfg, nil
}

// Parse decodes YAML configuration, applies defaults and environment overrides, and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Control: ControlConfig{Enabled: true},
		Reload:  ReloadConfig{Watch: true},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	applyEnv(cfg)
	ApplyDefaults(cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 4
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 25
	}
	if cfg.SMTP.TLS == "" {
		cfg.SMTP.TLS = "starttls"
	}
	if cfg.SMTP.Timeout == 0 {
		cfg.SMTP.Timeout = 30 * time.Second
	}
	if cfg.Webhook.Timeout == 0 {
		cfg.Webhook.Timeout = 10 * time.Second
	}
	if len(cfg.Control.Listen) == 0 {
		cfg.Control.Listen = append([]string(nil), DefaultListen...)
	}
	if cfg.Defaults.Interval == 0 {
		cfg.Defaults.Interval = DefaultInterval
	}
	if cfg.Defaults.Subject == "" {
		cfg.Defaults.Subject = DefaultSubject
	}
	if cfg.Errors.AlwaysSend == "" {
		cfg.Errors.AlwaysSend = "false"
	}
	if cfg.Errors.Subject == "" {
		cfg.Errors.Subject = `{{ .error_kind }} in {{ .alert_name }} on {{ .hostname }}`
	}
	if cfg.Errors.Body == "" {
		cfg.Errors.Body = "**{{ .error_kind }}** for `{{ .alert_path }}` at {{ .now }}:\n\n    {{ .error }}\n"
	}
	if cfg.Events.State == "" {
		cfg.Events.State = "stateless"
	}
	if cfg.Events.AlwaysSend == "" {
		cfg.Events.AlwaysSend = "true"
	}
	if cfg.Events.Body == "" {
		cfg.Events.Body = "{{ .message }}\n"
	}
	if cfg.Events.Redis.Addr == "" {
		cfg.Events.Redis.Addr = "localhost:6379"
	}
	if cfg.Events.Redis.Prefix == "" {
		cfg.Events.Redis.Prefix = "checkd:event-state:"
	}
	if cfg.Events.Kafka.GroupID == "" {
		cfg.Events.Kafka.GroupID = "checkd"
	}
	if cfg.Reload.Debounce == 0 {
		cfg.Reload.Debounce = DefaultDebounce
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CHECKD_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CHECKD_SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("CHECKD_REDIS_PASSWORD"); v != "" {
		cfg.Events.Redis.Password = v
	}
	if v := os.Getenv("CHECKD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// ValidateConfig validates the configuration
func ValidateConfig(cfg *Config) error {
	if len(cfg.Alerts) == 0 {
		return fmt.Errorf("%w: no alert globs configured", ErrInvalid)
	}
	for _, g := range append(append([]string{}, cfg.Alerts...), cfg.Targets...) {
		if _, err := filepath.Match(g, ""); err != nil {
			return fmt.Errorf("%w: bad glob %q: %v", ErrInvalid, g, err)
		}
	}
	switch cfg.Database.Driver {
	case "postgres", "pgx":
	default:
		return fmt.Errorf("%w: database.driver must be 'postgres' or 'pgx'", ErrInvalid)
	}
	switch cfg.SMTP.TLS {
	case "starttls", "implicit", "none":
	default:
		return fmt.Errorf("%w: smtp.tls must be 'starttls', 'implicit' or 'none'", ErrInvalid)
	}
	if cfg.SMTP.Host != "" && cfg.SMTP.From == "" {
		return fmt.Errorf("%w: smtp.from is required when smtp.host is set", ErrInvalid)
	}
	switch cfg.Events.State {
	case "stateless", "memory", "redis":
	default:
		return fmt.Errorf("%w: events.state must be 'stateless', 'memory' or 'redis'", ErrInvalid)
	}
	if len(cfg.Events.Kafka.Brokers) > 0 && cfg.Events.Kafka.Topic == "" {
		return fmt.Errorf("%w: events.kafka.topic is required when brokers are set", ErrInvalid)
	}
	if cfg.Control.Enabled && len(cfg.Control.Listen) == 0 {
		return fmt.Errorf("%w: control.listen is empty", ErrInvalid)
	}
	if cfg.Defaults.Interval < time.Second {
		return fmt.Errorf("%w: defaults.interval must be at least 1s", ErrInvalid)
	}
	return nil
}

// ErrorTargets returns the targets that receive synthetic error alerts.
func (c *Config) ErrorTargets() []string {
	if len(c.Errors.Targets) > 0 {
		return c.Errors.Targets
	}
	if c.Defaults.Target != "" {
		return []string{c.Defaults.Target}
	}
	return nil
}

// Interpreter returns the argv prefix for a shell name; the script is appended.
func (c *Config) Interpreter(name string) ([]string, bool) {
	if argv, ok := c.Shell.Interpreters[name]; ok && len(argv) > 0 {
		return argv, true
	}
	argv, ok := defaultInterpreters[strings.ToLower(name)]
	return argv, ok
}

var defaultInterpreters = map[string][]string{
	"sh":         {"sh", "-c"},
	"bash":       {"bash", "-c"},
	"python":     {"python3", "-c"},
	"python3":    {"python3", "-c"},
	"pwsh":       {"pwsh", "-NoProfile", "-Command"},
	"powershell": {"powershell", "-NoProfile", "-Command"},
	"cmd":        {"cmd", "/C"},
}

func resolveGlobs(dir string, globs []string) []string {
	out := make([]string, 0, len(globs))
	for _, g := range globs {
		if !filepath.IsAbs(g) {
			g = filepath.Join(dir, g)
		}
		out = append(out, filepath.Clean(g))
	}
	return out
}
