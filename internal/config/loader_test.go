package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("alerts: [/etc/checkd/alerts/*.yaml]\n"))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, DefaultListen, cfg.Control.Listen)
	assert.True(t, cfg.Control.Enabled)
	assert.True(t, cfg.Reload.Watch)
	assert.Equal(t, DefaultDebounce, cfg.Reload.Debounce)
	assert.Equal(t, DefaultInterval, cfg.Defaults.Interval)
	assert.Equal(t, DefaultSubject, cfg.Defaults.Subject)
	assert.Equal(t, "stateless", cfg.Events.State)
	assert.Equal(t, "true", cfg.Events.AlwaysSend)
	assert.Equal(t, "false", cfg.Errors.AlwaysSend)
	assert.Equal(t, "starttls", cfg.SMTP.TLS)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestParseRejectsInvalidConfiguration(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no alerts", "targets: [/t.yaml]\n"},
		{"bad glob", "alerts: [\"/a/[.yaml\"]\n"},
		{"bad driver", "alerts: [/a/*.yaml]\ndatabase: {driver: mysql}\n"},
		{"bad tls", "alerts: [/a/*.yaml]\nsmtp: {tls: sometimes}\n"},
		{"smtp without from", "alerts: [/a/*.yaml]\nsmtp: {host: mail}\n"},
		{"bad event state", "alerts: [/a/*.yaml]\nevents: {state: disk}\n"},
		{"kafka without topic", "alerts: [/a/*.yaml]\nevents: {kafka: {brokers: [k:9092]}}\n"},
		{"short interval", "alerts: [/a/*.yaml]\ndefaults: {interval: 100ms}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	_, err := Parse([]byte("alerts: {"))
	assert.Error(t, err)
}

func TestEnvironmentOverridesSecrets(t *testing.T) {
	t.Setenv("CHECKD_DB_DSN", "postgres://env")
	t.Setenv("CHECKD_SMTP_PASSWORD", "hunter2")
	t.Setenv("CHECKD_LOG_LEVEL", "debug")
	cfg, err := Parse([]byte("alerts: [/a/*.yaml]\ndatabase: {dsn: postgres://file}\n"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", cfg.Database.DSN)
	assert.Equal(t, "hunter2", cfg.SMTP.Password)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigResolvesRelativeGlobs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("alerts: [alerts/*.yaml, /abs/*.yaml]\ntargets: [targets.yaml]\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, []string{filepath.Join(dir, "alerts", "*.yaml"), "/abs/*.yaml"}, cfg.Alerts)
	assert.Equal(t, []string{filepath.Join(dir, "targets.yaml")}, cfg.Targets)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestErrorTargetsFallBackToDefaultTarget(t *testing.T) {
	cfg := &Config{}
	assert.Nil(t, cfg.ErrorTargets())
	cfg.Defaults.Target = "ops"
	assert.Equal(t, []string{"ops"}, cfg.ErrorTargets())
	cfg.Errors.Targets = []string{"oncall", "ops"}
	assert.Equal(t, []string{"oncall", "ops"}, cfg.ErrorTargets())
}

func TestInterpreter(t *testing.T) {
	cfg := &Config{Shell: ShellConfig{Interpreters: map[string][]string{"ruby": {"ruby", "-e"}}}}

	argv, ok := cfg.Interpreter("ruby")
	require.True(t, ok)
	assert.Equal(t, []string{"ruby", "-e"}, argv)

	argv, ok = cfg.Interpreter("Bash")
	require.True(t, ok)
	assert.Equal(t, []string{"bash", "-c"}, argv)

	_, ok = cfg.Interpreter("cobol")
	assert.False(t, ok)
}

func TestExampleConfiguration(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "checkd.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, "memory", cfg.Events.State)
	assert.Equal(t, "6h", cfg.Errors.AlwaysSend)
	assert.Equal(t, 500*time.Millisecond, cfg.Reload.Debounce)
	assert.True(t, filepath.IsAbs(cfg.Alerts[0]))
}
