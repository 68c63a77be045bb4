package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/checkd/checkd/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferParsesZerologLines(t *testing.T) {
	b := NewBuffer(10)
	_, err := b.Write([]byte(`{"level":"warn","message":"disk \"almost\" full"}` + "\n"))
	require.NoError(t, err)
	_, err = b.Write([]byte("plain text\n"))
	require.NoError(t, err)

	entries := b.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "warn", entries[0].Level)
	assert.Equal(t, `disk "almost" full`, entries[0].Message)
	assert.Equal(t, "info", entries[1].Level)
	assert.Equal(t, "plain text", entries[1].Message)
}

func TestBufferWrapsAround(t *testing.T) {
	b := NewBuffer(3)
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		_, _ = b.Write([]byte(`{"level":"info","message":"` + m + `"}`))
	}
	var got []string
	for _, e := range b.Entries() {
		got = append(got, e.Message)
	}
	assert.Equal(t, []string{"c", "d", "e"}, got)

	recent := b.Recent(2, "")
	require.Len(t, recent, 2)
	assert.Equal(t, "e", recent[1].Message)

	b.Clear()
	assert.Empty(t, b.Entries())
}

func TestRecentFiltersByLevel(t *testing.T) {
	b := NewBuffer(10)
	for _, lvl := range []string{"debug", "info", "error", "warn"} {
		_, _ = b.Write([]byte(`{"level":"` + lvl + `","message":"` + lvl + `"}`))
	}
	var got []string
	for _, e := range b.Recent(0, "warn") {
		got = append(got, e.Level)
	}
	assert.Equal(t, []string{"error", "warn"}, got)
}

func TestNewWritesEverywhere(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.DebugLevel)
	file := filepath.Join(t.TempDir(), "checkd.log")
	var stdout bytes.Buffer
	l := New(config.LoggingConfig{Level: "debug", Format: "json", File: file, MaxSizeMB: 1}, &stdout)
	defer l.Close()

	l.Info().Str("component", "test").Msg("hello")
	assert.Contains(t, stdout.String(), `"message":"hello"`)
	assert.Contains(t, stdout.String(), `"version"`)
	require.Len(t, l.Buffer.Entries(), 1)
	assert.Equal(t, "hello", l.Buffer.Entries()[0].Message)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
}

func TestConsoleFormatKeepsBufferJSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.DebugLevel)
	var stdout bytes.Buffer
	l := New(config.LoggingConfig{Level: "info", Format: "console"}, &stdout)
	l.Info().Msg("ready")
	assert.False(t, strings.HasPrefix(strings.TrimSpace(stdout.String()), "{"))
	assert.Equal(t, "ready", l.Buffer.Entries()[0].Message)
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
}
