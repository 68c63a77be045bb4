// Package logging builds the daemon's zerolog logger.
package logging

import (
	"io"
	"os"

	"github.com/checkd/checkd/internal/config"
	"github.com/checkd/checkd/internal/version"
	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"
)

// BufferSize is how many recent lines the control API can show.
const BufferSize = 1000

// Logger bundles the configured logger with the sinks it owns.
type Logger struct {
	zerolog.Logger
	Buffer *Buffer

	file *lumberjack.Logger
}

// New creates a logger writing to stdout, to the in-memory buffer and,
// when cfg.File is set, to a rotated log file. Console format only affects
// stdout; the buffer and the file always receive JSON.
func New(cfg config.LoggingConfig, stdout io.Writer) *Logger {
	if stdout == nil {
		stdout = os.Stdout
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	l := &Logger{Buffer: NewBuffer(BufferSize)}
	out := stdout
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: stdout, TimeFormat: "15:04:05"}
	}
	writers := []io.Writer{out, l.Buffer}
	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, l.file)
	}

	l.Logger = zerolog.New(io.MultiWriter(writers...)).With().
		Timestamp().
		Str("version", version.GetVersion()).
		Str("commit", version.GetCommit()).
		Logger()
	return l
}

// ParseLevel parses a level name, falling back to info.
func ParseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return level
}

// Rotate reopens the log file, if any.
func (l *Logger) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
