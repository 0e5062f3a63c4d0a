package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/liuran001/PlaybackResolver-Go/player"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where and how logs are written.
type Options struct {
	Level     string
	Format    string // "text" or "json"
	AddSource bool

	// File enables a rotated log file in addition to stdout when non-empty.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger wraps slog.Logger to satisfy player.Logger.
type Logger struct {
	logger *slog.Logger
	file   *lumberjack.Logger // kept to close on shutdown
}

// New creates a Logger writing to stdout and, optionally, a rotated file.
func New(opts Options) (*Logger, error) {
	var output io.Writer = os.Stdout
	var file *lumberjack.Logger
	if path := strings.TrimSpace(opts.File); path != "" {
		file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			LocalTime:  true,
		}
		output = io.MultiWriter(os.Stdout, file)
	}

	return &Logger{logger: slog.New(newHandler(output, opts)), file: file}, nil
}

// NewWithWriter creates a Logger writing only to w. Used by tests and tools.
func NewWithWriter(w io.Writer, level string) *Logger {
	return &Logger{logger: slog.New(newHandler(w, Options{Level: level}))}
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "error")
}

func newHandler(w io.Writer, opts Options) slog.Handler {
	options := &slog.HandlerOptions{
		Level:     parseLevel(opts.Level),
		AddSource: opts.AddSource,
	}
	if strings.EqualFold(strings.TrimSpace(opts.Format), "json") {
		return slog.NewJSONHandler(w, options)
	}
	return slog.NewTextHandler(w, options)
}

// With returns a child logger with additional fields.
func (l *Logger) With(args ...any) player.Logger {
	return &Logger{logger: l.logger.With(args...)}
}

func (l *Logger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		fallthrough
	default:
		return slog.LevelInfo
	}
}

// Close closes the rotated log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
