package logger

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"example.com/llmah3/v2/internal/config"
)

// LogFields carries structured context for a single log call.
type LogFields map[string]interface{}

// Logger is a leveled structured logger. It is safe for concurrent use.
type Logger struct {
	zl     zerolog.Logger
	closer io.Closer // rotating file sink, nil for stdio targets
}

// NewLogger builds a logger from the logging configuration. File targets
// rotate; "stdout" and "stderr" write to the standard streams.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, errors.New("logging configuration cannot be nil")
	}
	level, err := zerologLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	target := config.DefaultLogTarget
	if cfg.Target != nil && *cfg.Target != "" {
		target = *cfg.Target
	}

	var sink io.Writer
	var closer io.Closer
	switch {
	case target == "stderr":
		sink = os.Stderr
	case target == "stdout":
		sink = os.Stdout
	default:
		rot := &lumberjack.Logger{
			Filename:   target,
			MaxSize:    rotInt(cfg.Rotation, func(r *config.RotationConfig) *int { return r.MaxSizeMB }, 100),
			MaxBackups: rotInt(cfg.Rotation, func(r *config.RotationConfig) *int { return r.MaxBackups }, 10),
			MaxAge:     rotInt(cfg.Rotation, func(r *config.RotationConfig) *int { return r.MaxAgeDays }, 0),
			Compress:   cfg.Rotation != nil && cfg.Rotation.Compress != nil && *cfg.Rotation.Compress,
		}
		sink = rot
		closer = rot
	}

	zl := zerolog.New(sink).Level(level).With().Timestamp().Logger()
	return &Logger{zl: zl, closer: closer}, nil
}

// NewNop returns a logger that discards everything. Useful in tests.
func NewNop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// NewTestLogger writes debug-level output to the given sink.
func NewTestLogger(sink io.Writer) *Logger {
	return &Logger{zl: zerolog.New(sink).Level(zerolog.DebugLevel).With().Timestamp().Logger()}
}

func zerologLevel(l config.LogLevel) (zerolog.Level, error) {
	switch l {
	case config.LogLevelDebug:
		return zerolog.DebugLevel, nil
	case config.LogLevelInfo, "":
		return zerolog.InfoLevel, nil
	case config.LogLevelWarning:
		return zerolog.WarnLevel, nil
	case config.LogLevelError:
		return zerolog.ErrorLevel, nil
	}
	return zerolog.InfoLevel, errors.Errorf("unrecognized log level %q", l)
}

// With returns a child logger with the fields bound to every entry.
func (l *Logger) With(fields LogFields) *Logger {
	ctx := l.zl.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zl: ctx.Logger(), closer: l.closer}
}

func (l *Logger) Debug(msg string, fields ...LogFields) { l.emit(l.zl.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields ...LogFields)  { l.emit(l.zl.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields ...LogFields)  { l.emit(l.zl.Warn(), msg, fields) }
func (l *Logger) Error(msg string, fields ...LogFields) { l.emit(l.zl.Error(), msg, fields) }

func (l *Logger) emit(ev *zerolog.Event, msg string, fields []LogFields) {
	for _, f := range fields {
		for k, v := range f {
			ev = ev.Interface(k, v)
		}
	}
	ev.Msg(msg)
}

// CloseLogFiles closes the rotating file sink, if any. Called during
// shutdown; stdio targets have nothing to close.
func (l *Logger) CloseLogFiles() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func rotInt(r *config.RotationConfig, field func(*config.RotationConfig) *int, def int) int {
	if r == nil {
		return def
	}
	if v := field(r); v != nil {
		return *v
	}
	return def
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
