// Package logging builds the zap loggers handed to every pipeline component.
package logging

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logger used throughout fieldstitch
type Logger = *zap.SugaredLogger

// NewConfig returns the console config used by the CLI and server: ISO8601 timestamps,
// capitalised levels, no stack traces, logs to stderr so raster output can go to stdout.
func NewConfig(level zapcore.Level) zap.Config {
	return zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}
}

// New returns a named logger at the given level ("debug", "info", "warn", "error")
func New(name, level string) (Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l, err := NewConfig(lvl).Build()
	if err != nil {
		return nil, errors.Wrap(err, "building logger")
	}
	return l.Named(name).Sugar(), nil
}

// ParseLevel maps a level name onto a zap level; empty means info
func ParseLevel(level string) (zapcore.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return lvl, errors.Wrapf(err, "invalid log level %q", level)
	}
	return lvl, nil
}

// Nop returns a logger that discards everything
func Nop() Logger {
	return zap.NewNop().Sugar()
}

// OrNop guards against nil loggers in options structs
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}
