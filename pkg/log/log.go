// Package log provides the structured logger used across mqdeck. It is a
// thin facade over zap with a logr adapter for libraries that expect one.
package log

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging interface handed to mqdeck components.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(err error, msg string, keysAndValues ...any)

	// WithName appends a name segment to the logger.
	WithName(name string) Logger

	// WithValues attaches key-value pairs to every entry.
	WithValues(keysAndValues ...any) Logger

	// Logr adapts this logger for logr-based libraries.
	Logr() logr.Logger
}

var _ Logger = (*zapLogger)(nil)

type zapLogger struct {
	base *zap.Logger
}

// New builds a Logger from the given options.
func New(opts *Options) Logger {
	if opts == nil {
		opts = NewOptions()
	}

	encCfg := zapcore.EncoderConfig{
		MessageKey:     "message",
		LevelKey:       "level",
		TimeKey:        "timestamp",
		NameKey:        "logger",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeDuration: func(d time.Duration, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString(d.String()) },
	}
	if opts.Format == FormatConsole && opts.EnableColor {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	outputs := opts.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		DisableCaller:    opts.DisableCaller,
		Encoding:         opts.Format,
		EncoderConfig:    encCfg,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	base, err := cfg.Build(zap.AddCallerSkip(opts.CallerSkip), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		panic(fmt.Sprintf("log: failed to build zap logger: %v", err))
	}
	if opts.Name != "" {
		base = base.Named(opts.Name)
	}

	return &zapLogger{base: base}
}

func (z *zapLogger) Debug(msg string, keysAndValues ...any) {
	z.base.Debug(msg, toFields(keysAndValues...)...)
}

func (z *zapLogger) Info(msg string, keysAndValues ...any) {
	z.base.Info(msg, toFields(keysAndValues...)...)
}

func (z *zapLogger) Warn(msg string, keysAndValues ...any) {
	z.base.Warn(msg, toFields(keysAndValues...)...)
}

func (z *zapLogger) Error(err error, msg string, keysAndValues ...any) {
	fields := toFields(keysAndValues...)
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	z.base.Error(msg, fields...)
}

func (z *zapLogger) WithName(name string) Logger {
	return &zapLogger{base: z.base.Named(name)}
}

func (z *zapLogger) WithValues(keysAndValues ...any) Logger {
	return &zapLogger{base: z.base.With(toFields(keysAndValues...)...)}
}

func (z *zapLogger) Logr() logr.Logger {
	return zapr.NewLogger(z.base)
}

var (
	std   Logger = New(NewOptions())
	stdMu sync.Mutex
)

// Init replaces the package-level logger. Call once during startup, before
// any component captures a logger reference.
func Init(opts *Options) {
	stdMu.Lock()
	defer stdMu.Unlock()
	std = New(opts)
}

// Default returns the package-level logger.
func Default() Logger {
	stdMu.Lock()
	defer stdMu.Unlock()
	return std
}

func Debug(msg string, keysAndValues ...any)            { Default().Debug(msg, keysAndValues...) }
func Info(msg string, keysAndValues ...any)             { Default().Info(msg, keysAndValues...) }
func Warn(msg string, keysAndValues ...any)             { Default().Warn(msg, keysAndValues...) }
func Error(err error, msg string, keysAndValues ...any) { Default().Error(err, msg, keysAndValues...) }
func WithName(name string) Logger                       { return Default().WithName(name) }
