// Package logging builds the zap logger used by the buildcoord binary and
// adapts it to buildcoord.Logger.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/getpup/buildcoord"
)

// Config configures log output.
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, file, both

	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
}

// DefaultConfig logs info and above to stdout in console format.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "console", Output: "stdout"}
}

// Validate reports unknown levels, formats and outputs.
func (c Config) Validate() error {
	if _, err := parseLevel(c.Level); err != nil {
		return &buildcoord.ValidationError{Field: "log.level", Reason: err.Error()}
	}
	switch c.Format {
	case "", "json", "console":
	default:
		return &buildcoord.ValidationError{Field: "log.format", Reason: fmt.Sprintf("unknown format %q", c.Format)}
	}
	switch c.Output {
	case "", "stdout":
	case "file", "both":
		if c.FilePath == "" {
			return &buildcoord.ValidationError{Field: "log.file_path", Reason: "required when output is " + c.Output}
		}
	default:
		return &buildcoord.ValidationError{Field: "log.output", Reason: fmt.Sprintf("unknown output %q", c.Output)}
	}
	return nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown level %q", level)
}

// New builds a zap logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var writers []io.Writer
	if cfg.Output == "" || cfg.Output == "stdout" || cfg.Output == "both" {
		writers = append(writers, os.Stdout)
	}
	if cfg.Output == "file" || cfg.Output == "both" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
		})
	}
	return newLogger(cfg, writers...), nil
}

func newLogger(cfg Config, writers ...io.Writer) *zap.Logger {
	level, _ := parseLevel(cfg.Level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	cores := make([]zapcore.Core, 0, len(writers))
	for _, w := range writers {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(w), level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
}

// ZapLogger adapts a zap logger to buildcoord.Logger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps l.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	return &ZapLogger{sugar: l.Sugar()}
}

func (z *ZapLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	z.sugar.Debugw(msg, keyvals...)
}

func (z *ZapLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	z.sugar.Infow(msg, keyvals...)
}

func (z *ZapLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	z.sugar.Errorw(msg, keyvals...)
}

// Sync flushes buffered entries.
func (z *ZapLogger) Sync() error {
	return z.sugar.Sync()
}

var _ buildcoord.Logger = (*ZapLogger)(nil)
