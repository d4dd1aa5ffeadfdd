// Package logging builds zap loggers from configuration.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/najoast/dsngo/config"
)

// New builds a logger from c. The returned level can be changed at runtime
// and affects every core of the logger. The caller should defer logger.Sync().
func New(c config.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(ParseLevel(c.Level))

	ws, err := writeSyncer(c)
	if err != nil {
		return nil, level, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	var encoder zapcore.Encoder
	if strings.ToLower(c.Format) == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		if c.Color && !isFile(c.Output) {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	logger := zap.New(zapcore.NewCore(encoder, ws, level),
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel))
	return logger, level, nil
}

// Install builds a logger with New, sets it as the global zap logger and
// redirects the standard library log package to it. The returned function
// restores the previous globals.
func Install(c config.LogConfig) (*zap.Logger, zap.AtomicLevel, func(), error) {
	logger, level, err := New(c)
	if err != nil {
		return nil, level, nil, err
	}
	undoGlobals := zap.ReplaceGlobals(logger)
	undoStd := zap.RedirectStdLog(logger)
	return logger, level, func() {
		undoStd()
		undoGlobals()
	}, nil
}

// ParseLevel maps a configured level to a zap level. Unknown levels map to
// info; trace has no zap counterpart and maps to debug.
func ParseLevel(l config.LogLevel) zapcore.Level {
	switch strings.ToLower(string(l)) {
	case "trace", "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	case "fatal":
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

func isFile(out string) bool {
	switch strings.ToLower(out) {
	case "", "stdout", "stderr":
		return false
	default:
		return true
	}
}

func writeSyncer(c config.LogConfig) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(c.Output) {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}

	if dir := filepath.Dir(c.Output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	if c.Rotation.Enabled {
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   c.Output,
			MaxSize:    max(c.Rotation.MaxSize, 1),
			MaxBackups: c.Rotation.MaxBackups,
			MaxAge:     c.Rotation.MaxAge,
			Compress:   c.Rotation.Compress,
		}), nil
	}

	f, err := os.OpenFile(c.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return zapcore.Lock(f), nil
}
