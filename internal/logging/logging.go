// Package logging provides the structured logger shared by every core
// component. It mirrors the teacher's zap setup but logs to stderr instead
// of a fixed on-disk file, since the core has no opinion on deployment
// layout.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Log is the structured logger used by every package under internal/.
	Log *zap.Logger
	// Sugar is the sugared convenience wrapper around Log.
	Sugar *zap.SugaredLogger
)

func init() {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stderr),
		levelFromEnv(),
	)

	Log = zap.New(core, zap.AddCaller())
	Sugar = Log.Sugar()
}

func levelFromEnv() zapcore.Level {
	level := zapcore.InfoLevel
	levelStr := strings.TrimSpace(os.Getenv("HYCAST_LOG_LEVEL"))
	if levelStr != "" {
		_ = level.UnmarshalText([]byte(strings.ToLower(levelStr)))
	}
	return level
}

// SetLevel changes the minimum logged level by replacing Log and Sugar with
// a new stderr logger at that level. The replacement is not synchronized
// with concurrent use of Log or Sugar.
func SetLevel(level string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return err
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(os.Stderr),
		l,
	)
	Log = zap.New(core, zap.AddCaller())
	Sugar = Log.Sugar()
	return nil
}
