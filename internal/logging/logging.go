// Package logging builds the process logger: log/slog call sites backed by zap.
package logging

import (
	"fmt"
	"log/slog"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New builds a zap core from cfg and wraps it in an slog.Logger.
// The returned sync func flushes buffered entries.
func New(cfg domain.LoggingConfig) (*slog.Logger, func() error, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: invalid log level %q", domain.ErrInvalidInput, cfg.Level)
	}

	var zc zap.Config
	switch cfg.Format {
	case "", "json":
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "console":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, nil, fmt.Errorf("%w: invalid log format %q", domain.ErrInvalidInput, cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	zl, err := zc.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return slog.New(zapslog.NewHandler(zl.Core())), zl.Sync, nil
}

// FromCore wraps an existing zap core. Used by tests with zaptest/observer.
func FromCore(core zapcore.Core) *slog.Logger {
	return slog.New(zapslog.NewHandler(core))
}

// Setup builds the logger and installs it as the slog default.
func Setup(cfg domain.LoggingConfig) (func() error, error) {
	logger, sync, err := New(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return sync, nil
}
