// Package logging provides structured logging functionality.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"options-mm/internal/config"
	"options-mm/internal/models"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       false,
		FilePath:   filepath.Join(config.DefaultConfigDir(), "logs", "mmengine.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// FromConfig converts the loaded logging section.
func FromConfig(c config.LoggingConfig) LogConfig {
	return LogConfig{
		Level:      c.Level,
		Console:    c.Console,
		File:       c.File,
		FilePath:   c.FilePath,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
	}
}

// NewLogger creates a new logger with default configuration.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			FormatLevel: func(i interface{}) string {
				if ll, ok := i.(string); ok {
					switch ll {
					case "debug":
						return "\033[36mDBG\033[0m"
					case "info":
						return "\033[32mINF\033[0m"
					case "warn":
						return "\033[33mWRN\033[0m"
					case "error":
						return "\033[31mERR\033[0m"
					default:
						return ll
					}
				}
				return "???"
			},
		}
		writers = append(writers, consoleWriter)
	}

	// File writer with rotation
	if cfg.File {
		logDir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(logDir, 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stderr
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(writer).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel maps a config level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ContextKey is the type for context keys.
type ContextKey string

// LoggerKey is the context key for the logger.
const LoggerKey ContextKey = "logger"

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from context.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// WithOption adds an option id and symbol to the logger context.
func WithOption(logger zerolog.Logger, id models.SecurityID, symbol string) zerolog.Logger {
	return logger.With().Uint32("option", uint32(id)).Str("symbol", symbol).Logger()
}

// WithSeries adds a series id and symbol to the logger context.
func WithSeries(logger zerolog.Logger, id models.SecurityID, symbol string) zerolog.Logger {
	return logger.With().Uint32("series", uint32(id)).Str("series_symbol", symbol).Logger()
}

// WithRole adds a strategy role to the logger context.
func WithRole(logger zerolog.Logger, role models.Role) zerolog.Logger {
	return logger.With().Str("role", string(role)).Logger()
}

// WithComponent adds a component name to the logger context.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// LogOrderAction logs a dispatched order action.
func LogOrderAction(logger zerolog.Logger, a models.OrderAction) {
	logger.Info().
		Str("event", "order_action").
		Uint32("option", uint32(a.Option)).
		Str("role", string(a.Role)).
		Str("leg", a.Leg.String()).
		Str("type", string(a.Type)).
		Int("volume", a.Volume).
		Float64("price", a.Price).
		Msg("Order action")
}

// LogRejection logs an action excluded by the arbiter or the IV guard.
func LogRejection(logger zerolog.Logger, a models.OrderAction, reason models.RejectReason) {
	logger.Info().
		Str("event", "rejection").
		Uint32("option", uint32(a.Option)).
		Str("role", string(a.Role)).
		Str("leg", a.Leg.String()).
		Str("type", string(a.Type)).
		Float64("price", a.Price).
		Str("reason", string(reason)).
		Msg("Action rejected")
}

// LogCurveStatus logs a series curve status transition.
func LogCurveStatus(logger zerolog.Logger, from, to models.CurveStatus, q models.CurveQuality) {
	logger.Info().
		Str("event", "curve_status").
		Str("from", string(from)).
		Str("to", string(to)).
		Int("observations", q.Observations).
		Float64("correlation", q.Correlation).
		Float64("std_error", q.StdError).
		Msg("Curve status changed")
}

// LogReset logs a market IV reset.
func LogReset(logger zerolog.Logger, kind models.ResetKind, ivBid, ivOffer float64) {
	logger.Debug().
		Str("event", "reset").
		Str("kind", string(kind)).
		Float64("iv_bid", ivBid).
		Float64("iv_offer", ivOffer).
		Msg("Market IV reset")
}

// LogTradingAllowedChange logs a change of a role's liquidity trading permission.
func LogTradingAllowedChange(logger zerolog.Logger, role models.Role, allowed bool, regime models.Regime) {
	logger.Info().
		Str("event", "trading_allowed").
		Str("role", string(role)).
		Bool("allowed", allowed).
		Str("regime", string(regime)).
		Msg("Trading allowed by liquidity changed")
}

// LogRecalc logs a completed recalculation.
func LogRecalc(logger zerolog.Logger, reason models.RecalcReason, actions int, duration time.Duration, err error) {
	event := logger.Debug().
		Str("event", "recalc").
		Str("reason", string(reason)).
		Int("actions", actions).
		Dur("duration", duration)

	if err != nil {
		event.Err(err).Msg("Recalculation failed")
	} else {
		event.Msg("Recalculation completed")
	}
}
