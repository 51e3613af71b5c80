// Package logging builds wasmflow's structured logger, grounded on
// tempo-vulture's zap + jsternberg/zap-logfmt wiring: a logfmt encoder over
// zap's production encoder config, at a configurable level.
package logging

import (
	"fmt"
	"os"

	zaplogfmt "github.com/jsternberg/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level names accepted by New, matching the top-level log_level config
// values.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Format selects the wire encoding of log lines.
const (
	FormatLogfmt = "logfmt"
	FormatJSON   = "json"
)

// New builds a *zap.Logger writing to stdout at level, encoded as format
// ("logfmt", the default, or "json").
func New(level, format string) (*zap.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch format {
	case "", FormatLogfmt:
		encoder = zaplogfmt.NewEncoder(encoderConfig)
	case FormatJSON:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", format)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), lvl)
	return zap.New(core), nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "", LevelInfo:
		return zapcore.InfoLevel, nil
	case LevelDebug:
		return zapcore.DebugLevel, nil
	case LevelWarn:
		return zapcore.WarnLevel, nil
	case LevelError:
		return zapcore.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("logging: unknown level %q", level)
	}
}
