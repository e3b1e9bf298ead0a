// Package logging builds the process-wide *zap.Logger. Level and
// format are configuration knobs: JSON encoding for production runs,
// console encoding for local development, and a service_name field so
// log aggregation can tell this engine's output apart from neighboring
// services.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "py-load-eudravigilance"

// New builds a *zap.Logger for the given level ("debug","info","warn","error")
// and format ("json" or "console"). Unknown levels default to info.
func New(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapLevel)
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("service_name", serviceName))
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		logger = logger.With(zap.String("hostname", hostname))
	}

	return logger, nil
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() *zap.Logger {
	return zap.NewNop()
}

// FileFields builds the {file, file_hash} pair every per-file log line
// in the orchestrator carries, truncating hash to its short form so
// log lines stay scannable without losing the ability to grep the full
// value out of the quarantine sidecar.
func FileFields(path, hash string) []zap.Field {
	return []zap.Field{
		zap.String("file", path),
		zap.String("file_hash", ShortHash(hash)),
	}
}

// ShortHash truncates a hex content hash to a 7-character prefix, the
// same convention `git` uses for abbreviated commit hashes: long enough
// in practice to tell files apart in a log stream, short enough not to
// dominate the line.
func ShortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}
