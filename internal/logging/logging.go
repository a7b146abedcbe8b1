// Package logging builds the process logger: JSON to stdout, optionally
// mirrored to a rotating file.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultMaxBytes caps one log file before rolling over within the day.
const DefaultMaxBytes int64 = 100 << 20

// Config selects level and sinks.
type Config struct {
	Level string // debug, info, warn, error
	// File is the logical log file. Empty logs to stdout only, "-" discards the
	// file copy.
	File     string
	MaxBytes int64
	// Console overrides stdout, for tests.
	Console io.Writer
}

// New builds a logger. The returned closer releases the file sink.
func New(cfg Config) (*zap.Logger, io.Closer, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if strings.TrimSpace(cfg.Level) != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
		level.SetLevel(parsed)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	console := cfg.Console
	if console == nil {
		console = os.Stdout
	}
	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.AddSync(console), level)}

	var closer io.Closer = nopCloser{}
	if strings.TrimSpace(cfg.File) != "" {
		maxBytes := cfg.MaxBytes
		if maxBytes <= 0 {
			maxBytes = DefaultMaxBytes
		}
		w, err := NewRotatingWriter(cfg.File, maxBytes)
		if err != nil {
			return nil, nil, err
		}
		closer = w
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(w), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
