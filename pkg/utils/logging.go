package utils

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// Logger returns the process logger, building an info-level one from
// LOG_FILE on first use.
func Logger() *zap.Logger {
	if logger != nil {
		return logger
	}
	l, err := NewLogger("info", os.Getenv("LOG_FILE"))
	if err != nil {
		l, _ = zap.NewProduction()
	}
	logger = l
	return logger
}

// SetLogger replaces the process logger, typically with one built from config.
func SetLogger(l *zap.Logger) {
	logger = l
}

// NewLogger builds a JSON logger at level. When logFile is set the output is
// teed to the file and stdout.
func NewLogger(level, logFile string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, err
		}
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(encCfg)
	consoleCore := zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), lvl)
	if logFile == "" {
		return zap.New(consoleCore), nil
	}
	_ = os.MkdirAll(filepath.Dir(logFile), 0o755)
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	fileCore := zapcore.NewCore(enc, zapcore.AddSync(f), lvl)
	return zap.New(zapcore.NewTee(fileCore, consoleCore)), nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
