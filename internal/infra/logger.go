package infra

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the daemon log sink.
type LogConfig struct {
	File       string // Empty logs to stderr
	Level      string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewLogger builds the production JSON logger. The file sink rotates through
// lumberjack; if its directory cannot be created the logger writes to stderr.
func NewLogger(cfg LogConfig) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if cfg.Level != "" {
		if l, err := zap.ParseAtomicLevel(cfg.Level); err == nil {
			level = l
		}
	}

	sink := zapcore.Lock(os.Stderr)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0700); err == nil {
			sink = zapcore.AddSync(&lumberjack.Logger{
				Filename:   cfg.File,
				MaxSize:    orDefault(cfg.MaxSizeMB, 10),
				MaxBackups: orDefault(cfg.MaxBackups, 3),
				MaxAge:     orDefault(cfg.MaxAgeDays, 28),
				Compress:   true,
			})
		}
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, level)
	return zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr)))
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
