package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	Service    string
	Env        string
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// New builds a zap logger writing to stdout and, when File is set, to a rotated file.
func New(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	var encCfg zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if opts.Env == "production" {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "timestamp"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level),
	}
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(rotator), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	if opts.Service != "" {
		logger = logger.With(zap.String("service", opts.Service))
	}
	if opts.Env != "" {
		logger = logger.With(zap.String("env", opts.Env))
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
