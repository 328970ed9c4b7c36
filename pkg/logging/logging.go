// Package logging configures the global zap logger with lumberjack file
// rotation. After Init, every package logs through zap.L().
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	FilePath   string // log file path, e.g. logs/server.log
	MaxSizeMB  int    // rotate after this size
	MaxBackups int
	MaxAgeDays int
	Level      string // debug, info, warn, error
	Dev        bool   // also log to stdout in console format
}

// Init builds the logger and replaces the zap globals.
func Init(cfg Config) error {
	if cfg.FilePath == "" {
		cfg.FilePath = "logs/server.log"
	}
	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays == 0 {
		cfg.MaxAgeDays = 30
	}
	if cfg.Level == "" {
		cfg.Level = "info"
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return err
	}

	fileSync := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	})

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "time"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), fileSync, level)

	core := fileCore
	if cfg.Dev {
		consoleEncoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		consoleCore := zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), level)
		core = zapcore.NewTee(fileCore, consoleCore)
	}

	zap.ReplaceGlobals(zap.New(core, zap.AddCaller()))
	return nil
}
