// Package logger builds the zap logger used by the tenantAuth binaries.
package logger

import (
	"fmt"
	"os"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level and output. When File is set JSON logs are also
// written to a rotated file: File+".%Y%m%d%H" with File as a symlink to the
// current one.
type Config struct {
	Level       string
	Dev         bool
	File        string
	RotateEvery time.Duration
	MaxAge      time.Duration
	Service     string
}

func levelFromString(l string) zapcore.Level {
	switch l {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Init returns a development logger when cfg.Dev is set and a JSON logger on
// stdout otherwise.
func Init(cfg Config) (*zap.Logger, error) {
	lvl := levelFromString(cfg.Level)
	if cfg.Dev {
		c := zap.NewDevelopmentConfig()
		c.Level = zap.NewAtomicLevelAt(lvl)
		log, err := c.Build()
		if err != nil {
			return nil, err
		}
		return named(log, cfg.Service), nil
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(encoderCfg)

	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), lvl)}
	if cfg.File != "" {
		w, err := rotating(cfg)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(enc.Clone(), zapcore.AddSync(w), lvl))
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	return named(zap.New(zapcore.NewTee(cores...), opts...), cfg.Service), nil
}

func rotating(cfg Config) (*rotatelogs.RotateLogs, error) {
	every := cfg.RotateEvery
	if every <= 0 {
		every = 24 * time.Hour
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	w, err := rotatelogs.New(
		cfg.File+".%Y%m%d%H",
		rotatelogs.WithLinkName(cfg.File),
		rotatelogs.WithRotationTime(every),
		rotatelogs.WithMaxAge(maxAge),
	)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", cfg.File, err)
	}
	return w, nil
}

func named(log *zap.Logger, service string) *zap.Logger {
	if service == "" {
		return log
	}
	return log.With(zap.String("service", service))
}
