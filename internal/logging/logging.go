// Package logging builds the zap logger and keeps field names uniform.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	var zcfg zap.Config
	if strings.ToLower(cfg.Format) == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", "gatewarden")), nil
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

func IP(ip string) zap.Field { return zap.String("ip", ip) }

func TokenID(id string) zap.Field { return zap.String("token_id", id) }

func Reason(reason string) zap.Field { return zap.String("reason", reason) }

func Category(category string) zap.Field { return zap.String("category", category) }

func Method(method string) zap.Field { return zap.String("method", method) }

func Path(path string) zap.Field { return zap.String("path", path) }

func Addr(addr string) zap.Field { return zap.String("addr", addr) }

func Policy(policy string) zap.Field { return zap.String("policy", policy) }
