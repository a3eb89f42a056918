package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/raakeshmj/gatewarden/internal/config"
	"github.com/raakeshmj/gatewarden/internal/repository"
	"github.com/raakeshmj/gatewarden/internal/repository/memory"
	redisstore "github.com/raakeshmj/gatewarden/internal/repository/redis"
	"github.com/raakeshmj/gatewarden/internal/repository/sqlite"
)

// Backend is the persistence collaborator built from configuration, plus
// the handles needed to probe and close it.
type Backend struct {
	Store repository.Store

	sqlite *sqlite.Store
	redis  *redisstore.Store
}

// OpenBackend builds the store. With a Redis address the usage ledger and
// the ban list move to Redis so several gateway processes share them.
func OpenBackend(cfg config.StoreConfig) (*Backend, error) {
	b := &Backend{}

	var base repository.Store
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		b.sqlite = s
		base = s
	case config.DriverMemory, "":
		base = memory.New()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	if cfg.RedisAddr == "" {
		b.Store = base
		return b, nil
	}
	b.redis = redisstore.New(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	b.Store = repository.Combine(base, b.redis, b.redis, base)
	return b, nil
}

// Ping probes every remote dependency. The in-memory store is always ready.
func (b *Backend) Ping(ctx context.Context) error {
	if b.sqlite != nil {
		if err := b.sqlite.Ping(ctx); err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
	}
	if b.redis != nil {
		if err := b.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (b *Backend) Close() error {
	var errs []error
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	if b.sqlite != nil {
		errs = append(errs, b.sqlite.Close())
	}
	return errors.Join(errs...)
}
