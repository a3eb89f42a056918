package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raakeshmj/gatewarden/internal/config"
	"github.com/raakeshmj/gatewarden/internal/logging"
	"github.com/raakeshmj/gatewarden/internal/server"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gatewarden",
	Short: "Access governance for an API gateway",
	Long: `gatewarden sits in front of an API and decides, per request, whether it
may proceed: bearer tokens with hourly and daily ceilings, signature-based
threat detection, per-IP reputation with automatic bans, and rate-limited
security alerts.

Configuration comes from defaults, an optional YAML file (--config) and
GATEWARDEN_* environment variables, e.g. GATEWARDEN_LIMITS_DEGRADE_POLICY.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("GATEWARDEN_CONFIG"), "path to a YAML config file")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app is what every store-backed command needs.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	backend *server.Backend
	server  *server.Server
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	if err := cfg.Validate(logger); err != nil {
		logging.Sync(logger)
		return nil, err
	}
	backend, err := server.OpenBackend(cfg.Store)
	if err != nil {
		logging.Sync(logger)
		return nil, err
	}
	srv, err := server.New(cfg, backend, logger)
	if err != nil {
		_ = backend.Close()
		logging.Sync(logger)
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, backend: backend, server: srv}, nil
}

// close drains the gateway's queues so offline writes are persisted.
func (a *app) close() {
	if err := a.server.Gateway().Close(context.Background()); err != nil {
		a.logger.Warn("closing gateway", zap.Error(err))
	}
	if err := a.backend.Close(); err != nil {
		a.logger.Warn("closing store", zap.Error(err))
	}
	logging.Sync(a.logger)
}
