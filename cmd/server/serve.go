package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the governed HTTP server",
	Long: `Run the HTTP server with the governance chain in front of the demo API,
plus /health, /ready, /metrics and the /admin surface.

The degrade policy (limits.degrade_policy) must be set to fail_open or
fail_closed; there is no default.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.server.Run(ctx)
}
