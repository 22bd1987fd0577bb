package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nmxmxh/inhalteselektor/internal/bootstrap"
	"github.com/nmxmxh/inhalteselektor/internal/config"
	ierrors "github.com/nmxmxh/inhalteselektor/pkg/errors"
	"github.com/nmxmxh/inhalteselektor/pkg/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(parent context.Context, opts *rootOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	log := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: bootstrap.ServiceName,
		Version:     version,
	})
	defer func() {
		_ = log.Sync()
	}()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		return ierrors.LogWithError(ctx, log, "Failed to start", err, zap.String("transport", cfg.Bus.Transport))
	}
	if err := app.Run(ctx); err != nil {
		return ierrors.LogWithError(ctx, log, "Service stopped with error", err)
	}
	log.Info("Service stopped")
	return nil
}
