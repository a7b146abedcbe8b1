package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tokligence/relay-authz/internal/config"
	"github.com/tokligence/relay-authz/internal/logging"
	"github.com/tokligence/relay-authz/internal/version"
)

func serveCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC admission service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			logger, closer, err := logging.New(logging.Config{Level: cfg.Log.Level, File: cfg.Log.File})
			if err != nil {
				return err
			}
			defer closer.Close()
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}
	logger.Info("relay-authz starting", zap.String("build", version.FullInfo()), zap.String("config", cfg.Source))

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}()

	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddress, err)
	}
	var adminLis net.Listener
	if cfg.Server.AdminAddress != "" {
		adminLis, err = net.Listen("tcp", cfg.Server.AdminAddress)
		if err != nil {
			_ = grpcLis.Close()
			return fmt.Errorf("listen %s: %w", cfg.Server.AdminAddress, err)
		}
	}
	return a.run(ctx, grpcLis, adminLis)
}
