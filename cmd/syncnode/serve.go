package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/calyptra/driftsync/internal/node"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := initLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		n, err := node.New(cfg, logger)
		if err != nil {
			logger.Error("Failed to build node", zap.Error(err))
			return err
		}
		if err := n.Start(); err != nil {
			logger.Error("Failed to start node", zap.Error(err))
			return err
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down gracefully...")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return n.Stop(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
