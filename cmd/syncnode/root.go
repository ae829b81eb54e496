package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/calyptra/driftsync/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "syncnode",
	Short: "Peer-to-peer record synchronization node",
	Long: `syncnode runs a versioned record store that synchronizes with peers
over certificate-scoped sessions. Records are partitioned; each node
exchanges only the partitions a session's scope covers, and concurrent
edits resolve deterministically on every node.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
}

// loadConfig reads the configured file, falling back to CONFIG_PATH and
// then to built-in defaults.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

// initLogger builds the zap logger the way the config asks for it.
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Logging.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	zapCfg.Level = level
	return zapCfg.Build()
}
