package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/calyptra/driftsync/internal/node"
	"github.com/calyptra/driftsync/internal/session"
	"github.com/calyptra/driftsync/internal/trust"
)

var (
	syncPeer       string
	syncPrefix     string
	syncPermission string
	syncPushOnly   bool
	syncPullOnly   bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync session against a peer",
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncPeer == "" {
			return fmt.Errorf("--peer is required")
		}
		if syncPushOnly && syncPullOnly {
			return fmt.Errorf("--push-only and --pull-only are mutually exclusive")
		}

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
			return err
		}
		defer n.Stop(context.Background())

		opts := session.Options{
			Scope: trust.Scope{
				Prefix:     syncPrefix,
				Permission: trust.Permission(syncPermission),
			},
			Push: !syncPullOnly,
			Pull: !syncPushOnly,
		}
		if err := n.SyncWith(cmd.Context(), syncPeer, opts); err != nil {
			logger.Error("Sync failed", zap.String("peer", syncPeer), zap.Error(err))
			return err
		}
		fmt.Printf("synced %s with %s\n", opts.Scope, syncPeer)
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncPeer, "peer", "", "peer sync address (host:port)")
	syncCmd.Flags().StringVar(&syncPrefix, "prefix", "", "partition prefix to sync")
	syncCmd.Flags().StringVar(&syncPermission, "permission", string(trust.PermissionReadWrite), "scope permission to request")
	syncCmd.Flags().BoolVar(&syncPushOnly, "push-only", false, "only send local changes")
	syncCmd.Flags().BoolVar(&syncPullOnly, "pull-only", false, "only fetch remote changes")
	syncCmd.MarkFlagRequired("peer")
	syncCmd.MarkFlagRequired("prefix")
	rootCmd.AddCommand(syncCmd)
}
