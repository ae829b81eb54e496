package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/calyptra/driftsync/internal/instance"
	"github.com/calyptra/driftsync/internal/resolve"
	"github.com/calyptra/driftsync/internal/store"
)

var recordPartition string

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Operate on the local record store",
}

// openStore builds just enough of the node to touch the local store.
func openStore() (*store.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := zap.NewNop()

	db, err := store.OpenDatabase(cfg.Storage.DatabaseFile)
	if err != nil {
		return nil, nil, err
	}
	registry, err := instance.NewRegistry(db, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	st, err := store.NewStore(db, registry, resolve.NewResolver(nil, logger), cfg.Storage.CacheSize, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return st, func() { db.Close() }, nil
}

var recordPutCmd = &cobra.Command{
	Use:   "put <key> <payload>",
	Short: "Write a record; payload '-' reads from stdin",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeDB, err := openStore()
		if err != nil {
			return err
		}
		defer closeDB()

		payload := []byte(args[1])
		if args[1] == "-" {
			payload, err = os.ReadFile("/dev/stdin")
			if err != nil {
				return err
			}
		}
		rec, err := st.Write(args[0], payload, recordPartition)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %s@%s:%d\n", rec.Key, rec.Version.InstanceID, rec.Version.Counter)
		return nil
	},
}

var recordGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeDB, err := openStore()
		if err != nil {
			return err
		}
		defer closeDB()

		rec, err := st.Read(args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var recordDelCmd = &cobra.Command{
	Use:   "del <key>",
	Short: "Tombstone a record so the delete propagates to peers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeDB, err := openStore()
		if err != nil {
			return err
		}
		defer closeDB()

		rec, err := st.Tombstone(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("tombstoned %s@%s:%d\n", rec.Key, rec.Version.InstanceID, rec.Version.Counter)
		return nil
	},
}

var recordPartitionsCmd = &cobra.Command{
	Use:   "partitions <prefix>",
	Short: "List partitions holding data under a prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeDB, err := openStore()
		if err != nil {
			return err
		}
		defer closeDB()

		partitions, err := st.Partitions(args[0])
		if err != nil {
			return err
		}
		for _, p := range partitions {
			fmt.Println(p)
		}
		return nil
	},
}

func init() {
	recordPutCmd.Flags().StringVar(&recordPartition, "partition", "", "partition path for the record")
	recordPutCmd.MarkFlagRequired("partition")

	recordCmd.AddCommand(recordPutCmd, recordGetCmd, recordDelCmd, recordPartitionsCmd)
	rootCmd.AddCommand(recordCmd)
}
