package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete this node's local shard storage",
	RunE:  runReset,
}

func init() {
	resetCmd.Flags().BoolVarP(&resetForce, "force", "f", false, "skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

var errResetNotConfirmed = errors.New("reset aborts without -f: this permanently deletes all locally stored shards")

func runReset(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if !resetForce {
		return errResetNotConfirmed
	}
	if cfg.StorageDir == "" {
		return errors.New("no storage directory configured")
	}
	return os.RemoveAll(cfg.StorageDir)
}
