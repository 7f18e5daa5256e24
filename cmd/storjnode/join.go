package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"go.storjnode.dev/core/network"
	"go.storjnode.dev/core/overlay"
)

var joinSeeds []string

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Attempt to join the overlay through one or more seeds and report reachability",
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().StringSliceVar(&joinSeeds, "seed", nil, "seed contact(s) to probe, storj://host:port/nodeid (repeatable)")
	joinCmd.MarkFlagRequired("seed")
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	kp, err := loadOrCreateKeyPair(viperString("keyfile"))
	if err != nil {
		return err
	}

	n, err := network.New(cfg, kp, nil)
	if err != nil {
		return err
	}
	defer n.Leave()

	var seeds []overlay.Contact
	for _, s := range joinSeeds {
		c, err := parseContact(s)
		if err != nil {
			return err
		}
		seeds = append(seeds, c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ResponseTimeout*time.Duration(len(seeds)+1))
	defer cancel()

	if err := n.Join(ctx, seeds); err != nil {
		return err
	}
	cmd.Println("joined successfully as", kp.NodeID)
	return nil
}
