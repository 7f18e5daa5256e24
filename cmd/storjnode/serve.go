package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"go.storjnode.dev/core/network"
	"go.storjnode.dev/core/overlay"
)

var serveSeeds []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Join the overlay and serve farmer/renter RPCs until interrupted",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringSliceVar(&serveSeeds, "seed", nil, "seed contact(s) to join through, storj://host:port/nodeid (repeatable)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	kp, err := loadOrCreateKeyPair(viperString("keyfile"))
	if err != nil {
		return err
	}

	n, err := network.New(cfg, kp, os.Stderr)
	if err != nil {
		return err
	}

	var seeds []overlay.Contact
	for _, s := range serveSeeds {
		c, err := parseContact(s)
		if err != nil {
			return err
		}
		seeds = append(seeds, c)
	}
	if len(seeds) > 0 {
		if err := n.Join(context.Background(), seeds); err != nil {
			n.Leave()
			return err
		}
	}

	cmd.Printf("node %s listening on %s\n", kp.NodeID, n.Transport.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	return n.Leave()
}
