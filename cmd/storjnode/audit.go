package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
	"lukechampine.com/frand"

	"go.storjnode.dev/core/merkle"
	"go.storjnode.dev/core/network"
	"go.storjnode.dev/core/protocol"
)

var (
	auditFarmer string
	auditHash   string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Send a spot-check AUDIT challenge to a farmer for a stored shard",
	RunE:  runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditFarmer, "farmer", "", "farmer contact, storj://host:port/nodeid")
	auditCmd.Flags().StringVar(&auditHash, "hash", "", "hex-encoded shard data hash")
	auditCmd.MarkFlagRequired("farmer")
	auditCmd.MarkFlagRequired("hash")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	kp, err := loadOrCreateKeyPair(viperString("keyfile"))
	if err != nil {
		return err
	}

	farmer, err := parseContact(auditFarmer)
	if err != nil {
		return err
	}
	hash, err := parseHash160Flag(auditHash)
	if err != nil {
		return err
	}

	var challenge merkle.Challenge
	frand.Read(challenge[:])

	n, err := network.New(cfg, kp, nil)
	if err != nil {
		return err
	}
	defer n.Leave()

	resp, err := n.Transport.Call(context.Background(), farmerDialAddr(farmer), "AUDIT", protocol.AuditParams{DataHash: hash, Challenge: challenge})
	if err != nil {
		return err
	}
	var result protocol.AuditResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(result.Proof, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(encoded))
	return nil
}
