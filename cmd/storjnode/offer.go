package main

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/spf13/cobra"

	"go.storjnode.dev/core/contract"
	"go.storjnode.dev/core/crypto"
	"go.storjnode.dev/core/network"
)

var (
	offerFarmer     string
	offerDataHash   string
	offerDataSize   uint64
	offerStoreBegin int64
	offerStoreEnd   int64
	offerAuditCount int
)

var offerCmd = &cobra.Command{
	Use:   "offer",
	Short: "Sign and publish a renter contract draft for farmers to accept",
	RunE:  runOffer,
}

func init() {
	offerCmd.Flags().StringVar(&offerFarmer, "farmer", "", "known farmer NodeID to pre-address this draft to (hex), optional - leave unset for an open publication any subscribed farmer may accept")
	offerCmd.Flags().StringVar(&offerDataHash, "hash", "", "hex-encoded shard data hash")
	offerCmd.Flags().Uint64Var(&offerDataSize, "size", 0, "shard size in bytes")
	offerCmd.Flags().Int64Var(&offerStoreBegin, "store-begin", 0, "contract storage window start (unix seconds)")
	offerCmd.Flags().Int64Var(&offerStoreEnd, "store-end", 0, "contract storage window end (unix seconds)")
	offerCmd.Flags().IntVar(&offerAuditCount, "audits", 3, "number of audit challenges over the contract's lifetime")
	offerCmd.MarkFlagRequired("hash")
	offerCmd.MarkFlagRequired("size")
	offerCmd.MarkFlagRequired("store-end")
	rootCmd.AddCommand(offerCmd)
}

// runOffer performs the renter side of contract negotiation: build and
// sign a draft, then publish it on the market's pub/sub topic. A farmer
// discovers the publication independently and completes the contract by
// countersigning and sending its own OFFER back to this node - the OFFER
// RPC always travels farmer to renter, never the other way around, so
// there is no farmer endpoint for a renter to call directly here.
func runOffer(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	kp, err := loadOrCreateKeyPair(viperString("keyfile"))
	if err != nil {
		return err
	}

	hash, err := parseHash160Flag(offerDataHash)
	if err != nil {
		return err
	}

	var farmerID crypto.Hash160
	if offerFarmer != "" {
		farmerID, err = crypto.ParseHash160(offerFarmer)
		if err != nil {
			return err
		}
	}

	hdKey, err := renterHDKey(kp, hash)
	if err != nil {
		return err
	}

	draft, err := contract.New(contract.Fields{
		RenterID:    kp.NodeID,
		RenterHDKey: hdKey,
		FarmerID:    farmerID,
		DataSize:    offerDataSize,
		DataHash:    hash,
		StoreBegin:  offerStoreBegin,
		StoreEnd:    offerStoreEnd,
		AuditCount:  offerAuditCount,
	})
	if err != nil {
		return err
	}
	if err := draft.Sign(kp, contract.Renter); err != nil {
		return err
	}

	n, err := network.New(cfg, kp, nil)
	if err != nil {
		return err
	}
	defer n.Leave()

	// shapeClass 0x00 is the plain, no-special-terms contract shape; this
	// CLI offers no way to request a different one.
	pub := n.Market.Publish(draft, 0x00)
	encoded, err := json.MarshalIndent(pub.Draft, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(encoded))
	cmd.Println("published on topic", pub.Topic.String())
	return nil
}

// renterHDKey derives a per-contract key from kp's own key material and
// hash, giving a farmer a fresh-looking public key to verify payment or
// correspondence against without the renter reusing its stable identity
// key across every contract it offers.
func renterHDKey(kp crypto.KeyPair, hash crypto.Hash160) (string, error) {
	seed := crypto.NewSeedFromEntropy(kp.PrivateKey)
	index := binary.BigEndian.Uint64(hash[:8])
	child, err := seed.DeriveChild(index)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(child.PublicKey[:]), nil
}
