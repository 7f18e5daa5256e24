// Command storjnode runs and exercises a single node of the storage
// network: joining the overlay, serving farmer/renter RPCs, publishing
// contract drafts, and issuing one-off AUDIT calls for diagnostics and
// testing.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.storjnode.dev/core/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "storjnode",
	Short: "Run and operate a storage network node",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (optional; environment variables always apply)")
	rootCmd.PersistentFlags().String("keyfile", "node.key", "path to this node's private key file")
	rootCmd.PersistentFlags().String("storage-dir", "", "override the shard storage directory")
	viper.BindPFlag("keyfile", rootCmd.PersistentFlags().Lookup("keyfile"))
	viper.BindPFlag("storage-dir", rootCmd.PersistentFlags().Lookup("storage-dir"))
}

// loadConfig builds a config.Config from defaults, the environment, and
// any CLI overrides bound above.
func loadConfig() config.Config {
	cfg := config.Load()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err == nil {
			viper.Unmarshal(&cfg)
		}
	}
	if dir := viper.GetString("storage-dir"); dir != "" {
		cfg.StorageDir = dir
	}
	return cfg
}

func viperString(key string) string {
	return viper.GetString(key)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fail(err)
	}
}
