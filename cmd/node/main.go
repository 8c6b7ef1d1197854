package main

import (
	"os"

	"chainsync/internal/logx"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chainsync",
	Short: "Longest-chain ledger node",
	Long: "Run a node that keeps an append-only chain of data blocks in sync with its peers, " +
		"or talk to a running node through its HTTP API.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logx.Error("CMD", "Command execution failed: ", err)
		os.Exit(1)
	}
}
