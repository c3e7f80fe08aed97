package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dfs",
	Short: "Peer-to-peer distributed file store",
	Long: `A node of a peer-to-peer distributed file store. Files inserted locally
are encrypted and replicated to every connected peer; fetches of missing
keys are served back from the network.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
