package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hycast/hycast/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "hycast",
	Short: "Hycast P2P overlay node",
	Long:  `Runs a Hycast publisher or subscriber node over the P2P backfill overlay.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logging.Sugar.Error(err)
		os.Exit(1)
	}
}
