// Package cmd wires the wapair CLI.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wapair",
		Short: "Pair a WhatsApp account and export its session credentials",
		Long: "wapair runs a small web service that links a new WhatsApp session\n" +
			"via pairing code or QR, then delivers the resulting credential\n" +
			"tokens to the paired account's own chat.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.AddCommand(serveCmd())
	root.AddCommand(decryptCmd())
	return root
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
