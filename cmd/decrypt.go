package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wapair/internal/export"
)

func decryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <token>",
		Short: "Decrypt an exported credential token and write the raw bytes to stdout",
		Long: "Reverses an encrypted WA_CREDS_ENC token. The export secret is read\n" +
			"from WAPAIR_EXPORT_SECRET. Exits non-zero on any malformed or\n" +
			"undecryptable input.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("WAPAIR_EXPORT_SECRET")
			if secret == "" {
				return fmt.Errorf("WAPAIR_EXPORT_SECRET is not set")
			}
			creds, err := export.Decrypt(secret, args[0])
			if err != nil {
				return err
			}
			if _, err := os.Stdout.Write(creds); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			return nil
		},
	}
}
