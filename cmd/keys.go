package cmd

import (
	"encoding/base64"
	"fmt"

	"github.com/gorilla/securecookie"
	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Generate HOLD_TOKEN_HASH_KEY and HOLD_TOKEN_BLOCK_KEY values (base64)",
		RunE: func(cmd *cobra.Command, args []string) error {
			hash := securecookie.GenerateRandomKey(32)
			block := securecookie.GenerateRandomKey(32)
			if hash == nil || block == nil {
				return fmt.Errorf("could not read random bytes")
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "export HOLD_TOKEN_HASH_KEY=%s\n", base64.StdEncoding.EncodeToString(hash))
			fmt.Fprintf(out, "export HOLD_TOKEN_BLOCK_KEY=%s\n", base64.StdEncoding.EncodeToString(block))
			return nil
		},
	}
}
