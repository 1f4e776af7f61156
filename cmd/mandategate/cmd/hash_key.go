package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mandategate/mandategate/internal/domain/ident"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate the SHA-256 hash for an API key",
	Long: `Generate the SHA-256 hash of a raw API key for operator provisioning.

The output is the bare hex digest used in the agent key_hash field of a
seed file. Argon2id PHC hashes are also accepted there; generate those
with your own tooling.

Example:
  mandategate hash-key "sk-abc123..."

Security note: the key will appear in shell history. Consider using an
environment variable:
  mandategate hash-key "$AGENT_API_KEY"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(ident.HashKey(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
