package cmd

import (
	"encoding/json"
	"os"

	"github.com/gematik/zero-authz/pkg/jose"
	"github.com/spf13/cobra"
)

func init() {
	joseGenerateKeyCmd.Flags().String("alg", "ES256", "signature algorithm (ES256, ES384, RS256, PS256)")
	joseCmd.AddCommand(joseGenerateKeyCmd)
	rootCmd.AddCommand(joseCmd)
}

var joseCmd = &cobra.Command{
	Use:   "jose",
	Short: "JOSE utilities",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var joseGenerateKeyCmd = &cobra.Command{
	Use:   "generate-key",
	Short: "Generate a private signing key as JWK",
	Run: func(cmd *cobra.Command, args []string) {
		alg, err := cmd.Flags().GetString("alg")
		cobra.CheckErr(err)
		key, err := jose.RandomKey(alg)
		cobra.CheckErr(err)
		cobra.CheckErr(json.NewEncoder(os.Stdout).Encode(key))
	},
}
