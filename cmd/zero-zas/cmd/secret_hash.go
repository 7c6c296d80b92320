package cmd

import (
	"fmt"

	"github.com/gematik/zero-authz/pkg/oauth2server"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(secretHashCmd)
}

var secretHashCmd = &cobra.Command{
	Use:   "secret-hash [secret]",
	Short: "Hashes the given client secret or password",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		hashed, err := oauth2server.HashSecret(args[0])
		cobra.CheckErr(err)
		fmt.Println(hashed)
	},
}
