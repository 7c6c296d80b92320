package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/gematik/zero-authz/pkg/zas"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Zero Trust Authorization Server v%s\n", zas.Version)
		expanded, err := filepath.Abs(expandHome(viper.GetString("config_file")))
		if err != nil {
			fmt.Printf("Error expanding config file: %s\n", err)
		} else {
			fmt.Println("Config file:", expanded)
		}
	},
}
