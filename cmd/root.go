package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath = "/etc/drouter/drouter.yml"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "drouterd",
	Short: "Dynamic router control daemon",
	Long: `drouterd manages a set of audio and GPIO routing matrices and exposes
them to control clients over the D, SA and J protocols.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "daemon configuration file")
}
