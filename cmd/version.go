package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var Version = "dev"

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("drouterd", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
