package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/teleroute/drouter/core"
	"github.com/teleroute/drouter/proto"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon",
	Long:  `This will run drouterd on the current host, connect to the configured matrices and start the protocol servers.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := core.ReadConfig(configPath)
		if err != nil {
			panic(err)
		}

		level := slog.LevelInfo
		if ok, _ := cmd.Flags().GetBool("verbose"); ok {
			level = slog.LevelDebug
		}

		err = core.Start(*cfg, level, nil,
			&proto.DServer{},
			&proto.SaServer{},
			&proto.JServer{},
		)
		if err != nil {
			panic(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
}
