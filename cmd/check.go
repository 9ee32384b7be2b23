package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teleroute/drouter/core"
	"github.com/teleroute/drouter/state"
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the daemon configuration",
	Long:  `Parse and validate the configuration file, then print the resolved router maps without starting the daemon.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := core.ReadConfig(configPath)
		if err != nil {
			panic(err)
		}
		fmt.Printf("configuration ok: %d matrices, %d routers\n", len(cfg.Matrices), len(cfg.Maps))
		for _, em := range cfg.Maps {
			fmt.Printf("  router %d %q (%s): %d inputs, %d outputs, %d snapshots\n",
				em.Number+1, em.Name, em.Type,
				em.SlotCount(state.MapInput), em.SlotCount(state.MapOutput), len(em.Snapshots))
		}
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
