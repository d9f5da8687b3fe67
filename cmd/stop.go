package cmd

import (
	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop <unit>",
	Short: "Deactivate a unit",
	Long:  `Deactivate a unit. Refuses while a running unit still requires or binds to it; dependents are not stopped automatically.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	rt.start()
	defer rt.shutdown()

	return rt.manager.Deactivate(args[0])
}
