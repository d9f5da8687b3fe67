package cmd

import (
	"github.com/spf13/cobra"

	"service-core/internal/activation"
)

var restartCmd = &cobra.Command{
	Use:   "restart <unit>",
	Short: "Deactivate then reactivate a unit",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestart,
}

func init() {
	rootCmd.AddCommand(restartCmd)
}

func runRestart(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	rt.start()
	defer rt.shutdown()

	return rt.manager.Reactivate(args[0], activation.SourceManual)
}
