package cmd

import (
	"github.com/spf13/cobra"

	"service-core/internal/activation"
)

var startCmd = &cobra.Command{
	Use:   "start <unit>",
	Short: "Activate a unit",
	Long:  `Activate a unit. Fails with a dependency error while a unit it requires or binds to is not started; prerequisites are not started automatically.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	rt.start()
	defer rt.shutdown()

	return rt.manager.Activate(args[0], activation.SourceManual)
}
