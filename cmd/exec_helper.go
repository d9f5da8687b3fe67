package cmd

import (
	"github.com/spf13/cobra"

	"service-core/internal/exechelper"
)

var execHelperCmd = &cobra.Command{
	Use:    "exec-helper",
	Short:  "Run the privileged pre-exec sequence for a unit (internal use)",
	Long:   `Internal command the manager re-execs itself as to prepare and exec one unit's process.`,
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runExecHelper,
}

func init() {
	rootCmd.AddCommand(execHelperCmd)
}

func runExecHelper(cmd *cobra.Command, args []string) error {
	return exechelper.Run()
}
