package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	cerrors "service-core/errors"
	"service-core/internal/unit"
)

var statusCmd = &cobra.Command{
	Use:   "status <unit>",
	Short: "Show a unit's activation status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}

	name := args[0]
	u := rt.graph.Get(name)
	if u == nil {
		return cerrors.New(cerrors.ErrNotFound, "status", fmt.Sprintf("unit %q not found", name))
	}

	status, sub := u.Status()
	fmt.Printf("%s\n", u.Name)
	fmt.Printf("  Status:  %s\n", status)
	if sub != 0 {
		fmt.Printf("  Detail:  %s\n", subStatusString(sub))
	}
	fmt.Printf("  Restarts: %d\n", u.RestartCount())
	if !u.UpSince().IsZero() {
		fmt.Printf("  Up since: %s\n", u.UpSince())
	}
	for _, entry := range rt.reg.PidsForUnit(name) {
		fmt.Printf("  Pid %d (%s): exit=%d signal=%d\n", entry.Pid, entry.Kind, entry.ExitCode, entry.ExitSignal)
	}
	if reasons := u.Reasons(); len(reasons) > 0 {
		fmt.Printf("  Reasons: %v\n", reasons)
	}
	return nil
}

func subStatusString(sub unit.SubStatus) string {
	switch sub {
	case unit.SubRunning:
		return "running"
	case unit.SubWaitingForSocket:
		return "waiting-for-socket"
	case unit.SubFinal:
		return "final"
	case unit.SubUnexpected:
		return "unexpected"
	default:
		return "none"
	}
}
