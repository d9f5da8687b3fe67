package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"service-core/internal/activation"
	"service-core/internal/unit"
	"service-core/logging"
)

var daemonActivate []string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the manager as a persistent supervisor",
	Long: `daemon loads the unit graph, starts the reaper, activates the
requested units and then blocks, supervising every running process
until it receives SIGINT/SIGTERM. SIGHUP re-execs the manager binary
in place, the way the teacher's own process keeps its pid across a
daemon-reexec.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringSliceVar(&daemonActivate, "activate", nil, "unit(s) to activate at startup")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	rt.start()
	defer rt.shutdown()

	for _, name := range daemonActivate {
		if err := rt.manager.Activate(name, activation.SourceManual); err != nil {
			logging.Error("daemon: activate at startup failed", "unit", name, "error", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			if err := reexecSelf(); err != nil {
				logging.Error("daemon: reexec failed, continuing without it", "error", err)
				continue
			}
			// unreachable: reexecSelf replaces this process's image.
		default:
			logging.Info("daemon: shutting down", "signal", sig)
			for _, u := range rt.graph.All() {
				if status, _ := u.Status(); status == unit.Started {
					if err := rt.manager.Deactivate(u.Name); err != nil {
						logging.Warn("daemon: deactivate on shutdown", "unit", u.Name, "error", err)
					}
				}
			}
			return nil
		}
	}
	return nil
}

// reexecSelf replaces the current process image with a fresh copy of
// the same binary and arguments, preserving the pid and inherited fds.
func reexecSelf() error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	return syscall.Exec(self, os.Args, os.Environ())
}
