// Package cmd implements the CLI commands for svcore.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"service-core/internal/activation"
	"service-core/internal/config"
	"service-core/internal/credential"
	"service-core/internal/dispatch"
	"service-core/internal/launcher"
	"service-core/internal/reaper"
	"service-core/internal/registry"
	"service-core/internal/unitgraph"
	"service-core/logging"
)

// Version information set at build time
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
)

// Global flags
var (
	globalConfig    string
	globalUnitsPath string
	globalLog       string
	globalLogFormat string
	globalDebug     bool
)

// rootCmd is the base command for svcore.
var rootCmd = &cobra.Command{
	Use:   "svcore",
	Short: "service supervision core",
	Long: `svcore is a unit-graph service manager: it activates units in
dependency order, supervises their processes, restarts them on failure
and reacts to socket activation, the way a system service manager does.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetContext returns a context that cancels on SIGINT/SIGTERM.
func GetContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfig, "config", "/etc/svcore/config.yaml", "path to the manager's bootstrap config")
	rootCmd.PersistentFlags().StringVar(&globalUnitsPath, "units", "/etc/svcore/units.yaml", "path to the unit definitions file")
	rootCmd.PersistentFlags().StringVar(&globalLog, "log", "", "set the log file path")
	rootCmd.PersistentFlags().StringVar(&globalLogFormat, "log-format", "text", "set the format for log output (text or json)")
	rootCmd.PersistentFlags().BoolVar(&globalDebug, "debug", false, "enable debug logging")
}

func setupLogging() {
	var logOutput = os.Stderr
	if globalLog != "" {
		f, err := os.OpenFile(globalLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err == nil {
			logOutput = f
		}
	}

	logLevel := slog.LevelInfo
	if globalDebug {
		logLevel = slog.LevelDebug
	}

	if globalLogFormat == "json" || globalLog != "" {
		logger := logging.NewLogger(logging.Config{
			Level:  logLevel,
			Format: globalLogFormat,
			Output: logOutput,
		})
		logging.SetDefault(logger)
	}
}

// runtime bundles together everything a manager-facing command needs:
// the loaded config, the populated+linked unit graph, and the wired
// registry/launcher/activation/dispatch/reaper stack.
type runtime struct {
	cfg     *config.Config
	graph   *unitgraph.Graph
	reg     *registry.Registry
	manager *activation.Manager
	disp    *dispatch.Dispatcher
	reap    *reaper.Reaper
}

// buildRuntime loads config and unit definitions and wires the full
// manager stack, but does not activate anything or start the reaper —
// callers that need a live supervisor call start() on the result.
func buildRuntime() (*runtime, error) {
	cfg, err := config.Load(globalConfig)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	units, err := config.LoadUnits(globalUnitsPath)
	if err != nil {
		return nil, fmt.Errorf("load units: %w", err)
	}

	graph := unitgraph.New()
	for _, u := range units {
		if err := graph.Insert(u); err != nil {
			return nil, fmt.Errorf("insert unit: %w", err)
		}
	}
	if err := graph.Link(); err != nil {
		return nil, fmt.Errorf("link units: %w", err)
	}
	if cyc := graph.DetectCycle(); len(cyc) > 0 {
		return nil, fmt.Errorf("dependency cycle detected: %v", cyc)
	}

	reg := registry.New()
	l, err := launcher.New(cfg.Dirs.Runtime, reg)
	if err != nil {
		return nil, fmt.Errorf("build launcher: %w", err)
	}
	if cfg.HostKeyPath != "" {
		if key, err := credential.LoadHostKey(cfg.HostKeyPath); err == nil {
			l.HostKey = key
		} else if !os.IsNotExist(err) {
			logging.Warn("build runtime: host key unreadable, SealHost credentials will not decrypt", "path", cfg.HostKeyPath, "error", err)
		}
	}
	manager := activation.New(graph, reg, l)
	disp := dispatch.New(reg, graph.Get, manager)
	reap := reaper.New(reg, disp)

	return &runtime{cfg: cfg, graph: graph, reg: reg, manager: manager, disp: disp, reap: reap}, nil
}

// start begins reaping child exits. Callers that activate units must
// call this first so exits are observed.
func (rt *runtime) start() {
	rt.reap.Start()
}

// shutdown stops the reaper and every socket watcher/inetd acceptor
// goroutine the manager spawned.
func (rt *runtime) shutdown() {
	rt.reap.Stop()
	if err := rt.manager.Shutdown(); err != nil {
		logging.Warn("shutdown: socket watcher teardown", "error", err)
	}
}
