// Package launcher is the manager-resident half of the process launcher
// (§4.3): it builds the exec_helper invocation, hands it the unit's
// ExecConfig across environment and fd-inheritance, and gates it on a
// FIFO exactly the way the teacher's Create/Start split gates the init
// process on ExecFifoPath, so a unit reaches NeverStarted->Starting
// observably before its first pre-exec byte runs.
package launcher

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	cerrors "service-core/errors"
	"service-core/internal/notify"
	"service-core/internal/registry"
	"service-core/internal/unit"
	"service-core/linux"
	"service-core/logging"
	"service-core/utils"
)

// These constants name the environment contract between the launcher and
// internal/exechelper (run via the hidden exec-helper subcommand).
const (
	envConfigPath  = "_SVCORE_EXEC_CONFIG"
	envUnitName    = "_SVCORE_UNIT_NAME"
	envFifoPath    = "_SVCORE_EXEC_FIFO"
	envListenFDs   = "LISTEN_FDS"
	envListenPID   = "LISTEN_PID"
	envListenNames = "LISTEN_FDNAMES"
	envNotifySocket = "NOTIFY_SOCKET"
)

// Handle is a launched-but-possibly-still-gated process.
type Handle struct {
	UnitName string
	Cmd      *exec.Cmd
	Pid      int
	fifo     *utils.Fifo

	// Notify is non-nil for Type=notify/notify-reload services: the
	// manager's end of the unit's $NOTIFY_SOCKET, for the activation
	// state machine to block on READY=1 (§4.2, §6).
	Notify *notify.Listener
}

// isNotifyType reports whether a service type sends status over the
// notify protocol and must be waited on for READY=1 before Running.
func isNotifyType(serviceType string) bool {
	return serviceType == "notify" || serviceType == "notify-reload"
}

// Launcher builds and gates exec_helper invocations for one manager
// instance. RuntimeDir holds the per-unit FIFOs and serialized configs,
// analogous to the teacher's per-container state directory.
type Launcher struct {
	RuntimeDir string
	Registry   *registry.Registry

	// HostKey is the node's credential.SealHost key material, if
	// configured. Copied onto each unit's ExecConfig at Spawn time; nil
	// means only SealNull-sealed credentials can be decrypted.
	HostKey []byte
}

// New returns a launcher rooted at runtimeDir (created if absent).
func New(runtimeDir string, reg *registry.Registry) (*Launcher, error) {
	if err := os.MkdirAll(runtimeDir, 0700); err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrResource, "create launcher runtime dir")
	}
	return &Launcher{RuntimeDir: runtimeDir, Registry: reg}, nil
}

func (l *Launcher) fifoPath(unitName string) string {
	return filepath.Join(l.RuntimeDir, unitName+".start-fifo")
}

func (l *Launcher) configPath(unitName string) string {
	return filepath.Join(l.RuntimeDir, unitName+".exec-config.json")
}

// Spawn forks exec_helper gated on a FIFO and returns once the process
// exists and is blocked waiting to be released by Release. The caller
// (internal/activation) is expected to finish whatever bookkeeping the
// Starting state requires before calling Release, exactly as the
// teacher's Container.Start() does after Create().
func (l *Launcher) Spawn(u *unit.Unit, listenFDs []*os.File, listenNames []string) (*Handle, error) {
	cfg := u.Service.Exec
	cfg.HostKey = l.HostKey

	fifo, err := utils.NewFifo(l.fifoPath(u.Name))
	if err != nil {
		return nil, cerrors.WrapWithUnit(err, cerrors.ErrResource, "create start fifo", u.Name)
	}

	configBytes, err := json.Marshal(&cfg)
	if err != nil {
		fifo.Remove()
		return nil, cerrors.WrapWithUnit(err, cerrors.ErrInvalidConfig, "marshal exec config", u.Name)
	}
	if err := os.WriteFile(l.configPath(u.Name), configBytes, 0600); err != nil {
		fifo.Remove()
		return nil, cerrors.WrapWithUnit(err, cerrors.ErrResource, "write exec config", u.Name)
	}

	self, err := os.Executable()
	if err != nil {
		fifo.Remove()
		return nil, cerrors.Wrap(err, cerrors.ErrInternal, "resolve own executable")
	}

	cmd := exec.Command(self, "exec-helper")
	cmd.Dir = cfg.WorkingDirectory
	cmd.SysProcAttr = linux.BuildSysProcAttr(cfg.Namespaces)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%s", envConfigPath, l.configPath(u.Name)),
		fmt.Sprintf("%s=%s", envUnitName, u.Name),
		fmt.Sprintf("%s=%s", envFifoPath, l.fifoPath(u.Name)),
	)

	var notifyListener *notify.Listener
	if isNotifyType(u.Service.Type) {
		nl, err := notify.NewListener(u.Name, l.notifyPath(u.Name))
		if err != nil {
			fifo.Remove()
			os.Remove(l.configPath(u.Name))
			return nil, cerrors.WrapWithUnit(err, cerrors.ErrResource, "create notify socket", u.Name)
		}
		notifyListener = nl
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", envNotifySocket, l.notifyPath(u.Name)))
	}

	// LISTEN_PID is set only in the presence of LISTEN_FDS: a process that
	// was not socket-activated must not see it, or sd_listen_fds-style
	// callers would look for inherited descriptors that are not there.
	if len(listenFDs) > 0 {
		cmd.ExtraFiles = listenFDs
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", envListenFDs, len(listenFDs)))
		if len(listenNames) == len(listenFDs) {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", envListenNames, joinNames(listenNames)))
		}
		// LISTEN_PID is finalized to the child's real pid by exec_helper
		// itself once it knows it (see internal/exechelper.Run), not here: the
		// manager doesn't know the forked pid until after cmd.Start.
	}

	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		fifo.Remove()
		os.Remove(l.configPath(u.Name))
		if notifyListener != nil {
			notifyListener.Close()
		}
		return nil, cerrors.WrapWithUnit(err, cerrors.ErrInternal, "start exec-helper", u.Name)
	}

	if l.Registry != nil {
		l.Registry.TrackPid(u.Name, registry.PidService, cmd.Process.Pid)
	}

	logging.Info("launcher: spawned exec-helper", "unit", u.Name, "pid", cmd.Process.Pid)

	return &Handle{UnitName: u.Name, Cmd: cmd, Pid: cmd.Process.Pid, fifo: fifo, Notify: notifyListener}, nil
}

func (l *Launcher) notifyPath(unitName string) string {
	return filepath.Join(l.RuntimeDir, unitName+".notify.sock")
}

// joinNames is a tiny colon-join (the LISTEN_FDNAMES separator) to avoid pulling in strings for one call
// site; LISTEN_FDNAMES is a small, bounded list.
func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ":"
		}
		out += n
	}
	return out
}

// Release unblocks the gated exec_helper, letting it proceed past its
// FIFO wait into the credential/capability/exec sequence. This is the
// launcher's analog of the teacher's Start() writing to ExecFifoPath.
func (h *Handle) Release() error {
	if err := h.fifo.Signal(); err != nil {
		return cerrors.WrapWithUnit(err, cerrors.ErrResource, "release start fifo", h.UnitName)
	}
	return h.fifo.Remove()
}

// Abort kills the spawned process (whether still gated or already
// released), removes its FIFO and closes its notify socket; activation
// calls it when Release, the wait for READY=1, or ExecStartPost fails.
func (h *Handle) Abort() {
	h.Cmd.Process.Kill()
	h.fifo.Remove()
	if h.Notify != nil {
		h.Notify.Close()
	}
}
