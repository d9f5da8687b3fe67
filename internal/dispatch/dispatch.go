// Package dispatch is the exit dispatcher (§4.4): it turns a process
// exit reaped off the shared SIGCHLD waiter into a restart-vs-deactivate
// decision, applying SuccessExitStatus, the start-rate-limit window/burst,
// and the oneshot remaining-process reap on every exit.
package dispatch

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	jujuratelimit "github.com/juju/ratelimit"
	"golang.org/x/sys/unix"

	cerrors "service-core/errors"
	"service-core/internal/registry"
	"service-core/internal/unit"
	"service-core/logging"
)

// Deactivator is the subset of the activation-walk supervisor the
// dispatcher needs: starting and stopping a unit, and recursively
// deactivating dependents. Kept as an interface so dispatch has no
// import-cycle dependency on the activation package that drives it.
type Deactivator interface {
	Start(name string) error
	Stop(name string) error
	DeactivateDependents(name string) error
}

// Dispatcher owns one start-rate-limit bucket per unit and decides, for
// every reaped exit, whether to restart the unit in place or hand it off
// for (recursive) deactivation.
type Dispatcher struct {
	Registry *registry.Registry
	Units    func(name string) *unit.Unit
	Control  Deactivator

	mu      sync.Mutex
	buckets map[string]*jujuratelimit.Bucket
}

// New builds a Dispatcher. units resolves a unit by name (typically the
// graph's Get); control drives the actual start/stop/deactivate calls.
func New(reg *registry.Registry, units func(string) *unit.Unit, control Deactivator) *Dispatcher {
	return &Dispatcher{
		Registry: reg,
		Units:    units,
		Control:  control,
		buckets:  make(map[string]*jujuratelimit.Bucket),
	}
}

// HandleExit is called once per reaped pid, after registry.MarkExited has
// already classified it as a service-main or helper exit. It implements
// §4.4's decision tree plus SUPPLEMENTED FEATURES #1/#2.
func (d *Dispatcher) HandleExit(entry *registry.PidEntry) error {
	if entry == nil {
		return nil
	}
	u := d.Units(entry.Unit)
	if u == nil {
		logging.Warn("dispatch: exit for unknown unit", "unit", entry.Unit, "pid", entry.Pid)
		return nil
	}

	switch entry.Kind {
	case registry.PidHelperExited:
		return d.handleHelperExit(u, entry)
	case registry.PidServiceExited:
		return d.handleServiceExit(u, entry)
	default:
		return nil
	}
}

func (d *Dispatcher) handleHelperExit(u *unit.Unit, entry *registry.PidEntry) error {
	d.Registry.Forget(entry.Pid)
	if !succeeded(u, entry) {
		u.Lock()
		u.AppendReason(fmt.Sprintf("helper process %d failed: %s", entry.Pid, exitDescription(entry)))
		u.Unlock()
		return cerrors.WrapWithUnit(
			fmt.Errorf("helper exited with %s", exitDescription(entry)),
			cerrors.ErrServiceStart, "exec helper", u.Name)
	}
	return nil
}

func (d *Dispatcher) handleServiceExit(u *unit.Unit, entry *registry.PidEntry) error {
	// SUPPLEMENTED FEATURE #1: reap any remaining process-group members
	// for Type=oneshot units on every exit, success or failure, before
	// deciding restart/stop.
	if u.Service != nil && u.Service.Type == "oneshot" {
		d.reapRemaining(u)
	}
	d.Registry.Forget(entry.Pid)

	ok := succeeded(u, entry)
	if !ok {
		u.Lock()
		u.AppendReason(fmt.Sprintf("main process exited: %s", exitDescription(entry)))
		u.Unlock()
	}

	// §4.4 step 5: if the unit isn't Starting or Started(*) anymore, this
	// exit followed an operator-requested deactivate already in flight —
	// leave it alone rather than restarting or re-triggering teardown.
	status, _ := u.Status()
	if status != unit.Starting && status != unit.Started {
		return nil
	}

	if u.Service != nil && u.Service.Type == "oneshot" {
		// A oneshot's main process exiting always ends its run, clean or
		// not: remaining processes were already killed above, and it is
		// never restarted. RemainAfterExit=true on a clean exit holds the
		// unit at Started(Running) instead of tearing it down (scenario
		// §8.1); anything else deactivates it.
		if ok && u.Service.RemainAfterExit {
			return nil
		}
		return d.deactivate(u)
	}

	if d.shouldRestart(u, ok) {
		return d.restart(u)
	}
	return d.deactivate(u)
}

// reapRemaining sends SIGKILL to every still-running process-group
// member (service or helper role) of u, best-effort.
func (d *Dispatcher) reapRemaining(u *unit.Unit) {
	for _, pid := range d.Registry.RunningProcessGroupMembers(u.Name) {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			logging.Warn("dispatch: failed killing remaining process", "unit", u.Name, "pid", pid, "error", err)
		}
	}
}

// succeeded reports whether the exit counts as success given
// SuccessExitStatus= and the plain zero-exit-code/no-signal rule.
func succeeded(u *unit.Unit, entry *registry.PidEntry) bool {
	if entry.ExitSignal != 0 {
		for _, name := range successSignals(u) {
			if signalNumber(name) == entry.ExitSignal {
				return true
			}
		}
		return false
	}
	if entry.ExitCode == 0 {
		return true
	}
	for _, c := range successCodes(u) {
		if c == entry.ExitCode {
			return true
		}
	}
	return false
}

func successCodes(u *unit.Unit) []int {
	if u.Service == nil {
		return nil
	}
	return u.Service.SuccessExitStatus.Codes
}

func successSignals(u *unit.Unit) []string {
	if u.Service == nil {
		return nil
	}
	return u.Service.SuccessExitStatus.Signals
}

// signalNumber maps the handful of signal names SuccessExitStatus=
// accepts to their numeric value; an unrecognized name never matches.
func signalNumber(name string) int {
	switch name {
	case "SIGHUP":
		return int(unix.SIGHUP)
	case "SIGINT":
		return int(unix.SIGINT)
	case "SIGQUIT":
		return int(unix.SIGQUIT)
	case "SIGKILL":
		return int(unix.SIGKILL)
	case "SIGTERM":
		return int(unix.SIGTERM)
	case "SIGUSR1":
		return int(unix.SIGUSR1)
	case "SIGUSR2":
		return int(unix.SIGUSR2)
	case "SIGPIPE":
		return int(unix.SIGPIPE)
	default:
		return -1
	}
}

func exitDescription(entry *registry.PidEntry) string {
	if entry.ExitSignal != 0 {
		return "signal " + strconv.Itoa(entry.ExitSignal)
	}
	return "code " + strconv.Itoa(entry.ExitCode)
}

// shouldRestart applies RestartPolicy's Mode against the outcome.
func (d *Dispatcher) shouldRestart(u *unit.Unit, ok bool) bool {
	if u.Service == nil {
		return false
	}
	switch u.Service.Restart.Mode {
	case "always":
		return true
	case "on-success":
		return ok
	case "on-failure", "on-abnormal", "on-watchdog", "on-abort":
		return !ok
	default: // "no"
		return false
	}
}

// restart consults the unit's start-rate-limit bucket before relaunching.
// RestartSec=0 still consumes one token from the bucket: a zero backoff
// is not an exemption from StartLimitIntervalSec/StartLimitBurst.
func (d *Dispatcher) restart(u *unit.Unit) error {
	if !d.takeStartToken(u) {
		u.Lock()
		u.AppendReason("start limit hit, giving up")
		u.IncRestartCount()
		u.Unlock()
		return cerrors.WrapWithUnit(cerrors.ErrStartLimitHit, cerrors.ErrServiceStart, "restart", u.Name)
	}

	u.Lock()
	u.SetStatus(unit.Restarting, unit.SubNone)
	u.IncRestartCount()
	u.Unlock()

	delay := u.Service.Restart.Sec
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		if err := d.Control.Start(u.Name); err != nil {
			logging.Error("dispatch: restart failed", "unit", u.Name, "error", err)
		}
	}()
	return nil
}

// takeStartToken lazily creates a per-unit bucket sized to
// StartLimitBurst, refilled by one token every
// StartLimitInterval/StartLimitBurst, and reports
// whether a token was available.
func (d *Dispatcher) takeStartToken(u *unit.Unit) bool {
	interval := u.Lifecycle.StartLimitInterval
	burst := u.Lifecycle.StartLimitBurst
	if interval <= 0 || burst <= 0 {
		return true // rate limiting disabled for this unit
	}

	d.mu.Lock()
	b, ok := d.buckets[u.Name]
	if !ok {
		fillInterval := interval / time.Duration(burst)
		if fillInterval <= 0 {
			fillInterval = time.Millisecond
		}
		b = jujuratelimit.NewBucket(fillInterval, int64(burst))
		d.buckets[u.Name] = b
	}
	d.mu.Unlock()

	return b.TakeAvailable(1) == 1
}

// deactivate stops u and then recursively tears down its RequiredBy/
// BoundBy/PartOfBy dependents, retrying the deactivation for as long as
// the only failure is transient dependency churn from a concurrent
// activation (SUPPLEMENTED FEATURE #2).
func (d *Dispatcher) deactivate(u *unit.Unit) error {
	if err := d.Control.Stop(u.Name); err != nil {
		return cerrors.WrapWithUnit(err, cerrors.ErrServiceStop, "stop", u.Name)
	}

	for {
		err := d.Control.DeactivateDependents(u.Name)
		if err == nil {
			return nil
		}
		if errors.Is(err, cerrors.ErrDependencyMissing) || errors.Is(err, cerrors.ErrDependencyCycle) {
			logging.Debug("dispatch: retrying dependent deactivation after transient dependency churn", "unit", u.Name)
			continue
		}
		return err
	}
}
