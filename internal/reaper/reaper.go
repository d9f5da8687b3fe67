// Package reaper is the manager's child-exit watcher (§5): it turns
// SIGCHLD into a reap loop over every pid the registry is tracking,
// classifies each exit the way the teacher's Wait() does with
// syscall.Wait4/WaitStatus, and hands the result to the exit dispatcher.
package reaper

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"service-core/internal/registry"
	"service-core/logging"
)

// Dispatcher is the subset of dispatch.Dispatcher the reaper drives.
type Dispatcher interface {
	HandleExit(entry *registry.PidEntry) error
}

// Reaper owns the SIGCHLD signal channel and the goroutine that drains it.
type Reaper struct {
	Registry   *registry.Registry
	Dispatcher Dispatcher

	sigCh chan os.Signal
	done  chan struct{}
	wg    sync.WaitGroup
}

// New builds a Reaper bound to a registry and dispatcher, neither of
// which is touched until Start is called.
func New(reg *registry.Registry, disp Dispatcher) *Reaper {
	return &Reaper{
		Registry:   reg,
		Dispatcher: disp,
		sigCh:      make(chan os.Signal, 16),
		done:       make(chan struct{}),
	}
}

// Start installs the SIGCHLD handler and launches the reap loop. It also
// drains any exits that arrived before the handler was installed, mirroring
// the teacher's pattern of an immediate best-effort Wait4 after fork.
func (r *Reaper) Start() {
	signal.Notify(r.sigCh, syscall.SIGCHLD)
	r.wg.Add(1)
	go r.loop()
	r.reapAll()
}

// Stop removes the signal handler and waits for the loop goroutine to exit.
func (r *Reaper) Stop() {
	signal.Stop(r.sigCh)
	close(r.done)
	r.wg.Wait()
}

func (r *Reaper) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case <-r.sigCh:
			r.reapAll()
		}
	}
}

// reapAll drains every exited child with a non-blocking Wait4 loop, the
// same WNOHANG pattern used to avoid racing a signal against a process
// that already exited before Notify was registered.
func (r *Reaper) reapAll() {
	for {
		var wstatus syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &wstatus, syscall.WNOHANG, nil)
		if err != nil {
			if err == syscall.ECHILD {
				return
			}
			if err == syscall.EINTR {
				continue
			}
			logging.Warn("reaper: wait4 failed", "error", err)
			return
		}
		if pid <= 0 {
			return
		}

		code, sig := classify(wstatus)
		entry := r.Registry.MarkExited(pid, code, sig)
		if entry == nil {
			// Not a pid we track (e.g. an orphaned grandchild reparented
			// to us); nothing to dispatch.
			continue
		}
		sigName := ""
		if sig != 0 {
			sigName = signalNameFor(syscall.Signal(sig))
		}
		logging.Info("reaper: reaped exit", "unit", entry.Unit, "pid", pid, "code", code, "signal", sigName)
		if r.Dispatcher != nil {
			if err := r.Dispatcher.HandleExit(entry); err != nil {
				logging.Warn("reaper: dispatch failed", "unit", entry.Unit, "pid", pid, "error", err)
			}
		}
	}
}

// classify mirrors the teacher's Wait() exit-status split: an exit code
// for a normal exit, or a raw signal number for one that died by signal.
func classify(wstatus syscall.WaitStatus) (code int, sig int) {
	switch {
	case wstatus.Exited():
		return wstatus.ExitStatus(), 0
	case wstatus.Signaled():
		return -1, int(wstatus.Signal())
	default:
		return -1, 0
	}
}

func signalNameFor(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGUSR1:
		return "SIGUSR1"
	case syscall.SIGUSR2:
		return "SIGUSR2"
	case syscall.SIGABRT:
		return "SIGABRT"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGPIPE:
		return "SIGPIPE"
	default:
		return sig.String()
	}
}
