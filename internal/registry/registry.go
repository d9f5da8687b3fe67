// Package registry is the runtime registry (§4.7): the live PID table,
// the file-descriptor store used for socket-activation handoff and
// FDSTORE=1, and the subscriber fan-out for unit status change events.
package registry

import (
	"os"
	"sync"

	"service-core/internal/unit"
)

// PidKind is the role a tracked process plays within a unit, mirroring
// rustysd's PidEntry enum exactly (SUPPLEMENTED FEATURES #7's sibling
// grounding: service_exit_handler.rs tags every tracked pid this way).
type PidKind int

const (
	// PidService is the unit's main tracked process, still running.
	PidService PidKind = iota
	// PidHelper is an ExecStartPre/ExecStartPost/ExecStop helper process,
	// still running.
	PidHelper
	// PidHelperExited is a helper slot kept around only long enough for
	// the dispatcher to read its exit status.
	PidHelperExited
	// PidServiceExited is the main process slot kept around only long
	// enough for the dispatcher to read its exit status.
	PidServiceExited
)

func (k PidKind) String() string {
	switch k {
	case PidService:
		return "service"
	case PidHelper:
		return "helper"
	case PidHelperExited:
		return "helper-exited"
	case PidServiceExited:
		return "service-exited"
	default:
		return "unknown"
	}
}

// PidEntry is one row of the PID table.
type PidEntry struct {
	Unit string
	Kind PidKind
	Pid  int

	// ExitCode and ExitSignal are populated once Kind becomes one of the
	// *Exited variants. ExitSignal is the raw signal number, zero if the
	// process exited normally.
	ExitCode   int
	ExitSignal int
}

// FDEntry is one stored file descriptor, either held for a socket unit's
// open listeners or parked in the fd store via FDSTORE=1.
type FDEntry struct {
	Unit string
	Name string
	File *os.File
}

// Event is published whenever a unit's status changes.
type Event struct {
	UnitName  string
	Status    unit.Status
	SubStatus unit.SubStatus
}

// Registry is the lock-protected runtime table shared by the activation
// state machine, the launcher, and the exit dispatcher.
type Registry struct {
	mu sync.Mutex

	pidsByPid  map[int]*PidEntry
	pidsByUnit map[string][]*PidEntry

	fds map[string][]*FDEntry

	subsMu sync.RWMutex
	subs   []chan Event
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		pidsByPid:  make(map[int]*PidEntry),
		pidsByUnit: make(map[string][]*PidEntry),
		fds:        make(map[string][]*FDEntry),
	}
}

// TrackPid registers a newly forked process under the given unit and kind.
func (r *Registry) TrackPid(unitName string, kind PidKind, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := &PidEntry{Unit: unitName, Kind: kind, Pid: pid}
	r.pidsByPid[pid] = entry
	r.pidsByUnit[unitName] = append(r.pidsByUnit[unitName], entry)
}

// MarkExited transitions a tracked pid to its *Exited kind and records the
// exit status, returning the entry so the dispatcher can inspect it. A
// pid not under tracking (already reaped, or never ours) returns nil.
func (r *Registry) MarkExited(pid, exitCode, exitSignal int) *PidEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.pidsByPid[pid]
	if !ok {
		return nil
	}
	entry.ExitCode = exitCode
	entry.ExitSignal = exitSignal
	switch entry.Kind {
	case PidService:
		entry.Kind = PidServiceExited
	case PidHelper:
		entry.Kind = PidHelperExited
	}
	return entry
}

// Forget removes a pid from tracking entirely, once the dispatcher has
// acted on its exit.
func (r *Registry) Forget(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.pidsByPid[pid]
	if !ok {
		return
	}
	delete(r.pidsByPid, pid)
	list := r.pidsByUnit[entry.Unit]
	for i, e := range list {
		if e.Pid == pid {
			r.pidsByUnit[entry.Unit] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// PidsForUnit returns a snapshot of every tracked process for a unit.
func (r *Registry) PidsForUnit(unitName string) []PidEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.pidsByUnit[unitName]
	out := make([]PidEntry, len(src))
	for i, e := range src {
		out[i] = *e
	}
	return out
}

// RunningProcessGroupMembers returns pids still in PidService/PidHelper
// state for a unit — the set an oneshot's exit handler must reap before
// deciding restart/stop (SUPPLEMENTED FEATURE #1).
func (r *Registry) RunningProcessGroupMembers(unitName string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, e := range r.pidsByUnit[unitName] {
		if e.Kind == PidService || e.Kind == PidHelper {
			out = append(out, e.Pid)
		}
	}
	return out
}

// StoreFD parks a file descriptor under a unit and logical name, used by
// both socket-unit listener handoff and FDSTORE=1.
func (r *Registry) StoreFD(unitName, name string, f *os.File) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fds[unitName] = append(r.fds[unitName], &FDEntry{Unit: unitName, Name: name, File: f})
}

// TakeFDs returns and clears every fd stored for a unit, used when
// handing LISTEN_FDS to a freshly exec'd process.
func (r *Registry) TakeFDs(unitName string) []*FDEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.fds[unitName]
	delete(r.fds, unitName)
	return out
}

// RemoveFD drops a single named fd (FDSTOREREMOVE=1).
func (r *Registry) RemoveFD(unitName, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.fds[unitName]
	for i, e := range list {
		if e.Name == name {
			e.File.Close()
			r.fds[unitName] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Subscribe returns a channel that receives every future status event.
// Callers must drain it; Unsubscribe closes and removes it.
func (r *Registry) Subscribe() chan Event {
	ch := make(chan Event, 32)
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.subs = append(r.subs, ch)
	return ch
}

// Unsubscribe removes and closes a previously subscribed channel.
func (r *Registry) Unsubscribe(ch chan Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for i, c := range r.subs {
		if c == ch {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish fans an event out to every subscriber without blocking on a
// slow reader; a subscriber whose buffer is full misses the event.
func (r *Registry) Publish(ev Event) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
