// Package unit defines the typed unit entity shared by every unit kind:
// the immutable header, the dependency block, and the mutable activation
// status. Kind-specific configuration lives in sibling files.
package unit

import (
	"sync"
	"time"
)

// Kind is the type of a unit. Names are unique within a kind.
type Kind string

const (
	KindService Kind = "service"
	KindSocket  Kind = "socket"
	KindTarget  Kind = "target"
	KindSlice   Kind = "slice"
	KindMount   Kind = "mount"
	KindDevice  Kind = "device"
)

// ID is the opaque handle carrying a unit's name and kind.
type ID struct {
	Name string
	Kind Kind
}

func (id ID) String() string {
	return string(id.Kind) + ":" + id.Name
}

// Status is the activation status of a unit.
type Status int

const (
	NeverStarted Status = iota
	Starting
	Started
	Stopping
	Restarting
	Stopped
)

func (s Status) String() string {
	switch s {
	case NeverStarted:
		return "never-started"
	case Starting:
		return "starting"
	case Started:
		return "started"
	case Stopping:
		return "stopping"
	case Restarting:
		return "restarting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SubStatus refines Started and Stopped with the detail the state machine
// and dispatcher need to make decisions (§3, §4.2).
type SubStatus int

const (
	SubNone SubStatus = iota
	// Started substates.
	SubRunning
	SubWaitingForSocket
	// Stopped substates.
	SubFinal
	SubUnexpected
)

// Condition is a predicate over the host evaluated at Starting time.
// A failing Condition skips activation silently; a failing Assertion
// fails it.
type Condition struct {
	Name      string // e.g. "PathExists", "KernelCommandLine", "Hostname", "VirtualizationType"
	Argument  string
	Assertion bool // true => failing this produces Stopped(Unexpected)
	Negate    bool
}

// LifecyclePolicy carries the unit's success/failure/timeout behavior.
type LifecyclePolicy struct {
	OnSuccess            []string
	OnFailure            []string
	OnFailureJobMode     string
	StartTimeout         time.Duration
	StopTimeout          time.Duration
	GeneralTimeout       time.Duration
	StartLimitInterval   time.Duration
	StartLimitBurst      int
	StartLimitAction     string
	DefaultDependencies  bool
}

// Dependencies is the eight-edge-kind dependency block (§3). Each forward
// list has a matching reverse list maintained bidirectionally by the
// unit graph.
type Dependencies struct {
	Wants        []string
	WantedBy     []string
	Requires     []string
	RequiredBy   []string
	BindsTo      []string
	BoundBy      []string
	PartOf       []string
	PartOfBy     []string
	Conflicts    []string
	ConflictedBy []string
	Before       []string
	After        []string
}

// PullIns returns the union of Wants, Requires and BindsTo — the set
// that can drag a unit into activation.
func (d *Dependencies) PullIns() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, group := range [][]string{d.Wants, d.Requires, d.BindsTo} {
		for _, name := range group {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				out = append(out, name)
			}
		}
	}
	return out
}

// StartBeforeThis is the intersection of After with PullIns — the
// start-prerequisite rule from §3.
func (d *Dependencies) StartBeforeThis() []string {
	pullIns := make(map[string]struct{})
	for _, n := range d.PullIns() {
		pullIns[n] = struct{}{}
	}
	var out []string
	for _, n := range d.After {
		if _, ok := pullIns[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

// dedup sorts and uniques a string slice in place, returning the result.
func dedup(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sortStrings(out)
	return out
}

// sortStrings is a tiny insertion sort; the edge lists are small so this
// avoids importing sort for a one-liner in a hot path during graph load.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// DedupAll sorts and deduplicates every edge list, per the §4.1 invariant.
func (d *Dependencies) DedupAll() {
	d.Wants = dedup(d.Wants)
	d.WantedBy = dedup(d.WantedBy)
	d.Requires = dedup(d.Requires)
	d.RequiredBy = dedup(d.RequiredBy)
	d.BindsTo = dedup(d.BindsTo)
	d.BoundBy = dedup(d.BoundBy)
	d.PartOf = dedup(d.PartOf)
	d.PartOfBy = dedup(d.PartOfBy)
	d.Conflicts = dedup(d.Conflicts)
	d.ConflictedBy = dedup(d.ConflictedBy)
	d.Before = dedup(d.Before)
	d.After = dedup(d.After)
}

// Common is the header and mutable state shared by every unit kind.
type Common struct {
	Name          string
	Description   string
	Documentation []string
	Aliases       []string

	Deps       Dependencies
	Conditions []Condition
	Lifecycle  LifecyclePolicy

	// mu protects Status, SubStatus, UpSince, RestartCount and Reasons.
	// Callers needing a consistent multi-unit view must acquire the
	// locks of every involved unit in ascending ID order (§5).
	mu           sync.RWMutex
	status       Status
	subStatus    SubStatus
	upSince      time.Time
	restartCount int
	reasons      []string
}

// Lock and Unlock expose the unit's state lock directly so the activation
// state machine can hold it across the Starting/Stopping OS-work window
// while releasing neighbour locks, per §4.2 step 4.
func (c *Common) Lock()    { c.mu.Lock() }
func (c *Common) Unlock()  { c.mu.Unlock() }
func (c *Common) RLock()   { c.mu.RLock() }
func (c *Common) RUnlock() { c.mu.RUnlock() }

// Status returns the current status and substatus. Caller must not be
// holding the lock (it acquires RLock internally).
func (c *Common) Status() (Status, SubStatus) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status, c.subStatus
}

// SetStatus transitions the unit. Caller must hold the write lock.
func (c *Common) SetStatus(s Status, sub SubStatus) {
	c.status = s
	c.subStatus = sub
	if s == Started && sub == SubRunning {
		c.upSince = time.Now()
	}
}

// AppendReason records a failure cause, keeping only the most recent few.
// Caller must hold the write lock.
func (c *Common) AppendReason(reason string) {
	c.reasons = append(c.reasons, reason)
	const maxReasons = 8
	if len(c.reasons) > maxReasons {
		c.reasons = c.reasons[len(c.reasons)-maxReasons:]
	}
}

// Reasons returns a copy of the recorded failure reasons.
func (c *Common) Reasons() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.reasons))
	copy(out, c.reasons)
	return out
}

// IncRestartCount bumps the restart counter. Caller must hold the write lock.
func (c *Common) IncRestartCount() {
	c.restartCount++
}

// RestartCount returns the number of restarts observed so far.
func (c *Common) RestartCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.restartCount
}

// UpSince returns the time the unit last entered Started(Running).
func (c *Common) UpSince() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.upSince
}

// Unit is a single graph node: the shared Common block plus exactly one
// populated kind-specific configuration, mirroring the Common/Specific
// split in systemd-rs's units/unit.rs.
type Unit struct {
	ID ID
	Common

	Service *ServiceConfig
	Socket  *SocketConfig
	Target  *TargetConfig
	Slice   *SliceConfig
	Mount   *MountConfig
	Device  *DeviceConfig
}

// NewUnit creates a unit with the given identity. Kind-specific config
// is attached by the caller after construction.
func NewUnit(name string, kind Kind) *Unit {
	u := &Unit{ID: ID{Name: name, Kind: kind}}
	u.Common.Name = name
	return u
}
