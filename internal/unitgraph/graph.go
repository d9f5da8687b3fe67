// Package unitgraph holds the dependency graph: insertion with
// bidirectional edge maintenance, deduplication, and the two queries the
// activation state machine needs before it can start or stop a unit.
package unitgraph

import (
	"fmt"
	"sync"

	"service-core/internal/unit"
)

// Graph is a lock-protected table of units keyed by name within kind.
// Units are inserted once at load time; edges are mutated only during
// Insert/Link, never during activation.
type Graph struct {
	mu    sync.RWMutex
	units map[string]*unit.Unit
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{units: make(map[string]*unit.Unit)}
}

// Insert adds a unit to the graph. It does not yet wire reverse edges;
// call Link after every unit has been inserted.
func (g *Graph) Insert(u *unit.Unit) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.units[u.Name]; exists {
		return fmt.Errorf("unit %q already present in graph", u.Name)
	}
	g.units[u.Name] = u
	return nil
}

// Get returns the named unit, or nil if it isn't loaded.
func (g *Graph) Get(name string) *unit.Unit {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.units[name]
}

// All returns every loaded unit, in ascending-name order (the ordering
// the lock-acquisition discipline in §5 requires callers to follow when
// taking multiple unit locks at once).
func (g *Graph) All() []*unit.Unit {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*unit.Unit, 0, len(g.units))
	for _, u := range g.units {
		out = append(out, u)
	}
	sortUnitsByName(out)
	return out
}

func sortUnitsByName(units []*unit.Unit) {
	for i := 1; i < len(units); i++ {
		for j := i; j > 0 && units[j-1].Name > units[j].Name; j-- {
			units[j-1], units[j] = units[j], units[j-1]
		}
	}
}

// Link populates every reverse-edge list (WantedBy, RequiredBy, BoundBy,
// PartOfBy, ConflictedBy) from the forward lists already present on each
// unit, then deduplicates every list. Must run once after all units are
// inserted and before any activation begins.
func (g *Graph) Link() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, u := range g.units {
		for _, name := range u.Deps.Wants {
			if err := g.addReverse(name, u.Name, reverseWantedBy); err != nil {
				return err
			}
		}
		for _, name := range u.Deps.Requires {
			if err := g.addReverse(name, u.Name, reverseRequiredBy); err != nil {
				return err
			}
		}
		for _, name := range u.Deps.BindsTo {
			if err := g.addReverse(name, u.Name, reverseBoundBy); err != nil {
				return err
			}
		}
		for _, name := range u.Deps.PartOf {
			if err := g.addReverse(name, u.Name, reversePartOfBy); err != nil {
				return err
			}
		}
		for _, name := range u.Deps.Conflicts {
			if err := g.addReverse(name, u.Name, reverseConflictedBy); err != nil {
				return err
			}
		}
	}

	for _, u := range g.units {
		u.Deps.DedupAll()
	}
	return nil
}

type reverseKind int

const (
	reverseWantedBy reverseKind = iota
	reverseRequiredBy
	reverseBoundBy
	reversePartOfBy
	reverseConflictedBy
)

// addReverse appends sourceName onto targetName's matching reverse list.
// A forward edge to a unit that was never loaded is recorded as a dangling
// name anyway — spec.md treats an unresolved Wants/Requires target as
// "missing for start", not a load-time error, so Link does not fail here.
func (g *Graph) addReverse(targetName, sourceName string, kind reverseKind) error {
	target, ok := g.units[targetName]
	if !ok {
		return nil
	}
	switch kind {
	case reverseWantedBy:
		target.Deps.WantedBy = append(target.Deps.WantedBy, sourceName)
	case reverseRequiredBy:
		target.Deps.RequiredBy = append(target.Deps.RequiredBy, sourceName)
	case reverseBoundBy:
		target.Deps.BoundBy = append(target.Deps.BoundBy, sourceName)
	case reversePartOfBy:
		target.Deps.PartOfBy = append(target.Deps.PartOfBy, sourceName)
	case reverseConflictedBy:
		target.Deps.ConflictedBy = append(target.Deps.ConflictedBy, sourceName)
	}
	return nil
}

// DependenciesMissingForStart returns the names of dependencies in
// StartBeforeThis() that are not yet ready, per §4.1's readiness rule: a
// Requires/BindsTo dependency is ready once Started(*) (WaitingForSocket
// included), while a dependency that is only Wanted is ready as anything
// other than NeverStarted.
func (g *Graph) DependenciesMissingForStart(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	u, ok := g.units[name]
	if !ok {
		return nil
	}

	required := make(map[string]struct{})
	for _, n := range u.Deps.Requires {
		required[n] = struct{}{}
	}
	for _, n := range u.Deps.BindsTo {
		required[n] = struct{}{}
	}

	var missing []string
	for _, n := range u.Deps.StartBeforeThis() {
		dep, ok := g.units[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		status, _ := dep.Status()
		if _, isPullIn := required[n]; isPullIn {
			// Requires/BindsTo: ready once Started, regardless of which
			// sub-status — Started(WaitingForSocket) still counts.
			if status != unit.Started {
				missing = append(missing, n)
			}
			continue
		}
		// Wants-only: ready as anything other than NeverStarted.
		if status == unit.NeverStarted {
			missing = append(missing, n)
		}
	}
	return missing
}

// DependentsStillRunningForStop returns the names of units that currently
// Require or BindTo the given unit and are still Started — units that
// would need to stop first, or that will be recursively deactivated as a
// consequence of this unit stopping (§4.4's BindsTo-triggered cascade).
func (g *Graph) DependentsStillRunningForStop(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	u, ok := g.units[name]
	if !ok {
		return nil
	}

	var running []string
	candidates := make(map[string]struct{})
	for _, n := range u.Deps.RequiredBy {
		candidates[n] = struct{}{}
	}
	for _, n := range u.Deps.BoundBy {
		candidates[n] = struct{}{}
	}
	for n := range candidates {
		dep, ok := g.units[n]
		if !ok {
			continue
		}
		status, _ := dep.Status()
		if status == unit.Started {
			running = append(running, n)
		}
	}
	sortStrings(running)
	return running
}

// PartOfDependents returns the direct (one-hop, per the Open Question
// decision in DESIGN.md) units that declare PartOf= this unit — stopping
// or restarting this unit propagates to exactly these, not transitively.
func (g *Graph) PartOfDependents(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	u, ok := g.units[name]
	if !ok {
		return nil
	}
	out := make([]string, len(u.Deps.PartOfBy))
	copy(out, u.Deps.PartOfBy)
	sortStrings(out)
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// DetectCycle reports the first hard-dependency cycle found (Requires/
// BindsTo edges only — Wants never participates in ordering deadlock
// detection per §4.1, since a missing Wants target is skipped, not
// waited on).
func (g *Graph) DetectCycle() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.units))
	var path []string

	var visit func(name string) []string
	visit = func(name string) []string {
		color[name] = gray
		path = append(path, name)
		u := g.units[name]
		if u != nil {
			edges := append(append([]string{}, u.Deps.Requires...), u.Deps.BindsTo...)
			for _, next := range edges {
				switch color[next] {
				case white:
					if cyc := visit(next); cyc != nil {
						return cyc
					}
				case gray:
					cycleStart := 0
					for i, n := range path {
						if n == next {
							cycleStart = i
							break
						}
					}
					cyc := append([]string{}, path[cycleStart:]...)
					return append(cyc, next)
				}
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		return nil
	}

	names := make([]string, 0, len(g.units))
	for n := range g.units {
		names = append(names, n)
	}
	sortStrings(names)

	for _, n := range names {
		if color[n] == white {
			if cyc := visit(n); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}
