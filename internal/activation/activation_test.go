package activation

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"service-core/internal/launcher"
	"service-core/internal/notify"
	"service-core/internal/registry"
	"service-core/internal/unit"
	"service-core/internal/unitgraph"
)

func newTargetUnit(name string) *unit.Unit {
	u := unit.NewUnit(name, unit.KindTarget)
	u.Target = &unit.TargetConfig{}
	return u
}

func newManager(t *testing.T) (*Manager, *unitgraph.Graph) {
	t.Helper()
	g := unitgraph.New()
	reg := registry.New()
	l, err := launcher.New(t.TempDir(), reg)
	if err != nil {
		t.Fatalf("launcher.New returned %v", err)
	}
	return New(g, reg, l), g
}

func TestActivateTargetReachesStartedRunning(t *testing.T) {
	m, g := newManager(t)
	u := newTargetUnit("basic.target")
	if err := g.Insert(u); err != nil {
		t.Fatalf("Insert returned %v", err)
	}
	if err := g.Link(); err != nil {
		t.Fatalf("Link returned %v", err)
	}

	if err := m.Activate("basic.target", SourceManual); err != nil {
		t.Fatalf("Activate returned %v", err)
	}
	status, sub := u.Status()
	if status != unit.Started || sub != unit.SubRunning {
		t.Errorf("status = %v/%v, want Started/SubRunning", status, sub)
	}
}

func TestActivateTwiceIsIdempotent(t *testing.T) {
	m, g := newManager(t)
	u := newTargetUnit("idempotent.target")
	g.Insert(u)
	g.Link()

	if err := m.Activate("idempotent.target", SourceManual); err != nil {
		t.Fatalf("first Activate returned %v", err)
	}
	if err := m.Activate("idempotent.target", SourceManual); err != nil {
		t.Fatalf("second Activate returned %v", err)
	}
}

func TestActivateMissingDependencyFails(t *testing.T) {
	m, g := newManager(t)
	u := newTargetUnit("needs-absent.target")
	u.Deps.Requires = []string{"absent.target"}
	u.Deps.After = []string{"absent.target"}
	g.Insert(u)
	g.Link()

	if err := m.Activate("needs-absent.target", SourceManual); err == nil {
		t.Error("Activate should fail when a Requires= dependency is missing from the graph")
	}
}

func TestActivateUnknownUnit(t *testing.T) {
	m, _ := newManager(t)
	if err := m.Activate("ghost.target", SourceManual); err == nil {
		t.Error("Activate of an unknown unit should return an error")
	}
}

func TestDeactivateBlockedByLiveDependent(t *testing.T) {
	m, g := newManager(t)
	base := newTargetUnit("base.target")
	dependent := newTargetUnit("dependent.target")
	dependent.Deps.Requires = []string{"base.target"}
	dependent.Deps.After = []string{"base.target"}
	g.Insert(base)
	g.Insert(dependent)
	if err := g.Link(); err != nil {
		t.Fatalf("Link returned %v", err)
	}

	if err := m.Activate("base.target", SourceManual); err != nil {
		t.Fatalf("Activate(base.target) returned %v", err)
	}
	if err := m.Activate("dependent.target", SourceManual); err != nil {
		t.Fatalf("Activate(dependent.target) returned %v", err)
	}

	if err := m.Deactivate("base.target"); err == nil {
		t.Error("Deactivate should refuse to stop a unit a running dependent still requires")
	}
}

func TestSocketActivationSourceGuardIgnoresNeverStartedUnitOnNonWaitState(t *testing.T) {
	m, g := newManager(t)
	u := newTargetUnit("quiet.target")
	g.Insert(u)
	g.Link()

	// A NeverStarted unit is allowed to be pulled in by socket activation
	// (it is the one state the guard exempts).
	if err := m.Activate("quiet.target", SourceSocketActivation); err != nil {
		t.Fatalf("Activate returned %v", err)
	}
	status, _ := u.Status()
	if status != unit.Started {
		t.Errorf("status = %v, want Started", status)
	}
}

func TestSocketActivationIgnoredWhenAlreadyRunning(t *testing.T) {
	m, g := newManager(t)
	u := newTargetUnit("already.target")
	g.Insert(u)
	g.Link()

	if err := m.Activate("already.target", SourceManual); err != nil {
		t.Fatalf("Activate returned %v", err)
	}

	// Started(Running) only ever re-activates via socket source when
	// SubWaitingForSocket; here it's SubRunning, so this must no-op.
	if err := m.Activate("already.target", SourceSocketActivation); err != nil {
		t.Fatalf("socket-source Activate returned %v", err)
	}
	status, sub := u.Status()
	if status != unit.Started || sub != unit.SubRunning {
		t.Errorf("status = %v/%v, want unchanged Started/SubRunning", status, sub)
	}
}

func TestPathExistsCondition(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "present")
	if err := os.WriteFile(existing, []byte("x"), 0644); err != nil {
		t.Fatalf("os.WriteFile returned %v", err)
	}

	m, g := newManager(t)
	u := newTargetUnit("conditional.target")
	u.Conditions = []unit.Condition{{Name: "PathExists", Argument: existing}}
	g.Insert(u)
	g.Link()

	if err := m.Activate("conditional.target", SourceManual); err != nil {
		t.Fatalf("Activate returned %v", err)
	}
	status, _ := u.Status()
	if status != unit.Started {
		t.Error("a satisfied PathExists condition should allow activation")
	}

	u2 := newTargetUnit("conditional-absent.target")
	u2.Conditions = []unit.Condition{{Name: "PathExists", Argument: filepath.Join(dir, "absent")}}
	g.Insert(u2)
	g.Link()
	if err := m.Activate("conditional-absent.target", SourceManual); err != nil {
		t.Fatalf("Activate returned %v", err)
	}
	status2, _ := u2.Status()
	if status2 != unit.NeverStarted {
		t.Errorf("status = %v, want NeverStarted: an unsatisfied condition should silently skip activation", status2)
	}
}

func TestAssertionFailureMarksUnexpected(t *testing.T) {
	m, g := newManager(t)
	u := newTargetUnit("asserting.target")
	u.Conditions = []unit.Condition{{Name: "PathExists", Argument: "/does/not/exist", Assertion: true}}
	g.Insert(u)
	g.Link()

	if err := m.Activate("asserting.target", SourceManual); err == nil {
		t.Fatal("Activate should fail when an assertion fails")
	}
	status, sub := u.Status()
	if status != unit.Stopped || sub != unit.SubUnexpected {
		t.Errorf("status = %v/%v, want Stopped/SubUnexpected", status, sub)
	}
}

func TestWaitForReadyTimesOutWithoutReady(t *testing.T) {
	m, _ := newManager(t)
	dir := t.TempDir()
	nl, err := notify.NewListener("slow.service", filepath.Join(dir, "slow.notify.sock"))
	if err != nil {
		t.Fatalf("notify.NewListener returned %v", err)
	}

	u := unit.NewUnit("slow.service", unit.KindService)
	u.Lifecycle.StartTimeout = 100 * time.Millisecond
	h := &launcher.Handle{UnitName: "slow.service", Notify: nl}

	start := time.Now()
	if err := m.waitForReady(u, h); err == nil {
		t.Error("waitForReady should fail when the service never sends READY=1")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("waitForReady took %v, want it bounded by StartTimeout", elapsed)
	}
}
