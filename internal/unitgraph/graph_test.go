package unitgraph

import (
	"testing"

	"service-core/internal/unit"
)

func newTestUnit(name string) *unit.Unit {
	return unit.NewUnit(name, unit.KindService)
}

func TestLinkWiresReverseEdges(t *testing.T) {
	g := New()
	web := newTestUnit("web.service")
	web.Deps.Requires = []string{"db.service"}
	web.Deps.After = []string{"db.service"}
	db := newTestUnit("db.service")

	if err := g.Insert(web); err != nil {
		t.Fatal(err)
	}
	if err := g.Insert(db); err != nil {
		t.Fatal(err)
	}
	if err := g.Link(); err != nil {
		t.Fatal(err)
	}

	if got := g.Get("db.service").Deps.RequiredBy; len(got) != 1 || got[0] != "web.service" {
		t.Errorf("RequiredBy = %v, want [web.service]", got)
	}
}

func TestInsertDuplicateNameFails(t *testing.T) {
	g := New()
	if err := g.Insert(newTestUnit("a.service")); err != nil {
		t.Fatal(err)
	}
	if err := g.Insert(newTestUnit("a.service")); err == nil {
		t.Error("Insert of duplicate name should fail")
	}
}

func TestDependenciesMissingForStart(t *testing.T) {
	g := New()
	web := newTestUnit("web.service")
	web.Deps.Requires = []string{"db.service"}
	web.Deps.After = []string{"db.service"}
	db := newTestUnit("db.service")

	g.Insert(web)
	g.Insert(db)
	g.Link()

	missing := g.DependenciesMissingForStart("web.service")
	if len(missing) != 1 || missing[0] != "db.service" {
		t.Fatalf("missing = %v, want [db.service] (db never started)", missing)
	}

	db.Lock()
	db.SetStatus(unit.Started, unit.SubRunning)
	db.Unlock()

	if missing := g.DependenciesMissingForStart("web.service"); len(missing) != 0 {
		t.Errorf("missing after db started = %v, want none", missing)
	}
}

func TestDependentsStillRunningForStop(t *testing.T) {
	g := New()
	web := newTestUnit("web.service")
	web.Deps.Requires = []string{"db.service"}
	db := newTestUnit("db.service")

	g.Insert(web)
	g.Insert(db)
	g.Link()

	if got := g.DependentsStillRunningForStop("db.service"); len(got) != 0 {
		t.Fatalf("got = %v, want none (web never started)", got)
	}

	web.Lock()
	web.SetStatus(unit.Started, unit.SubRunning)
	web.Unlock()

	got := g.DependentsStillRunningForStop("db.service")
	if len(got) != 1 || got[0] != "web.service" {
		t.Errorf("got = %v, want [web.service]", got)
	}
}

func TestDetectCycleOnHardDependenciesOnly(t *testing.T) {
	g := New()
	a := newTestUnit("a.service")
	a.Deps.Requires = []string{"b.service"}
	b := newTestUnit("b.service")
	b.Deps.Requires = []string{"a.service"}

	g.Insert(a)
	g.Insert(b)
	g.Link()

	if cyc := g.DetectCycle(); len(cyc) == 0 {
		t.Error("expected a cycle between a.service and b.service")
	}
}

func TestDetectCycleIgnoresWants(t *testing.T) {
	g := New()
	a := newTestUnit("a.service")
	a.Deps.Wants = []string{"b.service"}
	b := newTestUnit("b.service")
	b.Deps.Wants = []string{"a.service"}

	g.Insert(a)
	g.Insert(b)
	g.Link()

	if cyc := g.DetectCycle(); cyc != nil {
		t.Errorf("Wants-only cycle should not be detected, got %v", cyc)
	}
}

func TestPartOfDependentsIsOneHop(t *testing.T) {
	g := New()
	leaf := newTestUnit("leaf.service")
	leaf.Deps.PartOf = []string{"mid.service"}
	mid := newTestUnit("mid.service")
	mid.Deps.PartOf = []string{"top.service"}
	top := newTestUnit("top.service")

	g.Insert(leaf)
	g.Insert(mid)
	g.Insert(top)
	g.Link()

	got := g.PartOfDependents("top.service")
	if len(got) != 1 || got[0] != "mid.service" {
		t.Errorf("PartOfDependents(top) = %v, want [mid.service] only (one-hop)", got)
	}
}
