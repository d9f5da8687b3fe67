package unit

import "testing"

func TestNewUnitSetsNameOnBothIDAndCommon(t *testing.T) {
	u := NewUnit("web.service", KindService)
	if u.ID.Name != "web.service" {
		t.Errorf("ID.Name = %q, want web.service", u.ID.Name)
	}
	if u.Name != "web.service" {
		t.Errorf("Name = %q, want web.service (Common.Name must match ID.Name)", u.Name)
	}
}

func TestDependenciesPullIns(t *testing.T) {
	d := Dependencies{
		Wants:    []string{"a.service", "b.service"},
		Requires: []string{"b.service", "c.service"},
		BindsTo:  []string{"d.service"},
	}
	got := d.PullIns()
	want := map[string]bool{"a.service": true, "b.service": true, "c.service": true, "d.service": true}
	if len(got) != len(want) {
		t.Fatalf("PullIns() = %v, want 4 deduplicated entries", got)
	}
	for _, n := range got {
		if !want[n] {
			t.Errorf("unexpected entry %q in PullIns()", n)
		}
	}
}

func TestDependenciesStartBeforeThis(t *testing.T) {
	d := Dependencies{
		Wants:  []string{"a.service"},
		After:  []string{"a.service", "b.service"},
	}
	got := d.StartBeforeThis()
	if len(got) != 1 || got[0] != "a.service" {
		t.Errorf("StartBeforeThis() = %v, want [a.service] (only the After entry that is also a pull-in)", got)
	}
}

func TestDedupAllSortsAndDeduplicates(t *testing.T) {
	d := Dependencies{Wants: []string{"b.service", "a.service", "a.service"}}
	d.DedupAll()
	if len(d.Wants) != 2 || d.Wants[0] != "a.service" || d.Wants[1] != "b.service" {
		t.Errorf("Wants after DedupAll = %v, want [a.service b.service]", d.Wants)
	}
}

func TestCommonStatusTransitions(t *testing.T) {
	u := NewUnit("web.service", KindService)
	u.Lock()
	u.SetStatus(Started, SubRunning)
	u.Unlock()

	status, sub := u.Status()
	if status != Started || sub != SubRunning {
		t.Errorf("Status() = (%v, %v), want (Started, SubRunning)", status, sub)
	}
	if u.UpSince().IsZero() {
		t.Error("UpSince() should be set once a unit reaches Started(Running)")
	}
}

func TestAppendReasonCapsHistory(t *testing.T) {
	u := NewUnit("flaky.service", KindService)
	u.Lock()
	for i := 0; i < 12; i++ {
		u.AppendReason("failure")
	}
	u.Unlock()
	if got := len(u.Reasons()); got != 8 {
		t.Errorf("Reasons() length = %d, want capped at 8", got)
	}
}
