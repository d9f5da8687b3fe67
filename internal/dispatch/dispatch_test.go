package dispatch

import (
	"sync"
	"testing"
	"time"

	"service-core/internal/registry"
	"service-core/internal/unit"
)

type fakeControl struct {
	mu       sync.Mutex
	started  []string
	stopped  []string
	deactDep []string
}

func (f *fakeControl) Start(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, name)
	return nil
}

func (f *fakeControl) Stop(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeControl) DeactivateDependents(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactDep = append(f.deactDep, name)
	return nil
}

func newTestUnit(name string, restartMode string) *unit.Unit {
	u := unit.NewUnit(name, unit.KindService)
	u.Service = &unit.ServiceConfig{
		Type:    "simple",
		Restart: unit.RestartPolicy{Mode: restartMode},
	}
	return u
}

func TestHandleExitSuccessNoRestart(t *testing.T) {
	u := newTestUnit("web.service", "on-failure")
	u.Lock()
	u.SetStatus(unit.Started, unit.SubRunning)
	u.Unlock()
	reg := registry.New()
	reg.TrackPid("web.service", registry.PidService, 100)
	control := &fakeControl{}
	d := New(reg, func(name string) *unit.Unit { return u }, control)

	entry := reg.MarkExited(100, 0, 0)
	if err := d.HandleExit(entry); err != nil {
		t.Fatalf("HandleExit returned %v", err)
	}

	control.mu.Lock()
	defer control.mu.Unlock()
	if len(control.started) != 0 {
		t.Errorf("on-failure restart policy should not restart on success, got starts=%v", control.started)
	}
	if len(control.stopped) != 1 || control.stopped[0] != "web.service" {
		t.Errorf("stopped = %v, want [web.service]", control.stopped)
	}
}

func TestHandleExitFailureRestartsAlways(t *testing.T) {
	u := newTestUnit("web.service", "always")
	u.Lock()
	u.SetStatus(unit.Started, unit.SubRunning)
	u.Unlock()
	reg := registry.New()
	reg.TrackPid("web.service", registry.PidService, 200)
	control := &fakeControl{}
	d := New(reg, func(name string) *unit.Unit { return u }, control)

	entry := reg.MarkExited(200, 1, 0)
	if err := d.HandleExit(entry); err != nil {
		t.Fatalf("HandleExit returned %v", err)
	}

	status, _ := u.Status()
	if status != unit.Restarting {
		t.Errorf("status = %v, want Restarting", status)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		control.mu.Lock()
		n := len(control.started)
		control.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	control.mu.Lock()
	defer control.mu.Unlock()
	if len(control.started) != 1 || control.started[0] != "web.service" {
		t.Errorf("started = %v, want [web.service]", control.started)
	}
}

func TestHandleExitUnknownUnitIsNoop(t *testing.T) {
	reg := registry.New()
	control := &fakeControl{}
	d := New(reg, func(name string) *unit.Unit { return nil }, control)

	entry := &registry.PidEntry{Unit: "ghost.service", Kind: registry.PidServiceExited}
	if err := d.HandleExit(entry); err != nil {
		t.Errorf("HandleExit for unknown unit should be a no-op, got %v", err)
	}
}

func TestStartLimitHitStopsRestarting(t *testing.T) {
	u := newTestUnit("flapping.service", "always")
	u.Lifecycle.StartLimitInterval = time.Hour
	u.Lifecycle.StartLimitBurst = 1
	u.Lock()
	u.SetStatus(unit.Started, unit.SubRunning)
	u.Unlock()
	reg := registry.New()
	control := &fakeControl{}
	d := New(reg, func(name string) *unit.Unit { return u }, control)

	reg.TrackPid("flapping.service", registry.PidService, 1)
	entry := reg.MarkExited(1, 1, 0)
	if err := d.HandleExit(entry); err != nil {
		t.Fatalf("first restart: HandleExit returned %v", err)
	}

	u.Lock()
	u.SetStatus(unit.Started, unit.SubRunning)
	u.Unlock()
	reg.TrackPid("flapping.service", registry.PidService, 2)
	entry2 := reg.MarkExited(2, 1, 0)
	if err := d.HandleExit(entry2); err == nil {
		t.Error("second restart should fail once the burst is exhausted")
	}
}

func TestOneshotRemainAfterExitStaysStartedOnCleanExit(t *testing.T) {
	u := newTestUnit("setup.service", "no")
	u.Service.Type = "oneshot"
	u.Service.RemainAfterExit = true
	u.Lock()
	u.SetStatus(unit.Started, unit.SubRunning)
	u.Unlock()

	reg := registry.New()
	reg.TrackPid("setup.service", registry.PidService, 300)
	control := &fakeControl{}
	d := New(reg, func(name string) *unit.Unit { return u }, control)

	entry := reg.MarkExited(300, 0, 0)
	if err := d.HandleExit(entry); err != nil {
		t.Fatalf("HandleExit returned %v", err)
	}

	status, _ := u.Status()
	if status != unit.Started {
		t.Errorf("status = %v, want Started (RemainAfterExit should hold the unit up)", status)
	}
	control.mu.Lock()
	defer control.mu.Unlock()
	if len(control.stopped) != 0 {
		t.Errorf("stopped = %v, want none", control.stopped)
	}
}

func TestOneshotWithoutRemainAfterExitDeactivates(t *testing.T) {
	u := newTestUnit("migrate.service", "no")
	u.Service.Type = "oneshot"
	u.Lock()
	u.SetStatus(unit.Started, unit.SubRunning)
	u.Unlock()

	reg := registry.New()
	reg.TrackPid("migrate.service", registry.PidService, 301)
	control := &fakeControl{}
	d := New(reg, func(name string) *unit.Unit { return u }, control)

	entry := reg.MarkExited(301, 0, 0)
	if err := d.HandleExit(entry); err != nil {
		t.Fatalf("HandleExit returned %v", err)
	}

	control.mu.Lock()
	defer control.mu.Unlock()
	if len(control.stopped) != 1 || control.stopped[0] != "migrate.service" {
		t.Errorf("stopped = %v, want [migrate.service]", control.stopped)
	}
}

func TestExitIgnoredWhenUnitAlreadyStopped(t *testing.T) {
	u := newTestUnit("shutdown-race.service", "always")
	u.Lock()
	u.SetStatus(unit.Stopped, unit.SubFinal)
	u.Unlock()

	reg := registry.New()
	reg.TrackPid("shutdown-race.service", registry.PidService, 302)
	control := &fakeControl{}
	d := New(reg, func(name string) *unit.Unit { return u }, control)

	entry := reg.MarkExited(302, 1, 0)
	if err := d.HandleExit(entry); err != nil {
		t.Fatalf("HandleExit returned %v", err)
	}

	control.mu.Lock()
	defer control.mu.Unlock()
	if len(control.started) != 0 || len(control.stopped) != 0 {
		t.Errorf("an exit for an already-Stopped unit should not restart or re-stop it: started=%v stopped=%v",
			control.started, control.stopped)
	}
}

func TestSuccessExitStatusAcceptsExtraCodes(t *testing.T) {
	u := newTestUnit("batch.service", "on-failure")
	u.Service.SuccessExitStatus.Codes = []int{2}
	reg := registry.New()
	control := &fakeControl{}
	d := New(reg, func(name string) *unit.Unit { return u }, control)

	reg.TrackPid("batch.service", registry.PidService, 1)
	entry := reg.MarkExited(1, 2, 0)
	if err := d.HandleExit(entry); err != nil {
		t.Fatalf("HandleExit returned %v", err)
	}

	control.mu.Lock()
	defer control.mu.Unlock()
	if len(control.started) != 0 {
		t.Errorf("exit code 2 is in SuccessExitStatus, should not restart on-failure, got %v", control.started)
	}
}
