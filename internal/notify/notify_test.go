package notify

import (
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestParseReady(t *testing.T) {
	m := Parse([]byte("READY=1\nSTATUS=all good\n"))
	if !m.Ready {
		t.Error("Ready = false, want true")
	}
	if !m.HasStatus || m.Status != "all good" {
		t.Errorf("Status = %q (has=%v), want %q", m.Status, m.HasStatus, "all good")
	}
}

func TestParseMainPIDAndWatchdog(t *testing.T) {
	m := Parse([]byte("MAINPID=4242\nWATCHDOG=1\nWATCHDOG_USEC=30000000\n"))
	if !m.HasMainPID || m.MainPID != 4242 {
		t.Errorf("MainPID = %d (has=%v), want 4242", m.MainPID, m.HasMainPID)
	}
	if !m.Watchdog {
		t.Error("Watchdog = false, want true")
	}
	if !m.HasWatchdogUSec || m.WatchdogUSec != 30000000 {
		t.Errorf("WatchdogUSec = %d (has=%v), want 30000000", m.WatchdogUSec, m.HasWatchdogUSec)
	}
}

func TestParseFDStore(t *testing.T) {
	m := Parse([]byte("FDSTORE=1\nFDNAME=listener\n"))
	if !m.FDStore {
		t.Error("FDStore = false, want true")
	}
	if m.FDName != "listener" {
		t.Errorf("FDName = %q, want listener", m.FDName)
	}
}

func TestParseIgnoresMalformedLines(t *testing.T) {
	m := Parse([]byte("garbage-with-no-equals\nREADY=1\n"))
	if !m.Ready {
		t.Error("a malformed line should not prevent later valid keys from parsing")
	}
}

func TestListenerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notify.sock")

	l, err := NewListener("test.service", path)
	if err != nil {
		t.Fatalf("NewListener returned %v", err)
	}
	defer l.Close()

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("unix.Socket returned %v", err)
	}
	defer unix.Close(fd)

	if err := unix.Sendto(fd, []byte("READY=1\n"), 0, &unix.SockaddrUnix{Name: path}); err != nil {
		t.Fatalf("Sendto returned %v", err)
	}

	msg, err := l.Receive()
	if err != nil {
		t.Fatalf("Receive returned %v", err)
	}
	if !msg.Ready {
		t.Error("Receive: Ready = false, want true")
	}
}

func TestListenerReadTimeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notify.sock")

	l, err := NewListener("test.service", path)
	if err != nil {
		t.Fatalf("NewListener returned %v", err)
	}
	defer l.Close()

	if err := l.SetReadTimeout(50 * time.Millisecond); err != nil {
		t.Fatalf("SetReadTimeout returned %v", err)
	}

	start := time.Now()
	_, err = l.Receive()
	if err == nil {
		t.Fatal("Receive on an idle socket with a timeout set should return an error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Receive took %v, want it bounded by the read timeout", elapsed)
	}
}
