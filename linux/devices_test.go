package linux

import (
	"os"
	"testing"
)

func TestValidateDevicePath_Basic(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"valid /dev/null", "/dev/null", false},
		{"valid /dev/pts/0", "/dev/pts/0", false},
		{"valid /dev/shm/file", "/dev/shm/file", false},
		{"invalid /etc", "/etc/passwd", true},
		{"invalid /tmp", "/tmp/dev", true},
		{"invalid relative", "dev/null", true},
		{"traversal attack", "/dev/../etc/passwd", true},
		{"traversal attack 2", "/dev/pts/../../etc/passwd", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateDevicePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateDevicePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestIsAllowedDevice(t *testing.T) {
	tests := []struct {
		name    string
		major   int64
		minor   int64
		allowed bool
	}{
		{"dev/null", 1, 3, true},
		{"dev/zero", 1, 5, true},
		{"dev/random", 1, 8, true},
		{"dev/urandom", 1, 9, true},
		{"dev/tty", 5, 0, true},
		{"dev/console", 5, 1, true},
		{"dev/ptmx", 5, 2, true},
		{"pty slave", 136, 0, true},
		{"pty slave 5", 136, 5, true},
		{"dev/sda (not allowed)", 8, 0, false},
		{"dev/mem (not allowed)", 1, 1, false},
		{"dev/kmem (not allowed)", 1, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := DeviceRule{Major: tt.major, Minor: tt.minor}
			got := isAllowedDevice(dev)
			if got != tt.allowed {
				t.Errorf("isAllowedDevice(major=%d, minor=%d) = %v, want %v",
					tt.major, tt.minor, got, tt.allowed)
			}
		})
	}
}

func TestDefaultDevices(t *testing.T) {
	devices := DefaultDevices()

	expectedPaths := map[string]bool{
		"/dev/null":    true,
		"/dev/zero":    true,
		"/dev/full":    true,
		"/dev/random":  true,
		"/dev/urandom": true,
		"/dev/tty":     true,
	}

	for _, dev := range devices {
		if !expectedPaths[dev.Path] {
			t.Errorf("unexpected default device: %s", dev.Path)
		}
		delete(expectedPaths, dev.Path)

		if !isAllowedDevice(dev) {
			t.Errorf("default device %s (major=%d, minor=%d) is not in allowed list",
				dev.Path, dev.Major, dev.Minor)
		}
		if dev.Type != "c" {
			t.Errorf("default device %s has type %q, expected 'c'", dev.Path, dev.Type)
		}
		if dev.FileMode != 0666 {
			t.Errorf("default device %s should have mode 0666, got %o", dev.Path, dev.FileMode)
		}
	}

	for path := range expectedPaths {
		t.Errorf("expected default device %s not found", path)
	}
}

func TestSetupPrivateDevicesRejectsDisallowedExtra(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("requires root to mount tmpfs on /dev")
	}

	err := SetupPrivateDevices([]DeviceRule{
		{Path: "/dev/sda", Type: "b", Major: 8, Minor: 0, FileMode: 0660},
	})
	if err == nil {
		t.Error("expected SetupPrivateDevices to reject a disallowed device")
	}
}

func TestIsPTYDevice(t *testing.T) {
	tests := []struct {
		major int64
		isPTY bool
	}{
		{136, true},
		{5, false}, // /dev/ptmx itself isn't a PTY slave
		{1, false},
		{8, false},
	}

	for _, tt := range tests {
		if got := isPTYDevice(tt.major); got != tt.isPTY {
			t.Errorf("isPTYDevice(%d) = %v, want %v", tt.major, got, tt.isPTY)
		}
	}
}
