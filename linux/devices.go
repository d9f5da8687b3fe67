// Package linux provides device node management for PrivateDevices=true
// units: a fresh tmpfs /dev populated only with the small whitelist of
// device nodes a service legitimately needs, instead of the full device
// tree the host exposes.
package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// DeviceRule describes one device node to create under a private /dev.
type DeviceRule struct {
	Path     string
	Type     string // "c", "b", "p"
	Major    int64
	Minor    int64
	FileMode os.FileMode
}

// allowedDevices is a whitelist of safe device major:minor numbers.
// Prevents a unit's sandboxing config from requesting arbitrary devices
// like /dev/sda.
var allowedDevices = map[string]bool{
	"1:3":  true, // /dev/null
	"1:5":  true, // /dev/zero
	"1:7":  true, // /dev/full
	"1:8":  true, // /dev/random
	"1:9":  true, // /dev/urandom
	"5:0":  true, // /dev/tty
	"5:1":  true, // /dev/console
	"5:2":  true, // /dev/ptmx
	"1:11": true, // /dev/kmsg
}

// isPTYDevice reports whether a device is a unix98 PTY slave (major 136).
func isPTYDevice(major int64) bool {
	return major == 136
}

// isAllowedDevice checks if a device is in the whitelist.
func isAllowedDevice(dev DeviceRule) bool {
	key := fmt.Sprintf("%d:%d", dev.Major, dev.Minor)
	return allowedDevices[key] || isPTYDevice(dev.Major)
}

// validateDevicePath ensures a device path is safe (within /dev).
func validateDevicePath(path string) error {
	cleaned := filepath.Clean(path)
	if !strings.HasPrefix(cleaned, "/dev/") && cleaned != "/dev" {
		return fmt.Errorf("device path %q must be under /dev", path)
	}
	if strings.Contains(cleaned[4:], "..") {
		return fmt.Errorf("device path %q contains path traversal", path)
	}
	return nil
}

// DefaultDevices returns the minimal device set a PrivateDevices=true unit
// gets in its own /dev.
func DefaultDevices() []DeviceRule {
	const mode = os.FileMode(0666)
	return []DeviceRule{
		{Path: "/dev/null", Type: "c", Major: 1, Minor: 3, FileMode: mode},
		{Path: "/dev/zero", Type: "c", Major: 1, Minor: 5, FileMode: mode},
		{Path: "/dev/full", Type: "c", Major: 1, Minor: 7, FileMode: mode},
		{Path: "/dev/random", Type: "c", Major: 1, Minor: 8, FileMode: mode},
		{Path: "/dev/urandom", Type: "c", Major: 1, Minor: 9, FileMode: mode},
		{Path: "/dev/tty", Type: "c", Major: 5, Minor: 0, FileMode: mode},
	}
}

// createDeviceNode creates a single device node at path.
func createDeviceNode(path string, dev DeviceRule) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	var devType uint32
	switch dev.Type {
	case "c", "u":
		devType = syscall.S_IFCHR
	case "b":
		devType = syscall.S_IFBLK
	case "p":
		devType = syscall.S_IFIFO
	default:
		return fmt.Errorf("unknown device type: %s", dev.Type)
	}

	mode := devType | uint32(dev.FileMode)
	devNum := int((dev.Major << 8) | dev.Minor)

	os.Remove(path)
	if err := syscall.Mknod(path, mode, devNum); err != nil {
		return fmt.Errorf("mknod: %w", err)
	}
	return nil
}

// SetupPrivateDevices mounts a tmpfs on /dev inside the unit's own mount
// namespace (see unit.NamespaceToggles.PrivateDevices) and populates it
// with DefaultDevices() plus any caller-supplied additions, each checked
// against the whitelist.
func SetupPrivateDevices(extra []DeviceRule) error {
	if err := syscall.Mount("tmpfs", "/dev", "tmpfs",
		syscall.MS_NOSUID|syscall.MS_STRICTATIME,
		"mode=755,size=65536k"); err != nil {
		return fmt.Errorf("mount tmpfs on /dev: %w", err)
	}

	devices := append(DefaultDevices(), extra...)
	for _, dev := range devices {
		if err := validateDevicePath(dev.Path); err != nil {
			return err
		}
		if !isAllowedDevice(dev) {
			return fmt.Errorf("device %s (%d:%d) is not in the private-devices allowlist", dev.Path, dev.Major, dev.Minor)
		}
		if err := createDeviceNode(dev.Path, dev); err != nil {
			return fmt.Errorf("create device %s: %w", dev.Path, err)
		}
	}

	ptsPath := "/dev/pts"
	if err := os.MkdirAll(ptsPath, 0755); err == nil {
		syscall.Mount("devpts", ptsPath, "devpts",
			syscall.MS_NOSUID|syscall.MS_NOEXEC,
			"newinstance,ptmxmode=0666,mode=0620")
	}

	return nil
}
