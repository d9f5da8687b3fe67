// Package linux provides Linux-specific process-isolation primitives.
package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"service-core/internal/unit"
)

// Linux namespace clone flags
const (
	CLONE_NEWNS     = syscall.CLONE_NEWNS  // Mount namespace
	CLONE_NEWUTS    = syscall.CLONE_NEWUTS // UTS namespace (hostname)
	CLONE_NEWIPC    = syscall.CLONE_NEWIPC // IPC namespace
	CLONE_NEWPID    = syscall.CLONE_NEWPID // PID namespace
	CLONE_NEWNET    = syscall.CLONE_NEWNET // Network namespace
	CLONE_NEWUSER   = syscall.CLONE_NEWUSER
	CLONE_NEWCGROUP = 0x02000000 // Cgroup namespace (not in syscall pkg)
)

// NamespacePath names an existing namespace to join via setns, keyed by
// clone-flag type, used when a unit shares a namespace with another
// already-running unit (e.g. a socket unit's network namespace).
type NamespacePath struct {
	Flag uintptr
	Path string
}

// BuildSysProcAttr derives the namespace set a unit's process needs from
// its sandboxing toggles. PrivateNetwork creates a fresh network
// namespace; the mount namespace is always private when any of
// PrivateTmp/PrivateDevices/ProtectSystem/ProtectHome/ReadonlyPaths/
// ReadWritePaths/MaskedPaths is set, since each is implemented as a
// private bind-mount the unit's own process tree must not leak to the
// host.
func BuildSysProcAttr(toggles unit.NamespaceToggles) *syscall.SysProcAttr {
	var flags uintptr
	if needsPrivateMountNS(toggles) {
		flags |= CLONE_NEWNS
	}
	if toggles.PrivateNetwork {
		flags |= CLONE_NEWNET
	}

	attr := &syscall.SysProcAttr{
		Cloneflags: flags,
		Setsid:     true,
	}
	if flags&CLONE_NEWNS != 0 {
		// Keep mount propagation from leaking into the private namespace
		// without requiring a user namespace, matching the teacher's
		// non-user-namespace branch.
		attr.Unshareflags = syscall.CLONE_NEWNS
	}
	return attr
}

func needsPrivateMountNS(t unit.NamespaceToggles) bool {
	return t.PrivateTmp || t.PrivateDevices || t.ProtectSystem != "" ||
		t.ProtectHome != "" || len(t.ReadonlyPaths) > 0 ||
		len(t.ReadWritePaths) > 0 || len(t.MaskedPaths) > 0
}

// SetNamespaces joins a set of existing namespaces by path, used for
// units that share a namespace with a sibling unit rather than creating
// their own (e.g. JoinsNamespaceOf=). Called after fork but before exec.
func SetNamespaces(paths []NamespacePath) error {
	for _, ns := range paths {
		if err := setns(ns.Path, ns.Flag); err != nil {
			return fmt.Errorf("setns %s: %w", ns.Path, err)
		}
	}
	return nil
}

// setns joins an existing namespace identified by a /proc/<pid>/ns/*
// path, using unix.SYS_SETNS for architecture-independent dispatch.
func setns(path string, flag uintptr) error {
	fd, err := syscall.Open(path, syscall.O_RDONLY|syscall.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer syscall.Close(fd)

	_, _, errno := syscall.Syscall(unix.SYS_SETNS, uintptr(fd), flag, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// IDMapping is one UID/GID range mapping entry for a user namespace.
type IDMapping struct {
	ContainerID uint32
	HostID      uint32
	Size        uint32
}

// WriteIDMappings writes UID/GID mappings to /proc/pid/{uid,gid}_map,
// disabling setgroups first as the kernel requires.
func WriteIDMappings(pid int, uidMappings, gidMappings []IDMapping) error {
	if len(uidMappings) > 0 {
		path := filepath.Join("/proc", fmt.Sprint(pid), "uid_map")
		if err := os.WriteFile(path, []byte(formatIDMap(uidMappings)), 0644); err != nil {
			return fmt.Errorf("write uid_map: %w", err)
		}
	}

	if len(gidMappings) > 0 {
		setgroupsPath := filepath.Join("/proc", fmt.Sprint(pid), "setgroups")
		os.WriteFile(setgroupsPath, []byte("deny"), 0644) // best effort

		path := filepath.Join("/proc", fmt.Sprint(pid), "gid_map")
		if err := os.WriteFile(path, []byte(formatIDMap(gidMappings)), 0644); err != nil {
			return fmt.Errorf("write gid_map: %w", err)
		}
	}

	return nil
}

func formatIDMap(mappings []IDMapping) string {
	var result string
	for _, m := range mappings {
		result += fmt.Sprintf("%d %d %d\n", m.ContainerID, m.HostID, m.Size)
	}
	return result
}

// SetHostname sets the hostname in the UTS namespace.
func SetHostname(hostname string) error {
	if hostname == "" {
		return nil
	}
	return syscall.Sethostname([]byte(hostname))
}

// SetDomainname sets the domain name in the UTS namespace.
func SetDomainname(domainname string) error {
	if domainname == "" {
		return nil
	}
	return syscall.Setdomainname([]byte(domainname))
}
