// Package linux provides mount-option translation and the private-path
// primitives (masking, read-only remounts) exec_helper applies for a
// unit's NamespaceToggles, adapted from the teacher's OCI rootfs/mount
// setup down to the pieces that still apply once there is no container
// rootfs to pivot into.
package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Mount propagation flags.
const (
	MS_PRIVATE     = syscall.MS_PRIVATE
	MS_SHARED      = syscall.MS_SHARED
	MS_SLAVE       = syscall.MS_SLAVE
	MS_UNBINDABLE  = syscall.MS_UNBINDABLE
	MS_REC         = syscall.MS_REC
	MS_BIND        = syscall.MS_BIND
	MS_MOVE        = syscall.MS_MOVE
	MS_RDONLY      = syscall.MS_RDONLY
	MS_NOSUID      = syscall.MS_NOSUID
	MS_NODEV       = syscall.MS_NODEV
	MS_NOEXEC      = syscall.MS_NOEXEC
	MS_REMOUNT     = syscall.MS_REMOUNT
	MS_STRICTATIME = syscall.MS_STRICTATIME
	MS_RELATIME    = syscall.MS_RELATIME
	MS_NOATIME     = syscall.MS_NOATIME
)

// mountOptionFlags maps mount option strings to flags.
var mountOptionFlags = map[string]uintptr{
	"ro":          MS_RDONLY,
	"rw":          0,
	"nosuid":      MS_NOSUID,
	"suid":        0,
	"nodev":       MS_NODEV,
	"dev":         0,
	"noexec":      MS_NOEXEC,
	"exec":        0,
	"sync":        syscall.MS_SYNCHRONOUS,
	"async":       0,
	"remount":     MS_REMOUNT,
	"bind":        MS_BIND,
	"rbind":       MS_BIND | MS_REC,
	"private":     MS_PRIVATE,
	"rprivate":    MS_PRIVATE | MS_REC,
	"shared":      MS_SHARED,
	"rshared":     MS_SHARED | MS_REC,
	"slave":       MS_SLAVE,
	"rslave":      MS_SLAVE | MS_REC,
	"unbindable":  MS_UNBINDABLE,
	"runbindable": MS_UNBINDABLE | MS_REC,
	"relatime":    MS_RELATIME,
	"norelatime":  0,
	"strictatime": MS_STRICTATIME,
	"noatime":     MS_NOATIME,
}

// parseMountOptions parses a comma-split option list into flags and a
// residual data string, the same split internal/mountunit performs for
// Type=mount units (their map is kept independent to avoid an import
// cycle risk, but the logic mirrors this one exactly).
func parseMountOptions(options []string) (uintptr, string) {
	var flags uintptr
	var dataOpts []string

	for _, opt := range options {
		if flag, ok := mountOptionFlags[opt]; ok {
			flags |= flag
		} else if strings.Contains(opt, "=") || !isKnownOption(opt) {
			dataOpts = append(dataOpts, opt)
		}
	}

	return flags, strings.Join(dataOpts, ",")
}

// hasOption checks if an option is in the list.
func hasOption(options []string, opt string) bool {
	for _, o := range options {
		if o == opt {
			return true
		}
	}
	return false
}

// isKnownOption checks if an option is a known mount flag.
func isKnownOption(opt string) bool {
	_, ok := mountOptionFlags[opt]
	return ok
}

// maskPath masks a path by bind-mounting /dev/null (files) or an empty
// read-only tmpfs (directories) over it, backing
// NamespaceToggles.MaskedPaths.
func maskPath(path string) error {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return nil // best effort
	}

	if fi.IsDir() {
		return syscall.Mount("tmpfs", path, "tmpfs", MS_RDONLY, "size=0")
	}
	return syscall.Mount("/dev/null", path, "", MS_BIND, "")
}

// readonlyPath makes a path read-only by bind-mounting it onto itself
// and remounting read-only, backing NamespaceToggles.ReadonlyPaths.
func readonlyPath(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	if err := syscall.Mount(path, path, "", MS_BIND|MS_REC, ""); err != nil {
		return err
	}
	return syscall.Mount(path, path, "", MS_BIND|MS_REMOUNT|MS_RDONLY|MS_REC, "")
}

// MountProc mounts procfs at /proc. Nothing in this module calls it.
func MountProc() error {
	if err := os.MkdirAll("/proc", 0755); err != nil {
		return err
	}
	return syscall.Mount("proc", "/proc", "proc", MS_NOSUID|MS_NOEXEC|MS_NODEV, "")
}

// SecureJoin resolves unsafePath against base the way the teacher's
// rootfs setup resolved OCI mount destinations against the container
// root: every symlink encountered along the way is followed and
// re-rooted at base before continuing, so a component that points
// outside base (or a ".." that would climb above it) can never make
// the final path escape base. exec_helper uses it to resolve
// StateDirectory/LogsDirectory/RuntimeDirectory and credential import
// paths that a unit's own configuration supplies.
func SecureJoin(base, unsafePath string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("secure join: empty base path")
	}

	var resolved []string
	pending := splitPathComponents(unsafePath)
	symlinks := 0

	for len(pending) > 0 {
		comp := pending[0]
		pending = pending[1:]

		switch comp {
		case "", ".":
			continue
		case "..":
			if len(resolved) > 0 {
				resolved = resolved[:len(resolved)-1]
			}
			continue
		}

		candidate := filepath.Join(append(append([]string{}, resolved...), comp)...)
		full := filepath.Join(base, candidate)

		fi, err := os.Lstat(full)
		if err == nil && fi.Mode()&os.ModeSymlink != 0 {
			symlinks++
			if symlinks > 255 {
				return "", fmt.Errorf("secure join %s: too many levels of symlinks", unsafePath)
			}
			dest, err := os.Readlink(full)
			if err != nil {
				return "", fmt.Errorf("secure join %s: %w", unsafePath, err)
			}
			destParts := splitPathComponents(dest)
			if filepath.IsAbs(dest) {
				resolved = nil
			}
			pending = append(destParts, pending...)
			continue
		}

		resolved = append(resolved, comp)
	}

	return filepath.Join(base, filepath.Join(resolved...)), nil
}

// splitPathComponents splits a path on "/" and drops "." and empty
// segments, keeping ".." so callers can apply their own traversal rules.
func splitPathComponents(p string) []string {
	parts := strings.Split(filepath.ToSlash(p), "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ApplyNamespaceMountToggles applies the PrivateTmp/ProtectSystem-style
// path toggles exec_helper performs after entering its own mount
// namespace, before the final chdir/exec.
func ApplyNamespaceMountToggles(maskedPaths, readonlyPaths []string) error {
	for _, path := range maskedPaths {
		if err := maskPath(path); err != nil {
			return fmt.Errorf("mask %s: %w", path, err)
		}
	}
	for _, path := range readonlyPaths {
		if err := readonlyPath(path); err != nil {
			return fmt.Errorf("readonly %s: %w", path, err)
		}
	}
	return nil
}
