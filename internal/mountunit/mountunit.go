// Package mountunit drives Type=mount units (§4.5): idempotent mount and
// unmount against the live mount table, with option-string-to-flag
// translation adapted from the teacher's rootfs mount-option parser.
package mountunit

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	cerrors "service-core/errors"
	"service-core/internal/unit"
	"service-core/linux"
)

// optionFlags mirrors linux.mountOptionFlags (unexported there) for the
// option strings a mount unit is allowed to specify; the filesystem-data
// options (anything unrecognized or containing "=") are passed through
// to the kernel as the fsType's data string.
var optionFlags = map[string]uintptr{
	"ro":          linux.MS_RDONLY,
	"rw":          0,
	"nosuid":      linux.MS_NOSUID,
	"suid":        0,
	"nodev":       linux.MS_NODEV,
	"dev":         0,
	"noexec":      linux.MS_NOEXEC,
	"exec":        0,
	"remount":     linux.MS_REMOUNT,
	"bind":        linux.MS_BIND,
	"rbind":       linux.MS_BIND | linux.MS_REC,
	"private":     linux.MS_PRIVATE,
	"rprivate":    linux.MS_PRIVATE | linux.MS_REC,
	"shared":      linux.MS_SHARED,
	"rshared":     linux.MS_SHARED | linux.MS_REC,
	"slave":       linux.MS_SLAVE,
	"rslave":      linux.MS_SLAVE | linux.MS_REC,
	"unbindable":  linux.MS_UNBINDABLE,
	"runbindable": linux.MS_UNBINDABLE | linux.MS_REC,
	"relatime":    linux.MS_RELATIME,
	"norelatime":  0,
	"strictatime": linux.MS_STRICTATIME,
	"noatime":     linux.MS_NOATIME,
}

// parseOptions splits a mount unit's Options= list into kernel mount
// flags and a filesystem-specific data string, the same split the
// teacher's rootfs option parser performs for OCI bind mounts.
func parseOptions(options []string) (uintptr, string) {
	var flags uintptr
	var data []string
	for _, opt := range options {
		if flag, ok := optionFlags[opt]; ok {
			flags |= flag
			continue
		}
		data = append(data, opt)
	}
	return flags, strings.Join(data, ",")
}

// isMounted reports whether Where is already an active mount point,
// making Activate idempotent against manager restarts the way §4.5
// requires.
func isMounted(where string) (bool, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false, fmt.Errorf("mountunit: open /proc/mounts: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == where {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// Activate mounts a Type=mount unit's filesystem if it is not already
// mounted. Returns nil without acting if already mounted.
func Activate(cfg *unit.MountConfig) error {
	already, err := isMounted(cfg.Where)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrRootfs, "check mount table")
	}
	if already {
		return nil
	}

	dirMode := cfg.DirectoryMode
	if dirMode == 0 {
		dirMode = 0755
	}
	if err := os.MkdirAll(cfg.Where, dirMode); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrRootfs, "mkdir mount point", cfg.Where)
	}

	flags, data := parseOptions(cfg.Options)
	if cfg.ReadWriteOnly {
		flags &^= linux.MS_RDONLY
	}
	// Sloppy has no kernel mount(2) equivalent; it only affects mount(8)'s
	// behavior of dropping options a filesystem driver rejects, which does
	// not apply when calling unix.Mount directly.
	if err := unix.Mount(cfg.What, cfg.Where, cfg.Type, flags, data); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrRootfs, "mount",
			fmt.Sprintf("%s -> %s (%s)", cfg.What, cfg.Where, cfg.Type))
	}
	return nil
}

// Deactivate unmounts a Type=mount unit's filesystem if currently
// mounted. Returns nil without acting if already unmounted.
func Deactivate(cfg *unit.MountConfig) error {
	already, err := isMounted(cfg.Where)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrRootfs, "check mount table")
	}
	if !already {
		return nil
	}

	var flags int
	if cfg.LazyUnmount {
		flags |= unix.MNT_DETACH
	}
	if cfg.ForceUnmount {
		flags |= unix.MNT_FORCE
	}

	if err := unix.Unmount(cfg.Where, flags); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrRootfs, "unmount", cfg.Where)
	}
	return nil
}
