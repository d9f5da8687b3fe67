package unit

import (
	"os"
	"time"
)

// RestartPolicy governs the dispatcher's restart-vs-deactivate decision
// (§4.4).
type RestartPolicy struct {
	Mode string // "no", "on-success", "on-failure", "on-abnormal", "on-watchdog", "on-abort", "always"
	Sec  time.Duration
}

// ExitStatusSpec matches a set of exit codes/signals treated as success
// even though they are nonzero, per §3's SuccessExitStatus.
type ExitStatusSpec struct {
	Codes   []int
	Signals []string
}

// ServiceConfig is the Type=service unit body.
type ServiceConfig struct {
	Type string // "simple", "forking", "oneshot", "notify", "dbus", "idle", "exec"

	Exec ExecConfig

	ExecStartPre  [][]string
	ExecStartPost [][]string
	ExecStop      [][]string
	ExecStopPost  [][]string
	ExecReload    [][]string

	Restart    RestartPolicy
	SuccessExitStatus ExitStatusSpec

	RemainAfterExit bool
	GuessMainPID    bool

	WatchdogSec time.Duration
	NotifyAccess string // "none", "main", "exec", "all"

	BusName string // carried as data; start does not wait for the bus name to appear

	Sockets []string // associated Type=socket units providing this service's fds
}

// SingleSocketConfig is one listen directive within a socket unit; a
// socket unit may open several (ListenStream=, ListenDatagram=, ...).
type SingleSocketConfig struct {
	Kind    string // "stream", "datagram", "sequential", "fifo", "netlink" (netlink is rejected by internal/socketunit)
	Address string // path, "host:port", "[::]:port", or fifo path

	Backlog int

	ReusePort  bool
	FreeBind   bool
	Transparent bool
	Broadcast  bool
	PassCredentials bool
	PassSecurity    bool
	Mark       int
	Priority   int
	ReceiveBuffer int
	SendBuffer    int
	IPTTL      int
	TCPKeepAlive bool
	TCPNoDelay   bool

	DirectoryMode uint32
	SocketMode    uint32
	SocketUser    string
	SocketGroup   string
}

// SocketConfig is the Type=socket unit body.
type SocketConfig struct {
	Listeners []SingleSocketConfig

	Accept               bool
	MaxConnections       int
	MaxConnectionsPerSource int

	RemoveOnStop bool

	Service string // unit this socket activates; defaults to same-named service

	FileDescriptorName string
}

// TargetConfig is the Type=target unit body: a synchronization point with
// no executable content of its own.
type TargetConfig struct{}

// SliceConfig is the Type=slice unit body: a pure cgroup grouping node.
type SliceConfig struct {
	MemoryMax  int64
	MemoryHigh int64
	MemoryLow  int64
	MemorySwapMax int64

	CPUWeight int64
	CPUQuota  time.Duration // 0 means unlimited
	CPUPeriod time.Duration

	CPUSetCPUs string
	CPUSetMems string

	PidsMax int64

	IOWeight int64
}

// DeviceConfig is the Type=device unit body: like TargetConfig, a
// synchronization point with no executable content, reached when the
// udev-announced node named by SysfsPath/KernelName appears (udev itself
// is an auxiliary daemon, outside this core per §1).
type DeviceConfig struct {
	SysfsPath  string
	KernelName string
}

// MountConfig is the Type=mount unit body, driven by internal/mountunit.
type MountConfig struct {
	What    string
	Where   string
	Type    string
	Options []string

	LazyUnmount   bool
	ForceUnmount  bool
	Sloppy        bool
	ReadWriteOnly bool

	DirectoryMode os.FileMode

	TimeoutSec time.Duration
}
