package unit

// Capabilities mirrors the teacher's spec.LinuxCapabilities shape, adapted
// to the five sets exec_helper actually manipulates (no Ambient-only
// ValueFlags bookkeeping, just the raw name lists it reads and resolves).
type Capabilities struct {
	Bounding    []string
	Effective   []string
	Permitted   []string
	Inheritable []string
	Ambient     []string
}

// Rlimit is one POSIX resource limit entry.
type Rlimit struct {
	Type string // "RLIMIT_NOFILE", "RLIMIT_NPROC", ...
	Soft uint64
	Hard uint64
}

// CredentialSource describes one of the three credential-loading
// mechanisms, applied in priority order SetCredential < LoadCredential <
// ImportCredential, non-overwriting for imports (§4.3 step 7).
type CredentialSource struct {
	Name string

	// Literal inlines the value directly (SetCredential=).
	Literal string
	HasLiteral bool

	// LoadPath reads the value (or an encrypted blob) from a file
	// (LoadCredential=).
	LoadPath string

	// ImportGlob pulls every credential matching the glob from the
	// fixed system credential store search path, without overwriting
	// names already set by Literal or LoadPath (ImportCredential=).
	ImportGlob string
}

// NamespaceToggles is the systemd-style sandboxing surface reinterpreted
// from the teacher's OCI rootfs/devices/namespace machinery: rather than
// building a full container rootfs, each toggle enables one isolated
// mount/namespace behavior for the unit's own process tree.
type NamespaceToggles struct {
	PrivateTmp     bool
	PrivateDevices bool
	PrivateNetwork bool
	ProtectSystem  string // "", "yes", "full", "strict"
	ProtectHome    string // "", "yes", "read-only", "tmpfs"
	ReadonlyPaths  []string
	ReadWritePaths []string
	MaskedPaths    []string
	NoNewPrivileges bool
}

// SeccompFilter carries a seccomp profile as data (§3: "seccomp lists are
// carried as data; enforcement follows the teacher's BPF builder").
type SeccompFilter struct {
	DefaultAction string
	Syscalls      []SeccompRule
}

// SeccompRule names one syscall and the action taken on it.
type SeccompRule struct {
	Name   string
	Action string
}

// JournalFields are fixed key=value pairs the launcher attaches to every
// log line the unit's stdout/stderr produce when captured by the
// manager's own logger rather than passed through to a TTY.
type JournalFields map[string]string

// ExecConfig is the full process-launcher configuration consumed by
// exec_helper's eighteen-step pre-exec sequence (§4.3).
type ExecConfig struct {
	// argv[0] and arguments; ExecStart is the main command, Pre/Post
	// and Stop run around it per the generalized hooks package.
	Command []string
	Argv0Override string

	WorkingDirectory string
	Environment      []string
	EnvironmentFiles []string
	PassEnvironment  []string
	UnsetEnvironment []string

	User  string
	Group string
	SupplementaryGroups []string

	Credentials []CredentialSource

	// HostKey is the node's credential.SealHost key material, copied in by
	// the launcher from its own config at spawn time so exec_helper can
	// decrypt SetCredentialEncrypted=/LoadCredentialEncrypted= blobs sealed
	// with SealHost without reading any config file itself.
	HostKey []byte

	Capabilities     Capabilities
	CapabilityBoundingSet []string
	AmbientCapabilities   []string
	NoNewPrivileges       bool

	Rlimits []Rlimit

	UMask        uint32
	Nice         int
	OOMScoreAdjust int
	IOSchedulingClass    string
	IOSchedulingPriority int

	StateDirectory   []string
	LogsDirectory    []string
	RuntimeDirectory []string
	CacheDirectory   []string
	ConfigurationDirectory []string
	RuntimeDirectoryMode   uint32

	StandardInput  string // "null", "tty", "socket", "fd:N"
	StandardOutput string // "inherit", "null", "tty", "journal", "socket"
	StandardError  string
	TTYPath        string
	TTYReset       bool
	TTYVHangup     bool
	TTYVTDisallocate bool

	Namespaces NamespaceToggles
	Seccomp    *SeccompFilter

	IgnoreSIGPIPE bool // default true, see SUPPLEMENTED FEATURES #4

	UtmpIdentifier string
	UtmpMode       string // "init", "login"

	JournalFields JournalFields

	PAMName string
}
