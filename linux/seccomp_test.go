package linux

import (
	"testing"

	"service-core/internal/unit"
)

// ============================================================================
// ACTION TESTS
// ============================================================================

func TestActionToRet_AllActions(t *testing.T) {
	tests := []struct {
		action   string
		expected uint32
	}{
		{"kill", SECCOMP_RET_KILL_THREAD},
		{"kill_process", SECCOMP_RET_KILL_PROCESS},
		{"kill_thread", SECCOMP_RET_KILL_THREAD},
		{"trap", SECCOMP_RET_TRAP},
		{"errno", SECCOMP_RET_ERRNO},
		{"trace", SECCOMP_RET_TRACE},
		{"allow", SECCOMP_RET_ALLOW},
		{"log", SECCOMP_RET_LOG},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			got, ok := actionToRet[tt.action]
			if !ok {
				t.Errorf("action %s not found in actionToRet", tt.action)
				return
			}
			if got != tt.expected {
				t.Errorf("actionToRet[%s] = 0x%x, want 0x%x", tt.action, got, tt.expected)
			}
		})
	}
}

func TestActionToRet_UnknownAction(t *testing.T) {
	unknownActions := []string{"SCMP_ACT_UNKNOWN", "invalid", ""}

	for _, action := range unknownActions {
		if _, ok := actionToRet[action]; ok {
			t.Errorf("unknown action %q should not be in actionToRet", action)
		}
	}
}

// ============================================================================
// SYSCALL MAP TESTS
// ============================================================================

func TestSyscallMap_CommonSyscalls(t *testing.T) {
	criticalSyscalls := []struct {
		name     string
		expected int
	}{
		{"read", 0},
		{"write", 1},
		{"open", 2},
		{"close", 3},
		{"execve", 59},
		{"exit", 60},
		{"clone", 56},
		{"fork", 57},
		{"kill", 62},
	}

	for _, sc := range criticalSyscalls {
		t.Run(sc.name, func(t *testing.T) {
			got, ok := syscallMap[sc.name]
			if !ok {
				t.Errorf("syscall %s not found in syscallMap", sc.name)
				return
			}
			if got != sc.expected {
				t.Errorf("syscallMap[%s] = %d, want %d", sc.name, got, sc.expected)
			}
		})
	}
}

func TestSyscallMap_NoNegativeNumbers(t *testing.T) {
	for name, nr := range syscallMap {
		if nr < 0 {
			t.Errorf("syscall %s has negative number %d", name, nr)
		}
	}
}

// ============================================================================
// BPF FILTER BUILD TESTS
// ============================================================================

func TestBuildSeccompFilter_EmptyConfig(t *testing.T) {
	config := &unit.SeccompFilter{DefaultAction: "allow"}

	filter, err := buildSeccompFilter(config)
	if err != nil {
		t.Fatalf("buildSeccompFilter failed: %v", err)
	}

	// arch check (2) + kill + load nr + default return
	if len(filter) < 4 {
		t.Errorf("filter too short: %d instructions", len(filter))
	}
}

func TestBuildSeccompFilter_SingleSyscall(t *testing.T) {
	config := &unit.SeccompFilter{
		DefaultAction: "allow",
		Syscalls: []unit.SeccompRule{
			{Name: "write", Action: "errno"},
		},
	}

	filter, err := buildSeccompFilter(config)
	if err != nil {
		t.Fatalf("buildSeccompFilter failed: %v", err)
	}

	if len(filter) < 6 {
		t.Errorf("filter too short for single syscall: %d instructions", len(filter))
	}
}

func TestBuildSeccompFilter_MultipleSyscalls(t *testing.T) {
	config := &unit.SeccompFilter{
		DefaultAction: "allow",
		Syscalls: []unit.SeccompRule{
			{Name: "write", Action: "log"},
			{Name: "read", Action: "log"},
			{Name: "execve", Action: "kill_process"},
		},
	}

	filter, err := buildSeccompFilter(config)
	if err != nil {
		t.Fatalf("buildSeccompFilter failed: %v", err)
	}

	if len(filter) < 9 {
		t.Errorf("filter too short for multiple syscalls: %d instructions", len(filter))
	}
}

func TestBuildSeccompFilter_UnknownDefaultAction(t *testing.T) {
	config := &unit.SeccompFilter{DefaultAction: "SCMP_ACT_INVALID"}

	_, err := buildSeccompFilter(config)
	if err == nil {
		t.Error("expected error for unknown default action")
	}
}

func TestBuildSeccompFilter_EmptyDefaultActionFallsBackToAllow(t *testing.T) {
	config := &unit.SeccompFilter{}

	filter, err := buildSeccompFilter(config)
	if err != nil {
		t.Fatalf("buildSeccompFilter failed: %v", err)
	}
	last := filter[len(filter)-1]
	if last.K != SECCOMP_RET_ALLOW {
		t.Errorf("empty DefaultAction should fall back to allow, got return value 0x%x", last.K)
	}
}

func TestBuildSeccompFilter_UnknownSyscallSkipped(t *testing.T) {
	config := &unit.SeccompFilter{
		DefaultAction: "allow",
		Syscalls: []unit.SeccompRule{
			{Name: "totally_fake_syscall", Action: "kill"},
		},
	}

	filter, err := buildSeccompFilter(config)
	if err != nil {
		t.Fatalf("buildSeccompFilter failed: %v", err)
	}
	// arch check (2) + kill + load nr + default return, no rule instructions added
	if len(filter) != 5 {
		t.Errorf("expected unknown syscall to add no instructions, got %d total", len(filter))
	}
}

// ============================================================================
// BPF INSTRUCTION TESTS
// ============================================================================

func TestBpfStmt_Encoding(t *testing.T) {
	tests := []struct {
		name string
		code uint16
		k    uint32
	}{
		{"load arch", BPF_LD | BPF_W | BPF_ABS, offsetArch},
		{"load nr", BPF_LD | BPF_W | BPF_ABS, offsetNR},
		{"ret allow", BPF_RET | BPF_K, SECCOMP_RET_ALLOW},
		{"ret kill", BPF_RET | BPF_K, SECCOMP_RET_KILL_PROCESS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := bpfStmt(tt.code, tt.k)
			if inst.Code != tt.code {
				t.Errorf("Code = %d, want %d", inst.Code, tt.code)
			}
			if inst.K != tt.k {
				t.Errorf("K = %d, want %d", inst.K, tt.k)
			}
			if inst.Jt != 0 || inst.Jf != 0 {
				t.Error("statement should have Jt=0 and Jf=0")
			}
		})
	}
}

func TestBpfJump_Encoding(t *testing.T) {
	tests := []struct {
		name string
		code uint16
		k    uint32
		jt   uint8
		jf   uint8
	}{
		{"jeq arch", BPF_JMP | BPF_JEQ | BPF_K, AUDIT_ARCH_X86_64, 1, 0},
		{"jeq syscall", BPF_JMP | BPF_JEQ | BPF_K, 1, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := bpfJump(tt.code, tt.k, tt.jt, tt.jf)
			if inst.Code != tt.code {
				t.Errorf("Code = %d, want %d", inst.Code, tt.code)
			}
			if inst.K != tt.k {
				t.Errorf("K = %d, want %d", inst.K, tt.k)
			}
			if inst.Jt != tt.jt {
				t.Errorf("Jt = %d, want %d", inst.Jt, tt.jt)
			}
			if inst.Jf != tt.jf {
				t.Errorf("Jf = %d, want %d", inst.Jf, tt.jf)
			}
		})
	}
}

// ============================================================================
// ARCH CHECK TESTS
// ============================================================================

func TestArchCheck_JumpsOverKillOnMatch(t *testing.T) {
	config := &unit.SeccompFilter{DefaultAction: "allow"}

	filter, err := buildSeccompFilter(config)
	if err != nil {
		t.Fatalf("buildSeccompFilter failed: %v", err)
	}

	// Instruction 0: load arch
	// Instruction 1: arch check (jt=1 jumps over the kill instruction)
	// Instruction 2: kill
	// Instruction 3: load nr
	if len(filter) < 4 {
		t.Fatalf("filter too short: %d", len(filter))
	}

	archCheck := filter[1]
	if archCheck.Jt != 1 {
		t.Errorf("arch check jt = %d, want 1", archCheck.Jt)
	}
	if archCheck.K != AUDIT_ARCH_X86_64 {
		t.Errorf("arch check k = 0x%x, want 0x%x", archCheck.K, AUDIT_ARCH_X86_64)
	}
}

// ============================================================================
// SETUP SECCOMP TESTS
// ============================================================================

func TestSetupSeccomp_TooManyUnrecognized(t *testing.T) {
	config := &unit.SeccompFilter{
		DefaultAction: "allow",
		Syscalls: []unit.SeccompRule{
			{Name: "totally_fake_syscall_1", Action: "log"},
			{Name: "totally_fake_syscall_2", Action: "log"},
			{Name: "totally_fake_syscall_3", Action: "log"},
			{Name: "read", Action: "allow"},
		},
	}

	// Installing the filter requires root (PR_SET_SECCOMP); the
	// unrecognized-ratio check runs before that, and 3 of 4 names here are
	// unrecognized, so SetupSeccomp returns nil without installing anything.
	err := SetupSeccomp(config)
	if err != nil {
		t.Errorf("too-many-unrecognized should skip silently, not error: %v", err)
	}
}

func TestSetupSeccomp_NilConfig(t *testing.T) {
	err := SetupSeccomp(nil)
	if err != nil {
		t.Errorf("nil config should not error: %v", err)
	}
}

func TestSetupSeccomp_EmptySyscalls(t *testing.T) {
	config := &unit.SeccompFilter{
		DefaultAction: "allow",
		Syscalls:      []unit.SeccompRule{},
	}

	err := SetupSeccomp(config)
	if err != nil {
		t.Errorf("empty syscalls should not error: %v", err)
	}
}
