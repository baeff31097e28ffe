package sandbox

import (
	"fmt"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"polyglot-exec/pkg/seccomp"
)

const (
	nobodyUID = 65534
	nobodyGID = 65534

	sandboxHostname = "sandbox"
)

// SecurityProfile is the isolation policy of a runner container. Both
// backends render the same profile: containerd onto an OCI spec, Docker
// onto `docker run` flags.
type SecurityProfile struct {
	Seccomp  *specs.LinuxSeccomp
	UID, GID uint32
	Hostname string

	// Env is set on top of the image's own environment. Nothing from the
	// server's environment reaches a runner.
	Env []string

	// Scratch lists the only writable paths, each a tmpfs of ScratchMB.
	// Everything else, the image included, is mounted read-only.
	Scratch   []string
	ScratchMB int64

	MaskedPaths   []string
	ReadonlyPaths []string
}

// RunnerSecurityProfile is applied to every runner container. The fresh
// network namespace has only a loopback device, so programs have no network.
// Compilers write their output under /tmp, and /app is the working directory
// of the runner scripts.
func RunnerSecurityProfile(scratchMB int64) SecurityProfile {
	return SecurityProfile{
		Seccomp:   seccomp.RunnerProfile(),
		UID:       nobodyUID,
		GID:       nobodyGID,
		Hostname:  sandboxHostname,
		Env:       []string{"HOME=/tmp", "TMPDIR=/tmp", "LANG=C.UTF-8"},
		Scratch:   []string{"/tmp", "/app"},
		ScratchMB: scratchMB,
		MaskedPaths: []string{
			"/proc/acpi",
			"/proc/kcore",
			"/proc/keys",
			"/proc/latency_stats",
			"/proc/timer_list",
			"/proc/timer_stats",
			"/proc/sched_debug",
			"/proc/scsi",
			"/sys/firmware",
			"/sys/devices/virtual/powercap",
		},
		ReadonlyPaths: []string{
			"/proc/asound",
			"/proc/bus",
			"/proc/fs",
			"/proc/irq",
			"/proc/sys",
			"/proc/sysrq-trigger",
		},
	}
}

// runnerNamespaces are unshared for every run. No path is set, so each one
// is new and empty.
var runnerNamespaces = []specs.LinuxNamespace{
	{Type: specs.PIDNamespace},
	{Type: specs.NetworkNamespace},
	{Type: specs.MountNamespace},
	{Type: specs.UTSNamespace},
	{Type: specs.IPCNamespace},
}

// ApplySecurityProfile locks down spec. It expects the image config to be
// applied already so the profile's environment wins.
func ApplySecurityProfile(spec *specs.Spec, profile SecurityProfile) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	spec.Linux.Seccomp = profile.Seccomp
	spec.Process.Capabilities = &specs.LinuxCapabilities{
		Bounding:    []string{},
		Effective:   []string{},
		Inheritable: []string{},
		Permitted:   []string{},
		Ambient:     []string{},
	}
	spec.Process.NoNewPrivileges = true
	spec.Process.User = specs.User{UID: profile.UID, GID: profile.GID}
	spec.Process.Env = mergeEnv(spec.Process.Env, profile.Env)
	spec.Hostname = profile.Hostname

	spec.Linux.Namespaces = append([]specs.LinuxNamespace(nil), runnerNamespaces...)
	spec.Linux.MaskedPaths = profile.MaskedPaths
	spec.Linux.ReadonlyPaths = profile.ReadonlyPaths

	if spec.Root == nil {
		spec.Root = &specs.Root{}
	}
	spec.Root.Readonly = true

	for _, m := range profile.scratchMounts() {
		spec.Mounts = appendIfNotExists(spec.Mounts, m)
	}
}

// scratchMounts keeps exec so compiled languages can run their binaries from
// /tmp.
func (p SecurityProfile) scratchMounts() []specs.Mount {
	mounts := make([]specs.Mount, 0, len(p.Scratch))
	for _, dir := range p.Scratch {
		mounts = append(mounts, specs.Mount{
			Destination: dir,
			Type:        "tmpfs",
			Source:      "tmpfs",
			Options: []string{
				"nosuid", "nodev", "exec",
				fmt.Sprintf("size=%d", p.ScratchMB*1024*1024),
				"mode=1777",
			},
		})
	}
	return mounts
}

// DockerFlags renders the profile as `docker run` flags. seccompPath is the
// profile's seccomp policy written out as JSON; empty leaves Docker's default.
func (p SecurityProfile) DockerFlags(seccompPath string) []string {
	flags := []string{
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
	}
	if seccompPath != "" {
		flags = append(flags, "--security-opt", "seccomp="+seccompPath)
	}
	flags = append(flags,
		"--read-only",
		"--user", fmt.Sprintf("%d:%d", p.UID, p.GID),
		"--hostname", p.Hostname,
	)
	for _, dir := range p.Scratch {
		flags = append(flags, "--tmpfs", fmt.Sprintf("%s:rw,exec,nosuid,nodev,size=%dm", dir, p.ScratchMB))
	}
	for _, kv := range p.Env {
		flags = append(flags, "-e", kv)
	}
	return flags
}

// mergeEnv returns base with every variable in overrides replacing the one
// of the same name.
func mergeEnv(base, overrides []string) []string {
	set := make(map[string]struct{}, len(overrides))
	for _, kv := range overrides {
		set[envKey(kv)] = struct{}{}
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		if _, ok := set[envKey(kv)]; !ok {
			out = append(out, kv)
		}
	}
	return append(out, overrides...)
}

func envKey(kv string) string {
	k, _, _ := strings.Cut(kv, "=")
	return k
}
