package sandbox

import (
	"fmt"
	"strconv"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"polyglot-exec/internal/config"
)

// Limits caps the resources of one runner container.
type Limits struct {
	MemoryMB  int64   // Hard memory limit; swap is pinned to the same value
	CPUs      float64 // CFS quota in cores
	PidsLimit int64   // Max processes (fork bomb protection)
	ScratchMB int64   // Size of each tmpfs scratch mount (/tmp and /app)
}

func DefaultLimits() Limits {
	return Limits{
		MemoryMB:  128,
		CPUs:      0.5,
		PidsLimit: 64,
		ScratchMB: 64,
	}
}

// LimitsFromConfig fills unset values from DefaultLimits.
func LimitsFromConfig(c config.LimitsConfig) Limits {
	l := DefaultLimits()
	if c.MemoryMB > 0 {
		l.MemoryMB = c.MemoryMB
	}
	if c.CPUs > 0 {
		l.CPUs = c.CPUs
	}
	if c.PidsLimit > 0 {
		l.PidsLimit = c.PidsLimit
	}
	if c.ScratchMB > 0 {
		l.ScratchMB = c.ScratchMB
	}
	return l
}

func (l Limits) Validate() error {
	if l.MemoryMB < 16 || l.MemoryMB > 4096 {
		return fmt.Errorf("%w: memory_mb must be 16-4096, got %d", ErrInvalidRequest, l.MemoryMB)
	}
	if l.CPUs < 0.01 || l.CPUs > 8 {
		return fmt.Errorf("%w: cpus must be 0.01-8, got %g", ErrInvalidRequest, l.CPUs)
	}
	if l.PidsLimit < 5 || l.PidsLimit > 1000 {
		return fmt.Errorf("%w: pids_limit must be 5-1000, got %d", ErrInvalidRequest, l.PidsLimit)
	}
	if l.ScratchMB < 1 || l.ScratchMB > 1024 {
		return fmt.Errorf("%w: scratch_mb must be 1-1024, got %d", ErrInvalidRequest, l.ScratchMB)
	}
	return nil
}

// DockerFlags renders the limits as `docker run` flags. Scratch mounts come
// from the SecurityProfile.
func (l Limits) DockerFlags() []string {
	return []string{
		"--memory", fmt.Sprintf("%dm", l.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", l.MemoryMB),
		"--cpus", strconv.FormatFloat(l.CPUs, 'f', -1, 64),
		"--pids-limit", strconv.FormatInt(l.PidsLimit, 10),
	}
}

// ApplyLimits sets cgroup limits and rlimits on an OCI spec.
func ApplyLimits(spec *specs.Spec, l Limits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	// CFS quota is a hard cap; shares would only be a weight.
	period := uint64(100000) // 100ms in microseconds
	quota := int64(l.CPUs * float64(period))
	if quota < 1000 {
		quota = 1000 // minimum 1ms
	}
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := l.MemoryMB * 1024 * 1024
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: l.PidsLimit,
	}

	scratchBytes := l.ScratchMB * 1024 * 1024
	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 256, Soft: 256},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(l.PidsLimit), Soft: safeUint64(l.PidsLimit)},
		{Type: "RLIMIT_FSIZE", Hard: safeUint64(scratchBytes), Soft: safeUint64(scratchBytes)},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
