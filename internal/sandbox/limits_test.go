package sandbox

import (
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"polyglot-exec/internal/config"
)

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	if l.MemoryMB != 128 {
		t.Errorf("MemoryMB = %d, want 128", l.MemoryMB)
	}
	if l.CPUs != 0.5 {
		t.Errorf("CPUs = %g, want 0.5", l.CPUs)
	}
	if err := l.Validate(); err != nil {
		t.Errorf("DefaultLimits().Validate() = %v", err)
	}
}

func TestLimitsFromConfig(t *testing.T) {
	l := LimitsFromConfig(config.LimitsConfig{MemoryMB: 256})
	if l.MemoryMB != 256 {
		t.Errorf("MemoryMB = %d, want 256", l.MemoryMB)
	}
	if l.CPUs != 0.5 || l.PidsLimit != 64 || l.ScratchMB != 64 {
		t.Errorf("unset values not defaulted: %+v", l)
	}
}

func TestLimitsValidate(t *testing.T) {
	tests := []struct {
		name   string
		limits Limits
	}{
		{"memory under", Limits{MemoryMB: 8, CPUs: 0.5, PidsLimit: 64, ScratchMB: 64}},
		{"memory over", Limits{MemoryMB: 8192, CPUs: 0.5, PidsLimit: 64, ScratchMB: 64}},
		{"cpu zero", Limits{MemoryMB: 128, CPUs: 0, PidsLimit: 64, ScratchMB: 64}},
		{"cpu over", Limits{MemoryMB: 128, CPUs: 16, PidsLimit: 64, ScratchMB: 64}},
		{"pids under", Limits{MemoryMB: 128, CPUs: 0.5, PidsLimit: 1, ScratchMB: 64}},
		{"scratch zero", Limits{MemoryMB: 128, CPUs: 0.5, PidsLimit: 64, ScratchMB: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.limits.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestApplyLimits(t *testing.T) {
	s := &specs.Spec{Process: &specs.Process{}}
	ApplyLimits(s, DefaultLimits())

	res := s.Linux.Resources
	if *res.Memory.Limit != 128*1024*1024 || *res.Memory.Swap != *res.Memory.Limit {
		t.Errorf("memory = %d swap = %d", *res.Memory.Limit, *res.Memory.Swap)
	}
	if *res.CPU.Quota != 50000 || *res.CPU.Period != 100000 {
		t.Errorf("cpu quota/period = %d/%d, want 50000/100000", *res.CPU.Quota, *res.CPU.Period)
	}
	if res.Pids.Limit != 64 {
		t.Errorf("pids = %d", res.Pids.Limit)
	}

	if len(s.Process.Rlimits) == 0 {
		t.Error("expected rlimits")
	}
}
