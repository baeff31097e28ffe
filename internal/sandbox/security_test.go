package sandbox

import (
	"strings"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestApplySecurityProfile(t *testing.T) {
	s := &specs.Spec{Process: &specs.Process{Env: []string{"PATH=/usr/local/bin:/usr/bin", "HOME=/root"}}}
	ApplySecurityProfile(s, RunnerSecurityProfile(64))

	if !s.Root.Readonly {
		t.Error("root filesystem should be read-only")
	}
	if !s.Process.NoNewPrivileges {
		t.Error("expected no_new_privileges")
	}
	if s.Process.User.UID != nobodyUID || s.Process.User.GID != nobodyGID {
		t.Errorf("user = %+v, want nobody", s.Process.User)
	}
	if len(s.Process.Capabilities.Bounding) != 0 || len(s.Process.Capabilities.Effective) != 0 {
		t.Errorf("capabilities = %+v, want none", s.Process.Capabilities)
	}
	if s.Hostname != "sandbox" {
		t.Errorf("hostname = %q", s.Hostname)
	}
	var netns bool
	for _, ns := range s.Linux.Namespaces {
		if ns.Type == specs.NetworkNamespace && ns.Path == "" {
			netns = true
		}
	}
	if !netns {
		t.Error("expected a fresh network namespace")
	}
	if s.Linux.Seccomp == nil || s.Linux.Seccomp.DefaultAction != specs.ActErrno {
		t.Error("expected deny-by-default seccomp profile")
	}
}

func TestApplySecurityProfile_Env(t *testing.T) {
	s := &specs.Spec{Process: &specs.Process{Env: []string{"PATH=/usr/local/bin:/usr/bin", "HOME=/root"}}}
	ApplySecurityProfile(s, RunnerSecurityProfile(64))

	want := []string{"PATH=/usr/local/bin:/usr/bin", "HOME=/tmp", "TMPDIR=/tmp", "LANG=C.UTF-8"}
	if strings.Join(s.Process.Env, " ") != strings.Join(want, " ") {
		t.Errorf("env = %v, want %v", s.Process.Env, want)
	}
}

func TestApplySecurityProfile_ScratchMounts(t *testing.T) {
	s := &specs.Spec{}
	profile := RunnerSecurityProfile(32)
	ApplySecurityProfile(s, profile)

	mounts := map[string]specs.Mount{}
	for _, m := range s.Mounts {
		mounts[m.Destination] = m
	}
	for _, dir := range []string{"/tmp", "/app"} {
		m, ok := mounts[dir]
		if !ok || m.Type != "tmpfs" {
			t.Errorf("%s mount = %+v, want tmpfs", dir, m)
			continue
		}
		opts := strings.Join(m.Options, ",")
		if !strings.Contains(opts, "size=33554432") || !strings.Contains(opts, "nosuid") || !strings.Contains(opts, "exec") {
			t.Errorf("%s options = %s", dir, opts)
		}
	}

	// Applying twice must not duplicate mounts.
	ApplySecurityProfile(s, profile)
	if len(s.Mounts) != 2 {
		t.Errorf("got %d mounts after reapply, want 2", len(s.Mounts))
	}
}

// Both backends must grant the same writable paths and environment.
func TestSecurityProfileDockerFlags(t *testing.T) {
	profile := RunnerSecurityProfile(64)
	flags := profile.DockerFlags("")

	for _, opt := range flagValues(flags, "--security-opt") {
		if strings.HasPrefix(opt, "seccomp=") {
			t.Errorf("unexpected %s without a profile path", opt)
		}
	}
	if got := flagValue(flags, "--hostname"); got != profile.Hostname {
		t.Errorf("--hostname = %q", got)
	}
	env := flagValues(flags, "-e")
	if strings.Join(env, " ") != strings.Join(profile.Env, " ") {
		t.Errorf("-e = %v, want %v", env, profile.Env)
	}
	tmpfs := flagValues(flags, "--tmpfs")
	if len(tmpfs) != len(profile.Scratch) {
		t.Fatalf("--tmpfs = %v, want %v", tmpfs, profile.Scratch)
	}
	for i, dir := range profile.Scratch {
		if !strings.HasPrefix(tmpfs[i], dir+":") || !strings.Contains(tmpfs[i], "size=64m") {
			t.Errorf("tmpfs[%d] = %q", i, tmpfs[i])
		}
	}
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2", "C"}, []string{"B=3", "D=4"})
	want := []string{"A=1", "C", "B=3", "D=4"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("mergeEnv = %v, want %v", got, want)
	}
}
