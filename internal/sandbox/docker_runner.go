package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"polyglot-exec/internal/runtime"
	"polyglot-exec/pkg/seccomp"
)

// Docker CLI exit codes for failures of docker itself rather than the
// containerized process.
const (
	exitDaemonError   = 125
	exitCannotInvoke  = 126
	exitCannotExecute = 127
)

// DockerRunner runs each program with `docker run -i`, delivering the code on
// stdin. The Engine API handles everything around the run.
type DockerRunner struct {
	engine      *Engine
	registry    *runtime.Registry
	limits      Limits
	security    SecurityProfile
	deadline    time.Duration
	dockerHost  string // resolved DOCKER_HOST passed to the CLI
	seccompDir  string
	seccompPath string

	running     sync.Map // container name -> struct{}
	active      atomic.Int64
	wg          sync.WaitGroup
	cancelSweep context.CancelFunc
}

func NewDockerRunner(engine *Engine, registry *runtime.Registry, limits Limits, deadline time.Duration, dockerHost string) (*DockerRunner, error) {
	profile, err := seccomp.RunnerProfileJSON()
	if err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "polyglot-seccomp-*")
	if err != nil {
		return nil, fmt.Errorf("creating seccomp dir: %w", err)
	}
	path := filepath.Join(dir, "runner.json")
	if err := os.WriteFile(path, profile, 0o644); err != nil { // #nosec G306 -- read by the docker daemon
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("writing seccomp profile: %w", err)
	}

	return &DockerRunner{
		engine:      engine,
		registry:    registry,
		limits:      limits,
		security:    RunnerSecurityProfile(limits.ScratchMB),
		deadline:    deadline,
		dockerHost:  dockerHost,
		seccompDir:  dir,
		seccompPath: path,
	}, nil
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

func (d *DockerRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	plan, err := newRunPlan(d.registry, req, d.deadline)
	if err != nil {
		return RunResult{}, err
	}

	d.wg.Add(1)
	defer d.wg.Done()
	d.active.Add(1)
	defer d.active.Add(-1)
	d.running.Store(plan.name, struct{}{})
	defer d.running.Delete(plan.name)

	execCtx, cancel := context.WithTimeout(ctx, plan.deadline)
	defer cancel()

	args := d.buildDockerArgs(plan)
	cmd := exec.CommandContext(execCtx, "docker", args...) // #nosec G204 -- args built internally, code goes to stdin
	// Killing the CLI client leaves the container running, so stop it through
	// the daemon and let the CLI exit on its own.
	cmd.Cancel = func() error {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		if err := d.engine.ForceRemove(rmCtx, plan.name); err != nil {
			plan.logger.Error().Err(err).Msg("failed to remove container")
		}
		return os.ErrProcessDone
	}
	cmd.WaitDelay = 5 * time.Second
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}

	stdout := &limitedBuffer{max: maxPayloadBytes}
	stderr := &limitedBuffer{max: maxPayloadBytes}
	cmd.Stdin = strings.NewReader(plan.code)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	plan.logger.Info().Str("image", plan.image).Str("container", plan.name).Msg("starting docker container")

	err = cmd.Run()
	if execCtx.Err() != nil {
		return plan.interrupted(ctx)
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return RunResult{}, plan.fail("docker_run", fmt.Errorf("%w: %v", ErrInfrastructure, err))
		}
		exitCode = exitErr.ExitCode()
	}

	switch exitCode {
	case exitDaemonError, exitCannotInvoke, exitCannotExecute:
		return RunResult{}, plan.fail("docker_run", fmt.Errorf("%w: docker exited %d: %s",
			ErrInfrastructure, exitCode, snippet(strings.TrimSpace(stderr.String()), 512)))
	}

	return plan.complete(stdout.Bytes(), stderr.String(), exitCode)
}

func (d *DockerRunner) buildDockerArgs(plan *runPlan) []string {
	args := []string{
		"run", "--rm", "-i",
		"--name", plan.name,
		"--label", "polyglot.exec_id=" + plan.execID,
	}
	args = append(args, d.security.DockerFlags(d.seccompPath)...)
	args = append(args, d.limits.DockerFlags()...)
	return append(args, plan.image)
}

func (d *DockerRunner) isRunning(name string) bool {
	_, ok := d.running.Load(name)
	return ok
}

func (d *DockerRunner) startSweeper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancelSweep = cancel
	go sweepLoop(ctx, interval, func(ctx context.Context) (int, error) {
		return d.engine.SweepOrphans(ctx, d.isRunning)
	})
}

func (d *DockerRunner) Healthy(ctx context.Context) error {
	return d.engine.Ping(ctx)
}

func (d *DockerRunner) ActiveCount() int64 {
	return d.active.Load()
}

func (d *DockerRunner) Close() error {
	if d.cancelSweep != nil {
		d.cancelSweep()
	}

	// Wait up to 30s for active executions to drain.
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all docker executions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", d.active.Load()).Msg("timed out waiting for docker executions to drain")
	}

	if d.seccompDir != "" {
		_ = os.RemoveAll(d.seccompDir)
	}
	return d.engine.Close()
}
