package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"polyglot-exec/internal/runtime"
)

// Runner is the containerd-based sandbox backend.
type Runner struct {
	client   *Client
	registry *runtime.Registry
	limits   Limits
	deadline time.Duration
	security SecurityProfile

	running     sync.Map // container id -> struct{}
	active      atomic.Int64
	wg          sync.WaitGroup
	cancelSweep context.CancelFunc
}

// NewRunner creates a containerd sandbox runner.
func NewRunner(client *Client, registry *runtime.Registry, limits Limits, deadline time.Duration) *Runner {
	return &Runner{
		client:   client,
		registry: registry,
		limits:   limits,
		deadline: deadline,
		security: RunnerSecurityProfile(limits.ScratchMB),
	}
}

// Run executes code in a fresh container, streaming it to the task's stdin.
func (r *Runner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	plan, err := newRunPlan(r.registry, req, r.deadline)
	if err != nil {
		return RunResult{}, err
	}

	r.wg.Add(1)
	defer r.wg.Done()
	r.active.Add(1)
	defer r.active.Add(-1)
	r.running.Store(plan.name, struct{}{})
	defer r.running.Delete(plan.name)

	execCtx, cancel := context.WithTimeout(ctx, plan.deadline)
	defer cancel()

	image, err := r.client.Image(execCtx, plan.image)
	if err != nil {
		if execCtx.Err() != nil {
			return plan.interrupted(ctx)
		}
		return RunResult{}, plan.fail("load_image", err)
	}

	container, err := r.createContainer(execCtx, plan, image)
	if err != nil {
		if execCtx.Err() != nil {
			return plan.interrupted(ctx)
		}
		return RunResult{}, plan.fail("create_container", fmt.Errorf("%w: %v", ErrInfrastructure, err))
	}
	// Always cleanup, even on panic
	defer func() {
		if cleanErr := r.cleanupContainer(context.Background(), container); cleanErr != nil {
			plan.logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	stdout := &limitedBuffer{max: maxPayloadBytes}
	stderr := &limitedBuffer{max: maxPayloadBytes}

	nsCtx := r.client.WithNamespace(execCtx)
	task, err := container.NewTask(nsCtx,
		cio.NewCreator(cio.WithStreams(strings.NewReader(plan.code), stdout, stderr)),
	)
	if err != nil {
		if execCtx.Err() != nil {
			return plan.interrupted(ctx)
		}
		return RunResult{}, plan.fail("create_task", fmt.Errorf("%w: %v", ErrInfrastructure, err))
	}

	// Wait must outlive execCtx so the exit status is still delivered after a kill.
	exitCh, err := task.Wait(r.client.WithNamespace(context.Background()))
	if err != nil {
		return RunResult{}, plan.fail("task_wait", fmt.Errorf("%w: %v", ErrInfrastructure, err))
	}

	if err := task.Start(nsCtx); err != nil {
		if execCtx.Err() != nil {
			return plan.interrupted(ctx)
		}
		return RunResult{}, plan.fail("task_start", fmt.Errorf("%w: %v", ErrInfrastructure, err))
	}

	// The shim holds its own writer on the stdin fifo; until it is released
	// the runner never reads EOF after the payload and blocks until the deadline.
	if err := task.CloseIO(nsCtx, containerd.WithStdinCloser); err != nil {
		r.killTask(plan, task, exitCh)
		if execCtx.Err() != nil {
			return plan.interrupted(ctx)
		}
		return RunResult{}, plan.fail("close_stdin", fmt.Errorf("%w: %v", ErrInfrastructure, err))
	}

	plan.logger.Info().Str("image", plan.image).Str("container", plan.name).Msg("task started")

	select {
	case status := <-exitCh:
		code, _, err := status.Result()
		if err != nil {
			return RunResult{}, plan.fail("task_exit", fmt.Errorf("%w: %v", ErrInfrastructure, err))
		}
		// Drain the output copiers before reading the buffers.
		task.IO().Wait()
		return plan.complete(stdout.Bytes(), stderr.String(), int(code))

	case <-execCtx.Done():
		r.killTask(plan, task, exitCh)
		return plan.interrupted(ctx)
	}
}

// killTask sends SIGKILL and waits briefly for the exit so the task can be
// deleted.
func (r *Runner) killTask(plan *runPlan, task containerd.Task, exitCh <-chan containerd.ExitStatus) {
	killCtx := r.client.WithNamespace(context.Background())
	if err := task.Kill(killCtx, syscall.SIGKILL); err != nil {
		plan.logger.Error().Err(err).Msg("failed to kill task")
	}
	select {
	case <-exitCh:
	case <-time.After(10 * time.Second):
		plan.logger.Warn().Msg("task did not exit after SIGKILL")
	}
}

func (r *Runner) createContainer(ctx context.Context, plan *runPlan, image containerd.Image) (containerd.Container, error) {
	nsCtx := r.client.WithNamespace(ctx)

	container, err := r.client.Raw().NewContainer(nsCtx, plan.name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(plan.name+"-snapshot", image),
		containerd.WithContainerLabels(map[string]string{"polyglot.exec_id": plan.execID}),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, r.security)
				ApplyLimits(s, r.limits)
				s.Process.Terminal = false
				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	return container, nil
}

func (r *Runner) isRunning(name string) bool {
	_, ok := r.running.Load(name)
	return ok
}

func (r *Runner) startSweeper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancelSweep = cancel
	go sweepLoop(ctx, interval, r.CleanupOrphaned)
}

func (r *Runner) Healthy(ctx context.Context) error {
	return r.client.Healthy(ctx)
}

// ActiveCount returns the number of currently running executions.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Close stops the sweeper, waits for active executions and closes the client.
func (r *Runner) Close() error {
	if r.cancelSweep != nil {
		r.cancelSweep()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", r.active.Load()).Msg("timed out waiting for containerd executions to drain")
	}
	return r.client.Close()
}
