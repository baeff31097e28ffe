package sandbox

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os/exec"
	goruntime "runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"polyglot-exec/internal/config"
	"polyglot-exec/internal/runtime"
)

// NewBackend picks the configured backend. "auto" prefers containerd on Linux
// and falls back to Docker.
func NewBackend(ctx context.Context, cfg *config.Config, registry *runtime.Registry) (Backend, error) {
	preference := cfg.Sandbox.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "containerd":
		return newContainerdBackend(ctx, cfg, registry)
	case "docker":
		return newDockerBackend(ctx, cfg, registry)
	case "auto":
		if goruntime.GOOS == "linux" {
			backend, err := newContainerdBackend(ctx, cfg, registry)
			if err == nil {
				log.Info().Msg("using containerd backend")
				return backend, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		backend, err := newDockerBackend(ctx, cfg, registry)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return backend, nil
		}

		return nil, fmt.Errorf("%w: no sandbox backend available (containerd or Docker): %v", ErrInfrastructure, err)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, containerd, or docker", preference)
	}
}

func newContainerdBackend(ctx context.Context, cfg *config.Config, registry *runtime.Registry) (Backend, error) {
	client, err := NewClient(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace)
	if err != nil {
		return nil, err
	}

	limits := LimitsFromConfig(cfg.Sandbox.Limits)
	if err := limits.Validate(); err != nil {
		_ = client.Close()
		return nil, err
	}

	runner := NewRunner(client, registry, limits, cfg.Sandbox.Deadline)
	reportMissingImages(ctx, client, registry)
	runner.startSweeper(cfg.Sandbox.OrphanSweep)
	return runner, nil
}

func newDockerBackend(ctx context.Context, cfg *config.Config, registry *runtime.Registry) (Backend, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker not found in PATH: %w", err)
	}

	host := resolveDockerHost()
	engine, err := NewEngine(ctx, host)
	if err != nil {
		return nil, err
	}

	limits := LimitsFromConfig(cfg.Sandbox.Limits)
	if err := limits.Validate(); err != nil {
		_ = engine.Close()
		return nil, err
	}

	runner, err := NewDockerRunner(engine, registry, limits, cfg.Sandbox.Deadline, host)
	if err != nil {
		_ = engine.Close()
		return nil, err
	}
	reportMissingImages(ctx, engine, registry)
	runner.startSweeper(cfg.Sandbox.OrphanSweep)
	return runner, nil
}

// runPlan is the validated, resolved form of a RunRequest shared by backends.
type runPlan struct {
	execID   string
	name     string // container name
	language runtime.Language
	image    string
	code     string
	deadline time.Duration
	logger   zerolog.Logger
}

func newRunPlan(registry *runtime.Registry, req RunRequest, defaultDeadline time.Duration) (*runPlan, error) {
	execID := req.ExecID
	if execID == "" {
		execID = uuid.New().String()
	}

	lang, err := registry.Resolve(req.Language)
	if err != nil {
		return nil, &RunError{ExecID: execID, Op: "resolve_language", Err: fmt.Errorf("%w: %q", ErrUnsupportedLanguage, req.Language)}
	}
	if req.Code == "" {
		return nil, &RunError{ExecID: execID, Op: "validate", Err: fmt.Errorf("%w: code is empty", ErrInvalidRequest)}
	}
	if len(req.Code) > MaxCodeBytes {
		return nil, &RunError{ExecID: execID, Op: "validate", Err: fmt.Errorf("%w: code exceeds %d bytes", ErrInvalidRequest, MaxCodeBytes)}
	}
	image, err := registry.Image(string(lang))
	if err != nil {
		return nil, &RunError{ExecID: execID, Op: "resolve_image", Err: fmt.Errorf("%w: %v", ErrUnsupportedLanguage, err)}
	}

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))
	return &runPlan{
		execID:   execID,
		name:     ContainerPrefix + uuid.New().String(),
		language: lang,
		image:    image,
		code:     req.Code,
		deadline: deadline,
		logger: log.With().
			Str("exec_id", execID).
			Str("language", string(lang)).
			Str("code_hash", codeHash[:16]).
			Logger(),
	}, nil
}

func (p *runPlan) fail(op string, err error) error {
	return &RunError{ExecID: p.execID, Op: op, Err: err}
}

// interrupted maps a stopped run onto its outcome. The run's own deadline is
// a timeout result; cancellation of the caller's context is ErrCanceled.
func (p *runPlan) interrupted(parent context.Context) (RunResult, error) {
	if parent.Err() != nil {
		return RunResult{}, p.fail("run", fmt.Errorf("%w: %w", ErrCanceled, context.Cause(parent)))
	}
	p.logger.Warn().Dur("deadline", p.deadline).Msg("execution timed out")
	return TimedOut(p.deadline), nil
}

// complete turns a finished process into a result. A payload always wins; a
// 137 exit without one is an OOM kill; anything else is a protocol error.
func (p *runPlan) complete(stdout []byte, stderr string, exitCode int) (RunResult, error) {
	res, err := decodePayload(stdout)
	if err == nil {
		p.logger.Info().
			Bool("ok", res.OK).
			Int("exit_code", exitCode).
			Dur("elapsed", res.Elapsed).
			Msg("execution completed")
		return res, nil
	}

	if exitCode == 137 {
		p.logger.Warn().Msg("runner killed without payload, treating as memory limit")
		return RunResult{OK: false, Stderr: OOMMessage}, nil
	}

	p.logger.Error().Err(err).Int("exit_code", exitCode).Str("stderr", snippet(stderr, 512)).Msg("runner produced no usable payload")
	return RunResult{}, p.fail("decode_payload", fmt.Errorf("%w: %v (exit code %d)", ErrRunnerProtocol, err, exitCode))
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// limitedBuffer keeps at most max bytes and silently drops the rest. A
// truncated payload then fails decoding instead of exhausting memory.
type limitedBuffer struct {
	buf []byte
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte  { return b.buf }
func (b *limitedBuffer) String() string { return string(b.buf) }
