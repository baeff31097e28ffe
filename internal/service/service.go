// Package service is the execution facade: it validates submissions, drives
// records through their statuses, runs code in the sandbox and announces
// every transition on the broadcast hub.
package service

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"polyglot-exec/internal/broadcast"
	"polyglot-exec/internal/config"
	"polyglot-exec/internal/execution"
	"polyglot-exec/internal/monitor"
	"polyglot-exec/internal/runtime"
	"polyglot-exec/internal/sandbox"
	"polyglot-exec/internal/storage"
)

const (
	DefaultRecentLimit = 10
	MaxRecentLimit     = 100

	// storeTimeout bounds record writes made after a run, which must not
	// inherit the run's canceled context.
	storeTimeout = 10 * time.Second
)

// Options tunes a Service. Zero values fall back to defaults; nil Metrics
// disables metrics.
type Options struct {
	Deadline         time.Duration
	MaxConcurrent    int
	AdmissionTimeout time.Duration
	MaxCodeBytes     int
	Metrics          *monitor.Metrics
	Tracer           *monitor.Tracer
	Scanner          *monitor.CodeScanner
}

// OptionsFromConfig maps the sandbox and security sections onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Deadline:         cfg.Sandbox.Deadline,
		MaxConcurrent:    cfg.Sandbox.MaxConcurrent,
		AdmissionTimeout: cfg.Sandbox.AdmissionTimeout,
		MaxCodeBytes:     cfg.Security.MaxCodeBytes,
	}
}

// Service implements submit, list, rerun and kill.
type Service struct {
	store     storage.Store
	backend   sandbox.Backend
	registry  *runtime.Registry
	hub       broadcast.Publisher
	admission *admission
	inflight  *inflight

	deadline time.Duration
	maxCode  int
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	scanner  *monitor.CodeScanner
	now      func() time.Time
}

func New(store storage.Store, backend sandbox.Backend, registry *runtime.Registry, hub broadcast.Publisher, opts Options) *Service {
	if opts.Deadline <= 0 {
		opts.Deadline = sandbox.DefaultDeadline
	}
	if opts.MaxCodeBytes <= 0 || opts.MaxCodeBytes > sandbox.MaxCodeBytes {
		opts.MaxCodeBytes = sandbox.MaxCodeBytes
	}
	if opts.Tracer == nil {
		opts.Tracer = monitor.NewTracer(false, "")
	}
	return &Service{
		store:     store,
		backend:   backend,
		registry:  registry,
		hub:       hub,
		admission: newAdmission(opts.MaxConcurrent, opts.AdmissionTimeout),
		inflight:  newInflight(),
		deadline:  opts.Deadline,
		maxCode:   opts.MaxCodeBytes,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		scanner:   opts.Scanner,
		now:       time.Now,
	}
}

// SubmitRequest is one user submission.
type SubmitRequest struct {
	UserID    string
	Language  string
	Code      string
	SnippetID *string
}

// Result is what a submitter gets back. A failing program is a Result with
// status error or timeout, not an error.
type Result struct {
	ExecutionID string
	Status      execution.Status
	Stdout      string
	Stderr      string
	DurationMs  int64
}

func resultOf(rec execution.Record) Result {
	return Result{
		ExecutionID: rec.ID,
		Status:      rec.Status,
		Stdout:      rec.Stdout,
		Stderr:      rec.Stderr,
		DurationMs:  rec.DurationMs,
	}
}

// Submit validates req, records it as running, runs it and records the
// outcome. Validation and admission failures happen before any record or
// event exists.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (res Result, err error) {
	ctx, span := s.tracer.StartSpan(ctx, "submit",
		monitor.AttrUserID.String(req.UserID),
		monitor.AttrLanguage.String(req.Language),
	)
	defer func() { monitor.EndSpan(span, err) }()

	if req.UserID == "" {
		return Result{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if strings.TrimSpace(req.Language) == "" || strings.TrimSpace(req.Code) == "" {
		return Result{}, fmt.Errorf("%w: language and code are required", ErrValidation)
	}
	if len(req.Code) > s.maxCode {
		return Result{}, fmt.Errorf("%w: code exceeds %d bytes", ErrValidation, s.maxCode)
	}
	lang, err := s.registry.Resolve(req.Language)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, req.Language)
	}

	release, err := s.admit(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()

	id := uuid.New().String()
	span.SetAttributes(monitor.AttrExecID.String(id), monitor.AttrCodeHash.String(codeHash(req.Code)))
	logger := execLogger(id, string(lang), req.Code)
	s.scan(logger, string(lang), req.Code)

	runCtx, fl, err := s.inflight.start(ctx, id, s.now())
	if err != nil {
		return Result{}, err
	}
	defer s.inflight.release()

	rec := execution.Record{
		ID:        id,
		SnippetID: req.SnippetID,
		UserID:    req.UserID,
		Language:  string(lang),
		Code:      req.Code,
		Status:    execution.StatusRunning,
	}
	if err := s.timedStore("create", func() error {
		_, err := s.store.Create(ctx, execution.NewRecord{
			ID:        id,
			SnippetID: req.SnippetID,
			UserID:    req.UserID,
			Language:  string(lang),
			Code:      req.Code,
			Status:    execution.StatusRunning,
		})
		return err
	}); err != nil {
		_, _ = s.inflight.finish(id, fl, func() error { return nil })
		return Result{}, fmt.Errorf("creating execution record: %w", err)
	}

	s.publish(execution.RunningEvent(rec, s.now()))
	logger.Info().Str("user_id", req.UserID).Msg("execution started")

	final, err := s.execute(runCtx, fl, rec, logger)
	return resultOf(final), err
}

// ListRecent returns the newest records. limit <= 0 means DefaultRecentLimit;
// larger values are capped at MaxRecentLimit.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]execution.Record, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}
	var recs []execution.Record
	err := s.timedStore("list", func() error {
		var err error
		recs, err = s.store.ListRecent(ctx, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	return recs, nil
}

// ListAll returns every record, newest first, for the admin view.
func (s *Service) ListAll(ctx context.Context) ([]execution.Record, error) {
	recs, err := s.store.ListRecent(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	return recs, nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id string) (execution.Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return execution.Record{}, err
	}
	return rec, nil
}

// Rerun resets a stored record to running and executes its code again under
// the same id. A missing id returns ErrNotFound and publishes nothing; a
// record still in flight here returns ErrInFlight, and one stored as running
// without a local run returns ErrInvalidTransition.
func (s *Service) Rerun(ctx context.Context, id string) (rec execution.Record, err error) {
	ctx, span := s.tracer.StartSpan(ctx, "rerun", monitor.AttrExecID.String(id))
	defer func() {
		monitor.EndSpan(span, err)
		s.recordAdmin("rerun", err)
	}()

	rec, err = s.store.Get(ctx, id)
	if err != nil {
		return execution.Record{}, err
	}
	if _, err := s.registry.Resolve(rec.Language); err != nil {
		return rec, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, rec.Language)
	}

	runCtx, fl, err := s.inflight.start(ctx, id, s.now())
	if err != nil {
		return rec, err
	}
	defer s.inflight.release()

	// A record left running by another process or a crash must be killed
	// before it can run again.
	if err := execution.CheckTransition(rec.Status, execution.StatusRunning); err != nil {
		_, _ = s.inflight.finish(id, fl, func() error { return nil })
		return rec, err
	}

	release, err := s.admit(ctx)
	if err != nil {
		_, _ = s.inflight.finish(id, fl, func() error { return nil })
		return rec, err
	}
	defer release()

	logger := execLogger(id, rec.Language, rec.Code)

	var reset execution.Record
	wrote, err := s.inflight.guard(fl, func() error {
		var err error
		reset, err = s.store.Update(ctx, id, execution.Outcome{Status: execution.StatusRunning})
		return err
	})
	if err != nil {
		_, _ = s.inflight.finish(id, fl, func() error { return nil })
		return rec, fmt.Errorf("resetting execution: %w", err)
	}
	if !wrote {
		// Killed before it started.
		_, _ = s.inflight.finish(id, fl, func() error { return nil })
		return s.store.Get(ctx, id)
	}

	s.publish(execution.RunningEvent(reset, s.now()))
	logger.Info().Msg("execution re-run started")

	return s.execute(runCtx, fl, reset, logger)
}

// Kill marks a record killed regardless of its status and publishes a
// terminal killed event. A run of the record in flight in this process is
// canceled and its container removed; its own result is discarded.
func (s *Service) Kill(ctx context.Context, id string) (rec execution.Record, err error) {
	ctx, span := s.tracer.StartSpan(ctx, "kill", monitor.AttrExecID.String(id))
	defer func() {
		monitor.EndSpan(span, err)
		s.recordAdmin("kill", err)
	}()

	prev, err := s.store.Get(ctx, id)
	if err != nil {
		return execution.Record{}, err
	}
	if err := execution.CheckTransition(prev.Status, execution.StatusKilled); err != nil {
		return execution.Record{}, err
	}

	err = s.inflight.kill(id, func(started time.Time) error {
		duration := prev.DurationMs
		if !started.IsZero() {
			duration = s.now().Sub(started).Milliseconds()
		}
		var err error
		rec, err = s.store.Update(ctx, id, execution.Outcome{
			Status:     execution.StatusKilled,
			Stdout:     prev.Stdout,
			Stderr:     execution.KilledMessage,
			DurationMs: duration,
		})
		return err
	})
	if err != nil {
		return execution.Record{}, fmt.Errorf("killing execution: %w", err)
	}

	log.Info().Str("exec_id", id).Str("previous_status", string(prev.Status)).Msg("execution killed by admin")
	s.publish(execution.TerminalEvent(rec, s.now()))
	return rec, nil
}

// InFlight returns the number of runs executing in this process.
func (s *Service) InFlight() int { return s.inflight.len() }

// Close aborts every in-flight run and waits until each has stored its
// outcome and published its terminal event, or until ctx ends. Aborted
// records end as error with ShutdownMessage; submissions and reruns after
// Close fail with ErrShuttingDown.
func (s *Service) Close(ctx context.Context) error {
	select {
	case <-s.inflight.shutdown(ErrShuttingDown):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight runs: %w", context.Cause(ctx))
	}
}

// execute runs rec in the sandbox and writes its outcome unless an admin
// killed it meanwhile. The terminal event is published only when the write
// happened.
func (s *Service) execute(runCtx context.Context, fl *flight, rec execution.Record, logger zerolog.Logger) (execution.Record, error) {
	if s.metrics != nil {
		s.metrics.ActiveExecutions.Inc()
		s.metrics.CodeSizeBytes.Observe(float64(len(rec.Code)))
		defer s.metrics.ActiveExecutions.Dec()
	}

	ctx, span := s.tracer.StartSpan(runCtx, "sandbox.run",
		monitor.AttrExecID.String(rec.ID),
		monitor.AttrLanguage.String(rec.Language),
	)
	start := s.now()
	res, runErr := s.backend.Run(ctx, sandbox.RunRequest{
		ExecID:   rec.ID,
		Language: rec.Language,
		Code:     rec.Code,
		Deadline: s.deadline,
	})
	out, failure := s.outcome(logger, res, runErr, s.now().Sub(start))
	span.SetAttributes(
		monitor.AttrStatus.String(string(out.Status)),
		monitor.AttrDurationMS.Int64(out.DurationMs),
	)
	monitor.EndSpan(span, runErr)

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), storeTimeout)
	defer cancel()

	var updated execution.Record
	wrote, err := s.inflight.finish(rec.ID, fl, func() error {
		if err := execution.CheckTransition(rec.Status, out.Status); err != nil {
			return err
		}
		return s.timedStore("update", func() error {
			var err error
			updated, err = s.store.Update(storeCtx, rec.ID, out)
			return err
		})
	})

	if !wrote {
		logger.Info().Msg("run discarded, execution was killed")
		killed, err := s.store.Get(storeCtx, rec.ID)
		if err != nil {
			killed = rec
			killed.Status = execution.StatusKilled
			killed.Stderr = execution.KilledMessage
		}
		return killed, nil
	}

	if err != nil {
		// Observers still learn the outcome even though it was not stored.
		logger.Error().Err(err).Msg("failed to store execution outcome")
		rec.Status, rec.Stdout, rec.Stderr, rec.DurationMs = out.Status, out.Stdout, out.Stderr, out.DurationMs
		s.publish(execution.TerminalEvent(rec, s.now()))
		return rec, fmt.Errorf("storing execution outcome: %w", err)
	}

	s.publish(execution.TerminalEvent(updated, s.now()))
	if s.metrics != nil {
		s.metrics.RecordExecution(updated.Language, string(updated.Status), float64(updated.DurationMs)/1000)
		s.metrics.OutputSizeBytes.Observe(float64(len(updated.Stdout) + len(updated.Stderr)))
	}
	logger.Info().Str("status", string(updated.Status)).Int64("duration_ms", updated.DurationMs).Msg("execution finished")
	return updated, failure
}

// outcome maps a sandbox result onto the record outcome. failure is the
// error to hand back to the caller, nil for anything the program itself did.
func (s *Service) outcome(logger zerolog.Logger, res sandbox.RunResult, runErr error, elapsed time.Duration) (execution.Outcome, error) {
	switch {
	case runErr == nil:
		s.scanOutput(logger, res.Stdout+res.Stderr)
		return execution.Outcome{
			Status:     execution.Classify(res.OK, res.TimedOut),
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
			DurationMs: res.Elapsed.Milliseconds(),
		}, nil
	case errors.Is(runErr, ErrKilled):
		return execution.Outcome{
			Status:     execution.StatusKilled,
			Stderr:     execution.KilledMessage,
			DurationMs: elapsed.Milliseconds(),
		}, nil
	case errors.Is(runErr, ErrShuttingDown):
		s.recordError("shutdown")
		return execution.Outcome{
			Status:     execution.StatusError,
			Stderr:     ShutdownMessage,
			DurationMs: elapsed.Milliseconds(),
		}, runErr
	default:
		switch {
		case sandbox.IsInfrastructure(runErr):
			s.recordError("infrastructure")
		case sandbox.IsRunnerProtocol(runErr):
			s.recordError("protocol")
		default:
			s.recordError("other")
		}
		logger.Error().Err(runErr).Msg("sandbox failure")
		return execution.Outcome{
			Status:     execution.StatusError,
			Stderr:     InternalErrorMessage,
			DurationMs: elapsed.Milliseconds(),
		}, runErr
	}
}

func (s *Service) admit(ctx context.Context) (func(), error) {
	start := s.now()
	release, err := s.admission.acquire(ctx)
	if s.metrics != nil {
		s.metrics.AdmissionWait.Observe(s.now().Sub(start).Seconds())
		if errors.Is(err, ErrBusy) {
			s.metrics.AdmissionRejected.Inc()
		}
	}
	if err != nil {
		return nil, err
	}
	return release, nil
}

func (s *Service) publish(ev execution.StatusEvent) {
	s.hub.Publish(ev)
	if s.metrics != nil {
		s.metrics.EventsPublished.Inc()
	}
}

func (s *Service) scan(logger zerolog.Logger, language, code string) {
	if s.scanner == nil {
		return
	}
	for _, f := range s.scanner.ScanCode(language, code) {
		logger.Warn().Str("rule", f.Rule).Str("severity", f.Severity).Int("line", f.Line).Msg("suspicious code submitted")
		if s.metrics != nil {
			s.metrics.RecordFinding(f)
		}
	}
}

func (s *Service) scanOutput(logger zerolog.Logger, output string) {
	if s.scanner == nil {
		return
	}
	for _, f := range s.scanner.ScanOutput(output) {
		logger.Warn().Str("rule", f.Rule).Str("severity", f.Severity).Msg("suspicious content in output")
		if s.metrics != nil {
			s.metrics.RecordFinding(f)
		}
	}
}

// timedStore runs op and observes its latency.
func (s *Service) timedStore(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	if s.metrics != nil {
		s.metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	return err
}

func (s *Service) recordError(kind string) {
	if s.metrics != nil {
		s.metrics.RecordError(kind)
	}
}

func (s *Service) recordAdmin(action string, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.Is(err, ErrInFlight):
		result = "in_flight"
	case errors.Is(err, ErrInvalidTransition):
		result = "invalid_transition"
	case err != nil:
		result = "error"
	}
	s.metrics.RecordAdmin(action, result)
}

func execLogger(id, language, code string) zerolog.Logger {
	return log.With().
		Str("exec_id", id).
		Str("language", language).
		Str("code_hash", codeHash(code)).
		Logger()
}

func codeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return fmt.Sprintf("%x", sum[:8])
}
