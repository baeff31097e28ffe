package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"polyglot-exec/internal/auth"
	"polyglot-exec/internal/broadcast"
	"polyglot-exec/internal/config"
	"polyglot-exec/internal/monitor"
	"polyglot-exec/internal/runtime"
	"polyglot-exec/internal/sandbox"
	"polyglot-exec/internal/service"
	"polyglot-exec/internal/storage"
)

const testSecret = "api-test-secret-0123456789"

// mockBackend implements sandbox.Backend for handler tests.
type mockBackend struct {
	run       func(ctx context.Context, req sandbox.RunRequest) (sandbox.RunResult, error)
	unhealthy bool
}

func (m *mockBackend) Run(ctx context.Context, req sandbox.RunRequest) (sandbox.RunResult, error) {
	return m.run(ctx, req)
}

func (m *mockBackend) Healthy(context.Context) error {
	if m.unhealthy {
		return errors.New("daemon unreachable")
	}
	return nil
}

func (m *mockBackend) ActiveCount() int64 { return 0 }
func (m *mockBackend) Close() error       { return nil }

// echoBackend mimics the runner images closely enough for handler tests:
// a loop times out, "fail" fails, everything else prints "hi".
func echoBackend() *mockBackend {
	return &mockBackend{run: func(_ context.Context, req sandbox.RunRequest) (sandbox.RunResult, error) {
		switch {
		case bytes.Contains([]byte(req.Code), []byte("loop")):
			return sandbox.TimedOut(req.Deadline), nil
		case bytes.Contains([]byte(req.Code), []byte("fail")):
			return sandbox.RunResult{OK: false, Stderr: "boom"}, nil
		case bytes.Contains([]byte(req.Code), []byte("infra")):
			return sandbox.RunResult{}, &sandbox.RunError{Op: "start", Err: sandbox.ErrInfrastructure}
		default:
			return sandbox.RunResult{OK: true, Stdout: "hi\n", Elapsed: 5 * time.Millisecond}, nil
		}
	}}
}

type testEnv struct {
	srv      *Server
	svc      *service.Service
	hub      *broadcast.Hub
	store    *storage.Memory
	backend  *mockBackend
	verifier *auth.Verifier
}

func newTestEnv(t *testing.T, backend *mockBackend) *testEnv {
	t.Helper()
	return newTestEnvWith(t, backend, service.Options{MaxConcurrent: 4})
}

func newTestEnvWith(t *testing.T, backend *mockBackend, opts service.Options) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = testSecret
	cfg.Security.RateLimitRPS = 0

	env := &testEnv{
		hub:      broadcast.NewHub(16),
		store:    storage.NewMemory(),
		backend:  backend,
		verifier: auth.NewVerifier(testSecret, ""),
	}
	metrics := monitor.NewMetrics()
	opts.Metrics = metrics
	env.svc = service.New(env.store, backend, runtime.NewRegistry(), env.hub, opts)
	env.srv = NewServer(cfg, Deps{
		Service:  env.svc,
		Hub:      env.hub,
		Verifier: env.verifier,
		Sandbox:  backend,
		Store:    env.store,
		InFlight: env.svc.InFlight,
		Metrics:  metrics,
	})
	t.Cleanup(env.hub.Close)
	return env
}

func (e *testEnv) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := e.verifier.Issue(userID, role, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

// serve sends a raw JSON body without a *testing.T, for use off the test
// goroutine.
func (e *testEnv) serve(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, echoBackend())

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decode[HealthResponse](t, rec)
	if resp.Status != "ok" || !resp.Sandbox || !resp.Database {
		t.Errorf("unexpected health %+v", resp)
	}
}

func TestHealthDegraded(t *testing.T) {
	b := echoBackend()
	b.unhealthy = true
	env := newTestEnv(t, b)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if resp := decode[HealthResponse](t, rec); resp.Sandbox {
		t.Errorf("sandbox reported healthy")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, echoBackend())
	env.do(t, http.MethodPost, BasePath+"/execute", env.token(t, "u1", ""), ExecuteRequest{Language: "PYTHON", Code: "print('hi')"})

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`polyglot_executions_total{language="PYTHON",status="success"} 1`)) {
		t.Errorf("metrics missing execution counter:\n%s", rec.Body.String())
	}
}

func TestSecurityHeadersApplied(t *testing.T) {
	env := newTestEnv(t, echoBackend())
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing X-Content-Type-Options")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}
