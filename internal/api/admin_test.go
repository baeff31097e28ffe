package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"polyglot-exec/internal/execution"
	"polyglot-exec/internal/sandbox"
)

func submitOK(t *testing.T, env *testEnv, userID, code string) string {
	t.Helper()
	rec := env.do(t, http.MethodPost, BasePath+"/execute", env.token(t, userID, ""),
		ExecuteRequest{Language: "PYTHON", Code: code})
	if rec.Code != http.StatusOK {
		t.Fatalf("execute: status %d: %s", rec.Code, rec.Body.String())
	}
	return decode[ExecuteResponse](t, rec).ExecutionID
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	env := newTestEnv(t, echoBackend())
	id := submitOK(t, env, "u1", "print(1)")
	user := env.token(t, "u1", "user")

	routes := []struct{ method, path string }{
		{http.MethodGet, BasePath + "/admin/executions"},
		{http.MethodGet, BasePath + "/admin/executions/" + id},
		{http.MethodPost, BasePath + "/admin/executions/" + id + "/rerun"},
		{http.MethodPost, BasePath + "/admin/executions/" + id + "/kill"},
	}
	for _, rt := range routes {
		rec := env.do(t, rt.method, rt.path, user, nil)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s %s: status = %d, want 403", rt.method, rt.path, rec.Code)
		}
		if rec := env.do(t, rt.method, rt.path, "", nil); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token: status = %d, want 401", rt.method, rt.path, rec.Code)
		}
	}
}

func TestAdminListAndGet(t *testing.T) {
	env := newTestEnv(t, echoBackend())
	admin := env.token(t, "root", "admin")

	rec := env.do(t, http.MethodGet, BasePath+"/admin/executions", admin, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "[]\n" {
		t.Fatalf("empty list: status %d body %q", rec.Code, rec.Body.String())
	}

	id := submitOK(t, env, "u1", "print(1)")
	submitOK(t, env, "u2", "print(2)")

	rec = env.do(t, http.MethodGet, BasePath+"/admin/executions", admin, nil)
	if got := decode[[]execution.Record](t, rec); len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}

	rec = env.do(t, http.MethodGet, BasePath+"/admin/executions/"+id, admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d", rec.Code)
	}
	got := decode[execution.Record](t, rec)
	if got.ID != id || got.Code != "print(1)" || got.UserID != "u1" {
		t.Errorf("unexpected record %+v", got)
	}

	rec = env.do(t, http.MethodGet, BasePath+"/admin/executions/does-not-exist", admin, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing record: status = %d, want 404", rec.Code)
	}
}

func TestAdminRerun(t *testing.T) {
	var fail atomic.Bool
	b := &mockBackend{run: func(_ context.Context, _ sandbox.RunRequest) (sandbox.RunResult, error) {
		if fail.Load() {
			return sandbox.RunResult{OK: false, Stderr: "NameError"}, nil
		}
		return sandbox.RunResult{OK: true, Stdout: "again\n"}, nil
	}}
	env := newTestEnv(t, b)
	admin := env.token(t, "root", "admin")
	id := submitOK(t, env, "u1", "print('again')")

	rec := env.do(t, http.MethodPost, BasePath+"/admin/executions/"+id+"/rerun", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rerun: status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[AdminResponse](t, rec)
	if resp.Message != "Execution re-run successfully" || resp.Execution.ID != id || resp.Execution.Stdout != "again\n" {
		t.Errorf("unexpected response %+v", resp)
	}

	fail.Store(true)
	rec = env.do(t, http.MethodPost, BasePath+"/admin/executions/"+id+"/rerun", admin, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("failing rerun: status %d, want 400", rec.Code)
	}
	resp = decode[AdminResponse](t, rec)
	if resp.Message != "NameError" || resp.Execution.Status != execution.StatusError {
		t.Errorf("unexpected response %+v", resp)
	}

	rec = env.do(t, http.MethodPost, BasePath+"/admin/executions/nope/rerun", admin, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing rerun: status %d, want 404", rec.Code)
	}
	if msg := decode[MessageResponse](t, rec).Message; msg != "Execution not found" {
		t.Errorf("message = %q", msg)
	}
}

func TestAdminRerunOfStoredRunningRecordConflicts(t *testing.T) {
	var calls atomic.Int64
	b := &mockBackend{run: func(context.Context, sandbox.RunRequest) (sandbox.RunResult, error) {
		calls.Add(1)
		return sandbox.RunResult{OK: true}, nil
	}}
	env := newTestEnv(t, b)
	admin := env.token(t, "root", "admin")

	// Left running by another instance: nothing in flight here.
	if _, err := env.store.Create(context.Background(), execution.NewRecord{
		ID: "stuck", UserID: "u1", Language: "PYTHON", Code: "print(1)", Status: execution.StatusRunning,
	}); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodPost, BasePath+"/admin/executions/stuck/rerun", admin, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("rerun: status %d, want 409: %s", rec.Code, rec.Body.String())
	}
	if msg := decode[MessageResponse](t, rec).Message; msg != "Execution cannot change from its current status" {
		t.Errorf("message = %q", msg)
	}
	if calls.Load() != 0 {
		t.Errorf("backend ran %d times, want 0", calls.Load())
	}

	// Killing it first makes it rerunnable.
	if rec := env.do(t, http.MethodPost, BasePath+"/admin/executions/stuck/kill", admin, nil); rec.Code != http.StatusOK {
		t.Fatalf("kill: status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, BasePath+"/admin/executions/stuck/rerun", admin, nil); rec.Code != http.StatusOK {
		t.Fatalf("rerun after kill: status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdminKillCompleted(t *testing.T) {
	env := newTestEnv(t, echoBackend())
	admin := env.token(t, "root", "admin")
	id := submitOK(t, env, "u1", "print(1)")

	rec := env.do(t, http.MethodPost, BasePath+"/admin/executions/"+id+"/kill", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("kill: status %d", rec.Code)
	}
	resp := decode[AdminResponse](t, rec)
	if resp.Message != "Execution killed successfully" || resp.Execution.Status != execution.StatusKilled {
		t.Errorf("unexpected response %+v", resp)
	}

	rec = env.do(t, http.MethodPost, BasePath+"/admin/executions/nope/kill", admin, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing kill: status %d, want 404", rec.Code)
	}
}

func TestAdminKillInFlight(t *testing.T) {
	started := make(chan struct{})
	b := &mockBackend{run: func(ctx context.Context, _ sandbox.RunRequest) (sandbox.RunResult, error) {
		close(started)
		<-ctx.Done()
		return sandbox.RunResult{}, context.Cause(ctx)
	}}
	env := newTestEnv(t, b)
	admin := env.token(t, "root", "admin")

	sub := env.hub.Subscribe()
	defer sub.Close()

	type result struct {
		code int
		resp ExecuteFailure
	}
	done := make(chan result, 1)
	tok := env.token(t, "u1", "")
	go func() {
		rec := env.serve(http.MethodPost, BasePath+"/execute", tok, `{"language":"PYTHON","code":"while True: pass"}`)
		r := result{code: rec.Code}
		_ = json.NewDecoder(rec.Body).Decode(&r.resp)
		done <- r
	}()

	<-started
	var id string
	select {
	case ev := <-sub.Events():
		id = ev.ExecutionID
	case <-time.After(5 * time.Second):
		t.Fatal("no running event")
	}

	rec := env.do(t, http.MethodPost, BasePath+"/admin/executions/"+id+"/kill", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("kill: status %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case r := <-done:
		if r.code != http.StatusBadRequest || r.resp.Message != execution.KilledMessage {
			t.Errorf("submitter got %d %+v", r.code, r.resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("submitter never returned")
	}

	stored, err := env.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != execution.StatusKilled {
		t.Errorf("stored status = %s, want killed", stored.Status)
	}
}
