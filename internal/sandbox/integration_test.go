//go:build integration

package sandbox

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"polyglot-exec/internal/config"
	"polyglot-exec/internal/runtime"
)

// newIntegrationBackend needs a reachable Docker or containerd with the
// polyglot runner images loaded.
func newIntegrationBackend(t *testing.T) Backend {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("Docker not installed, skipping")
	}

	cfg := config.DefaultConfig()
	cfg.Sandbox.Deadline = 10 * time.Second
	cfg.Sandbox.OrphanSweep = 0

	b, err := NewBackend(context.Background(), cfg, runtime.NewRegistry())
	if err != nil {
		t.Skipf("no sandbox backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// TestIntegration_ContainerdStdinReachesEOF pins the containerd backend so a
// runner that never sees EOF on its payload shows up as a timeout here
// instead of hiding behind the Docker fallback.
func TestIntegration_ContainerdStdinReachesEOF(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sandbox.Backend = "containerd"
	cfg.Sandbox.Deadline = 10 * time.Second
	cfg.Sandbox.OrphanSweep = 0

	b, err := NewBackend(context.Background(), cfg, runtime.NewRegistry())
	if err != nil {
		t.Skipf("containerd unavailable: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	start := time.Now()
	res, err := b.Run(context.Background(), RunRequest{Language: "PYTHON", Code: `print("hi")`})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TimedOut {
		t.Fatalf("run timed out after %v, runner never saw end of stdin", time.Since(start))
	}
	if !res.OK || res.Stdout != "hi\n" {
		t.Errorf("result = %+v, want ok with hi", res)
	}
	if elapsed := time.Since(start); elapsed >= cfg.Sandbox.Deadline {
		t.Errorf("run took %v, want well under the %v deadline", elapsed, cfg.Sandbox.Deadline)
	}
}

func TestIntegration_HelloEveryLanguage(t *testing.T) {
	b := newIntegrationBackend(t)

	programs := map[string]string{
		"PYTHON":     `print("hi")`,
		"JAVASCRIPT": `console.log("hi")`,
		"RUBY":       `puts "hi"`,
		"PHP":        `<?php echo "hi\n";`,
		"GO":         "package main\nimport \"fmt\"\nfunc main() { fmt.Println(\"hi\") }",
		"RUST":       `fn main() { println!("hi"); }`,
		"CPP":        "#include <iostream>\nint main() { std::cout << \"hi\" << std::endl; }",
		"JAVA":       `public class Main { public static void main(String[] a) { System.out.println("hi"); } }`,
	}

	for lang, code := range programs {
		t.Run(lang, func(t *testing.T) {
			res, err := b.Run(context.Background(), RunRequest{Language: lang, Code: code})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if !res.OK || res.Stdout != "hi\n" {
				t.Errorf("result = %+v, want ok with hi", res)
			}
		})
	}
}

func TestIntegration_Timeout(t *testing.T) {
	b := newIntegrationBackend(t)

	start := time.Now()
	res, err := b.Run(context.Background(), RunRequest{
		Language: "PYTHON",
		Code:     "import time\ntime.sleep(60)",
		Deadline: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if took := time.Since(start); took > 15*time.Second {
		t.Errorf("timeout not enforced: took %s", took)
	}
	if res.OK || !res.TimedOut || res.Stdout != "" || res.Stderr != TimeoutMessage || res.Elapsed != 2*time.Second {
		t.Errorf("result = %+v", res)
	}
}

func TestIntegration_NoNetwork(t *testing.T) {
	b := newIntegrationBackend(t)

	res, err := b.Run(context.Background(), RunRequest{
		Language: "PYTHON",
		Code:     "import urllib.request\nurllib.request.urlopen('http://example.com', timeout=3)",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OK {
		t.Error("network request should fail inside the sandbox")
	}
}

func TestIntegration_ReadOnlyRoot(t *testing.T) {
	b := newIntegrationBackend(t)

	res, err := b.Run(context.Background(), RunRequest{
		Language: "PYTHON",
		Code:     "open('/etc/owned', 'w').write('x')",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OK {
		t.Error("writing outside the scratch area should fail")
	}
}

func TestIntegration_EscapeAttempts(t *testing.T) {
	b := newIntegrationBackend(t)

	tests := []struct {
		name string
		code string
	}{
		{"read shadow", "print(open('/etc/shadow').read())"},
		{"mount", "import os\nif os.system('mount -t tmpfs none /mnt') != 0: raise SystemExit(1)"},
		{"runtime socket", "import socket\ns = socket.socket(socket.AF_UNIX)\ns.connect('/var/run/docker.sock')"},
		{"ptrace", "import ctypes\nif ctypes.CDLL(None).ptrace(16, 1, 0, 0) != 0: raise SystemExit(1)"},
		{"set hostname", "import socket\nsocket.sethostname('evil')"},
		{"metadata service", "import urllib.request\nurllib.request.urlopen('http://169.254.169.254/', timeout=3)"},
		{"fork bomb", "import os\nwhile True: os.fork()"},
		{"memory bomb", "x = []\nwhile True: x.append('A' * 1024 * 1024)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := b.Run(context.Background(), RunRequest{Language: "PYTHON", Code: tt.code, Deadline: 5 * time.Second})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.OK {
				t.Errorf("escape attempt succeeded, stdout %q", res.Stdout)
			}
		})
	}
}

func TestIntegration_ScratchWritable(t *testing.T) {
	b := newIntegrationBackend(t)

	res, err := b.Run(context.Background(), RunRequest{
		Language: "PYTHON",
		Code:     "open('/tmp/x', 'w').write('data')\nprint(open('/tmp/x').read())",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.OK || res.Stdout != "data\n" {
		t.Errorf("result = %+v", res)
	}
}

func TestIntegration_Cancel(t *testing.T) {
	b := newIntegrationBackend(t)

	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(time.Second, func() { cancel(context.Canceled) })

	_, err := b.Run(ctx, RunRequest{Language: "PYTHON", Code: "while True: pass"})
	if !IsCanceled(err) {
		t.Errorf("err = %v, want ErrCanceled", err)
	}
}

func TestIntegration_Concurrent(t *testing.T) {
	b := newIntegrationBackend(t)

	var wg sync.WaitGroup
	outputs := make([]string, 4)
	for i := range outputs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := b.Run(context.Background(), RunRequest{
				Language: "PYTHON",
				Code:     "import socket; print(socket.gethostname())",
			})
			if err != nil {
				t.Errorf("Run %d: %v", i, err)
				return
			}
			outputs[i] = strings.TrimSpace(res.Stdout)
		}(i)
	}
	wg.Wait()

	for i, out := range outputs {
		if out == "" {
			t.Errorf("run %d produced no output", i)
		}
	}
	if b.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after all runs finished", b.ActiveCount())
	}
}

func BenchmarkRunPython(b *testing.B) {
	cfg := config.DefaultConfig()
	cfg.Sandbox.OrphanSweep = 0
	backend, err := NewBackend(context.Background(), cfg, runtime.NewRegistry())
	if err != nil {
		b.Skipf("no sandbox backend: %v", err)
	}
	defer backend.Close()

	for i := 0; i < b.N; i++ {
		if _, err := backend.Run(context.Background(), RunRequest{Language: "PYTHON", Code: "print('hello')"}); err != nil {
			b.Fatalf("Run: %v", err)
		}
	}
}
