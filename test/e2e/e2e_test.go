package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	runTimeout     = 60 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// binaries are the three foundry commands built once per test run.
type binaries struct {
	foundry   string
	runner    string
	scheduler string
}

var (
	built     binaries
	buildOnce sync.Once
	buildErr  error
)

func getBinaries(t *testing.T) binaries {
	t.Helper()
	if testing.Short() {
		t.Skip("end-to-end tests build and start binaries")
	}
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "foundry-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		root := findRepoRoot(t)
		for _, name := range []string{"foundry", "foundry-run", "foundry-schedule"} {
			cmd := exec.Command("go", "build", "-o", filepath.Join(dir, name), "./cmd/"+name)
			cmd.Dir = root
			if out, err := cmd.CombinedOutput(); err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", name, err, out)
				return
			}
		}
		built = binaries{
			foundry:   filepath.Join(dir, "foundry"),
			runner:    filepath.Join(dir, "foundry-run"),
			scheduler: filepath.Join(dir, "foundry-schedule"),
		}
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return built
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd     *exec.Cmd
	stdout  *lockedBuffer
	url     string
	project string
	env     []string
}

// testEnv returns the environment shared by the server and the CLI.
func testEnv(bins binaries, extra ...string) []string {
	env := append(os.Environ(),
		"FOUNDRY_RUNNER_BIN="+bins.runner,
		"FOUNDRY_SCHEDULER_BIN="+bins.scheduler,
		"FOUNDRY_LOG_LEVEL=debug",
		"FOUNDRY_DB_DSN=",
		"FOUNDRY_HOSTS_FILE=",
	)
	return append(env, extra...)
}

func startServer(t *testing.T, bins binaries) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	project := t.TempDir()
	env := testEnv(bins, "FOUNDRY_LISTEN_ADDR="+addr)

	stdout := &lockedBuffer{}
	cmd := exec.Command(bins.foundry, "-project", project, "serve")
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:     cmd,
		stdout:  stdout,
		url:     "http://" + addr,
		project: project,
		env:     env,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

// do sends a JSON request and decodes a JSON response into out when given.
func (sp *serverProc) do(t *testing.T, method, path string, body any, wantStatus int, out any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, sp.url+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: status = %d, want %d\nbody: %s\nserver:\n%s",
			method, path, resp.StatusCode, wantStatus, data, sp.stdout.String())
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s %s: %v\nbody: %s", method, path, err, data)
		}
	}
}

// protocolView is the subset of a protocol the tests look at.
type protocolView struct {
	ID      int64   `json:"id"`
	Label   string  `json:"label"`
	Status  string  `json:"status"`
	Error   string  `json:"error"`
	PID     int     `json:"pid"`
	Outputs []int64 `json:"outputs"`
}

// waitStatus polls protocol id until it reaches one of statuses.
func (sp *serverProc) waitStatus(t *testing.T, id int64, statuses ...string) protocolView {
	t.Helper()
	deadline := time.Now().Add(runTimeout)
	var p protocolView
	for time.Now().Before(deadline) {
		sp.do(t, http.MethodGet, fmt.Sprintf("/v1/protocols/%d", id), nil, http.StatusOK, &p)
		for _, s := range statuses {
			if p.Status == s {
				return p
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("protocol %d stuck in %q (error %q), want one of %v\nserver:\n%s",
		id, p.Status, p.Error, statuses, sp.stdout.String())
	return p
}
