package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
	clientKey      = "e2e-key"
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

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	binaries = map[string]string{}
	buildMu  sync.Mutex
)

// getBinary builds ./cmd/<name> once per test run.
func getBinary(t *testing.T, name string) string {
	t.Helper()
	buildMu.Lock()
	defer buildMu.Unlock()
	if bin, ok := binaries[name]; ok {
		return bin
	}

	dir, err := os.MkdirTemp("", "cloudflyer-e2e-*")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	binary := filepath.Join(dir, name)
	cmd := exec.Command("go", "build", "-o", binary, "./cmd/"+name)
	cmd.Dir = findRepoRoot(t)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build ./cmd/%s failed: %v\n%s", name, err, out)
	}
	binaries[name] = binary
	return binary
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

// startServer launches binary on a free port with the given extra
// environment and waits for /healthz.
func startServer(t *testing.T, binary string, env ...string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"CLOUDFLYER_HOST=127.0.0.1",
		"CLOUDFLYER_PORT="+strconv.Itoa(port),
		"CLOUDFLYER_CLIENT_KEY="+clientKey,
		"CLOUDFLYER_LOG_LEVEL=info",
	)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    fmt.Sprintf("http://127.0.0.1:%d", port),
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

func (sp *serverProc) post(t *testing.T, path string, body any, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(sp.url+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

type taskResult struct {
	Status string `json:"status"`
	Result *struct {
		Success  bool           `json:"success"`
		Code     int            `json:"code"`
		Response map[string]any `json:"response"`
		Data     map[string]any `json:"data"`
		Error    string         `json:"error"`
	} `json:"result"`
}

// createTask submits body and returns the task ID.
func (sp *serverProc) createTask(t *testing.T, body map[string]any) string {
	t.Helper()
	body["clientKey"] = clientKey
	var resp struct {
		TaskID string `json:"taskId"`
		Error  string `json:"error"`
	}
	if code := sp.post(t, "/createTask", body, &resp); code != 200 {
		t.Fatalf("createTask status = %d (%s)", code, resp.Error)
	}
	return resp.TaskID
}

// waitForStatus polls /getTaskResult until the task reaches want.
func (sp *serverProc) waitForStatus(t *testing.T, id, want string, timeout time.Duration) taskResult {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		var res taskResult
		sp.post(t, "/getTaskResult", map[string]string{"clientKey": clientKey, "taskId": id}, &res)
		if res.Status == want {
			return res
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s stuck in %q, want %q\nstdout:\n%s", id, res.Status, want, sp.stdout.String())
		}
		time.Sleep(pollInterval)
	}
}
