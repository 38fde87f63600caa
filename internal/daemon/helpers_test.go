package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.olrik.dev/stm/internal/control"
	"go.olrik.dev/stm/internal/core"
)

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

// shortTempDir creates a short temp directory to stay under the unix socket
// path limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "stm-")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// fakeRunner answers every control command successfully unless a failure
// is set for its kind. Sockets appear on establish and vanish on teardown.
type fakeRunner struct {
	mu       sync.Mutex
	commands []control.Command
	failures map[control.Kind]string
	sockets  map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		failures: make(map[control.Kind]string),
		sockets:  make(map[string]bool),
	}
}

func (f *fakeRunner) Run(ctx context.Context, cmd control.Command, timeout time.Duration) control.Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = append(f.commands, cmd)
	res := control.Result{Kind: cmd.Kind()}
	if reason, ok := f.failures[cmd.Kind()]; ok {
		res.ExitCode = 255
		res.Stderr = reason
		return res
	}
	switch cmd.Kind() {
	case control.KindEstablish:
		f.sockets[cmd.Socket()] = true
	case control.KindTeardown:
		delete(f.sockets, cmd.Socket())
	}
	return res
}

func (f *fakeRunner) fail(kind control.Kind, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[kind] = reason
}

func (f *fakeRunner) count(kind control.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if c.Kind() == kind {
			n++
		}
	}
	return n
}

func (f *fakeRunner) socketExists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sockets[path]
}

const testSSHConfig = `Host db
    HostName db.example.com
    User postgres

Host web
    HostName web.example.com
    Port 2222

Host *
    ServerAliveInterval 30
`

type testEnv struct {
	d       *Daemon
	runner  *fakeRunner
	cfg     *core.Configuration
	sshPath string
}

// newTestConfig returns defaults rooted in a fresh temp directory with the
// test SSH config written.
func newTestConfig(t *testing.T) *core.Configuration {
	t.Helper()
	dir := shortTempDir(t)

	cfg := core.GetDefaultConfig()
	cfg.ConfigPath = dir
	cfg.SocketDir = filepath.Join(dir, "sockets")
	cfg.SSHConfigPath = filepath.Join(dir, "ssh_config")
	cfg.WatchSSHConfig = false
	if err := os.WriteFile(cfg.SSHConfigPath, []byte(testSSHConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func testOptions(runner *fakeRunner) Options {
	return Options{
		Runner:         runner,
		SocketExists:   runner.socketExists,
		PortAvailable:  func(int) bool { return true },
		Listeners:      func() (map[int]bool, error) { return map[int]bool{5432: true}, nil },
		NoSleepMonitor: true,
	}
}

// startTestDaemon starts a daemon over cfg with a fake runner. It is shut
// down when the test ends.
func startTestDaemon(t *testing.T, cfg *core.Configuration) *testEnv {
	t.Helper()
	quietLogger(t)

	runner := newFakeRunner()
	d := New(cfg, testOptions(runner))
	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(d.Shutdown)
	return &testEnv{d: d, runner: runner, cfg: cfg, sshPath: cfg.SSHConfigPath}
}

// sendIPCCommand sends a command string to handleConnection via net.Pipe
// and reads back the JSON response.
func sendIPCCommand(t *testing.T, d *Daemon, command string) Response {
	t.Helper()

	clientConn, serverConn := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.handleConnection(serverConn)
	}()

	if _, err := clientConn.Write([]byte(command + "\n")); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}

	data, err := io.ReadAll(clientConn)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	clientConn.Close()
	<-done

	var resp Response
	if len(data) > 0 {
		if err := json.Unmarshal(data, &resp); err != nil {
			t.Fatalf("failed to parse response JSON %q: %v", string(data), err)
		}
	}
	return resp
}

func firstMessage(resp Response) ResponseMessage {
	if len(resp.Messages) == 0 {
		return ResponseMessage{}
	}
	return resp.Messages[0]
}

func hasMessage(resp Response, status, text string) bool {
	for _, m := range resp.Messages {
		if m.Status == status && m.Message == text {
			return true
		}
	}
	return false
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
