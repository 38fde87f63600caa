package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"go.olrik.dev/stm/internal/control"
)

// fakeRunner records commands and answers from a per-kind script. It also
// tracks which control sockets a real master would have created.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []control.Command
	script  map[control.Kind][]control.Result
	holds   map[string]chan struct{}
	sockets map[string]bool
	onRun   func(control.Command)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		script:  make(map[control.Kind][]control.Result),
		holds:   make(map[string]chan struct{}),
		sockets: make(map[string]bool),
	}
}

func holdKey(kind control.Kind, socket string) string {
	return string(kind) + " " + socket
}

func (f *fakeRunner) Run(ctx context.Context, cmd control.Command, timeout time.Duration) control.Result {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	res := control.Result{}
	if queue := f.script[cmd.Kind()]; len(queue) > 0 {
		res = queue[0]
		f.script[cmd.Kind()] = queue[1:]
	}
	hold := f.holds[holdKey(cmd.Kind(), cmd.Socket())]
	onRun := f.onRun
	f.mu.Unlock()

	if hold != nil {
		<-hold
	}
	if onRun != nil {
		onRun(cmd)
	}

	res.Kind = cmd.Kind()
	if res.OK() {
		f.mu.Lock()
		switch cmd.Kind() {
		case control.KindEstablish:
			f.sockets[cmd.Socket()] = true
		case control.KindTeardown:
			delete(f.sockets, cmd.Socket())
		}
		f.mu.Unlock()
	}
	return res
}

func (f *fakeRunner) socketExists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sockets[path]
}

// queue scripts the next result for kind.
func (f *fakeRunner) queue(kind control.Kind, res control.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[kind] = append(f.script[kind], res)
}

func (f *fakeRunner) ok(kind control.Kind) {
	f.queue(kind, control.Result{})
}

func (f *fakeRunner) fail(kind control.Kind, stderr string) {
	f.queue(kind, control.Result{ExitCode: 255, Stderr: stderr})
}

func (f *fakeRunner) timeout(kind control.Kind) {
	f.queue(kind, control.Result{ExitCode: -1, TimedOut: true, Elapsed: time.Second})
}

// hold blocks commands of kind on socket until the returned func is called.
func (f *fakeRunner) hold(kind control.Kind, socket string) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.holds[holdKey(kind, socket)] = ch
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.holds, holdKey(kind, socket))
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *fakeRunner) commands() []control.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]control.Command(nil), f.calls...)
}

func (f *fakeRunner) count(kind control.Kind) int {
	n := 0
	for _, c := range f.commands() {
		if c.Kind() == kind {
			n++
		}
	}
	return n
}

func (f *fakeRunner) countOn(kind control.Kind, socket string) int {
	n := 0
	for _, c := range f.commands() {
		if c.Kind() == kind && c.Socket() == socket {
			n++
		}
	}
	return n
}

func (f *fakeRunner) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	hostA = Host{Alias: "a", Hostname: "a.example.com", User: "deploy"}
	hostB = Host{Alias: "b", Hostname: "b.example.com", Port: 2222}
	pg    = control.Forward{LocalPort: 5432, RemoteHost: "localhost", RemotePort: 5432}
	web   = control.Forward{LocalPort: 8080, RemoteHost: "10.0.0.1", RemotePort: 80}
	redis = control.Forward{LocalPort: 6379, RemoteHost: "localhost", RemotePort: 6379}
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	o      *Orchestrator
	runner *fakeRunner
	clock  *testclock.Clock
}

func newHarness(t *testing.T, hosts ...Host) *harness {
	t.Helper()
	if len(hosts) == 0 {
		hosts = []Host{hostA, hostB}
	}

	runner := newFakeRunner()
	clk := testclock.NewClock(testNow)
	o, err := New(Config{
		SocketDir:    t.TempDir(),
		Runner:       runner,
		Clock:        clk,
		Logger:       quietLogger(),
		SocketExists: runner.socketExists,
	}, hosts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(o.Close)
	return &harness{o: o, runner: runner, clock: clk}
}

func (h *harness) connect(t *testing.T, alias string) {
	t.Helper()
	if err := h.o.Connect(context.Background(), alias); err != nil {
		t.Fatalf("Connect(%s) failed: %v", alias, err)
	}
}

func (h *harness) status(t *testing.T, alias string) ConnectionStatus {
	t.Helper()
	st, ok := h.o.Snapshot().Connection(alias)
	if !ok {
		t.Fatalf("no connection for %s", alias)
	}
	return st
}

func (h *harness) tunnel(t *testing.T, alias string, f control.Forward) TunnelStatus {
	t.Helper()
	for _, ts := range h.status(t, alias).Tunnels {
		if ts.Forward == f {
			return ts
		}
	}
	t.Fatalf("no tunnel %s on %s", f, alias)
	return TunnelStatus{}
}

func (h *harness) socket(t *testing.T, alias string) string {
	t.Helper()
	return h.status(t, alias).SocketPath
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
