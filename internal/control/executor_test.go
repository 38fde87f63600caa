package control

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeSSH writes a shell script standing in for the ssh binary.
func fakeSSH(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ssh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write fake ssh: %v", err)
	}
	return path
}

func newTestExecutor(binary string) *Executor {
	return NewExecutor(binary, Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var check = HealthCheck{SocketPath: "/tmp/s/h-22", Target: Target{Hostname: "h"}}

func TestExecutor_Success(t *testing.T) {
	e := newTestExecutor(fakeSSH(t, `echo "$@"`))

	res := e.Run(context.Background(), check, 5*time.Second)
	if !res.OK() {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Kind != KindHealthCheck {
		t.Errorf("Kind = %s", res.Kind)
	}
	if got := strings.TrimSpace(res.Stdout); got != "-S /tmp/s/h-22 -O check h" {
		t.Errorf("unexpected args seen by ssh: %q", got)
	}
	if res.Reason() != "" {
		t.Errorf("Reason() should be empty on success, got %q", res.Reason())
	}
}

func TestExecutor_NonZeroExitKeepsStderr(t *testing.T) {
	e := newTestExecutor(fakeSSH(t, `echo "Control socket connect(/tmp/s/h-22): No such file or directory" >&2; exit 255`))

	res := e.Run(context.Background(), check, 5*time.Second)
	if res.OK() {
		t.Fatal("expected failure")
	}
	if res.ExitCode != 255 {
		t.Errorf("ExitCode = %d, want 255", res.ExitCode)
	}
	if res.TimedOut {
		t.Error("should not be a timeout")
	}
	if res.Reason() != "Control socket connect(/tmp/s/h-22): No such file or directory" {
		t.Errorf("Reason() = %q", res.Reason())
	}
}

func TestExecutor_ExitWithoutStderr(t *testing.T) {
	e := newTestExecutor(fakeSSH(t, `exit 3`))

	res := e.Run(context.Background(), check, 5*time.Second)
	if res.ExitCode != 3 {
		t.Fatalf("ExitCode = %d", res.ExitCode)
	}
	if !strings.Contains(res.Reason(), "status 3") {
		t.Errorf("Reason() = %q", res.Reason())
	}
}

func TestExecutor_Timeout(t *testing.T) {
	e := newTestExecutor(fakeSSH(t, `sleep 10`))

	start := time.Now()
	res := e.Run(context.Background(), check, 100*time.Millisecond)
	if time.Since(start) > 5*time.Second {
		t.Fatalf("Run did not honor the timeout, took %s", time.Since(start))
	}
	if !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if res.OK() {
		t.Error("timed out result must not be OK")
	}
	if !strings.Contains(res.Reason(), "timed out") {
		t.Errorf("Reason() = %q", res.Reason())
	}
}

func TestExecutor_CallerCancelDoesNotKill(t *testing.T) {
	e := newTestExecutor(fakeSSH(t, `sleep 1; echo done`))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	defer cancel()

	res := e.Run(ctx, check, 10*time.Second)
	if !res.OK() {
		t.Fatalf("expected the command to finish, got %+v", res)
	}
	if res.TimedOut || res.Err != nil {
		t.Errorf("unexpected failure: timed_out=%v err=%v", res.TimedOut, res.Err)
	}
	if res.Elapsed < time.Second {
		t.Errorf("command was cut short after %s", res.Elapsed)
	}
	if strings.TrimSpace(res.Stdout) != "done" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "done")
	}
}

func TestExecutor_BackgroundedChildHoldsPipes(t *testing.T) {
	// Mimics ssh -f: the parent exits 0 while a child keeps stdout open.
	e := newTestExecutor(fakeSSH(t, `sleep 3 & exit 0`))
	e.WaitDelay = 50 * time.Millisecond

	start := time.Now()
	res := e.Run(context.Background(), Establish{SocketPath: "/s", Target: Target{Hostname: "h"}}, 5*time.Second)
	if !res.OK() {
		t.Fatalf("expected success, got %+v (reason %q)", res, res.Reason())
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Run waited on the background child for %s", time.Since(start))
	}
}

func TestExecutor_MissingBinary(t *testing.T) {
	e := newTestExecutor(filepath.Join(t.TempDir(), "no-ssh-here"))

	res := e.Run(context.Background(), check, time.Second)
	if res.OK() || res.Err == nil {
		t.Fatalf("expected start error, got %+v", res)
	}
	if res.Reason() == "" {
		t.Error("expected a reason")
	}
}

func TestResult_ForwardAbsent(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		want bool
	}{
		{"port not found", Result{Kind: KindForwardRemove, ExitCode: 255, Stderr: "mux_client_forward: forwarding request failed: port not found\n"}, true},
		{"socket gone", Result{Kind: KindForwardRemove, ExitCode: 255, Stderr: "Control socket connect(/s): No such file or directory"}, true},
		{"refused", Result{Kind: KindForwardRemove, ExitCode: 255, Stderr: "permission denied"}, false},
		{"timeout", Result{Kind: KindForwardRemove, TimedOut: true, Stderr: "port not found"}, false},
		{"other kind", Result{Kind: KindForwardAdd, ExitCode: 255, Stderr: "port not found"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.res.ForwardAbsent(); got != tt.want {
				t.Errorf("ForwardAbsent() = %v, want %v", got, tt.want)
			}
		})
	}
}
