package control

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// DefaultWaitDelay bounds how long Run waits for output pipes after the ssh
// process has exited. A backgrounded master inherits them and never closes.
const DefaultWaitDelay = 500 * time.Millisecond

// Result is the outcome of one control command.
type Result struct {
	Kind     Kind
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
	TimedOut bool
	// Err is set when the process could not be started or waited on.
	Err error
}

// OK reports exit code 0 within the timeout.
func (r Result) OK() bool {
	return r.Err == nil && !r.TimedOut && r.ExitCode == 0
}

// Reason returns the failure diagnostic. Stderr is kept verbatim apart from
// surrounding whitespace.
func (r Result) Reason() string {
	if r.OK() {
		return ""
	}
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	if r.TimedOut {
		return fmt.Sprintf("%s timed out after %s", r.Kind, r.Elapsed.Round(time.Millisecond))
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return fmt.Sprintf("%s exited with status %d", r.Kind, r.ExitCode)
}

// ForwardAbsent reports whether a failed cancel means the forward was
// already gone, either because the master does not know the port or
// because the master itself is gone.
func (r Result) ForwardAbsent() bool {
	if r.Kind != KindForwardRemove || r.TimedOut {
		return false
	}
	s := strings.ToLower(r.Stderr)
	return strings.Contains(s, "port not found") || strings.Contains(s, "no such file")
}

// Runner executes control commands. Implementations must honor timeout and
// must not return before the underlying process has finished.
type Runner interface {
	Run(ctx context.Context, cmd Command, timeout time.Duration) Result
}

// Executor runs commands with the ssh binary.
type Executor struct {
	Binary    string
	Options   Options
	WaitDelay time.Duration
	Logger    *slog.Logger
}

// NewExecutor creates an Executor. An empty binary means "ssh".
func NewExecutor(binary string, opts Options, logger *slog.Logger) *Executor {
	if binary == "" {
		binary = "ssh"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		Binary:    binary,
		Options:   opts,
		WaitDelay: DefaultWaitDelay,
		Logger:    logger,
	}
}

// Run executes cmd and waits for it. The process group is killed only when
// timeout expires. Cancelling ctx does not stop a running command, so a
// shutdown never leaves a half-established master behind.
func (e *Executor) Run(ctx context.Context, cmd Command, timeout time.Duration) Result {
	args := BuildArgs(cmd, e.Options)
	res := Result{Kind: cmd.Kind(), Args: args}

	runCtx := context.WithoutCancel(ctx)
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, e.Binary, args...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	// Own process group so a timeout also takes down anything ssh spawned
	// (ProxyCommand, askpass).
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return unix.Kill(-c.Process.Pid, unix.SIGKILL)
	}
	c.WaitDelay = e.WaitDelay

	e.Logger.Debug("Running control command",
		"kind", res.Kind,
		"socket", cmd.Socket(),
		"args", strings.Join(args, " "))

	start := time.Now()
	err := c.Run()
	res.Elapsed = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if c.ProcessState != nil {
		res.ExitCode = c.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(err, exec.ErrWaitDelay):
		// ssh exited 0 but the forked master still holds our pipes.
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.Err = errors.Annotatef(err, "running %s", e.Binary)
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
	}

	level := slog.LevelDebug
	if !res.OK() {
		level = slog.LevelInfo
	}
	e.Logger.Log(ctx, level, "Control command finished",
		"kind", res.Kind,
		"socket", cmd.Socket(),
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
		"elapsed", res.Elapsed.Round(time.Millisecond),
		"stderr", strings.TrimSpace(res.Stderr))

	return res
}
