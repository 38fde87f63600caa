package daemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.olrik.dev/stm/internal/core"
)

// SendCommand connects to the daemon, sends a command, and returns the response.
func SendCommand(command string) (Response, error) {
	return sendCommandWithTimeout(command, 0)
}

// sendCommandWithTimeout is SendCommand with a deadline on the whole
// exchange. Zero means no deadline.
func sendCommandWithTimeout(command string, timeout time.Duration) (Response, error) {
	response := Response{}

	conn, err := net.Dial("unix", core.GetSocketPath())
	if err != nil {
		return response, err
	}
	defer conn.Close()

	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return response, fmt.Errorf("failed to send command to daemon: %w", err)
	}
	bytes, err := io.ReadAll(conn)
	if err != nil {
		return response, fmt.Errorf("failed to read response from daemon: %w", err)
	}

	if err := json.Unmarshal(bytes, &response); err != nil {
		return response, fmt.Errorf("failed to parse response from daemon: %w", err)
	}

	return response, nil
}

// StreamCommand sends a streaming command (WATCH, LOGS) and calls handle
// for every line until the daemon closes the stream, stop is closed, or
// handle returns an error.
func StreamCommand(command string, stop <-chan struct{}, handle func(line []byte) error) error {
	conn, err := net.Dial("unix", core.GetSocketPath())
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return fmt.Errorf("failed to send command to daemon: %w", err)
	}

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-stop:
			conn.Close()
		case <-finished:
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if herr := handle(line); herr != nil {
				return herr
			}
		}
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
			}
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read from daemon: %w", err)
		}
	}
}

// IsDaemonRunning reports whether a daemon answers on the socket
func IsDaemonRunning() bool {
	_, err := sendCommandWithTimeout("VERSION", 2*time.Second)
	return err == nil
}

// EnsureDaemonIsRunning starts a detached daemon when none answers and
// waits for its socket.
func EnsureDaemonIsRunning() error {
	if IsDaemonRunning() {
		return nil
	}

	cmd := exec.Command(os.Args[0], "daemon", "--config-path", core.Config.ConfigPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("could not start daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	cmd.Process.Release()

	for i := 0; i < 50; i++ {
		time.Sleep(100 * time.Millisecond)
		if IsDaemonRunning() {
			return nil
		}
	}
	return fmt.Errorf("daemon process %d was launched but did not answer in time", pid)
}

// WaitForDaemonStop waits until the daemon socket stops answering
func WaitForDaemonStop(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsDaemonRunning() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not stop within %s", timeout)
}
