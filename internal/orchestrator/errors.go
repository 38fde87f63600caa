package orchestrator

import (
	"fmt"

	"github.com/juju/errors"

	"go.olrik.dev/stm/internal/control"
)

const (
	ErrUnknownHost       = errors.ConstError("unknown host")
	ErrUnknownTunnel     = errors.ConstError("unknown tunnel")
	ErrNotConnected      = errors.ConstError("not connected")
	ErrBusy              = errors.ConstError("operation already in progress")
	ErrActive            = errors.ConstError("connection is active")
	ErrSocketConflict    = errors.ConstError("control socket held by another connection")
	ErrInvalidTransition = errors.ConstError("invalid state transition")
	ErrClosed            = errors.ConstError("orchestrator closed")
)

// ErrorKind classifies failures of external control commands.
type ErrorKind string

const (
	EstablishFailed     ErrorKind = "establish_failed"
	TeardownFailed      ErrorKind = "teardown_failed"
	ForwardAddFailed    ErrorKind = "forward_add_failed"
	ForwardRemoveFailed ErrorKind = "forward_remove_failed"
	HealthCheckFailed   ErrorKind = "health_check_failed"
	SocketConflict      ErrorKind = "socket_conflict"
	Timeout             ErrorKind = "timeout"
)

// Error is a classified failure. Reason holds the external diagnostic
// verbatim.
type Error struct {
	Kind   ErrorKind
	Op     control.Kind
	Host   string
	Reason string
}

func (e *Error) Error() string {
	if e.Kind == Timeout {
		return fmt.Sprintf("%s: %s timed out: %s", e.Host, e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Host, e.Kind, e.Reason)
}

// Is lets errors.Is(err, ErrSocketConflict) match conflict errors.
func (e *Error) Is(target error) bool {
	return target == ErrSocketConflict && e.Kind == SocketConflict
}

// failureKind maps a failed command to its taxonomy entry. A timeout wins
// over the operation's own kind.
func failureKind(res control.Result) ErrorKind {
	if res.TimedOut {
		return Timeout
	}
	switch res.Kind {
	case control.KindEstablish:
		return EstablishFailed
	case control.KindTeardown:
		return TeardownFailed
	case control.KindForwardAdd:
		return ForwardAddFailed
	case control.KindForwardRemove:
		return ForwardRemoveFailed
	default:
		return HealthCheckFailed
	}
}

func commandError(host string, res control.Result) *Error {
	return &Error{
		Kind:   failureKind(res),
		Op:     res.Kind,
		Host:   host,
		Reason: res.Reason(),
	}
}

// IsTimeout reports whether err is a timed out control command.
func IsTimeout(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == Timeout
}
