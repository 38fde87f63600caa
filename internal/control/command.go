// Package control runs the ssh client's ControlMaster sub-commands.
//
// Every invocation is one of a closed set of typed commands. Arguments are
// assembled in exactly one place, BuildArgs, so callers never concatenate
// ssh flags themselves.
package control

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// Kind names a control command variant.
type Kind string

const (
	KindEstablish     Kind = "establish"
	KindTeardown      Kind = "teardown"
	KindForwardAdd    Kind = "forward_add"
	KindForwardRemove Kind = "forward_remove"
	KindHealthCheck   Kind = "health_check"
)

// DefaultPort is used when a target does not override the ssh port.
const DefaultPort = 22

// ErrInvalidForward is returned for forward specs that cannot be parsed.
const ErrInvalidForward = errors.ConstError("invalid forward")

// Target is the remote end of a control channel.
type Target struct {
	Hostname     string
	User         string
	Port         int
	IdentityFile string
	ProxyJump    string
}

// EffectivePort returns the port ssh will connect to.
func (t Target) EffectivePort() int {
	if t.Port > 0 {
		return t.Port
	}
	return DefaultPort
}

// Destination returns [user@]hostname.
func (t Target) Destination() string {
	if t.User == "" {
		return t.Hostname
	}
	return t.User + "@" + t.Hostname
}

// Forward is a local port forward, local:remote_host:remote_port.
type Forward struct {
	LocalPort  int    `json:"local_port"`
	RemoteHost string `json:"remote_host"`
	RemotePort int    `json:"remote_port"`
}

// Spec returns the argument for ssh -L.
func (f Forward) Spec() string {
	return fmt.Sprintf("%d:%s:%d", f.LocalPort, f.RemoteHost, f.RemotePort)
}

func (f Forward) String() string {
	return f.Spec()
}

// Validate checks port ranges and the remote host.
func (f Forward) Validate() error {
	if !validPort(f.LocalPort) {
		return errors.Annotatef(ErrInvalidForward, "local port %d out of range", f.LocalPort)
	}
	if !validPort(f.RemotePort) {
		return errors.Annotatef(ErrInvalidForward, "remote port %d out of range", f.RemotePort)
	}
	if f.RemoteHost == "" || strings.ContainsAny(f.RemoteHost, " \t:") {
		return errors.Annotatef(ErrInvalidForward, "remote host %q", f.RemoteHost)
	}
	return nil
}

// ParseForward parses "local:host:remote". A bare "port" forwards
// localhost:port on the remote side to the same local port.
func ParseForward(spec string) (Forward, error) {
	parts := strings.Split(strings.TrimSpace(spec), ":")

	var f Forward
	var err error
	switch len(parts) {
	case 1:
		if f.LocalPort, err = strconv.Atoi(parts[0]); err != nil {
			return Forward{}, errors.Annotatef(ErrInvalidForward, "%q", spec)
		}
		f.RemoteHost = "localhost"
		f.RemotePort = f.LocalPort
	case 3:
		if f.LocalPort, err = strconv.Atoi(parts[0]); err != nil {
			return Forward{}, errors.Annotatef(ErrInvalidForward, "%q: local port", spec)
		}
		f.RemoteHost = parts[1]
		if f.RemotePort, err = strconv.Atoi(parts[2]); err != nil {
			return Forward{}, errors.Annotatef(ErrInvalidForward, "%q: remote port", spec)
		}
	default:
		return Forward{}, errors.Annotatef(ErrInvalidForward, "%q: expected local:host:remote", spec)
	}

	if err := f.Validate(); err != nil {
		return Forward{}, err
	}
	return f, nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// Command is one of Establish, Teardown, ForwardAdd, ForwardRemove or
// HealthCheck. The set is closed.
type Command interface {
	Kind() Kind
	Socket() string
	target() Target
	controlArgs() []string
}

// Establish starts a backgrounded master listening on SocketPath.
type Establish struct {
	SocketPath string
	Target     Target
}

// Teardown asks the master to exit.
type Teardown struct {
	SocketPath string
	Target     Target
}

// ForwardAdd registers a local forward with a running master.
type ForwardAdd struct {
	SocketPath string
	Target     Target
	Forward    Forward
}

// ForwardRemove cancels a local forward.
type ForwardRemove struct {
	SocketPath string
	Target     Target
	Forward    Forward
}

// HealthCheck asks the master whether it is alive.
type HealthCheck struct {
	SocketPath string
	Target     Target
}

func (Establish) Kind() Kind     { return KindEstablish }
func (Teardown) Kind() Kind      { return KindTeardown }
func (ForwardAdd) Kind() Kind    { return KindForwardAdd }
func (ForwardRemove) Kind() Kind { return KindForwardRemove }
func (HealthCheck) Kind() Kind   { return KindHealthCheck }

func (c Establish) Socket() string     { return c.SocketPath }
func (c Teardown) Socket() string      { return c.SocketPath }
func (c ForwardAdd) Socket() string    { return c.SocketPath }
func (c ForwardRemove) Socket() string { return c.SocketPath }
func (c HealthCheck) Socket() string   { return c.SocketPath }

func (c Establish) target() Target     { return c.Target }
func (c Teardown) target() Target      { return c.Target }
func (c ForwardAdd) target() Target    { return c.Target }
func (c ForwardRemove) target() Target { return c.Target }
func (c HealthCheck) target() Target   { return c.Target }

func (Establish) controlArgs() []string       { return nil }
func (Teardown) controlArgs() []string        { return []string{"-O", "exit"} }
func (c ForwardAdd) controlArgs() []string    { return []string{"-O", "forward", "-L", c.Forward.Spec()} }
func (c ForwardRemove) controlArgs() []string { return []string{"-O", "cancel", "-L", c.Forward.Spec()} }
func (HealthCheck) controlArgs() []string     { return []string{"-O", "check"} }

// Options are ssh settings applied when a master is established.
type Options struct {
	ConfigFile          string
	ServerAliveInterval int
	ServerAliveCountMax int
	Extra               []string
}

// BuildArgs returns the ssh argument vector for cmd, without the binary.
func BuildArgs(cmd Command, opts Options) []string {
	t := cmd.target()
	args := []string{"-S", cmd.Socket()}

	if cmd.Kind() != KindEstablish {
		args = append(args, cmd.controlArgs()...)
		return append(args, t.Destination())
	}

	// -f backgrounds the master once authenticated, so the establish
	// process exits with the outcome of the handshake.
	args = append(args, "-M", "-f", "-N",
		"-o", "ControlPersist=yes",
		"-o", "BatchMode=yes",
		"-o", "ExitOnForwardFailure=yes",
	)
	if opts.ServerAliveInterval > 0 {
		args = append(args,
			"-o", "ServerAliveInterval="+strconv.Itoa(opts.ServerAliveInterval),
			"-o", "ServerAliveCountMax="+strconv.Itoa(opts.ServerAliveCountMax))
	}
	for _, o := range opts.Extra {
		args = append(args, "-o", o)
	}
	if opts.ConfigFile != "" {
		args = append(args, "-F", opts.ConfigFile)
	}
	if t.Port > 0 {
		args = append(args, "-p", strconv.Itoa(t.Port))
	}
	if t.IdentityFile != "" {
		args = append(args, "-i", t.IdentityFile)
	}
	if t.ProxyJump != "" {
		args = append(args, "-J", t.ProxyJump)
	}
	return append(args, t.Destination())
}
