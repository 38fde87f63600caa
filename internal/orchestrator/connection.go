package orchestrator

import (
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"go.olrik.dev/stm/internal/control"
)

// transitions lists the allowed successor states. A reconnect from a
// terminal state always passes through Idle and Connecting again.
var transitions = map[State][]State{
	StateIdle:          {StateConnecting},
	StateConnecting:    {StateConnected, StateFailed},
	StateConnected:     {StateDisconnecting, StateFailed},
	StateDisconnecting: {StateDisconnected},
	StateDisconnected:  {StateIdle},
	StateFailed:        {StateIdle},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const maxTrace = 64

// tunnel is owned by exactly one connection.
type tunnel struct {
	id        uuid.UUID
	forward   control.Forward
	desired   bool
	applied   bool
	deleted   bool
	lastErr   string
	errKind   ErrorKind
	createdAt time.Time
}

func (t *tunnel) status() TunnelStatus {
	return TunnelStatus{
		ID:        t.id,
		Forward:   t.forward,
		Spec:      t.forward.Spec(),
		Desired:   t.desired,
		Applied:   t.applied,
		Deleting:  t.deleted,
		LastError: t.lastErr,
		ErrorKind: t.errKind,
		CreatedAt: t.createdAt,
	}
}

// connection holds one host's control channel state. Every field is
// guarded by Orchestrator.mu.
type connection struct {
	host   Host
	socket string

	state   State
	since   time.Time
	reason  string
	errKind ErrorKind

	connectedAt time.Time
	lastCheck   time.Time
	lastCheckOK bool

	tunnels []*tunnel
	trace   []State
}

func newConnection(host Host, socket string, now time.Time) *connection {
	return &connection{
		host:   host,
		socket: socket,
		state:  StateIdle,
		since:  now,
		trace:  []State{StateIdle},
	}
}

// transition moves c to the next state. It refuses anything not listed in
// transitions.
func (c *connection) transition(to State, now time.Time) (State, error) {
	from := c.state
	if !canTransition(from, to) {
		return from, errors.Annotatef(ErrInvalidTransition, "%s: %s -> %s", c.host.Alias, from, to)
	}

	c.state = to
	c.since = now
	if to != StateFailed {
		c.reason = ""
		c.errKind = ""
	}

	c.trace = append(c.trace, to)
	if len(c.trace) > maxTrace {
		c.trace = c.trace[len(c.trace)-maxTrace:]
	}
	return from, nil
}

func (c *connection) findTunnel(f control.Forward) *tunnel {
	for _, t := range c.tunnels {
		if t.forward == f {
			return t
		}
	}
	return nil
}

func (c *connection) removeTunnel(target *tunnel) {
	for i, t := range c.tunnels {
		if t == target {
			c.tunnels = append(c.tunnels[:i], c.tunnels[i+1:]...)
			return
		}
	}
}

func (c *connection) status() ConnectionStatus {
	st := ConnectionStatus{
		Host:        c.host,
		SocketPath:  c.socket,
		State:       c.state,
		Since:       c.since,
		Reason:      c.reason,
		ErrorKind:   c.errKind,
		ConnectedAt: c.connectedAt,
		LastCheck:   c.lastCheck,
		LastCheckOK: c.lastCheckOK,
		Tunnels:     make([]TunnelStatus, 0, len(c.tunnels)),
	}
	for _, t := range c.tunnels {
		st.Tunnels = append(st.Tunnels, t.status())
	}
	return st
}
