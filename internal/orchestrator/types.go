package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"go.olrik.dev/stm/internal/control"
)

// State is the lifecycle state of a Connection.
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
	StateFailed        State = "failed"
)

// Terminal reports whether the state ends a session. Terminal connections
// can be restarted through Idle.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// holdsSocket reports whether a connection in this state owns its control
// socket path.
func (s State) holdsSocket() bool {
	return s == StateConnecting || s == StateConnected || s == StateDisconnecting
}

// Host is a host record from the SSH config. The core references it by
// Alias only.
type Host struct {
	Alias        string `json:"alias"`
	Hostname     string `json:"hostname"`
	User         string `json:"user,omitempty"`
	Port         int    `json:"port,omitempty"`
	IdentityFile string `json:"identity_file,omitempty"`
	ProxyJump    string `json:"proxy_jump,omitempty"`
}

// Target returns the control target for h. Hostname falls back to Alias.
func (h Host) Target() control.Target {
	hostname := h.Hostname
	if hostname == "" {
		hostname = h.Alias
	}
	return control.Target{
		Hostname:     hostname,
		User:         h.User,
		Port:         h.Port,
		IdentityFile: h.IdentityFile,
		ProxyJump:    h.ProxyJump,
	}
}

// TunnelStatus is a read-only view of a Tunnel.
type TunnelStatus struct {
	ID        uuid.UUID       `json:"id"`
	Forward   control.Forward `json:"forward"`
	Spec      string          `json:"spec"`
	Desired   bool            `json:"desired"`
	Applied   bool            `json:"applied"`
	Deleting  bool            `json:"deleting,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ConnectionStatus is a read-only view of a Connection and its Tunnels.
type ConnectionStatus struct {
	Host        Host           `json:"host"`
	SocketPath  string         `json:"socket_path"`
	State       State          `json:"state"`
	Since       time.Time      `json:"since"`
	Reason      string         `json:"reason,omitempty"`
	ErrorKind   ErrorKind      `json:"error_kind,omitempty"`
	ConnectedAt time.Time      `json:"connected_at,omitzero"`
	LastCheck   time.Time      `json:"last_check,omitzero"`
	LastCheckOK bool           `json:"last_check_ok"`
	Tunnels     []TunnelStatus `json:"tunnels"`
}

// Snapshot is a self-consistent view of every Connection, in the order the
// connections were created.
type Snapshot struct {
	Taken       time.Time          `json:"taken"`
	Connections []ConnectionStatus `json:"connections"`
}

// Connection returns the status for alias.
func (s Snapshot) Connection(alias string) (ConnectionStatus, bool) {
	for _, c := range s.Connections {
		if c.Host.Alias == alias {
			return c, true
		}
	}
	return ConnectionStatus{}, false
}

// SavedTunnel is a tunnel restored from persisted history.
type SavedTunnel struct {
	ID        uuid.UUID
	Forward   control.Forward
	Enabled   bool
	CreatedAt time.Time
}

// SavedHost groups the saved tunnels of one host.
type SavedHost struct {
	Alias   string
	Tunnels []SavedTunnel
}

// TunnelFailure is one failed tunnel operation in a reconcile pass.
type TunnelFailure struct {
	Forward control.Forward `json:"forward"`
	Kind    ErrorKind       `json:"kind"`
	Reason  string          `json:"reason"`
}

// ReconcileReport summarizes one reconcile pass.
type ReconcileReport struct {
	Host     string            `json:"host"`
	Added    []control.Forward `json:"added,omitempty"`
	Removed  []control.Forward `json:"removed,omitempty"`
	Dropped  []control.Forward `json:"dropped,omitempty"`
	Failed   []TunnelFailure   `json:"failed,omitempty"`
	Commands int               `json:"commands"`
}
