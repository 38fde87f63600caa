// Package orchestrator owns SSH ControlMaster connections and the local
// forwards layered on them.
//
// The Orchestrator keeps one Connection per host alias. Operations on the
// same alias are linearized by a per-host lock that is held across the
// external ssh command; the connection table itself is guarded by a
// read/write mutex that is only held for momentary updates, so Snapshot
// never waits on a subprocess.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"go.olrik.dev/stm/internal/control"
)

// Timeouts bound each class of control command.
type Timeouts struct {
	Establish time.Duration
	Teardown  time.Duration
	Probe     time.Duration
	Forward   time.Duration
}

// DefaultTimeouts returns the timeouts used when a Config leaves them zero.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Establish: 20 * time.Second,
		Teardown:  10 * time.Second,
		Probe:     5 * time.Second,
		Forward:   5 * time.Second,
	}
}

// Config configures an Orchestrator.
type Config struct {
	// SocketDir holds one control socket per host and port.
	SocketDir string
	Runner    control.Runner
	Timeouts  Timeouts
	Clock     clock.Clock
	Logger    *slog.Logger

	// PortAvailable, if set, is consulted before a forward is added so an
	// occupied local port fails fast with a clear reason.
	PortAvailable func(port int) bool
	// SocketExists defaults to control.SocketExists.
	SocketExists func(path string) bool

	EventBuffer int
}

// Orchestrator is the composition root for connections and tunnels.
type Orchestrator struct {
	cfg    Config
	log    *slog.Logger
	clock  clock.Clock
	locks  *kmutex.Kmutex
	events *broadcaster

	mu        sync.RWMutex
	hosts     map[string]Host
	hostOrder []string
	conns     map[string]*connection
	connOrder []string
	closed    bool
}

// New creates an Orchestrator over the given host list.
func New(cfg Config, hosts []Host) (*Orchestrator, error) {
	if cfg.SocketDir == "" {
		return nil, errors.NotValidf("empty socket dir")
	}
	if cfg.Runner == nil {
		return nil, errors.NotValidf("nil runner")
	}

	defaults := DefaultTimeouts()
	if cfg.Timeouts.Establish <= 0 {
		cfg.Timeouts.Establish = defaults.Establish
	}
	if cfg.Timeouts.Teardown <= 0 {
		cfg.Timeouts.Teardown = defaults.Teardown
	}
	if cfg.Timeouts.Probe <= 0 {
		cfg.Timeouts.Probe = defaults.Probe
	}
	if cfg.Timeouts.Forward <= 0 {
		cfg.Timeouts.Forward = defaults.Forward
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SocketExists == nil {
		cfg.SocketExists = control.SocketExists
	}

	o := &Orchestrator{
		cfg:    cfg,
		log:    cfg.Logger,
		clock:  cfg.Clock,
		locks:  kmutex.New(),
		events: newBroadcaster(cfg.EventBuffer),
		conns:  make(map[string]*connection),
	}
	o.setHostsLocked(hosts)
	return o, nil
}

// SetHosts replaces the host list. Existing connections keep the record
// they were created with until they are restarted from Idle.
func (o *Orchestrator) SetHosts(hosts []Host) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.setHostsLocked(hosts)
	o.emit(Event{Type: EventHosts})
	o.log.Info("Host list reloaded", "hosts", len(o.hostOrder))
}

func (o *Orchestrator) setHostsLocked(hosts []Host) {
	o.hosts = make(map[string]Host, len(hosts))
	o.hostOrder = o.hostOrder[:0]
	for _, h := range hosts {
		if h.Alias == "" {
			continue
		}
		if _, dup := o.hosts[h.Alias]; dup {
			continue
		}
		o.hosts[h.Alias] = h
		o.hostOrder = append(o.hostOrder, h.Alias)
	}
}

// Hosts returns the host list in its original order.
func (o *Orchestrator) Hosts() []Host {
	o.mu.RLock()
	defer o.mu.RUnlock()

	hosts := make([]Host, 0, len(o.hostOrder))
	for _, alias := range o.hostOrder {
		hosts = append(hosts, o.hosts[alias])
	}
	return hosts
}

// Subscribe returns a channel of change events. The channel is closed by
// Unsubscribe or Close.
func (o *Orchestrator) Subscribe() (int, <-chan Event) {
	return o.events.subscribe(0)
}

// SubscribeBuffered is Subscribe with room for size pending events, for
// consumers that do slow work per event.
func (o *Orchestrator) SubscribeBuffered(size int) (int, <-chan Event) {
	return o.events.subscribe(size)
}

func (o *Orchestrator) Unsubscribe(id int) {
	o.events.unsubscribe(id)
}

// Snapshot returns a consistent copy of every connection and tunnel.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	snap := Snapshot{
		Taken:       o.clock.Now(),
		Connections: make([]ConnectionStatus, 0, len(o.connOrder)),
	}
	for _, alias := range o.connOrder {
		snap.Connections = append(snap.Connections, o.conns[alias].status())
	}
	return snap
}

// State returns the current state of alias. A known host without a
// connection is Idle.
func (o *Orchestrator) State(alias string) (State, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if c, ok := o.conns[alias]; ok {
		return c.state, nil
	}
	if _, ok := o.hosts[alias]; ok {
		return StateIdle, nil
	}
	return "", errors.Annotatef(ErrUnknownHost, "%q", alias)
}

// ConnectedHosts returns the aliases currently Connected.
func (o *Orchestrator) ConnectedHosts() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var aliases []string
	for _, alias := range o.connOrder {
		if o.conns[alias].state == StateConnected {
			aliases = append(aliases, alias)
		}
	}
	return aliases
}

// Seed creates Idle connections carrying saved tunnels. It returns the
// aliases that have at least one desired-enabled tunnel. Hosts no longer in
// the host list are skipped.
func (o *Orchestrator) Seed(saved []SavedHost) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var restore []string
	for _, sh := range saved {
		c, err := o.ensureConnection(sh.Alias)
		if err != nil {
			o.log.Warn("Skipping saved tunnels", "host", sh.Alias, "error", err)
			continue
		}

		wanted := false
		for _, st := range sh.Tunnels {
			if err := st.Forward.Validate(); err != nil {
				o.log.Warn("Skipping invalid saved tunnel", "host", sh.Alias, "error", err)
				continue
			}
			if c.findTunnel(st.Forward) != nil {
				continue
			}
			t := &tunnel{
				id:        st.ID,
				forward:   st.Forward,
				desired:   st.Enabled,
				createdAt: st.CreatedAt,
			}
			if t.id == uuid.Nil {
				t.id = uuid.New()
			}
			if t.createdAt.IsZero() {
				t.createdAt = o.clock.Now()
			}
			c.tunnels = append(c.tunnels, t)
			o.emitTunnel(c, t)
			wanted = wanted || t.desired
		}
		if wanted {
			restore = append(restore, sh.Alias)
		}
	}
	return restore
}

// Connect establishes the control master for alias. Connecting a Failed or
// Disconnected host restarts it through Idle. Connecting an already
// Connected host is a no-op. A request while another connect or
// disconnect for the host is in flight fails with ErrBusy.
func (o *Orchestrator) Connect(ctx context.Context, alias string) error {
	if err := o.precheck(alias); err != nil {
		return err
	}

	o.locks.Lock(alias)
	defer o.locks.Unlock(alias)

	c, host, socket, err := o.beginConnect(alias)
	if err != nil || c == nil {
		return err
	}

	o.clearStaleSocket(ctx, host, socket)

	res := o.cfg.Runner.Run(ctx, control.Establish{SocketPath: socket, Target: host.Target()}, o.cfg.Timeouts.Establish)

	o.mu.Lock()
	defer o.mu.Unlock()

	if res.OK() {
		now := o.clock.Now()
		c.connectedAt = now
		c.lastCheck = now
		c.lastCheckOK = true
		return o.setState(c, StateConnected, "", "")
	}

	cerr := commandError(alias, res)
	if err := o.fail(c, cerr.Kind, cerr.Reason); err != nil {
		return err
	}
	return cerr
}

// beginConnect moves alias into Connecting. The socket conflict check and
// the transition happen in one critical section.
func (o *Orchestrator) beginConnect(alias string) (*connection, Host, string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, Host{}, "", ErrClosed
	}
	c, err := o.ensureConnection(alias)
	if err != nil {
		return nil, Host{}, "", err
	}

	switch c.state {
	case StateConnected:
		return nil, Host{}, "", nil
	case StateConnecting, StateDisconnecting:
		return nil, Host{}, "", errors.Annotatef(ErrBusy, "%s is %s", alias, c.state)
	case StateFailed, StateDisconnected:
		if err := o.setState(c, StateIdle, "", ""); err != nil {
			return nil, Host{}, "", err
		}
	}

	if h, ok := o.hosts[alias]; ok && h != c.host {
		socket, err := o.socketFor(h)
		if err != nil {
			return nil, Host{}, "", err
		}
		c.host, c.socket = h, socket
	}

	if holder := o.socketHolder(c); holder != nil {
		reason := fmt.Sprintf("control socket %s already held by %s (%s)", c.socket, holder.host.Alias, holder.state)
		o.log.Error("Control socket conflict",
			"invariant", "one live connection per socket",
			"host", alias,
			"holder", holder.host.Alias,
			"socket", c.socket)
		if err := o.setState(c, StateConnecting, "", ""); err != nil {
			return nil, Host{}, "", err
		}
		if err := o.fail(c, SocketConflict, reason); err != nil {
			return nil, Host{}, "", err
		}
		return nil, Host{}, "", &Error{Kind: SocketConflict, Op: control.KindEstablish, Host: alias, Reason: reason}
	}

	if err := o.setState(c, StateConnecting, "", ""); err != nil {
		return nil, Host{}, "", err
	}
	return c, c.host, c.socket, nil
}

// clearStaleSocket removes whatever is left at socket before a new master
// is started. A live leftover master is asked to exit first.
func (o *Orchestrator) clearStaleSocket(ctx context.Context, host Host, socket string) {
	if o.cfg.SocketExists(socket) {
		res := o.cfg.Runner.Run(ctx, control.Teardown{SocketPath: socket, Target: host.Target()}, o.cfg.Timeouts.Probe)
		o.log.Debug("Stopped leftover master", "host", host.Alias, "socket", socket, "ok", res.OK())
	}
	if err := control.RemoveSocket(socket); err != nil {
		o.log.Warn("Failed to remove stale socket", "host", host.Alias, "socket", socket, "error", err)
	}
}

// Disconnect tears down the control master of a Connected host. Teardown
// failures are logged and the connection still ends Disconnected.
func (o *Orchestrator) Disconnect(ctx context.Context, alias string) error {
	if err := o.precheck(alias); err != nil {
		return err
	}

	o.locks.Lock(alias)
	defer o.locks.Unlock(alias)

	o.mu.Lock()
	c, ok := o.conns[alias]
	if !ok {
		o.mu.Unlock()
		return errors.Annotatef(ErrNotConnected, "%s", alias)
	}
	switch c.state {
	case StateConnected:
	case StateConnecting, StateDisconnecting:
		o.mu.Unlock()
		return errors.Annotatef(ErrBusy, "%s is %s", alias, c.state)
	default:
		o.mu.Unlock()
		return errors.Annotatef(ErrNotConnected, "%s is %s", alias, c.state)
	}
	if err := o.setState(c, StateDisconnecting, "", ""); err != nil {
		o.mu.Unlock()
		return err
	}
	host, socket := c.host, c.socket
	o.mu.Unlock()

	var kind ErrorKind
	var reason string
	res := o.cfg.Runner.Run(ctx, control.Teardown{SocketPath: socket, Target: host.Target()}, o.cfg.Timeouts.Teardown)
	if !res.OK() {
		cerr := commandError(alias, res)
		kind, reason = TeardownFailed, cerr.Reason
		o.log.Warn("Teardown failed, treating master as gone",
			"host", alias,
			"kind", cerr.Kind,
			"reason", cerr.Reason)
	}
	if err := control.RemoveSocket(socket); err != nil {
		o.log.Warn("Failed to remove socket", "host", alias, "socket", socket, "error", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.clearApplied(c)
	return o.setState(c, StateDisconnected, kind, reason)
}

// Reconnect restarts the control master of alias. A Connected host is
// disconnected first.
func (o *Orchestrator) Reconnect(ctx context.Context, alias string) error {
	state, err := o.State(alias)
	if err != nil {
		return err
	}
	if state == StateConnected {
		if err := o.Disconnect(ctx, alias); err != nil && !errors.Is(err, ErrNotConnected) {
			return err
		}
	}
	return o.Connect(ctx, alias)
}

// Forget drops the connection of alias and all its tunnels. Only Idle,
// Disconnected and Failed connections can be forgotten.
func (o *Orchestrator) Forget(alias string) error {
	o.locks.Lock(alias)
	defer o.locks.Unlock(alias)

	o.mu.Lock()
	defer o.mu.Unlock()

	c, ok := o.conns[alias]
	if !ok {
		if _, known := o.hosts[alias]; known {
			return nil
		}
		return errors.Annotatef(ErrUnknownHost, "%q", alias)
	}
	if c.state.holdsSocket() {
		return errors.Annotatef(ErrActive, "%s is %s", alias, c.state)
	}

	delete(o.conns, alias)
	for i, a := range o.connOrder {
		if a == alias {
			o.connOrder = append(o.connOrder[:i], o.connOrder[i+1:]...)
			break
		}
	}
	o.emit(Event{Type: EventForget, Host: alias})
	return nil
}

// Probe runs one liveness check against a Connected host. A failed probe
// moves the connection to Failed and clears every applied flag while
// keeping desired flags.
func (o *Orchestrator) Probe(ctx context.Context, alias string) error {
	return o.ProbeGated(ctx, alias, nil)
}

// ProbeGated is Probe with the check command run only while holding a slot
// of slots. Time spent waiting for the host lock does not hold a slot. A
// nil slots runs ungated.
func (o *Orchestrator) ProbeGated(ctx context.Context, alias string, slots *semaphore.Weighted) error {
	o.locks.Lock(alias)
	defer o.locks.Unlock(alias)

	o.mu.RLock()
	c, ok := o.conns[alias]
	if !ok || c.state != StateConnected {
		o.mu.RUnlock()
		return errors.Annotatef(ErrNotConnected, "%s", alias)
	}
	host, socket := c.host, c.socket
	o.mu.RUnlock()

	var res control.Result
	present := o.cfg.SocketExists(socket)
	if present {
		if slots != nil {
			if err := slots.Acquire(ctx, 1); err != nil {
				return errors.Annotatef(err, "waiting for a probe slot for %s", alias)
			}
		}
		res = o.cfg.Runner.Run(ctx, control.HealthCheck{SocketPath: socket, Target: host.Target()}, o.cfg.Timeouts.Probe)
		if slots != nil {
			slots.Release(1)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if c.state != StateConnected {
		return nil
	}
	c.lastCheck = o.clock.Now()

	if present && res.OK() {
		c.lastCheckOK = true
		o.emit(Event{Type: EventHealth, Host: alias, Healthy: true})
		return nil
	}

	c.lastCheckOK = false
	perr := &Error{Kind: HealthCheckFailed, Op: control.KindHealthCheck, Host: alias}
	if present {
		perr = commandError(alias, res)
	} else {
		perr.Reason = "control socket missing: " + socket
	}
	o.emit(Event{Type: EventHealth, Host: alias, Kind: perr.Kind, Reason: perr.Reason})
	if err := o.fail(c, perr.Kind, perr.Reason); err != nil {
		return err
	}
	return perr
}

// SweepOrphans stops and removes control sockets in the socket directory
// that no connection holds. It is meant to run before any connect.
func (o *Orchestrator) SweepOrphans(ctx context.Context) (int, error) {
	sockets, err := control.ListSockets(o.cfg.SocketDir)
	if err != nil {
		return 0, errors.Trace(err)
	}

	o.mu.RLock()
	held := make(map[string]bool)
	for _, c := range o.conns {
		if c.state.holdsSocket() {
			held[c.socket] = true
		}
	}
	o.mu.RUnlock()

	removed := 0
	for _, socket := range sockets {
		if held[socket] {
			continue
		}
		target := control.Target{Hostname: filepath.Base(socket)}
		res := o.cfg.Runner.Run(ctx, control.Teardown{SocketPath: socket, Target: target}, o.cfg.Timeouts.Teardown)
		if err := control.RemoveSocket(socket); err != nil {
			o.log.Warn("Failed to remove orphan socket", "socket", socket, "error", err)
			continue
		}
		o.log.Info("Removed orphan control socket", "socket", socket, "master_exited", res.OK())
		removed++
	}
	return removed, nil
}

// Shutdown disconnects every Connected host in parallel.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	for _, alias := range o.ConnectedHosts() {
		g.Go(func() error {
			err := o.Disconnect(ctx, alias)
			if errors.Is(err, ErrNotConnected) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Close rejects further operations and closes every subscription.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.events.close()
}

func (o *Orchestrator) precheck(alias string) error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		return ErrClosed
	}
	c, ok := o.conns[alias]
	if !ok {
		if _, known := o.hosts[alias]; !known {
			return errors.Annotatef(ErrUnknownHost, "%q", alias)
		}
		return nil
	}
	if c.state == StateConnecting || c.state == StateDisconnecting {
		return errors.Annotatef(ErrBusy, "%s is %s", alias, c.state)
	}
	return nil
}

// ensureConnection returns the connection for alias, creating it Idle.
// Callers hold o.mu for writing.
func (o *Orchestrator) ensureConnection(alias string) (*connection, error) {
	if c, ok := o.conns[alias]; ok {
		return c, nil
	}
	h, ok := o.hosts[alias]
	if !ok {
		return nil, errors.Annotatef(ErrUnknownHost, "%q", alias)
	}
	socket, err := o.socketFor(h)
	if err != nil {
		return nil, err
	}
	c := newConnection(h, socket, o.clock.Now())
	o.conns[alias] = c
	o.connOrder = append(o.connOrder, alias)
	return c, nil
}

func (o *Orchestrator) socketFor(h Host) (string, error) {
	t := h.Target()
	socket, err := control.SocketPath(o.cfg.SocketDir, t.Hostname, t.EffectivePort())
	if err != nil {
		return "", errors.Annotatef(err, "host %s", h.Alias)
	}
	return socket, nil
}

// socketHolder returns another connection that holds c's socket.
func (o *Orchestrator) socketHolder(c *connection) *connection {
	for _, other := range o.conns {
		if other != c && other.socket == c.socket && other.state.holdsSocket() {
			return other
		}
	}
	return nil
}

// setState performs a checked transition and publishes it. Callers hold
// o.mu for writing.
func (o *Orchestrator) setState(c *connection, to State, kind ErrorKind, reason string) error {
	from, err := c.transition(to, o.clock.Now())
	if err != nil {
		o.log.Error("Rejected state transition", "host", c.host.Alias, "from", from, "to", to)
		return err
	}
	if kind != "" {
		c.errKind, c.reason = kind, reason
	}

	if to == StateFailed {
		o.log.Warn("Connection failed", "host", c.host.Alias, "from", from, "kind", kind, "reason", reason)
	} else {
		o.log.Info("Connection state changed", "host", c.host.Alias, "from", from, "to", to)
	}
	o.emit(Event{Type: EventState, Host: c.host.Alias, From: from, To: to, Kind: kind, Reason: reason})
	return nil
}

// fail moves c to Failed and clears applied flags in the same critical
// section, so no snapshot shows a Failed connection with applied tunnels.
func (o *Orchestrator) fail(c *connection, kind ErrorKind, reason string) error {
	o.clearApplied(c)
	return o.setState(c, StateFailed, kind, reason)
}

// clearApplied marks every forward of c as gone. Tunnels waiting for
// deletion are dropped since there is nothing left to cancel.
func (o *Orchestrator) clearApplied(c *connection) {
	kept := c.tunnels[:0]
	for _, t := range c.tunnels {
		if t.deleted {
			t.applied = false
			o.emitTunnel(c, t)
			continue
		}
		if t.applied {
			t.applied = false
			o.emitTunnel(c, t)
		}
		kept = append(kept, t)
	}
	clear(c.tunnels[len(kept):])
	c.tunnels = kept
}

func (o *Orchestrator) emit(ev Event) {
	ev.Time = o.clock.Now()
	o.events.publish(ev)
}

func (o *Orchestrator) emitTunnel(c *connection, t *tunnel) {
	st := t.status()
	o.emit(Event{Type: EventTunnel, Host: c.host.Alias, Tunnel: &st, Kind: t.errKind, Reason: t.lastErr})
}
