package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"go.olrik.dev/stm/internal/control"
)

// SetTunnel records the desired state of a forward on alias. An unknown
// forward is appended to the host's tunnels. Nothing is pushed to ssh
// until Reconcile runs; this works in any connection state.
func (o *Orchestrator) SetTunnel(alias string, f control.Forward, enabled bool) (TunnelStatus, error) {
	if err := f.Validate(); err != nil {
		return TunnelStatus{}, errors.Trace(err)
	}

	o.locks.Lock(alias)
	defer o.locks.Unlock(alias)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return TunnelStatus{}, ErrClosed
	}
	c, err := o.ensureConnection(alias)
	if err != nil {
		return TunnelStatus{}, err
	}

	changed := false
	t := c.findTunnel(f)
	if t == nil {
		t = &tunnel{id: uuid.New(), forward: f, createdAt: o.clock.Now()}
		c.tunnels = append(c.tunnels, t)
		changed = true
	}
	if t.deleted {
		t.deleted = false
		changed = true
	}
	if t.desired != enabled {
		t.desired = enabled
		changed = true
	}
	if changed {
		o.emitTunnel(c, t)
	}
	return t.status(), nil
}

// DeleteTunnel disables a forward and removes it once it is no longer
// applied. An applied forward is cancelled by the next Reconcile.
func (o *Orchestrator) DeleteTunnel(alias string, f control.Forward) error {
	o.locks.Lock(alias)
	defer o.locks.Unlock(alias)

	o.mu.Lock()
	defer o.mu.Unlock()

	c, ok := o.conns[alias]
	if !ok {
		return errors.Annotatef(ErrUnknownTunnel, "%s on %s", f, alias)
	}
	t := c.findTunnel(f)
	if t == nil {
		return errors.Annotatef(ErrUnknownTunnel, "%s on %s", f, alias)
	}

	t.desired = false
	t.deleted = true
	if !t.applied {
		c.removeTunnel(t)
	}
	o.emitTunnel(c, t)
	return nil
}

// ResolveTunnel finds a tunnel of alias by forward spec or by a unique
// prefix of its ID.
func (o *Orchestrator) ResolveTunnel(alias, ref string) (control.Forward, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	c, ok := o.conns[alias]
	if !ok {
		return control.Forward{}, errors.Annotatef(ErrUnknownTunnel, "%q on %s", ref, alias)
	}
	if f, err := control.ParseForward(ref); err == nil {
		if c.findTunnel(f) != nil {
			return f, nil
		}
	}

	var match *tunnel
	for _, t := range c.tunnels {
		if strings.HasPrefix(t.id.String(), ref) {
			if match != nil {
				return control.Forward{}, errors.Annotatef(ErrUnknownTunnel, "ambiguous id %q on %s", ref, alias)
			}
			match = t
		}
	}
	if match == nil || ref == "" {
		return control.Forward{}, errors.Annotatef(ErrUnknownTunnel, "%q on %s", ref, alias)
	}
	return match.forward, nil
}

type stepAction int

const (
	stepNone stepAction = iota
	stepAdd
	stepRemove
	stepDrop
	stepStop
)

// Reconcile pushes the difference between desired and applied tunnels of
// a Connected host to ssh, one tunnel at a time in insertion order. A
// failed tunnel is recorded on that tunnel and does not end the pass. The
// pass stops issuing commands as soon as the connection is no longer
// Connected.
func (o *Orchestrator) Reconcile(ctx context.Context, alias string) (ReconcileReport, error) {
	report := ReconcileReport{Host: alias}

	o.locks.Lock(alias)
	defer o.locks.Unlock(alias)

	c, plan, err := o.plan(alias)
	if err != nil {
		return report, err
	}

	for _, t := range plan {
		action, host, socket, f := o.nextStep(c, t)
		switch action {
		case stepStop:
			return report, errors.Annotatef(ErrNotConnected, "%s left connected state during reconcile", alias)
		case stepNone:
			continue
		case stepDrop:
			o.mu.Lock()
			c.removeTunnel(t)
			o.emitTunnel(c, t)
			o.mu.Unlock()
			report.Dropped = append(report.Dropped, f)
		case stepAdd:
			o.addForward(ctx, c, t, host, socket, &report)
		case stepRemove:
			o.removeForward(ctx, c, t, host, socket, &report)
		}
	}

	o.log.Debug("Reconcile finished",
		"host", alias,
		"added", len(report.Added),
		"removed", len(report.Removed),
		"failed", len(report.Failed),
		"commands", report.Commands)
	return report, nil
}

// plan captures the tunnels to visit. The per-host lock keeps the tunnel
// set stable for the rest of the pass.
func (o *Orchestrator) plan(alias string) (*connection, []*tunnel, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		return nil, nil, ErrClosed
	}
	c, ok := o.conns[alias]
	if !ok {
		if _, known := o.hosts[alias]; !known {
			return nil, nil, errors.Annotatef(ErrUnknownHost, "%q", alias)
		}
		return nil, nil, errors.Annotatef(ErrNotConnected, "%s", alias)
	}
	if c.state != StateConnected {
		return nil, nil, errors.Annotatef(ErrNotConnected, "%s is %s", alias, c.state)
	}
	return c, append([]*tunnel(nil), c.tunnels...), nil
}

func (o *Orchestrator) nextStep(c *connection, t *tunnel) (stepAction, Host, string, control.Forward) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if c.state != StateConnected {
		return stepStop, Host{}, "", t.forward
	}
	switch {
	case t.deleted && !t.applied:
		return stepDrop, c.host, c.socket, t.forward
	case t.desired && !t.applied:
		return stepAdd, c.host, c.socket, t.forward
	case !t.desired && t.applied:
		return stepRemove, c.host, c.socket, t.forward
	}
	return stepNone, c.host, c.socket, t.forward
}

func (o *Orchestrator) addForward(ctx context.Context, c *connection, t *tunnel, host Host, socket string, report *ReconcileReport) {
	f := t.forward

	if o.cfg.PortAvailable != nil && !o.cfg.PortAvailable(f.LocalPort) {
		o.recordTunnel(c, t, false, ForwardAddFailed, fmt.Sprintf("local port %d already in use", f.LocalPort), report)
		return
	}

	res := o.cfg.Runner.Run(ctx, control.ForwardAdd{SocketPath: socket, Target: host.Target(), Forward: f}, o.cfg.Timeouts.Forward)
	report.Commands++

	if res.OK() {
		o.recordTunnel(c, t, true, "", "", report)
		report.Added = append(report.Added, f)
		return
	}
	cerr := commandError(host.Alias, res)
	o.recordTunnel(c, t, false, cerr.Kind, cerr.Reason, report)
}

func (o *Orchestrator) removeForward(ctx context.Context, c *connection, t *tunnel, host Host, socket string, report *ReconcileReport) {
	f := t.forward

	res := o.cfg.Runner.Run(ctx, control.ForwardRemove{SocketPath: socket, Target: host.Target(), Forward: f}, o.cfg.Timeouts.Forward)
	report.Commands++

	if res.OK() || res.ForwardAbsent() {
		if !res.OK() {
			o.log.Debug("Forward already absent", "host", host.Alias, "forward", f, "stderr", strings.TrimSpace(res.Stderr))
		}
		o.recordTunnel(c, t, false, "", "", report)
		report.Removed = append(report.Removed, f)
		return
	}
	cerr := commandError(host.Alias, res)
	o.recordTunnel(c, t, true, cerr.Kind, cerr.Reason, report)
}

// recordTunnel stores the outcome of one forward command. Applied is only
// raised while the connection is still Connected, so a connection that
// failed mid-command never ends up with applied tunnels.
func (o *Orchestrator) recordTunnel(c *connection, t *tunnel, applied bool, kind ErrorKind, reason string, report *ReconcileReport) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t.lastErr, t.errKind = reason, kind
	if applied && c.state != StateConnected {
		applied = false
	}
	t.applied = applied

	if kind != "" {
		report.Failed = append(report.Failed, TunnelFailure{Forward: t.forward, Kind: kind, Reason: reason})
		o.log.Warn("Tunnel operation failed", "host", c.host.Alias, "forward", t.forward, "kind", kind, "reason", reason)
	} else if t.deleted && !t.applied {
		c.removeTunnel(t)
	}
	o.emitTunnel(c, t)
}
