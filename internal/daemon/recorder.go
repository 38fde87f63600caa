package daemon

import (
	"log/slog"

	"github.com/google/uuid"

	"go.olrik.dev/stm/internal/db"
	"go.olrik.dev/stm/internal/history"
	"go.olrik.dev/stm/internal/orchestrator"
)

// Tunnel event types written to the audit log
const (
	tunnelDefined  = "defined"
	tunnelEnabled  = "enabled"
	tunnelDisabled = "disabled"
	tunnelApplied  = "applied"
	tunnelRemoved  = "removed"
	tunnelDeleted  = "deleted"
	tunnelFailed   = "failed"
)

// recorderBuffer is the event backlog the recorder may fall behind by
// before events are dropped.
const recorderBuffer = 4096

// recorder turns orchestrator events into audit log rows and keeps the
// history file in step with each host's desired tunnels.
//
// The audit log is best-effort: events beyond recorderBuffer are dropped
// by the orchestrator. Each history save writes the host's full tunnel
// set, so a dropped tunnel event is repaired by the next save or by the
// save at shutdown.
type recorder struct {
	orch     *orchestrator.Orchestrator
	history  *history.Store
	database *db.DB
	log      *slog.Logger

	// last seen status per tunnel, only touched by run
	tunnels map[uuid.UUID]orchestrator.TunnelStatus
}

func newRecorder(orch *orchestrator.Orchestrator, store *history.Store, database *db.DB, logger *slog.Logger) *recorder {
	return &recorder{
		orch:     orch,
		history:  store,
		database: database,
		log:      logger,
		tunnels:  make(map[uuid.UUID]orchestrator.TunnelStatus),
	}
}

// subscribe registers for events and primes the tunnel table from a
// snapshot taken after subscribing, so no change is missed.
func (r *recorder) subscribe() <-chan orchestrator.Event {
	_, events := r.orch.SubscribeBuffered(recorderBuffer)
	for _, c := range r.orch.Snapshot().Connections {
		for _, t := range c.Tunnels {
			r.tunnels[t.ID] = t
		}
	}
	return events
}

// run consumes events until the orchestrator closes the channel.
func (r *recorder) run(events <-chan orchestrator.Event) {
	for ev := range events {
		r.handle(ev)
	}
}

func (r *recorder) handle(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventState:
		r.logConnection(ev)
		switch ev.To {
		case orchestrator.StateConnected:
			r.history.RecordConnection(ev.Host)
			r.saveHost(ev.Host)
		case orchestrator.StateDisconnected:
			r.saveHost(ev.Host)
		}
	case orchestrator.EventTunnel:
		if ev.Tunnel == nil {
			return
		}
		prev, seen := r.tunnels[ev.Tunnel.ID]
		eventType := tunnelEventType(prev, seen, *ev.Tunnel)
		if ev.Tunnel.Deleting && !ev.Tunnel.Applied {
			delete(r.tunnels, ev.Tunnel.ID)
		} else {
			r.tunnels[ev.Tunnel.ID] = *ev.Tunnel
		}
		if eventType != "" {
			r.logTunnel(ev, eventType)
		}
		r.saveHost(ev.Host)
	case orchestrator.EventForget:
		r.forgetHost(ev.Host)
	}
}

// tunnelEventType names the change from prev to cur, or "" for none worth
// recording.
func tunnelEventType(prev orchestrator.TunnelStatus, seen bool, cur orchestrator.TunnelStatus) string {
	switch {
	case cur.ErrorKind != "" && (cur.LastError != prev.LastError || cur.ErrorKind != prev.ErrorKind || !seen):
		return tunnelFailed
	case cur.Deleting && !cur.Applied:
		return tunnelDeleted
	case !seen:
		return tunnelDefined
	case cur.Applied && !prev.Applied:
		return tunnelApplied
	case !cur.Applied && prev.Applied:
		return tunnelRemoved
	case cur.Desired && !prev.Desired:
		return tunnelEnabled
	case !cur.Desired && prev.Desired:
		return tunnelDisabled
	}
	return ""
}

func (r *recorder) logConnection(ev orchestrator.Event) {
	if r.database == nil {
		return
	}
	err := r.database.LogConnectionEvent(db.ConnectionEvent{
		Host:      ev.Host,
		FromState: string(ev.From),
		ToState:   string(ev.To),
		ErrorKind: string(ev.Kind),
		Reason:    ev.Reason,
		Timestamp: ev.Time,
	})
	if err != nil {
		r.log.Error("Failed to log connection event", "host", ev.Host, "error", err)
	}
}

func (r *recorder) logTunnel(ev orchestrator.Event, eventType string) {
	if r.database == nil {
		return
	}
	err := r.database.LogTunnelEvent(db.TunnelEvent{
		Host:      ev.Host,
		TunnelID:  ev.Tunnel.ID.String(),
		Forward:   ev.Tunnel.Spec,
		EventType: eventType,
		ErrorKind: string(ev.Tunnel.ErrorKind),
		Details:   ev.Tunnel.LastError,
		Timestamp: ev.Time,
	})
	if err != nil {
		r.log.Error("Failed to log tunnel event", "host", ev.Host, "error", err)
	}
}

// saveHost writes the current tunnels of alias to the history file.
func (r *recorder) saveHost(alias string) {
	c, ok := r.orch.Snapshot().Connection(alias)
	if !ok {
		return
	}
	r.history.SaveTunnels(alias, savedTunnels(c))
	if err := r.history.Save(); err != nil {
		r.log.Error("Failed to save history", "error", err)
	}
}

// forgetHost drops the saved tunnels of alias so a restart does not seed
// them again. Use stats are kept for the recent hosts list.
func (r *recorder) forgetHost(alias string) {
	r.history.SaveTunnels(alias, nil)
	if err := r.history.Save(); err != nil {
		r.log.Error("Failed to save history", "error", err)
	}
}

// saveAll writes the tunnels of every connection to the history file.
func (r *recorder) saveAll() {
	for _, c := range r.orch.Snapshot().Connections {
		r.history.SaveTunnels(c.Host.Alias, savedTunnels(c))
	}
	if err := r.history.Save(); err != nil {
		r.log.Error("Failed to save history", "error", err)
	}
}

// savedTunnels converts the live tunnels of c for persistence. Tunnels
// marked for deletion are left out.
func savedTunnels(c orchestrator.ConnectionStatus) []history.SavedTunnel {
	var saved []history.SavedTunnel
	for _, t := range c.Tunnels {
		if t.Deleting {
			continue
		}
		saved = append(saved, history.SavedTunnel{
			ID:        t.ID,
			Forward:   t.Forward,
			Enabled:   t.Desired,
			CreatedAt: t.CreatedAt,
		})
	}
	return saved
}

// savedHosts converts the history file into seeds for the orchestrator.
func savedHosts(store *history.Store) []orchestrator.SavedHost {
	var hosts []orchestrator.SavedHost
	for _, alias := range store.Aliases() {
		tunnels := store.SavedTunnels(alias)
		if len(tunnels) == 0 {
			continue
		}
		sh := orchestrator.SavedHost{Alias: alias}
		for _, t := range tunnels {
			sh.Tunnels = append(sh.Tunnels, orchestrator.SavedTunnel{
				ID:        t.ID,
				Forward:   t.Forward,
				Enabled:   t.Enabled,
				CreatedAt: t.CreatedAt,
			})
		}
		hosts = append(hosts, sh)
	}
	return hosts
}
