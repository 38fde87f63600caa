package daemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"go.olrik.dev/stm/internal/control"
	"go.olrik.dev/stm/internal/core"
	"go.olrik.dev/stm/internal/db"
	"go.olrik.dev/stm/internal/orchestrator"
)

// StatusData is the payload of STATUS
type StatusData struct {
	Version     string           `json:"version"`
	PID         int              `json:"pid"`
	StartedAt   time.Time        `json:"started_at"`
	SocketDir   string           `json:"socket_dir"`
	Suppressed  bool             `json:"suppressed,omitempty"`
	Connections []ConnectionView `json:"connections"`
}

// ConnectData is the payload of CONNECT, RECONNECT and RECONCILE
type ConnectData struct {
	Connection *ConnectionView               `json:"connection,omitempty"`
	Report     *orchestrator.ReconcileReport `json:"report,omitempty"`
}

// EventsData is the payload of EVENTS
type EventsData struct {
	Connections []db.ConnectionEvent `json:"connections"`
	Tunnels     []db.TunnelEvent     `json:"tunnels"`
	Daemon      []db.DaemonEvent     `json:"daemon"`
}

// WatchFrame is one JSON line of a WATCH stream. The first frame carries a
// snapshot, every later frame one event.
type WatchFrame struct {
	Snapshot *orchestrator.Snapshot `json:"snapshot,omitempty"`
	Event    *orchestrator.Event    `json:"event,omitempty"`
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	parts := strings.Fields(scanner.Text())
	if len(parts) == 0 {
		return
	}
	command, args := strings.ToUpper(parts[0]), parts[1:]

	switch command {
	case "VERSION", "STATUS", "WATCH", "LOGS":
		d.log.Debug("Executing command", "command", command, "args", args)
	default:
		d.log.Info("Executing command", "command", command, "args", args)
	}

	var response Response
	switch command {
	case "STATUS":
		response = d.getStatus(args)
	case "HOSTS":
		response.AddMessage("OK", StatusInfo)
		response.AddData(d.hostViews())
	case "CONNECT":
		response = d.withAlias(args, "CONNECT <alias>", d.connect)
	case "DISCONNECT":
		if len(args) == 1 && args[0] == "--all" {
			response = d.disconnectAll()
		} else {
			response = d.withAlias(args, "DISCONNECT <alias>|--all", d.disconnect)
		}
	case "RECONNECT":
		response = d.withAlias(args, "RECONNECT <alias>", d.reconnect)
	case "FORGET":
		response = d.withAlias(args, "FORGET <alias>", d.forget)
	case "RECONCILE":
		response = d.withAlias(args, "RECONCILE <alias>", d.reconcile)
	case "TUNNEL_SET":
		if len(args) != 3 || (args[2] != "on" && args[2] != "off") {
			response.AddMessage("Usage: TUNNEL_SET <alias> <spec> on|off", StatusError)
			break
		}
		response = d.setTunnel(args[0], args[1], args[2] == "on")
	case "TUNNEL_DELETE":
		if len(args) != 2 {
			response.AddMessage("Usage: TUNNEL_DELETE <alias> <spec|id>", StatusError)
			break
		}
		response = d.deleteTunnel(args[0], args[1])
	case "RELOAD":
		if n, err := d.reloadHosts(); err != nil {
			response.AddError(err)
		} else {
			response.AddMessage(fmt.Sprintf("Reloaded %d host(s) from %s", n, d.cfg.SSHConfigPath), StatusInfo)
		}
	case "EVENTS":
		response = d.getEvents(args)
	case "VERSION":
		response.AddMessage("OK", StatusInfo)
		response.AddData(map[string]any{"version": core.Version, "pid": os.Getpid()})
	case "WATCH":
		d.handleWatch(conn)
		return
	case "LOGS":
		historyLines, showHistory := parseLogArgs(args)
		d.handleLogs(conn, showHistory, historyLines)
		return
	case "STOP":
		connected := len(d.orch.ConnectedHosts())
		if connected > 0 {
			response.AddMessage(fmt.Sprintf("Stopping daemon and disconnecting %d active connection(s)...", connected), StatusInfo)
		} else {
			response.AddMessage("Stopping daemon...", StatusInfo)
		}
		io.WriteString(conn, response.ToJSON())
		d.requestStop()
		return
	default:
		response.AddMessage("Unknown command.", StatusError)
	}
	io.WriteString(conn, response.ToJSON())
}

// parseLogArgs reads "[lines] [no_history]"; the default is 20 lines.
func parseLogArgs(args []string) (int, bool) {
	historyLines, showHistory := 20, true
	for _, arg := range args {
		if arg == "no_history" {
			showHistory = false
			continue
		}
		if n, err := strconv.Atoi(arg); err == nil && n >= 0 {
			historyLines = n
		}
	}
	return historyLines, showHistory
}

func (d *Daemon) withAlias(args []string, usage string, fn func(alias string) Response) Response {
	if len(args) != 1 {
		var response Response
		response.AddMessage("Usage: "+usage, StatusError)
		return response
	}
	return fn(args[0])
}

// connectionView returns the annotated status of alias. A known host with
// no connection yet is reported Idle.
func (d *Daemon) connectionView(alias string) *ConnectionView {
	c, ok := d.orch.Snapshot().Connection(alias)
	if !ok {
		for _, h := range d.orch.Hosts() {
			if h.Alias == alias {
				c = orchestrator.ConnectionStatus{Host: h, State: orchestrator.StateIdle}
				ok = true
				break
			}
		}
	}
	if !ok {
		return nil
	}
	views := d.annotate([]orchestrator.ConnectionStatus{c})
	return &views[0]
}

func (d *Daemon) getStatus(args []string) Response {
	response := Response{}

	snap := d.orch.Snapshot()
	conns := snap.Connections
	if len(args) > 0 {
		c, ok := snap.Connection(args[0])
		if !ok {
			view := d.connectionView(args[0])
			if view == nil {
				response.AddError(errors.Annotatef(orchestrator.ErrUnknownHost, "%q", args[0]))
				return response
			}
			c = view.ConnectionStatus
		}
		conns = []orchestrator.ConnectionStatus{c}
	}

	if len(conns) == 0 {
		response.AddMessage("No connections", StatusWarn)
	} else {
		response.AddMessage("OK", StatusInfo)
	}
	response.AddData(StatusData{
		Version:     core.Version,
		PID:         os.Getpid(),
		StartedAt:   d.startedAt,
		SocketDir:   d.cfg.SocketDir,
		Suppressed:  d.sleep != nil && d.sleep.IsSuppressed(),
		Connections: d.annotate(conns),
	})
	return response
}

// addReport turns a reconcile report into response messages
func addReport(response *Response, report orchestrator.ReconcileReport) {
	for _, f := range report.Added {
		response.AddMessage(fmt.Sprintf("Forward %s applied", f), StatusInfo)
	}
	for _, f := range report.Removed {
		response.AddMessage(fmt.Sprintf("Forward %s removed", f), StatusInfo)
	}
	for _, failure := range report.Failed {
		response.AddMessage(fmt.Sprintf("Forward %s failed (%s): %s", failure.Forward, failure.Kind, failure.Reason), StatusWarn)
	}
}

func (d *Daemon) connectResponse(alias string, report orchestrator.ReconcileReport, err error, ok string) Response {
	response := Response{}
	if err != nil {
		response.AddError(err)
	} else {
		response.AddMessage(ok, StatusInfo)
		addReport(&response, report)
	}
	response.AddData(ConnectData{Connection: d.connectionView(alias), Report: &report})
	return response
}

func (d *Daemon) connect(alias string) Response {
	report, err := d.connectAndReconcile(d.ctx, alias)
	return d.connectResponse(alias, report, err, fmt.Sprintf("Connected to %s", alias))
}

func (d *Daemon) reconnect(alias string) Response {
	report := orchestrator.ReconcileReport{Host: alias}
	err := d.orch.Reconnect(d.ctx, alias)
	if err == nil {
		report, err = d.orch.Reconcile(d.ctx, alias)
	}
	return d.connectResponse(alias, report, err, fmt.Sprintf("Reconnected to %s", alias))
}

func (d *Daemon) reconcile(alias string) Response {
	report, err := d.orch.Reconcile(d.ctx, alias)
	return d.connectResponse(alias, report, err, fmt.Sprintf("Reconciled %s (%d command(s))", alias, report.Commands))
}

func (d *Daemon) disconnect(alias string) Response {
	response := Response{}
	if err := d.orch.Disconnect(d.ctx, alias); err != nil {
		response.AddError(err)
		return response
	}
	if c, ok := d.orch.Snapshot().Connection(alias); ok && c.ErrorKind == orchestrator.TeardownFailed {
		response.AddMessage(fmt.Sprintf("Disconnected from %s, but teardown reported: %s", alias, c.Reason), StatusWarn)
		return response
	}
	response.AddMessage(fmt.Sprintf("Disconnected from %s", alias), StatusInfo)
	return response
}

func (d *Daemon) disconnectAll() Response {
	response := Response{}
	aliases := d.orch.ConnectedHosts()
	if len(aliases) == 0 {
		response.AddMessage("No active connections", StatusWarn)
		return response
	}
	for _, alias := range aliases {
		r := d.disconnect(alias)
		response.Messages = append(response.Messages, r.Messages...)
	}
	return response
}

func (d *Daemon) forget(alias string) Response {
	response := Response{}
	if err := d.orch.Forget(alias); err != nil {
		response.AddError(err)
		return response
	}
	response.AddMessage(fmt.Sprintf("Forgot connection state of %s", alias), StatusInfo)
	return response
}

// setTunnel records a desired forward and applies it right away when the
// host is connected.
func (d *Daemon) setTunnel(alias, spec string, enabled bool) Response {
	response := Response{}

	forward, err := control.ParseForward(spec)
	if err != nil {
		response.AddError(err)
		return response
	}
	if _, err := d.orch.SetTunnel(alias, forward, enabled); err != nil {
		response.AddError(err)
		return response
	}

	verb := "disabled"
	if enabled {
		verb = "enabled"
	}
	response.AddMessage(fmt.Sprintf("Forward %s %s on %s", forward, verb, alias), StatusInfo)
	d.applyIfConnected(&response, alias)
	response.AddData(ConnectData{Connection: d.connectionView(alias)})
	return response
}

func (d *Daemon) deleteTunnel(alias, ref string) Response {
	response := Response{}

	forward, err := d.orch.ResolveTunnel(alias, ref)
	if err != nil {
		response.AddError(err)
		return response
	}
	if err := d.orch.DeleteTunnel(alias, forward); err != nil {
		response.AddError(err)
		return response
	}
	response.AddMessage(fmt.Sprintf("Forward %s deleted from %s", forward, alias), StatusInfo)
	d.applyIfConnected(&response, alias)
	return response
}

func (d *Daemon) applyIfConnected(response *Response, alias string) {
	state, err := d.orch.State(alias)
	if err != nil || state != orchestrator.StateConnected {
		return
	}
	report, err := d.orch.Reconcile(d.ctx, alias)
	if err != nil {
		response.AddError(err)
		return
	}
	addReport(response, report)
}

// getEvents reads "[host] [limit]" and returns recent audit log rows
func (d *Daemon) getEvents(args []string) Response {
	response := Response{}
	if d.database == nil {
		response.AddMessage("Event log is not available", StatusError)
		return response
	}

	host, limit := "", 20
	for _, arg := range args {
		if n, err := strconv.Atoi(arg); err == nil && n > 0 {
			limit = n
		} else {
			host = arg
		}
	}

	var data EventsData
	var err error
	if data.Connections, err = d.database.GetRecentConnectionEvents(host, limit); err != nil {
		response.AddError(fmt.Errorf("failed to read connection events: %w", err))
		return response
	}
	if data.Tunnels, err = d.database.GetRecentTunnelEvents(host, limit); err != nil {
		response.AddError(fmt.Errorf("failed to read tunnel events: %w", err))
		return response
	}
	if host == "" {
		if data.Daemon, err = d.database.GetRecentDaemonEvents(limit); err != nil {
			response.AddError(fmt.Errorf("failed to read daemon events: %w", err))
			return response
		}
	}

	response.AddMessage("OK", StatusInfo)
	response.AddData(data)
	return response
}

// handleWatch streams a snapshot followed by change events as JSON lines
// until the client disconnects or the daemon stops.
func (d *Daemon) handleWatch(conn net.Conn) {
	id, events := d.orch.Subscribe()
	defer d.orch.Unsubscribe(id)

	enc := json.NewEncoder(conn)
	snap := d.orch.Snapshot()
	if err := enc.Encode(WatchFrame{Snapshot: &snap}); err != nil {
		return
	}

	done := clientGone(conn)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(WatchFrame{Event: &ev}); err != nil {
				return
			}
		case <-done:
			return
		case <-d.ctx.Done():
			return
		}
	}
}
