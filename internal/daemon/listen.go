package daemon

import (
	psnet "github.com/shirou/gopsutil/v3/net"

	"go.olrik.dev/stm/internal/orchestrator"
)

// localListeners returns the local TCP ports in LISTEN state
func localListeners() (map[int]bool, error) {
	conns, err := psnet.Connections("tcp")
	if err != nil {
		return nil, err
	}

	ports := make(map[int]bool)
	for _, conn := range conns {
		if conn.Status == "LISTEN" {
			ports[int(conn.Laddr.Port)] = true
		}
	}
	return ports, nil
}

// TunnelView is a tunnel in the STATUS reply. Listening reports whether the
// local port is bound, when that could be determined.
type TunnelView struct {
	orchestrator.TunnelStatus
	Listening *bool `json:"listening,omitempty"`
}

// ConnectionView is a connection in the STATUS reply
type ConnectionView struct {
	orchestrator.ConnectionStatus
	Tunnels []TunnelView `json:"tunnels"`
}

// annotate wraps connection statuses with local listener information
func (d *Daemon) annotate(conns []orchestrator.ConnectionStatus) []ConnectionView {
	ports, err := d.opts.Listeners()
	if err != nil {
		d.log.Debug("Failed to list local listeners", "error", err)
		ports = nil
	}

	views := make([]ConnectionView, 0, len(conns))
	for _, c := range conns {
		cv := ConnectionView{ConnectionStatus: c, Tunnels: make([]TunnelView, 0, len(c.Tunnels))}
		for _, t := range c.Tunnels {
			tv := TunnelView{TunnelStatus: t}
			if ports != nil {
				listening := ports[t.Forward.LocalPort]
				tv.Listening = &listening
			}
			cv.Tunnels = append(cv.Tunnels, tv)
		}
		views = append(views, cv)
	}
	return views
}
