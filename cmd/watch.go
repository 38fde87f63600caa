package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/stm/internal/daemon"
	"go.olrik.dev/stm/internal/orchestrator"
)

func NewWatchCommand() *cobra.Command {
	var raw bool

	watchCmd := &cobra.Command{
		Use:     "watch",
		Aliases: []string{"w"},
		Short:   "Follow connection and tunnel changes as they happen",
		Long: `Follow connection and tunnel changes as they happen.

Prints the current status first and then one line per change. Press
Ctrl+C to exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !daemon.IsDaemonRunning() {
				return fmt.Errorf("daemon is not running, use 'stm start' to start it")
			}

			stop := make(chan struct{})
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				<-sigChan
				close(stop)
			}()

			color := stdoutIsTerminal()
			return daemon.StreamCommand("WATCH", stop, func(line []byte) error {
				if raw {
					_, err := os.Stdout.Write(line)
					return err
				}
				var frame daemon.WatchFrame
				if err := json.Unmarshal(line, &frame); err != nil {
					return fmt.Errorf("bad frame from daemon: %w", err)
				}
				renderFrame(os.Stdout, frame, color)
				return nil
			})
		},
	}
	watchCmd.Flags().BoolVar(&raw, "json", false, "Print raw JSON frames")

	return watchCmd
}

func renderFrame(w io.Writer, frame daemon.WatchFrame, color bool) {
	if frame.Snapshot != nil {
		for _, c := range frame.Snapshot.Connections {
			fmt.Fprintf(w, "%s %-12s %s (%d tunnel(s))\n",
				paint(frame.Snapshot.Taken.Local().Format(time.TimeOnly), colorDim, color),
				c.Host.Alias,
				paint(string(c.State), stateColor(c.State), color),
				len(c.Tunnels))
		}
		return
	}
	if frame.Event != nil {
		fmt.Fprintln(w, formatEvent(*frame.Event, color))
	}
}

// formatEvent renders one change event as a single line
func formatEvent(ev orchestrator.Event, color bool) string {
	ts := paint(ev.Time.Local().Format(time.TimeOnly), colorDim, color)
	host := fmt.Sprintf("%-12s", ev.Host)

	switch ev.Type {
	case orchestrator.EventState:
		line := fmt.Sprintf("%s %s %s -> %s", ts, host, ev.From, paint(string(ev.To), stateColor(ev.To), color))
		if ev.Reason != "" {
			line += paint(fmt.Sprintf(" (%s: %s)", ev.Kind, ev.Reason), colorRed, color)
		}
		return line
	case orchestrator.EventTunnel:
		if ev.Tunnel == nil {
			return fmt.Sprintf("%s %s tunnel changed", ts, host)
		}
		return fmt.Sprintf("%s %s %s", ts, host, formatTunnel(daemon.TunnelView{TunnelStatus: *ev.Tunnel}, color)[4:])
	case orchestrator.EventHealth:
		status := paint("healthy", colorGreen, color)
		if !ev.Healthy {
			status = paint("unhealthy: "+ev.Reason, colorRed, color)
		}
		return fmt.Sprintf("%s %s health check %s", ts, host, status)
	case orchestrator.EventHosts:
		return fmt.Sprintf("%s %s", ts, paint("host list reloaded", colorCyan, color))
	case orchestrator.EventForget:
		return fmt.Sprintf("%s %s forgotten", ts, host)
	default:
		return fmt.Sprintf("%s %s %s", ts, host, ev.Type)
	}
}
