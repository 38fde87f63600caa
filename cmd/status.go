package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/stm/internal/daemon"
	"go.olrik.dev/stm/internal/orchestrator"
)

const (
	colorReset  = "\033[0m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:               "status [alias]",
		Aliases:           []string{"s", "st"},
		Short:             "Show connections and their tunnels",
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: hostCompletionFunc,
		RunE: func(cmd *cobra.Command, args []string) error {
			command := "STATUS"
			if len(args) == 1 {
				command += " " + args[0]
			}
			response, err := daemon.SendCommand(command)
			if err != nil {
				slog.Warn("No connections (daemon is not running).")
				return nil
			}
			if response.HasErrors() {
				response.LogMessages()
				return errSilentExit
			}

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				var data daemon.StatusData
				if err := response.DecodeData(&data); err != nil {
					return fmt.Errorf("failed to decode status: %w", err)
				}
				renderStatus(os.Stdout, data, time.Now(), stdoutIsTerminal())
			case "json":
				fmt.Println(string(response.Data))
			default:
				return fmt.Errorf("unknown format %q", format)
			}
			return nil
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}

func paint(s, color string, enabled bool) string {
	if !enabled || color == "" {
		return s
	}
	return color + s + colorReset
}

func stateColor(state orchestrator.State) string {
	switch state {
	case orchestrator.StateConnected:
		return colorGreen
	case orchestrator.StateConnecting, orchestrator.StateDisconnecting:
		return colorYellow
	case orchestrator.StateFailed:
		return colorRed
	default:
		return colorDim
	}
}

// formatAge renders a duration the way a person reads uptime
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}

// hostTarget renders user@hostname:port, leaving out defaults
func hostTarget(h orchestrator.Host) string {
	target := h.Hostname
	if target == "" {
		target = h.Alias
	}
	if h.User != "" {
		target = h.User + "@" + target
	}
	if h.Port != 0 && h.Port != 22 {
		target = fmt.Sprintf("%s:%d", target, h.Port)
	}
	return target
}

func formatTunnel(t daemon.TunnelView, color bool) string {
	var marker, state string
	switch {
	case t.Deleting:
		marker, state = "-", paint("deleting", colorYellow, color)
	case t.ErrorKind != "":
		marker, state = "!", paint(fmt.Sprintf("%s: %s", t.ErrorKind, t.LastError), colorRed, color)
	case t.Applied && t.Desired:
		marker, state = "+", paint("applied", colorGreen, color)
	case t.Applied:
		marker, state = "~", paint("pending removal", colorYellow, color)
	case t.Desired:
		marker, state = "~", paint("pending", colorYellow, color)
	default:
		marker, state = " ", paint("disabled", colorDim, color)
	}

	line := fmt.Sprintf("    %s %-24s %s", marker, t.Spec, state)
	if t.Listening != nil && t.Applied {
		if *t.Listening {
			line += paint(" (listening)", colorDim, color)
		} else {
			line += paint(" (not listening)", colorRed, color)
		}
	}
	return line + paint("  "+t.ID.String()[:8], colorDim, color)
}

// renderStatus writes the human readable STATUS view
func renderStatus(w io.Writer, data daemon.StatusData, now time.Time, color bool) {
	header := fmt.Sprintf("Daemon %s (PID %d), up %s", data.Version, data.PID, formatAge(now.Sub(data.StartedAt)))
	if data.Suppressed {
		header += paint(" [health checks paused after wake]", colorYellow, color)
	}
	fmt.Fprintln(w, header)

	if len(data.Connections) == 0 {
		fmt.Fprintln(w, "  No connections")
		return
	}

	width := 0
	for _, c := range data.Connections {
		width = max(width, len(c.Host.Alias))
	}

	for _, c := range data.Connections {
		state := paint(fmt.Sprintf("%-13s", c.State), stateColor(c.State), color)
		line := fmt.Sprintf("  %-*s  %s %s", width, c.Host.Alias, state, hostTarget(c.Host))
		if !c.Since.IsZero() {
			line += paint(fmt.Sprintf("  for %s", formatAge(now.Sub(c.Since))), colorDim, color)
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))

		if c.State == orchestrator.StateFailed && c.Reason != "" {
			fmt.Fprintln(w, paint(fmt.Sprintf("    %s: %s", c.ErrorKind, c.Reason), colorRed, color))
		}
		for _, t := range c.Tunnels {
			fmt.Fprintln(w, formatTunnel(t, color))
		}
	}
}
