package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/stm/internal/daemon"
)

func NewLogsCommand() *cobra.Command {
	var lines int

	logsCmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"log"},
		Short:   "Stream daemon logs in real-time",
		Long: `Stream daemon logs in real-time.

Press Ctrl+C to exit. By default, only shows INFO level and above.

Filter categories:
  connection  - Control master state changes
  tunnel      - Forward add, cancel and failures
  health      - Liveness probes, sleep and wake
  daemon      - Daemon start, stop and config reloads

Examples:
  stm logs               # Stream INFO and above
  stm logs --debug       # Include DEBUG logs
  stm logs -F tunnel     # Filter to tunnel changes
  stm logs -F db         # Filter by keyword
  stm logs -L 50         # Show 50 history lines on connect

Automatically reconnects if the daemon is restarted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !daemon.IsDaemonRunning() {
				return fmt.Errorf("daemon is not running, use 'stm start' to start it")
			}

			debug, _ := cmd.Flags().GetBool("debug")
			filter, _ := cmd.Flags().GetString("filter")
			noColor, _ := cmd.Flags().GetBool("no-color")

			stop := make(chan struct{})
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				<-sigChan
				close(stop)
			}()

			// History is only shown on the first connection
			isReconnect := false
			for {
				command := fmt.Sprintf("LOGS %d", lines)
				if isReconnect {
					command += " no_history"
				}

				err := daemon.StreamCommand(command, stop, func(raw []byte) error {
					line := string(raw)
					if !debug && isDebugLog(line) {
						return nil
					}
					if filter != "" && !matchesFilter(line, filter) {
						return nil
					}
					if noColor {
						line = stripANSI(line)
					}
					fmt.Print(line)
					return nil
				})

				select {
				case <-stop:
					fmt.Println("\nDisconnected from daemon logs.")
					return nil
				default:
				}
				if err != nil {
					fmt.Printf("Connection lost (%v). Reconnecting...\n", err)
				} else {
					fmt.Println("Connection lost. Reconnecting...")
				}
				if !waitForDaemon(5*time.Second, stop) {
					fmt.Println("Daemon not available. Exiting.")
					return nil
				}
				isReconnect = true
			}
		},
	}

	logsCmd.Flags().Bool("debug", false, "Show DEBUG level logs")
	logsCmd.Flags().StringP("filter", "F", "", "Filter logs by keyword (e.g., tunnel, connection, health, daemon)")
	logsCmd.Flags().Bool("no-color", false, "Disable colored output")
	logsCmd.Flags().IntVarP(&lines, "lines", "L", 20, "Number of history lines to show on connect")

	return logsCmd
}

// waitForDaemon polls until the daemon answers, the timeout passes or stop
// is closed.
func waitForDaemon(timeout time.Duration, stop <-chan struct{}) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-stop:
			return false
		case <-time.After(500 * time.Millisecond):
		}
		if daemon.IsDaemonRunning() {
			return true
		}
	}
	return false
}

// isDebugLog checks if a log line is a DEBUG level log
func isDebugLog(line string) bool {
	if strings.Contains(line, " DBG ") {
		return true
	}
	// tint colors the level, so check again without escape codes
	return strings.Contains(stripANSI(line), " DBG ")
}

// matchesFilter checks if a log line matches the filter criteria
func matchesFilter(line, filter string) bool {
	filter = strings.ToLower(filter)
	lineLower := strings.ToLower(stripANSI(line))

	switch filter {
	case "connection":
		return strings.Contains(lineLower, "connection") ||
			strings.Contains(lineLower, "socket") ||
			strings.Contains(lineLower, "master")
	case "tunnel":
		return strings.Contains(lineLower, "tunnel") ||
			strings.Contains(lineLower, "forward")
	case "health":
		return strings.Contains(lineLower, "health") ||
			strings.Contains(lineLower, "probe") ||
			strings.Contains(lineLower, "sleep") ||
			strings.Contains(lineLower, "wake")
	case "daemon":
		return strings.Contains(lineLower, "daemon") ||
			strings.Contains(lineLower, "reload") ||
			strings.Contains(lineLower, "shutdown")
	default:
		return strings.Contains(lineLower, filter)
	}
}

// stripANSI removes ANSI escape codes from a string
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if s[i] == 'm' {
				inEscape = false
			}
			continue
		}
		result.WriteByte(s[i])
	}

	return result.String()
}
