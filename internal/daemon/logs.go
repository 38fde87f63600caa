package daemon

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// LogBroadcaster manages streaming logs to multiple clients
type LogBroadcaster struct {
	clients map[chan string]bool
	history []string // Ring buffer for recent messages
	maxHist int      // Maximum history size
	mu      sync.RWMutex
}

// NewLogBroadcaster creates a new log broadcaster with the specified history size
func NewLogBroadcaster(historySize int) *LogBroadcaster {
	if historySize <= 0 {
		historySize = 1000
	}
	return &LogBroadcaster{
		clients: make(map[chan string]bool),
		history: make([]string, 0, historySize),
		maxHist: historySize,
	}
}

// Subscribe adds a new client to receive log broadcasts
func (lb *LogBroadcaster) Subscribe() chan string {
	ch, _ := lb.SubscribeWithHistory(0)
	return ch
}

// SubscribeWithHistory adds a new client and returns up to historyLines
// recent messages. History is returned separately so the channel buffer is
// left for live messages.
func (lb *LogBroadcaster) SubscribeWithHistory(historyLines int) (chan string, []string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	ch := make(chan string, 100)
	lb.clients[ch] = true

	var history []string
	if historyLines > 0 && len(lb.history) > 0 {
		start := max(len(lb.history)-historyLines, 0)
		history = make([]string, len(lb.history)-start)
		copy(history, lb.history[start:])
	}

	return ch, history
}

// Unsubscribe removes a client from receiving broadcasts
func (lb *LogBroadcaster) Unsubscribe(ch chan string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.clients[ch] {
		delete(lb.clients, ch)
		close(ch)
	}
}

// Broadcast records a log message and sends it to all subscribed clients
func (lb *LogBroadcaster) Broadcast(message string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.history) >= lb.maxHist {
		lb.history = lb.history[1:]
	}
	lb.history = append(lb.history, message)

	for ch := range lb.clients {
		select {
		case ch <- message:
		default:
			// Slow client, drop the message rather than block logging
		}
	}
}

// LogWriter is an io.Writer that broadcasts log messages
type LogWriter struct {
	broadcaster *LogBroadcaster
}

func (lw *LogWriter) Write(p []byte) (n int, err error) {
	lw.broadcaster.Broadcast(string(p))
	return len(p), nil
}

// newLogHandler builds the tint handler used by the daemon
func newLogHandler(w io.Writer, verbose int, color bool) slog.Handler {
	level := slog.LevelInfo
	if verbose > 0 {
		level = slog.LevelDebug
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		NoColor:    !color,
	})
}

// setupLogging sends daemon logs to stderr and to streaming clients
func (d *Daemon) setupLogging() {
	multiWriter := io.MultiWriter(os.Stderr, &LogWriter{broadcaster: d.logBroadcast})
	color := term.IsTerminal(int(os.Stderr.Fd()))
	d.log = slog.New(newLogHandler(multiWriter, d.cfg.Verbose, color))
	slog.SetDefault(d.log)
}

// handleLogs streams daemon logs to the client until they disconnect
func (d *Daemon) handleLogs(conn net.Conn, showHistory bool, historyLines int) {
	if !showHistory {
		historyLines = 0
	}
	logChan, history := d.logBroadcast.SubscribeWithHistory(historyLines)
	defer d.logBroadcast.Unsubscribe(logChan)

	for _, msg := range history {
		if _, err := io.WriteString(conn, msg); err != nil {
			return
		}
	}

	done := clientGone(conn)
	for {
		select {
		case logMsg, ok := <-logChan:
			if !ok {
				return
			}
			if _, err := io.WriteString(conn, logMsg); err != nil {
				return
			}
		case <-done:
			return
		case <-d.ctx.Done():
			return
		}
	}
}

// clientGone returns a channel closed once the client closes its side
func clientGone(conn net.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		io.Copy(io.Discard, bufio.NewReader(conn))
		close(done)
	}()
	return done
}
