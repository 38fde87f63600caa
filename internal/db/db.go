package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite audit log of connection, tunnel and daemon events
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the SQLite database at the specified path
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{
		conn: conn,
		path: path,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Path returns the database file location
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		// Checkpoint the WAL so everything lands in the main database file
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

// Flush forces a WAL checkpoint to write pending changes to the main database file
func (db *DB) Flush() error {
	if db.conn != nil {
		_, err := db.conn.Exec("PRAGMA wal_checkpoint(RESTART)")
		return err
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	-- Connection state transitions
	CREATE TABLE IF NOT EXISTS connection_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		host TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Tunnel outcomes
	CREATE TABLE IF NOT EXISTS tunnel_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		host TEXT NOT NULL,
		tunnel_id TEXT NOT NULL,
		forward TEXT NOT NULL,
		event_type TEXT NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '',
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Daemon lifecycle events
	CREATE TABLE IF NOT EXISTS daemon_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_connection_events_timestamp ON connection_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_connection_events_host ON connection_events(host);
	CREATE INDEX IF NOT EXISTS idx_tunnel_events_timestamp ON tunnel_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tunnel_events_host ON tunnel_events(host);
	CREATE INDEX IF NOT EXISTS idx_daemon_events_timestamp ON daemon_events(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// execRetry retries briefly while the database is locked (3 attempts, 5ms
// apart). Logging is best-effort and must not stall the daemon.
func (db *DB) execRetry(query string, args ...any) error {
	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(query, args...)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to write event after %d retries: database locked", maxRetries)
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// ConnectionEvent is one connection state transition
type ConnectionEvent struct {
	ID        int64     `json:"id"`
	Host      string    `json:"host"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	ErrorKind string    `json:"error_kind"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// LogConnectionEvent records a state transition. A zero Timestamp means now.
func (db *DB) LogConnectionEvent(e ConnectionEvent) error {
	return db.execRetry(
		`INSERT INTO connection_events (host, from_state, to_state, error_kind, reason, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Host, e.FromState, e.ToState, e.ErrorKind, e.Reason, stamp(e.Timestamp),
	)
}

// TunnelEvent is one tunnel outcome (applied, removed, failed, ...)
type TunnelEvent struct {
	ID        int64     `json:"id"`
	Host      string    `json:"host"`
	TunnelID  string    `json:"tunnel_id"`
	Forward   string    `json:"forward"`
	EventType string    `json:"event_type"`
	ErrorKind string    `json:"error_kind"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// LogTunnelEvent records a tunnel outcome. A zero Timestamp means now.
func (db *DB) LogTunnelEvent(e TunnelEvent) error {
	return db.execRetry(
		`INSERT INTO tunnel_events (host, tunnel_id, forward, event_type, error_kind, details, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Host, e.TunnelID, e.Forward, e.EventType, e.ErrorKind, e.Details, stamp(e.Timestamp),
	)
}

// DaemonEvent represents a daemon lifecycle event
type DaemonEvent struct {
	ID        int64     `json:"id"`
	EventType string    `json:"event_type"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// LogDaemonEvent logs a daemon lifecycle event to the database
func (db *DB) LogDaemonEvent(eventType, details string) error {
	return db.execRetry(
		`INSERT INTO daemon_events (event_type, details, timestamp)
		 VALUES (?, ?, ?)`,
		eventType, details, time.Now(),
	)
}

// GetRecentConnectionEvents retrieves recent transitions, newest first.
// An empty host means every host.
func (db *DB) GetRecentConnectionEvents(host string, limit int) ([]ConnectionEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, host, from_state, to_state, error_kind, reason, timestamp
		 FROM connection_events
		 WHERE ? = '' OR host = ?
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		host, host, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ConnectionEvent
	for rows.Next() {
		var e ConnectionEvent
		if err := rows.Scan(&e.ID, &e.Host, &e.FromState, &e.ToState, &e.ErrorKind, &e.Reason, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentTunnelEvents retrieves recent tunnel events, newest first.
// An empty host means every host.
func (db *DB) GetRecentTunnelEvents(host string, limit int) ([]TunnelEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, host, tunnel_id, forward, event_type, error_kind, details, timestamp
		 FROM tunnel_events
		 WHERE ? = '' OR host = ?
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		host, host, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TunnelEvent
	for rows.Next() {
		var e TunnelEvent
		if err := rows.Scan(&e.ID, &e.Host, &e.TunnelID, &e.Forward, &e.EventType, &e.ErrorKind, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentDaemonEvents retrieves recent daemon events
func (db *DB) GetRecentDaemonEvents(limit int) ([]DaemonEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, details, timestamp
		 FROM daemon_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []DaemonEvent
	for rows.Next() {
		var e DaemonEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLastConnectionEventPerHost retrieves the most recent transition of each host
func (db *DB) GetLastConnectionEventPerHost() ([]ConnectionEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, host, from_state, to_state, error_kind, reason, timestamp
		 FROM connection_events
		 WHERE id IN (
			 SELECT MAX(id)
			 FROM connection_events
			 GROUP BY host
		 )
		 ORDER BY host`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ConnectionEvent
	for rows.Next() {
		var e ConnectionEvent
		if err := rows.Scan(&e.ID, &e.Host, &e.FromState, &e.ToState, &e.ErrorKind, &e.Reason, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
