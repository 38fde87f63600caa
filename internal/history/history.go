// Package history persists per-host usage and saved tunnels to a JSON file.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.olrik.dev/stm/internal/control"
)

const fileVersion = 1

// File is the on-disk layout of history.json.
type File struct {
	Version int                     `json:"version"`
	Hosts   map[string]*HostHistory `json:"hosts"`
}

// HostHistory records how a host has been used.
type HostHistory struct {
	LastUsed time.Time     `json:"last_used"`
	UseCount int           `json:"use_count"`
	Tunnels  []SavedTunnel `json:"tunnels,omitempty"`
}

// SavedTunnel is a tunnel definition with its desired flag.
type SavedTunnel struct {
	ID        uuid.UUID       `json:"id"`
	Forward   control.Forward `json:"forward"`
	Enabled   bool            `json:"enabled"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store guards a history file. All methods are safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
	data File
	now  func() time.Time
}

func newStore(path string) *Store {
	return &Store{
		path: path,
		data: File{Version: fileVersion, Hosts: make(map[string]*HostHistory)},
		now:  time.Now,
	}
}

// Load reads the history at path. A missing file gives an empty store.
// A corrupt file also gives an empty store, together with the parse error,
// so callers can warn and carry on.
func Load(path string) (*Store, error) {
	s := newStore(path)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("failed to read history file: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return s, fmt.Errorf("failed to parse history file: %w", err)
	}
	if f.Version > fileVersion {
		return s, fmt.Errorf("unsupported history file version: %d (expected %d)", f.Version, fileVersion)
	}
	if f.Hosts != nil {
		s.data.Hosts = f.Hosts
	}
	for alias, h := range s.data.Hosts {
		if h == nil {
			delete(s.data.Hosts, alias)
		}
	}
	return s, nil
}

// Path returns the file the store saves to.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) entry(alias string) *HostHistory {
	h, ok := s.data.Hosts[alias]
	if !ok {
		h = &HostHistory{}
		s.data.Hosts[alias] = h
	}
	return h
}

// RecordConnection bumps the use count and last-used time of alias.
func (s *Store) RecordConnection(alias string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.entry(alias)
	h.LastUsed = s.now()
	h.UseCount++
}

// SaveTunnels replaces the saved tunnels of alias. An empty list clears them
// but keeps the usage stats.
func (s *Store) SaveTunnels(alias string, tunnels []SavedTunnel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.entry(alias)
	h.Tunnels = append([]SavedTunnel(nil), tunnels...)
}

// SavedTunnels returns a copy of the saved tunnels of alias.
func (s *Store) SavedTunnels(alias string) []SavedTunnel {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.data.Hosts[alias]
	if !ok {
		return nil
	}
	return append([]SavedTunnel(nil), h.Tunnels...)
}

// Host returns a copy of the history of alias.
func (s *Store) Host(alias string) (HostHistory, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.data.Hosts[alias]
	if !ok {
		return HostHistory{}, false
	}
	cp := *h
	cp.Tunnels = append([]SavedTunnel(nil), h.Tunnels...)
	return cp, true
}

// Aliases returns every host with history, sorted by name.
func (s *Store) Aliases() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	aliases := make([]string, 0, len(s.data.Hosts))
	for alias := range s.data.Hosts {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// RecentHosts returns up to max hosts that have been connected, most
// recently used first. max <= 0 means no limit.
func (s *Store) RecentHosts(max int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	type used struct {
		alias string
		at    time.Time
	}
	var entries []used
	for alias, h := range s.data.Hosts {
		if h.UseCount == 0 {
			continue
		}
		entries = append(entries, used{alias, h.LastUsed})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].at.Equal(entries[j].at) {
			return entries[i].at.After(entries[j].at)
		}
		return entries[i].alias < entries[j].alias
	})
	if max > 0 && len(entries) > max {
		entries = entries[:max]
	}

	recent := make([]string, len(entries))
	for i, e := range entries {
		recent[i] = e.alias
	}
	return recent
}

// Save writes the history atomically (temp file + rename).
func (s *Store) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write history temp file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename history file: %w", err)
	}
	return nil
}
