package history

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"go.olrik.dev/stm/internal/control"
)

// steppingClock returns a time one minute later on every call.
func steppingClock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Minute)
		return t
	}
}

func TestRecordConnection(t *testing.T) {
	s := newStore(filepath.Join(t.TempDir(), "history.json"))
	s.now = steppingClock()

	s.RecordConnection("myhost")
	s.RecordConnection("myhost")

	h, ok := s.Host("myhost")
	if !ok {
		t.Fatal("expected history for myhost")
	}
	if h.UseCount != 2 {
		t.Errorf("expected use count 2, got %d", h.UseCount)
	}
	if !h.LastUsed.Equal(time.Date(2026, 3, 1, 12, 2, 0, 0, time.UTC)) {
		t.Errorf("unexpected last used: %v", h.LastUsed)
	}
}

func TestSaveTunnels(t *testing.T) {
	s := newStore(filepath.Join(t.TempDir(), "history.json"))

	tunnels := []SavedTunnel{
		{ID: uuid.New(), Forward: control.Forward{LocalPort: 5432, RemoteHost: "localhost", RemotePort: 5432}, Enabled: true},
		{ID: uuid.New(), Forward: control.Forward{LocalPort: 8080, RemoteHost: "web", RemotePort: 80}},
	}
	s.SaveTunnels("myhost", tunnels)

	// The store keeps its own copy.
	tunnels[0].Enabled = false

	saved := s.SavedTunnels("myhost")
	if len(saved) != 2 {
		t.Fatalf("expected 2 saved tunnels, got %d", len(saved))
	}
	if saved[0].Forward.LocalPort != 5432 || !saved[0].Enabled {
		t.Errorf("unexpected first tunnel: %+v", saved[0])
	}

	h, _ := s.Host("myhost")
	if h.UseCount != 0 {
		t.Errorf("saving tunnels must not count as use, got %d", h.UseCount)
	}

	s.SaveTunnels("myhost", nil)
	if len(s.SavedTunnels("myhost")) != 0 {
		t.Error("expected tunnels to be cleared")
	}
}

func TestRecentHosts(t *testing.T) {
	s := newStore(filepath.Join(t.TempDir(), "history.json"))
	s.now = steppingClock()

	s.RecordConnection("old")
	s.RecordConnection("middle")
	s.RecordConnection("new")
	s.SaveTunnels("never-connected", []SavedTunnel{{ID: uuid.New()}})

	if got := s.RecentHosts(0); !reflect.DeepEqual(got, []string{"new", "middle", "old"}) {
		t.Errorf("unexpected order: %v", got)
	}
	if got := s.RecentHosts(2); !reflect.DeepEqual(got, []string{"new", "middle"}) {
		t.Errorf("unexpected limited list: %v", got)
	}
	if got := s.Aliases(); !reflect.DeepEqual(got, []string{"middle", "never-connected", "new", "old"}) {
		t.Errorf("unexpected aliases: %v", got)
	}
}

func TestEmptyHistory(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(s.RecentHosts(10)) != 0 {
		t.Error("expected no recent hosts")
	}
	if s.SavedTunnels("nonexistent") != nil {
		t.Error("expected no saved tunnels")
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.json")
	s := newStore(path)
	s.now = steppingClock()

	id := uuid.New()
	s.RecordConnection("db")
	s.SaveTunnels("db", []SavedTunnel{{
		ID:        id,
		Forward:   control.Forward{LocalPort: 5432, RemoteHost: "localhost", RemotePort: 5432},
		Enabled:   true,
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}})

	if err := s.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not remain after save")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	h, ok := loaded.Host("db")
	if !ok || h.UseCount != 1 {
		t.Fatalf("unexpected host history: %+v", h)
	}
	if len(h.Tunnels) != 1 || h.Tunnels[0].ID != id || !h.Tunnels[0].Enabled {
		t.Errorf("unexpected tunnels: %+v", h.Tunnels)
	}
	if h.Tunnels[0].Forward.Spec() != "5432:localhost:5432" {
		t.Errorf("unexpected forward: %s", h.Tunnels[0].Forward.Spec())
	}
}

func TestLoad_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "failed to parse history file") {
		t.Fatalf("expected parse error, got %v", err)
	}
	if s == nil || len(s.Aliases()) != 0 {
		t.Error("expected an empty usable store")
	}
}

func TestLoad_NewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	if err := os.WriteFile(path, []byte(`{"version": 99, "hosts": {}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported history file version") {
		t.Fatalf("expected version error, got %v", err)
	}
}
