package control

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/juju/errors"
)

func TestSocketPath(t *testing.T) {
	tests := []struct {
		hostname string
		port     int
		want     string
	}{
		{"example.com", 22, "/tmp/s/example.com-22"},
		{"example.com", 0, "/tmp/s/example.com-22"},
		{"10.0.0.5", 2222, "/tmp/s/10.0.0.5-2222"},
		{"weird/host", 22, "/tmp/s/weird_host-22"},
	}

	for _, tt := range tests {
		got, err := SocketPath("/tmp/s", tt.hostname, tt.port)
		if err != nil {
			t.Fatalf("SocketPath(%q, %d) error: %v", tt.hostname, tt.port, err)
		}
		if got != tt.want {
			t.Errorf("SocketPath(%q, %d) = %q, want %q", tt.hostname, tt.port, got, tt.want)
		}
	}
}

func TestSocketPath_Deterministic(t *testing.T) {
	a, _ := SocketPath("/tmp/s", "host", 22)
	b, _ := SocketPath("/tmp/s", "host", 22)
	c, _ := SocketPath("/tmp/s", "host", 23)
	if a != b {
		t.Errorf("same host and port gave %q and %q", a, b)
	}
	if a == c {
		t.Errorf("different ports share %q", a)
	}
}

func TestSocketPath_TooLong(t *testing.T) {
	dir := "/" + strings.Repeat("d", 120)
	_, err := SocketPath(dir, "example.com", 22)
	if !errors.Is(err, ErrSocketPathTooLong) {
		t.Fatalf("expected ErrSocketPathTooLong, got %v", err)
	}
}

func listenUnix(t *testing.T, path string) {
	t.Helper()
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Skipf("cannot create unix socket: %v", err)
	}
	// Keep the file around after Close.
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()
}

func TestSocketFiles(t *testing.T) {
	dir, err := os.MkdirTemp("", "stm")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	sock := filepath.Join(dir, "host-22")
	listenUnix(t, sock)
	plain := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(plain, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if !SocketExists(sock) {
		t.Error("expected socket to exist")
	}
	if SocketExists(plain) {
		t.Error("regular file reported as socket")
	}

	sockets, err := ListSockets(dir)
	if err != nil {
		t.Fatalf("ListSockets: %v", err)
	}
	if len(sockets) != 1 || sockets[0] != sock {
		t.Errorf("ListSockets() = %v", sockets)
	}

	if err := RemoveSocket(sock); err != nil {
		t.Fatalf("RemoveSocket: %v", err)
	}
	if SocketExists(sock) {
		t.Error("socket still present after removal")
	}
	if err := RemoveSocket(sock); err != nil {
		t.Errorf("removing a missing socket should succeed, got %v", err)
	}
}

func TestListSockets_MissingDir(t *testing.T) {
	sockets, err := ListSockets(filepath.Join(t.TempDir(), "nope"))
	if err != nil || sockets != nil {
		t.Errorf("expected empty result, got %v, %v", sockets, err)
	}
}

func TestPortAvailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	if PortAvailable(port) {
		t.Errorf("port %d is bound but reported available", port)
	}
}
