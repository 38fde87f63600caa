package sshd_test

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"go.olrik.dev/stm/internal/testutil/sshd"
)

func dial(t *testing.T, srv *sshd.Server, user string, signer ssh.Signer) (*ssh.Client, error) {
	t.Helper()
	return ssh.Dial("tcp", srv.Addr(), &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
}

func startServer(t *testing.T) (*sshd.Server, ssh.Signer) {
	t.Helper()
	signer, _ := sshd.ClientKey(t, t.TempDir())
	srv := sshd.Start(t, sshd.Options{
		Username:       "tester",
		AuthorizedKeys: []ssh.PublicKey{signer.PublicKey()},
	})
	return srv, signer
}

// echoServer accepts one connection and echoes lines back.
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			conn.Write([]byte(line))
		}
	}()
	return ln.Addr().String()
}

func waitForConnections(t *testing.T, srv *sshd.Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.ConnectionCount() != n && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := srv.ConnectionCount(); got != n {
		t.Fatalf("expected %d connections, got %d", n, got)
	}
}

func TestServer_WritesConfig(t *testing.T) {
	srv, _ := startServer(t)

	if srv.Port() <= 0 {
		t.Fatalf("expected positive port, got %d", srv.Port())
	}
	if !strings.HasPrefix(srv.Alias(), "sshd-") {
		t.Errorf("unexpected alias %q", srv.Alias())
	}
	if srv.SSHConfigPath() == "" {
		t.Fatal("expected ssh_config path")
	}
}

func TestServer_PublicKeyAuth(t *testing.T) {
	srv, signer := startServer(t)

	client, err := dial(t, srv, "tester", signer)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	waitForConnections(t, srv, 1)
}

func TestServer_RejectsUnknownKeyAndUser(t *testing.T) {
	srv, signer := startServer(t)
	other, _ := sshd.ClientKey(t, t.TempDir())

	if c, err := dial(t, srv, "tester", other); err == nil {
		c.Close()
		t.Error("expected unknown key to be rejected")
	}
	if c, err := dial(t, srv, "mallory", signer); err == nil {
		c.Close()
		t.Error("expected unknown user to be rejected")
	}
}

func TestServer_DirectTCPIP(t *testing.T) {
	srv, signer := startServer(t)
	addr := echoServer(t)

	client, err := dial(t, srv, "tester", signer)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	conn, err := client.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("direct-tcpip dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "ping\n" {
		t.Errorf("expected echo, got %q", line)
	}
}

func TestServer_DropConnections(t *testing.T) {
	srv, signer := startServer(t)

	client, err := dial(t, srv, "tester", signer)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	waitForConnections(t, srv, 1)

	closed := make(chan struct{})
	go func() {
		client.Wait()
		close(closed)
	}()

	srv.DropConnections()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("client connection was not closed")
	}

	// The listener keeps accepting after a drop.
	again, err := dial(t, srv, "tester", signer)
	if err != nil {
		t.Fatalf("redial failed: %v", err)
	}
	again.Close()
}
