// Package sshd provides an in-process SSH server for integration tests.
//
// It accepts public key authentication only, because masters are started
// with BatchMode=yes. It serves the pieces a ControlMaster needs: global
// keepalive requests, idle session channels and direct-tcpip channels for
// -L forwards. The server writes an ssh_config file for `ssh -F`.
package sshd

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Options configures the server.
type Options struct {
	Username       string          // Required
	AuthorizedKeys []ssh.PublicKey // Required
	Alias          string          // Defaults to "sshd-<port>"
}

// Server is an in-process SSH server.
type Server struct {
	t    testing.TB
	opts Options

	config   *ssh.ServerConfig
	listener net.Listener
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	conns map[*ssh.ServerConn]struct{}

	sshConfigPath string
	alias         string
}

// Start creates a server listening on a random loopback port. It is
// stopped automatically when the test ends.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	if opts.Username == "" || len(opts.AuthorizedKeys) == 0 {
		t.Fatal("sshd: Username and AuthorizedKeys are required")
	}

	s := &Server{
		t:     t,
		opts:  opts,
		done:  make(chan struct{}),
		conns: make(map[*ssh.ServerConn]struct{}),
	}

	s.config = &ssh.ServerConfig{
		PublicKeyCallback: s.checkKey,
	}
	s.config.AddHostKey(newSigner(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("sshd: listen: %v", err)
	}
	s.listener = ln

	s.alias = opts.Alias
	if s.alias == "" {
		s.alias = "sshd-" + strconv.Itoa(s.Port())
	}
	s.writeSSHConfig(t.TempDir())

	s.wg.Add(1)
	go s.acceptLoop()

	t.Cleanup(s.Stop)
	return s
}

// Stop closes the listener and every client connection and waits for all
// handlers to return. It is safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.listener.Close()
		s.DropConnections()
		s.wg.Wait()
	})
}

// DropConnections closes every established client connection while the
// listener keeps accepting. A master loses its transport the way it would
// on a network failure.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// ConnectionCount returns the number of authenticated client connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Alias() string {
	return s.alias
}

// SSHConfigPath returns the generated client config.
func (s *Server) SSHConfigPath() string {
	return s.sshConfigPath
}

func (s *Server) checkKey(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	if conn.User() != s.opts.Username {
		return nil, fmt.Errorf("unknown user %q", conn.User())
	}
	for _, authorized := range s.opts.AuthorizedKeys {
		if bytes.Equal(key.Marshal(), authorized.Marshal()) {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("unknown public key for %q", conn.User())
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		sshConn.Close()
		return
	default:
	}
	s.conns[sshConn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, sshConn)
		s.mu.Unlock()
		sshConn.Close()
	}()

	go replyGlobal(reqs)

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			s.wg.Add(1)
			go s.serveSession(sshConn, newChan)
		case "direct-tcpip":
			s.wg.Add(1)
			go s.serveDirectTCPIP(newChan)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

// replyGlobal acknowledges keepalive and no-more-sessions, rejects the rest.
func replyGlobal(reqs <-chan *ssh.Request) {
	for req := range reqs {
		ok := req.Type == "keepalive@openssh.com" || req.Type == "no-more-sessions@openssh.com"
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
}

func (s *Server) serveSession(conn *ssh.ServerConn, newChan ssh.NewChannel) {
	defer s.wg.Done()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(req.Type != "pty-req", nil)
			}
		}
	}()

	// Sessions stay open until the client or the server goes away.
	closed := make(chan struct{})
	go func() {
		conn.Wait()
		close(closed)
	}()
	select {
	case <-closed:
	case <-s.done:
	}
}

type directTCPIP struct {
	DestHost   string
	DestPort   uint32
	OriginHost string
	OriginPort uint32
}

func (s *Server) serveDirectTCPIP(newChan ssh.NewChannel) {
	defer s.wg.Done()

	var p directTCPIP
	if err := ssh.Unmarshal(newChan.ExtraData(), &p); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "invalid payload")
		return
	}

	dest := net.JoinHostPort(p.DestHost, strconv.Itoa(int(p.DestPort)))
	upstream, err := net.Dial("tcp", dest)
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	defer upstream.Close()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	copied := make(chan struct{}, 2)
	go func() {
		io.Copy(ch, upstream)
		ch.CloseWrite()
		copied <- struct{}{}
	}()
	go func() {
		io.Copy(upstream, ch)
		if tcp, ok := upstream.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
		copied <- struct{}{}
	}()

	for range 2 {
		select {
		case <-copied:
		case <-s.done:
			return
		}
	}
}

func (s *Server) writeSSHConfig(dir string) {
	s.sshConfigPath = filepath.Join(dir, "ssh_config")

	config := fmt.Sprintf(`Host %s
    HostName 127.0.0.1
    Port %d
    User %s
    StrictHostKeyChecking no
    UserKnownHostsFile /dev/null
    LogLevel ERROR
`, s.alias, s.Port(), s.opts.Username)

	if err := os.WriteFile(s.sshConfigPath, []byte(config), 0o600); err != nil {
		s.t.Fatalf("sshd: write ssh_config: %v", err)
	}
}

// AppendConfig adds lines to the Host block of the generated ssh_config.
func (s *Server) AppendConfig(lines ...string) {
	s.t.Helper()

	f, err := os.OpenFile(s.sshConfigPath, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.t.Fatalf("sshd: open ssh_config: %v", err)
	}
	defer f.Close()
	for _, l := range lines {
		if _, err := fmt.Fprintf(f, "    %s\n", l); err != nil {
			s.t.Fatalf("sshd: append ssh_config: %v", err)
		}
	}
}

func newSigner(t testing.TB) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("sshd: generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("sshd: signer: %v", err)
	}
	return signer
}

// ClientKey writes a fresh ED25519 private key to dir in OpenSSH format and
// returns its signer and path.
func ClientKey(t testing.TB, dir string) (ssh.Signer, string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("sshd: generate client key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("sshd: client signer: %v", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("sshd: marshal client key: %v", err)
	}
	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("sshd: write client key: %v", err)
	}
	return signer, path
}
